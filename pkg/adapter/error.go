package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrTimeout marks a call that exceeded its per-call deadline.
var ErrTimeout = errors.New("model call timed out")

// ProviderError wraps upstream failures with status metadata.
type ProviderError struct {
	Provider  string
	Status    int
	Temporary bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "provider error"
	}
	if e.Err != nil {
		if e.Provider != "" {
			return fmt.Sprintf("%s: %v", e.Provider, e.Err)
		}
		return e.Err.Error()
	}
	return fmt.Sprintf("%s provider error (status=%d)", e.Provider, e.Status)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewTimeoutError reports a per-call deadline as a transient provider error.
func NewTimeoutError(provider string, cause error) *ProviderError {
	err := ErrTimeout
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrTimeout, cause)
	}
	return &ProviderError{Provider: provider, Temporary: true, Err: err}
}

// wrapStatus builds a ProviderError from an HTTP status returned by an SDK.
func wrapStatus(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ProviderError{
		Provider:  provider,
		Status:    status,
		Temporary: status == 0 && isNetworkError(err),
		Err:       err,
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsTransient reports whether an error is safe to retry on another attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		if providerErr.Temporary {
			return true
		}
		if providerErr.Status == 408 || providerErr.Status == 429 || (providerErr.Status >= 500 && providerErr.Status <= 599) {
			return true
		}
	}
	return false
}

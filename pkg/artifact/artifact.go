package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Artifact is an immutable output produced by one model call. Corrective
// retries of the same stage produce new versions sharing the artifact ID.
type Artifact struct {
	ID        string            `json:"id"`
	Version   int               `json:"version"`
	Content   string            `json:"content"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	Prompt    string            `json:"prompt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Hash      string            `json:"hash"`
}

// New creates a new Artifact with computed hash.
func New(content, provider, model, prompt string) *Artifact {
	a := &Artifact{
		ID:        uuid.NewString(),
		Version:   1,
		Content:   content,
		Provider:  provider,
		Model:     model,
		Prompt:    prompt,
		Metadata:  make(map[string]string),
		CreatedAt: time.Now().UTC(),
	}
	a.Hash = a.computeHash()
	return a
}

// Supersede returns next as a new version of a, keeping a's ID. The
// provider, model and prompt of next are preserved since a retry may land
// on a different model.
func (a *Artifact) Supersede(next *Artifact) *Artifact {
	if a == nil {
		return next
	}
	if next == nil {
		return a
	}
	out := &Artifact{
		ID:        a.ID,
		Version:   a.Version + 1,
		Content:   next.Content,
		Provider:  next.Provider,
		Model:     next.Model,
		Prompt:    next.Prompt,
		Metadata:  copyMetadata(a.Metadata),
		CreatedAt: time.Now().UTC(),
	}
	for k, v := range next.Metadata {
		out.Metadata[k] = v
	}
	out.Hash = out.computeHash()
	return out
}

// WithMetadata returns a copy of the artifact with an additional metadata key.
func (a *Artifact) WithMetadata(key, value string) *Artifact {
	out := *a
	out.Metadata = copyMetadata(a.Metadata)
	out.Metadata[key] = value
	return &out
}

func (a *Artifact) computeHash() string {
	h := sha256.New()
	h.Write([]byte(a.Content))
	h.Write([]byte(a.Provider))
	h.Write([]byte(a.Model))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func copyMetadata(m map[string]string) map[string]string {
	newM := make(map[string]string, len(m))
	for k, v := range m {
		newM[k] = v
	}
	return newM
}

package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zen-systems/quorum/pkg/artifact"
	"google.golang.org/genai"
)

// GoogleAdapter implements the Adapter interface for Gemini models.
type GoogleAdapter struct {
	client *genai.Client
}

// NewGoogleAdapter creates a new Google Gemini adapter.
func NewGoogleAdapter(apiKey string) (*GoogleAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleAdapter{
		client: client,
	}, nil
}

// Name returns the adapter identifier.
func (a *GoogleAdapter) Name() string {
	return "google"
}

// Models returns the list of supported Gemini models.
func (a *GoogleAdapter) Models() []string {
	return []string{
		"gemini-2.0-pro",
		"gemini-2.0-flash",
	}
}

// Generate sends a request to Gemini and waits for the full response.
func (a *GoogleAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	return a.Stream(ctx, req, nil)
}

// Stream sends a request to Gemini and forwards candidate text as it arrives.
func (a *GoogleAdapter) Stream(ctx context.Context, req *Request, chunks chan<- Chunk) (*Response, error) {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens(req)),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}

	var content strings.Builder
	var usage Usage
	var finish string
	index := 0
	for resp, err := range a.client.Models.GenerateContentStream(ctx, req.Model, genai.Text(req.Prompt), cfg) {
		if err != nil {
			return nil, wrapStatus(a.Name(), googleStatus(err), fmt.Errorf("google API error: %w", err))
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		if resp.Candidates[0].FinishReason != "" {
			finish = string(resp.Candidates[0].FinishReason)
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part == nil || part.Text == "" {
				continue
			}
			content.WriteString(part.Text)
			if err := emit(ctx, chunks, Chunk{Index: index, Text: part.Text}); err != nil {
				return nil, err
			}
			index++
		}
	}

	if content.Len() == 0 {
		return nil, &ProviderError{Provider: a.Name(), Err: fmt.Errorf("google returned no candidates")}
	}

	usage = usage.Normalized()
	return &Response{
		Artifact:     artifact.New(content.String(), a.Name(), req.Model, req.Prompt),
		Usage:        &usage,
		FinishReason: finish,
	}, nil
}

func googleStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

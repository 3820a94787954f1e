package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/zen-systems/quorum/pkg/artifact"
)

// OpenAIAdapter implements the Adapter interface for OpenAI models.
type OpenAIAdapter struct {
	client openai.Client
	name   string
	models []string
	// legacyMaxTokens sends max_tokens instead of max_completion_tokens for
	// OpenAI-compatible endpoints that predate the newer field.
	legacyMaxTokens bool
}

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter(apiKey string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIAdapter{
		client: client,
		name:   "openai",
		models: []string{
			"gpt-5.2-instant",
			"gpt-5.2-thinking",
			"gpt-5.2-codex",
			"gpt-5.2-pro",
		},
	}, nil
}

// Name returns the adapter identifier.
func (a *OpenAIAdapter) Name() string {
	return a.name
}

// Models returns the list of supported models.
func (a *OpenAIAdapter) Models() []string {
	return append([]string(nil), a.models...)
}

// Generate sends a request and waits for the full completion.
func (a *OpenAIAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	return a.Stream(ctx, req, nil)
}

// Stream sends a chat completion request and forwards content deltas.
func (a *OpenAIAdapter) Stream(ctx context.Context, req *Request, chunks chan<- Chunk) (*Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if a.legacyMaxTokens {
		params.MaxTokens = openai.Int(int64(maxTokens(req)))
	} else {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens(req)))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	index := 0
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		if err := emit(ctx, chunks, Chunk{Index: index, Text: chunk.Choices[0].Delta.Content}); err != nil {
			return nil, err
		}
		index++
	}
	if err := stream.Err(); err != nil {
		return nil, wrapStatus(a.Name(), openAIStatus(err), fmt.Errorf("%s API error: %w", a.Name(), err))
	}

	if len(acc.Choices) == 0 {
		return nil, &ProviderError{Provider: a.Name(), Err: fmt.Errorf("%s returned no choices", a.Name())}
	}

	usage := Usage{
		PromptTokens:     int(acc.Usage.PromptTokens),
		CompletionTokens: int(acc.Usage.CompletionTokens),
		TotalTokens:      int(acc.Usage.TotalTokens),
	}.Normalized()

	content := acc.Choices[0].Message.Content
	return &Response{
		Artifact:     artifact.New(content, a.Name(), req.Model, req.Prompt),
		Usage:        &usage,
		FinishReason: acc.Choices[0].FinishReason,
	}, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

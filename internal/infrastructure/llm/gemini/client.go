package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/llm"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/resilience"
)

const (
	DefaultEmbedModel = "text-embedding-004"
	DefaultChatModel  = "gemini-1.5-flash"
)

type Client struct {
	client     *genai.Client
	embedModel string
	chatModel  string
}

func New(ctx context.Context, apiKey, embedModel, chatModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini: %w", llm.ErrMissingCredentials)
	}
	if embedModel == "" {
		embedModel = DefaultEmbedModel
	}
	if chatModel == "" {
		chatModel = DefaultChatModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{client: client, embedModel: embedModel, chatModel: chatModel}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Name() string { return "gemini" }

func (c *Client) Classify(err error) resilience.ErrorClassification {
	return classifyGeminiError(err)
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.EmbeddingModel(c.embedModel).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, wrapTemporaryIfNeeded("gemini embed", err)
	}
	if resp == nil || resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, errors.New("gemini embed: empty embedding")
	}
	return resp.Embedding.Values, nil
}

func (c *Client) Complete(ctx context.Context, prompt string, opts domain.CompletionOptions) (string, error) {
	model := c.client.GenerativeModel(c.chatModel)
	model.SetTemperature(opts.Temperature)
	if opts.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(opts.MaxTokens))
	}
	if opts.SystemMessage != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(opts.SystemMessage)}}
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", wrapTemporaryIfNeeded("gemini generate", err)
	}

	var out strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if text, ok := part.(genai.Text); ok {
				out.WriteString(string(text))
			}
		}
	}
	answer := strings.TrimSpace(out.String())
	if answer == "" {
		return "", errors.New("gemini generate: empty candidate")
	}
	return answer, nil
}

func classifyGeminiError(err error) resilience.ErrorClassification {
	if st, ok := status.FromError(err); ok && err != nil {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.Aborted:
			return resilience.Transient
		case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument, codes.NotFound:
			return resilience.Permanent
		}
	}
	if class, ok := resilience.ClassifyCommon(err); ok {
		return class
	}
	return resilience.Permanent
}

func wrapTemporaryIfNeeded(operation string, err error) error {
	if wrapped := resilience.WrapTemporary(operation, err, classifyGeminiError); wrapped != err {
		return wrapped
	}
	return fmt.Errorf("%s: %w", operation, err)
}

package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/llm"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/resilience"
)

type Config struct {
	// BaseURL of any OpenAI-compatible API (OpenAI, TEI, LocalAI, vLLM).
	BaseURL    string
	APIKey     string
	EmbedModel string
	ChatModel  string
	// Dimensions is sent with embedding requests for models that support
	// shortened embeddings. Zero leaves the model default.
	Dimensions int
	Timeout    time.Duration
}

type Client struct {
	client     *goopenai.Client
	embedModel string
	chatModel  string
	dimensions int
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" && strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("openai: %w", llm.ErrMissingCredentials)
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "unused"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	clientCfg := goopenai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &Client{
		client:     goopenai.NewClientWithConfig(clientCfg),
		embedModel: cfg.EmbedModel,
		chatModel:  cfg.ChatModel,
		dimensions: cfg.Dimensions,
	}, nil
}

func (c *Client) Name() string { return "openai" }

func (c *Client) Classify(err error) resilience.ErrorClassification {
	return classifyOpenAIError(err)
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.embedModel == "" {
		return nil, fmt.Errorf("openai embed: %w", llm.ErrMissingCredentials)
	}
	resp, err := c.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input:      []string{text},
		Model:      goopenai.EmbeddingModel(c.embedModel),
		Dimensions: c.dimensions,
	})
	if err != nil {
		return nil, wrapTemporaryIfNeeded("openai embed", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embed: empty data")
	}
	return resp.Data[0].Embedding, nil
}

func (c *Client) Complete(ctx context.Context, prompt string, opts domain.CompletionOptions) (string, error) {
	if c.chatModel == "" {
		return "", fmt.Errorf("openai complete: %w", llm.ErrMissingCredentials)
	}
	messages := make([]goopenai.ChatCompletionMessage, 0, 2)
	if opts.SystemMessage != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: opts.SystemMessage,
		})
	}
	messages = append(messages, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := c.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       c.chatModel,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		return "", wrapTemporaryIfNeeded("openai complete", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai complete: no choices")
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", errors.New("openai complete: empty content")
	}
	return answer, nil
}

func classifyOpenAIError(err error) resilience.ErrorClassification {
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		return resilience.ClassifyHTTPStatus(apiErr.HTTPStatusCode)
	case errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0:
		return resilience.ClassifyHTTPStatus(reqErr.HTTPStatusCode)
	}
	if class, ok := resilience.ClassifyCommon(err); ok {
		return class
	}
	return resilience.Permanent
}

func wrapTemporaryIfNeeded(operation string, err error) error {
	if wrapped := resilience.WrapTemporary(operation, err, classifyOpenAIError); wrapped != err {
		return wrapped
	}
	return fmt.Errorf("%s: %w", operation, err)
}

// Package ollama talks to a local Ollama server over its JSON HTTP API.
package ollama

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/resilience"
)

const backendName = "ollama"

type Client struct {
	baseURL    string
	chatModel  string
	embedModel string
	httpClient *http.Client
}

func New(baseURL, chatModel, embedModel string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		chatModel:  chatModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *Client) Name() string { return backendName }

// Classify lets the llm chain decide which failures are worth a retry.
func (c *Client) Classify(err error) resilience.ErrorClassification {
	return classify(err)
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embedder adapts Client to llm.EmbeddingBackend.
type Embedder struct{ *Client }

func NewEmbedder(client *Client) *Embedder { return &Embedder{Client: client} }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embedResponse
	if err := e.call(ctx, "/api/embed", embedRequest{Model: e.embedModel, Input: []string{text}}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, errors.New("ollama embed: empty embedding result")
	}
	return resp.Embeddings[0], nil
}

type generateOptions struct {
	Temperature float32 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generator adapts Client to llm.ChatBackend.
type Generator struct{ *Client }

func NewGenerator(client *Client) *Generator { return &Generator{Client: client} }

func (g *Generator) Complete(ctx context.Context, prompt string, opts domain.CompletionOptions) (string, error) {
	req := generateRequest{
		Model:  g.chatModel,
		Prompt: prompt,
		System: opts.SystemMessage,
		Options: generateOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
		},
	}
	var resp generateResponse
	if err := g.call(ctx, "/api/generate", req, &resp); err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Response)
	if text == "" {
		return "", errors.New("ollama generate: empty response")
	}
	return text, nil
}

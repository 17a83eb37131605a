package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/llm"
)

func TestNewRequiresKeyOrBaseURL(t *testing.T) {
	_, err := New(Config{})
	if !errors.Is(err, llm.ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestEmbedSendsModelAndDimensions(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.5,0.5,0.5,0.5]}],"model":"m"}`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, EmbedModel: "text-embedding-3-small", Dimensions: 4})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	vec, err := client.Embed(context.Background(), "cells")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 4 {
		t.Fatalf("expected 4 dims, got %d", len(vec))
	}
	if payload["model"] != "text-embedding-3-small" || payload["dimensions"] != float64(4) {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestCompleteSendsSystemMessage(t *testing.T) {
	var payload struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		MaxTokens int `json:"max_tokens"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":" Mitosis. "},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, ChatModel: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := client.Complete(context.Background(), "How do cells divide?", domain.CompletionOptions{
		MaxTokens:     300,
		SystemMessage: "You are a strict tutor.",
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "Mitosis." {
		t.Fatalf("unexpected answer %q", got)
	}
	if len(payload.Messages) != 2 || payload.Messages[0].Role != "system" || payload.Messages[1].Content != "How do cells divide?" {
		t.Fatalf("unexpected messages %+v", payload.Messages)
	}
	if payload.MaxTokens != 300 {
		t.Fatalf("expected max_tokens 300, got %d", payload.MaxTokens)
	}
}

func TestCompleteMarksRateLimitTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, ChatModel: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = client.Complete(context.Background(), "q", domain.CompletionOptions{})
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
}

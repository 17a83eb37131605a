package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
)

func TestGeneratorSendsSystemAndOptions(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"response":"  photosynthesis  "}`))
	}))
	defer server.Close()

	gen := NewGenerator(New(server.URL, "gen", "embed"))
	got, err := gen.Complete(context.Background(), "question?", domain.CompletionOptions{
		MaxTokens:     200,
		Temperature:   0.3,
		SystemMessage: "You are a tutor.",
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "photosynthesis" {
		t.Fatalf("expected trimmed response, got %q", got)
	}
	if payload["prompt"] != "question?" || payload["system"] != "You are a tutor." {
		t.Fatalf("unexpected payload: %v", payload)
	}
	options, _ := payload["options"].(map[string]any)
	if options["num_predict"] != float64(200) {
		t.Fatalf("expected num_predict=200, got %v", options["num_predict"])
	}
}

func TestEmbedderReturnsFirstVector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2,0.3]]}`))
	}))
	defer server.Close()

	vec, err := NewEmbedder(New(server.URL, "gen", "embed")).Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("expected 3 dims, got %d", len(vec))
	}
}

func TestEmbedIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewEmbedder(New(server.URL, "gen", "embed")).Embed(context.Background(), "hello")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected 502 to be temporary, got %v", err)
	}
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected HTTPStatusError with 502, got %v", err)
	}
}

func TestClassifyDoesNotRetryClientErrors(t *testing.T) {
	class := classify(&HTTPStatusError{Endpoint: "/api/embed", StatusCode: http.StatusBadRequest})
	if class.Retryable || class.RecordFailure {
		t.Fatalf("400 must be neither retried nor recorded: %+v", class)
	}
	class = classify(&HTTPStatusError{Endpoint: "/api/embed", StatusCode: http.StatusTooManyRequests})
	if !class.Retryable || !class.RecordFailure {
		t.Fatalf("429 must be retried and recorded: %+v", class)
	}
}

func TestGeneratorOmitsEmptySystem(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{"response":"ok"}`))
	}))
	defer server.Close()

	if _, err := NewGenerator(New(server.URL, "gen", "embed")).Complete(context.Background(), "q", domain.CompletionOptions{}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if _, ok := payload["system"]; ok {
		t.Fatalf("system must be omitted when empty: %v", payload)
	}
	if payload["stream"] != false {
		t.Fatalf("stream must be disabled: %v", payload)
	}
}

package llm

import (
	"context"
	"errors"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/resilience"
)

// EmbeddingBackend is one upstream embedding API. Failures are allowed: the
// chain moves on to the next backend.
type EmbeddingBackend interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChatBackend is one upstream completion API.
type ChatBackend interface {
	Name() string
	Complete(ctx context.Context, prompt string, opts domain.CompletionOptions) (string, error)
}

// classifyingBackend is implemented by adapters that know which of their
// errors are worth a retry.
type classifyingBackend interface {
	Classify(err error) resilience.ErrorClassification
}

// Observer receives chain events; metrics.PipelineMetrics implements it.
type Observer interface {
	BackendFailed(operation, backend string)
	FallbackUsed(operation string)
}

type noopObserver struct{}

func (noopObserver) BackendFailed(string, string) {}
func (noopObserver) FallbackUsed(string)          {}

// ErrMissingCredentials marks a backend that cannot be constructed because
// its API key or endpoint is not configured.
var ErrMissingCredentials = errors.New("backend credentials are not configured")

func classifierFor(backend any) resilience.ErrorClassifier {
	if c, ok := backend.(classifyingBackend); ok {
		return c.Classify
	}
	return defaultBackendClassifier
}

func defaultBackendClassifier(err error) resilience.ErrorClassification {
	if class, ok := resilience.ClassifyCommon(err); ok {
		return class
	}
	return resilience.Permanent
}

package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
)

const fallbackPromptPreview = 100

// FallbackEmbedder derives a pseudo-random vector from the text itself, so the
// same text always maps to the same non-zero vector.
type FallbackEmbedder struct {
	dim int
}

func NewFallbackEmbedder(dim int) *FallbackEmbedder {
	return &FallbackEmbedder{dim: dim}
}

func (f *FallbackEmbedder) Name() string { return "fallback" }

func (f *FallbackEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return f.Vector(text), nil
}

func (f *FallbackEmbedder) Vector(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	out := make([]float32, f.dim)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

type FallbackGenerator struct{}

func NewFallbackGenerator() *FallbackGenerator {
	return &FallbackGenerator{}
}

func (FallbackGenerator) Name() string { return "fallback" }

func (FallbackGenerator) Complete(_ context.Context, prompt string, _ domain.CompletionOptions) (string, error) {
	return FallbackText(prompt), nil
}

func FallbackText(prompt string) string {
	runes := []rune(prompt)
	if len(runes) > fallbackPromptPreview {
		runes = runes[:fallbackPromptPreview]
	}
	return fmt.Sprintf("This is a fallback response to: %s...", string(runes))
}

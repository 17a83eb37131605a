package plaintext

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
)

const DefaultMaxBytes = 10 << 20

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type Extractor struct {
	maxBytes int64
}

func NewExtractor(maxBytes int64) *Extractor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Extractor{maxBytes: maxBytes}
}

// Extract reads an uploaded text document. Binary formats are rejected.
func (e *Extractor) Extract(_ context.Context, filename string, r io.Reader) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(r, e.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read source document: %w", err)
	}
	if int64(len(raw)) > e.maxBytes {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract text",
			fmt.Errorf("%s exceeds %d bytes", filename, e.maxBytes))
	}

	raw = bytes.TrimPrefix(raw, utf8BOM)
	if !utf8.Valid(raw) || bytes.IndexByte(raw, 0) >= 0 {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract text",
			fmt.Errorf("unsupported binary format: %s", filename))
	}

	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract text",
			fmt.Errorf("%s is empty", filename))
	}
	return text, nil
}

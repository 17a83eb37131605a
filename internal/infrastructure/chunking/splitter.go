package chunking

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
)

const (
	DefaultMaxTokens     = 1000
	DefaultOverlapTokens = 200
)

var (
	noisePattern    = regexp.MustCompile(`[^\p{L}\p{N}_\s.!?,;:\-()"']+`)
	sentenceEndings = regexp.MustCompile(`[.!?]+`)
)

// Splitter accumulates whole sentences into token-bounded chunks and seeds
// each new chunk with the trailing tokens of the previous one.
type Splitter struct {
	MaxTokens     int
	OverlapTokens int

	tokenizer Tokenizer
}

func NewSplitter(tokenizer Tokenizer, maxTokens, overlapTokens int) *Splitter {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if overlapTokens < 0 {
		overlapTokens = 0
	}
	if overlapTokens >= maxTokens {
		overlapTokens = maxTokens / 4
	}
	return &Splitter{
		MaxTokens:     maxTokens,
		OverlapTokens: overlapTokens,
		tokenizer:     tokenizer,
	}
}

func (s *Splitter) Split(text string) []domain.ChunkSpan {
	return s.Chunk(text, s.MaxTokens, s.OverlapTokens)
}

// Chunk never splits inside a sentence: a sentence longer than maxTokens
// becomes an oversized chunk of its own.
func (s *Splitter) Chunk(text string, maxTokens, overlapTokens int) []domain.ChunkSpan {
	sentences := splitSentences(cleanText(text))
	if len(sentences) == 0 {
		return nil
	}

	var (
		out    []domain.ChunkSpan
		buffer string
		start  int
	)
	for _, sentence := range sentences {
		candidate := sentence
		if buffer != "" {
			candidate = buffer + " " + sentence
		}
		if s.count(candidate) <= maxTokens {
			buffer = candidate
			continue
		}
		if buffer == "" {
			buffer = sentence
			continue
		}

		out = append(out, s.seal(buffer, start))
		overlap := s.overlapText(buffer, overlapTokens)
		start += utf8.RuneCountInString(buffer) - utf8.RuneCountInString(overlap)
		if overlap == "" {
			buffer = sentence
		} else {
			buffer = overlap + " " + sentence
		}
	}
	if buffer != "" {
		out = append(out, s.seal(buffer, start))
	}
	return out
}

func (s *Splitter) seal(buffer string, start int) domain.ChunkSpan {
	return domain.ChunkSpan{
		Text:        strings.TrimSpace(buffer),
		StartOffset: start,
		EndOffset:   start + utf8.RuneCountInString(buffer),
		TokenCount:  s.count(buffer),
	}
}

func (s *Splitter) overlapText(text string, overlapTokens int) string {
	if overlapTokens <= 0 {
		return ""
	}
	tokens := s.tokenizer.Encode(text)
	if len(tokens) <= overlapTokens {
		return text
	}
	return strings.TrimSpace(s.tokenizer.Decode(tokens[len(tokens)-overlapTokens:]))
}

func (s *Splitter) count(text string) int {
	return len(s.tokenizer.Encode(text))
}

func cleanText(text string) string {
	text = noisePattern.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(text), " ")
}

// splitSentences keeps each terminator run attached to its sentence.
func splitSentences(text string) []string {
	if text == "" {
		return nil
	}
	var out []string
	prev := 0
	for _, loc := range sentenceEndings.FindAllStringIndex(text, -1) {
		if sentence := strings.TrimSpace(text[prev:loc[1]]); sentence != "" && !isTerminatorOnly(sentence) {
			out = append(out, sentence)
		}
		prev = loc[1]
	}
	if tail := strings.TrimSpace(text[prev:]); tail != "" {
		out = append(out, tail)
	}
	return out
}

func isTerminatorOnly(s string) bool {
	return strings.Trim(s, ".!? ") == ""
}

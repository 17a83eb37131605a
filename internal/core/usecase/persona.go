package usecase

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
)

//go:embed personas.yaml
var defaultPersonasYAML []byte

// overviewPhrases mark a question about a document as a whole rather than
// about its content.
var overviewPhrases = []string{
	"what is this book about",
	"what is the book about",
	"tell me about this book",
	"describe this book",
	"what is this document about",
	"tell me about this document",
	"describe this document",
}

type personaFile struct {
	Personas  map[string]personaPrompts `yaml:"personas"`
	Templates struct {
		Regular   string `yaml:"regular"`
		Overview  string `yaml:"overview"`
		NoContent string `yaml:"no_content"`
	} `yaml:"templates"`
}

type personaPrompts struct {
	System    string `yaml:"system"`
	NoContent string `yaml:"no_content"`
}

type promptData struct {
	System   string
	Context  string
	Question string
}

// PromptBook renders persona-specific prompts for the RAG orchestrator.
type PromptBook struct {
	personas  map[domain.Persona]personaPrompts
	regular   *template.Template
	overview  *template.Template
	noContent *template.Template
}

// LoadPromptBook reads persona templates from path, or the built-in set when
// path is empty.
func LoadPromptBook(path string) (*PromptBook, error) {
	raw := defaultPersonasYAML
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read personas file: %w", err)
		}
		raw = data
	}
	return parsePromptBook(raw)
}

func DefaultPromptBook() *PromptBook {
	book, err := parsePromptBook(defaultPersonasYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in personas: %v", err))
	}
	return book
}

func parsePromptBook(raw []byte) (*PromptBook, error) {
	var file personaFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode personas: %w", err)
	}

	book := &PromptBook{personas: make(map[domain.Persona]personaPrompts, len(file.Personas))}
	for _, p := range []domain.Persona{domain.PersonaHelpful, domain.PersonaSocratic, domain.PersonaEncouraging, domain.PersonaStrict} {
		prompts, ok := file.Personas[string(p)]
		if !ok || strings.TrimSpace(prompts.System) == "" || strings.TrimSpace(prompts.NoContent) == "" {
			return nil, fmt.Errorf("decode personas: persona %q is incomplete", p)
		}
		book.personas[p] = prompts
	}

	var err error
	if book.regular, err = parseTemplate("regular", file.Templates.Regular); err != nil {
		return nil, err
	}
	if book.overview, err = parseTemplate("overview", file.Templates.Overview); err != nil {
		return nil, err
	}
	if book.noContent, err = parseTemplate("no_content", file.Templates.NoContent); err != nil {
		return nil, err
	}
	return book, nil
}

func parseTemplate(name, body string) (*template.Template, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("decode personas: template %q is empty", name)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse %s template: %w", name, err)
	}
	return tmpl, nil
}

func (b *PromptBook) prompts(p domain.Persona) personaPrompts {
	if prompts, ok := b.personas[domain.ParsePersona(string(p))]; ok {
		return prompts
	}
	return b.personas[domain.PersonaHelpful]
}

func (b *PromptBook) AnswerPrompt(p domain.Persona, question, contextText string, overview bool) (string, error) {
	tmpl := b.regular
	if overview {
		tmpl = b.overview
	}
	return render(tmpl, promptData{System: b.prompts(p).System, Context: contextText, Question: question})
}

func (b *PromptBook) NoContentPrompt(p domain.Persona, question string) (string, error) {
	return render(b.noContent, promptData{System: b.prompts(p).NoContent, Question: question})
}

func render(tmpl *template.Template, data promptData) (string, error) {
	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", tmpl.Name(), err)
	}
	return out.String(), nil
}

func isOverviewQuestion(question string) bool {
	q := strings.ToLower(question)
	for _, phrase := range overviewPhrases {
		if strings.Contains(q, phrase) {
			return true
		}
	}
	return false
}

func noContentAnswer(question string) string {
	return fmt.Sprintf("I'd be happy to help you with '%s', but I don't have any content to reference yet. "+
		"Please upload some educational content first, and I'll be able to provide more specific and helpful answers based on that material!", question)
}

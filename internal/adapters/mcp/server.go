// Package mcp exposes the tutor to MCP clients over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/core/ports"
)

const Version = "0.1.0"

var ErrMissingAskService = errors.New("mcp: ask service is required")

// Ports aggregates the inbound services the MCP server calls.
type Ports struct {
	Ask ports.AskService
	// Index is optional; without it the index_status tool is not registered.
	Index ports.IndexMaintainer
}

func (p *Ports) Validate() error {
	if p.Ask == nil {
		return ErrMissingAskService
	}
	return nil
}

type Server struct {
	ports  *Ports
	server *server.MCPServer
}

func NewServer(p *Ports) (*Server, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validate ports: %w", err)
	}
	s := &Server{
		ports:  p,
		server: server.NewMCPServer("rag-tutor", Version, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s, nil
}

// Run serves JSON-RPC over the given streams until ctx is cancelled.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.server).Listen(ctx, in, out)
}

func (s *Server) registerTools() {
	s.server.AddTool(mcp.NewTool("ask",
		mcp.WithDescription("Ask the tutor a question about the uploaded study material"),
		mcp.WithString("question", mcp.Required(), mcp.Description("the student's question")),
		mcp.WithString("kind", mcp.Description("retrieval (default) or structured")),
		mcp.WithString("persona", mcp.Description("helpful, socratic, encouraging or strict")),
		mcp.WithString("document_id", mcp.Description("restrict retrieval to one document")),
		mcp.WithNumber("top_k", mcp.Description("number of chunks used to ground the answer")),
	), s.handleAsk)

	s.server.AddTool(mcp.NewTool("rate",
		mcp.WithDescription("Rate a previous answer from 1 to 5"),
		mcp.WithString("query_record_id", mcp.Required(), mcp.Description("id returned by the ask tool")),
		mcp.WithNumber("rating", mcp.Required(), mcp.Description("rating between 1 and 5")),
	), s.handleRate)

	if s.ports.Index != nil {
		s.server.AddTool(mcp.NewTool("index_status",
			mcp.WithDescription("Report similarity index size and consistency"),
		), s.handleIndexStatus)
	}
}

func (s *Server) handleAsk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resp, err := s.ports.Ask.Ask(ctx, domain.AskRequest{
		Question:   question,
		Kind:       domain.QueryKind(request.GetString("kind", "")),
		DocumentID: request.GetString("document_id", ""),
		Persona:    domain.ParsePersona(request.GetString("persona", "")),
		TopK:       request.GetInt("top_k", 0),
	})
	if err != nil {
		return toolError(err)
	}
	return jsonResult(resp)
}

func (s *Server) handleRate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("query_record_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rating, err := request.RequireInt("rating")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.ports.Ask.Rate(ctx, id, rating); err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("rated %s with %d", id, rating)), nil
}

func (s *Server) handleIndexStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.ports.Index.Status(ctx)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(status)
}

// toolError reports caller mistakes and retryable conditions as tool
// results so the client model can react. Anything else is a protocol error.
func toolError(err error) (*mcp.CallToolResult, error) {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput),
		domain.IsKind(err, domain.ErrNotFound),
		domain.IsKind(err, domain.ErrTemporary):
		return mcp.NewToolResultError(err.Error()), nil
	default:
		return nil, err
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}

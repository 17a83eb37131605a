// Package cli implements the ragctl admin commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	mcpadapter "github.com/kirillkom/rag-tutor/internal/adapters/mcp"
	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/core/ports"
)

type TextExtractor interface {
	Extract(ctx context.Context, filename string, r io.Reader) (string, error)
}

type Services struct {
	Ingestor  ports.DocumentIngestor
	Ask       ports.AskService
	Index     ports.IndexMaintainer
	Extractor TextExtractor
}

// Loader wires the services on first use. The returned func releases them.
type Loader func(ctx context.Context) (*Services, func(), error)

type app struct {
	load     Loader
	services *Services
	release  func()
}

func (a *app) get(ctx context.Context) (*Services, error) {
	if a.services != nil {
		return a.services, nil
	}
	services, release, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	a.services, a.release = services, release
	return services, nil
}

func (a *app) close() {
	if a.release != nil {
		a.release()
		a.release = nil
	}
}

func NewRootCommand(load Loader) *cobra.Command {
	a := &app{load: load}
	root := &cobra.Command{
		Use:           "ragctl",
		Short:         "Administer the rag-tutor content store and index",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRebuildCommand(a),
		newStatusCommand(a),
		newAskCommand(a),
		newIngestCommand(a),
		newRateCommand(a),
		newMCPCommand(a),
	)
	return root
}

// Execute runs the root command and always releases loaded services.
func Execute(ctx context.Context, load Loader, args []string, out, errOut io.Writer) error {
	root := NewRootCommand(load)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	return root.ExecuteContext(ctx)
}

func newRebuildCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the similarity index from the content store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			svc, err := a.get(cmd.Context())
			if err != nil {
				return err
			}
			rows, err := svc.Index.Rebuild(cmd.Context())
			if err != nil {
				return fmt.Errorf("rebuild index: %w", err)
			}
			cmd.Printf("index rebuilt: %d rows\n", rows)
			return nil
		},
	}
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index size and consistency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			svc, err := a.get(cmd.Context())
			if err != nil {
				return err
			}
			status, err := svc.Index.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("index status: %w", err)
			}
			return printJSON(cmd, status)
		},
	}
}

func newAskCommand(a *app) *cobra.Command {
	var (
		kind       string
		persona    string
		documentID string
		topK       int
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the tutor a question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			svc, err := a.get(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := svc.Ask.Ask(cmd.Context(), domain.AskRequest{
				Question:   args[0],
				Kind:       domain.QueryKind(kind),
				DocumentID: documentID,
				Persona:    domain.ParsePersona(persona),
				TopK:       topK,
			})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			if asJSON {
				return printJSON(cmd, resp)
			}
			cmd.Println(resp.Answer)
			for i, src := range resp.Sources {
				cmd.Printf("[%d] %s (%.3f)\n", i+1, src.Title, src.Score)
			}
			cmd.Printf("query record: %s\n", resp.QueryRecordID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "retrieval", "retrieval or structured")
	cmd.Flags().StringVarP(&persona, "persona", "p", "helpful", "tutor persona")
	cmd.Flags().StringVarP(&documentID, "document", "d", "", "restrict retrieval to one document")
	cmd.Flags().IntVarP(&topK, "top-k", "n", 0, "chunks used for grounding (0 = server default)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full response as JSON")
	return cmd
}

func newIngestCommand(a *app) *cobra.Command {
	var title, subject, grade string
	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Upload a plain-text document and queue it for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			svc, err := a.get(cmd.Context())
			if err != nil {
				return err
			}
			path := args[0]
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer f.Close()

			text, err := svc.Extractor.Extract(cmd.Context(), filepath.Base(path), f)
			if err != nil {
				return fmt.Errorf("extract %s: %w", path, err)
			}
			if title == "" {
				title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}
			doc, err := svc.Ingestor.Create(cmd.Context(), title, subject, grade, text)
			if err != nil {
				return fmt.Errorf("create document: %w", err)
			}
			cmd.Printf("document %s queued (%s)\n", doc.ID, doc.Status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "document title (default: file name)")
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "subject, e.g. biology")
	cmd.Flags().StringVarP(&grade, "grade", "g", "", "grade level")
	return cmd
}

func newRateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rate [query-record-id] [rating]",
		Short: "Rate an answer from 1 to 5",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			rating, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("rating must be a number: %w", err)
			}
			svc, err := a.get(cmd.Context())
			if err != nil {
				return err
			}
			if err := svc.Ask.Rate(cmd.Context(), args[0], rating); err != nil {
				return fmt.Errorf("rate: %w", err)
			}
			cmd.Printf("rated %s with %d\n", args[0], rating)
			return nil
		},
	}
}

func newMCPCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the ask and rate tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			svc, err := a.get(cmd.Context())
			if err != nil {
				return err
			}
			server, err := mcpadapter.NewServer(&mcpadapter.Ports{Ask: svc.Ask, Index: svc.Index})
			if err != nil {
				return err
			}
			err = server.Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/rag-tutor/internal/config"
	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/core/ports"
	"github.com/kirillkom/rag-tutor/internal/observability/metrics"
)

const (
	backpressureWait    = 250 * time.Millisecond
	defaultUploadLimit  = 10 << 20
	multipartFormMemory = 1 << 20
)

// TextExtractor turns an uploaded file into document text.
type TextExtractor interface {
	Extract(ctx context.Context, filename string, r io.Reader) (string, error)
}

type Services struct {
	Ingestor  ports.DocumentIngestor
	Documents ports.DocumentReader
	Remover   ports.DocumentRemover
	Ask       ports.AskService
	Index     ports.IndexMaintainer
	Extractor TextExtractor
	// Ready reports whether the pipeline finished warming up.
	Ready func() bool
}

type Router struct {
	cfg      config.Config
	services Services
	metrics  *metrics.HTTPServerMetrics
}

func NewRouter(cfg config.Config, services Services, m *metrics.HTTPServerMetrics) *Router {
	if cfg.UploadMaxBytes <= 0 {
		cfg.UploadMaxBytes = defaultUploadLimit
	}
	return &Router{cfg: cfg, services: services, metrics: m}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /readyz", rt.readyz)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	mux.HandleFunc("POST /v1/documents", rt.createDocument)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocument)
	mux.HandleFunc("DELETE /v1/documents/{id}", rt.deleteDocument)
	mux.HandleFunc("POST /v1/documents/{id}/reprocess", rt.reprocessDocument)
	mux.HandleFunc("POST /v1/ask", rt.ask)
	mux.HandleFunc("POST /v1/queries/{id}/rating", rt.rateQuery)
	mux.HandleFunc("POST /v1/index/rebuild", rt.rebuildIndex)
	mux.HandleFunc("GET /v1/index/status", rt.indexStatus)

	var onReject func(string)
	if rt.metrics != nil {
		onReject = rt.metrics.RecordRejected
	}

	var handler http.Handler = mux
	handler = backpressureWithReject(handler, rt.cfg.MaxInFlight, backpressureWait, onReject)
	if rt.cfg.RateLimitRPS > 0 {
		burst := rt.cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		handler = rateLimitMiddleware(handler, rate.NewLimiter(rate.Limit(rt.cfg.RateLimitRPS), burst), onReject)
	}
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) readyz(w http.ResponseWriter, _ *http.Request) {
	if rt.services.Ready != nil && !rt.services.Ready() {
		w.Header().Set("Retry-After", initializingRetryAfter)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "initializing"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type askRequest struct {
	Question   string `json:"question"`
	Kind       string `json:"kind"`
	DocumentID string `json:"document_id"`
	Persona    string `json:"persona"`
	TopK       int    `json:"top_k"`
}

func (rt *Router) ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	topK := req.TopK
	if topK == 0 {
		topK = rt.cfg.RAGTopK
	}

	resp, err := rt.services.Ask.Ask(r.Context(), domain.AskRequest{
		Question:   req.Question,
		Kind:       domain.QueryKind(req.Kind),
		DocumentID: req.DocumentID,
		Persona:    domain.ParsePersona(req.Persona),
		TopK:       topK,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) rateQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rating int `json:"rating"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := rt.services.Ask.Rate(r.Context(), r.PathValue("id"), req.Rating); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "rating": req.Rating})
}

func (rt *Router) rebuildIndex(w http.ResponseWriter, r *http.Request) {
	rows, err := rt.services.Index.Rebuild(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rows": rows})
}

func (rt *Router) indexStatus(w http.ResponseWriter, r *http.Request) {
	status, err := rt.services.Index.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		msg := "invalid json"
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

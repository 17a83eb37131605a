package httpadapter

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

type createDocumentRequest struct {
	Title   string `json:"title"`
	Subject string `json:"subject"`
	Grade   string `json:"grade"`
	Text    string `json:"text"`
}

// createDocument accepts either a JSON body or a multipart upload whose
// "file" part is extracted as plain text.
func (rt *Router) createDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.UploadMaxBytes+multipartFormMemory)

	var (
		req createDocumentRequest
		ok  bool
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		req, ok = rt.readMultipartDocument(w, r)
	case "application/json", "":
		ok = rt.readJSONDocument(w, r, &req)
	default:
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "expected application/json or multipart/form-data"})
		return
	}
	if !ok {
		return
	}

	doc, err := rt.services.Ingestor.Create(r.Context(), req.Title, req.Subject, req.Grade, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) readJSONDocument(w http.ResponseWriter, r *http.Request, req *createDocumentRequest) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "document is too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func (rt *Router) readMultipartDocument(w http.ResponseWriter, r *http.Request) (createDocumentRequest, bool) {
	if err := r.ParseMultipartForm(multipartFormMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "document is too large"})
			return createDocumentRequest{}, false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form"})
		return createDocumentRequest{}, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return createDocumentRequest{}, false
	}
	defer file.Close()

	text, err := rt.services.Extractor.Extract(r.Context(), header.Filename, file)
	if err != nil {
		writeError(w, err)
		return createDocumentRequest{}, false
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename))
	}
	return createDocumentRequest{
		Title:   title,
		Subject: r.FormValue("subject"),
		Grade:   r.FormValue("grade"),
		Text:    text,
	}, true
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := rt.services.Documents.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := rt.services.Remover.DeleteDocument(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) reprocessDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := rt.services.Ingestor.Reprocess(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "uploaded"})
}

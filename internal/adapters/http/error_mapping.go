package httpadapter

import (
	"net/http"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
)

const initializingRetryAfter = "5"

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrDocumentNotFound), domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrDisallowedQuery):
		return http.StatusUnprocessableEntity
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := mapErrorToHTTPStatus(err)
	if domain.IsKind(err, domain.ErrInitializing) {
		w.Header().Set("Retry-After", initializingRetryAfter)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

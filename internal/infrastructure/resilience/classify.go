package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
)

var (
	Transient = ErrorClassification{Retryable: true, RecordFailure: true}
	Permanent = ErrorClassification{RecordFailure: true}
)

// ClassifyCommon covers the errors every adapter treats the same way:
// cancellation, deadlines, open circuits and network failures. ok is false
// when the adapter has to decide.
func ClassifyCommon(err error) (ErrorClassification, bool) {
	switch {
	case err == nil:
		return ErrorClassification{}, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), IsCircuitOpen(err):
		return Classify(err), true
	case domain.IsKind(err, domain.ErrTemporary):
		return Transient, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient, true
	}
	return ErrorClassification{}, false
}

// ClassifyHTTPStatus retries throttling and gateway errors. Client errors
// other than 429 do not count against the breaker.
func ClassifyHTTPStatus(code int) ErrorClassification {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return Transient
	}
	if code >= 500 {
		return Permanent
	}
	return ErrorClassification{}
}

// WrapTemporary marks retryable errors and open circuits as
// domain.ErrTemporary so callers can answer 503.
func WrapTemporary(operation string, err error, classifier ErrorClassifier) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if IsCircuitOpen(err) || classifier(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}

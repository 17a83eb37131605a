package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kirillkom/rag-tutor/internal/infrastructure/resilience"
)

// maxErrorBody bounds how much of a failed response ends up in the error.
const maxErrorBody = 2048

// HTTPStatusError is a non-2xx answer from the Ollama API.
type HTTPStatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	msg := fmt.Sprintf("ollama %s: status %d", e.Endpoint, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// call posts req as JSON to endpoint and decodes the answer into resp.
// Retryable failures come back wrapped as domain.ErrTemporary.
func (c *Client) call(ctx context.Context, endpoint string, req, resp any) error {
	err := c.roundTrip(ctx, endpoint, req, resp)
	return resilience.WrapTemporary("ollama "+strings.TrimPrefix(endpoint, "/api/"), err, classify)
}

func (c *Client) roundTrip(ctx context.Context, endpoint string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", endpoint, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama %s: %w", endpoint, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return &HTTPStatusError{
			Endpoint:   endpoint,
			StatusCode: httpResp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		}
	}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func classify(err error) resilience.ErrorClassification {
	if class, ok := resilience.ClassifyCommon(err); ok {
		return class
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return resilience.ClassifyHTTPStatus(statusErr.StatusCode)
	}
	return resilience.Permanent
}

package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/timebank-app/timebank/internal/domain"
)

// HTTPError is a non-2xx answer from the reconcile endpoint.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("reconcile: http %d", e.StatusCode)
	}
	return fmt.Sprintf("reconcile: http %d: %s", e.StatusCode, e.Message)
}

// HTTPTransport posts pending transactions to a timebank server.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the server at baseURL.
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Reconcile sends one transaction. Network failures, 429 and 5xx answers are
// returned as transient errors.
func (t *HTTPTransport) Reconcile(ctx context.Context, p domain.PendingTransaction) (domain.ReconcileResult, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return domain.ReconcileResult{}, fmt.Errorf("encode pending transaction: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/reconcile", bytes.NewReader(body))
	if err != nil {
		return domain.ReconcileResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.ReconcileResult{}, ctx.Err()
		}
		return domain.ReconcileResult{}, domain.Transient("reconcile", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.ReconcileResult{}, domain.Transient("reconcile", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return domain.ReconcileResult{}, domain.Transient("reconcile", herr)
		}
		return domain.ReconcileResult{}, herr
	}

	var res domain.ReconcileResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.ReconcileResult{}, fmt.Errorf("decode reconcile result: %w", err)
	}
	if res.Outcome == "" {
		return res, errors.New("reconcile result has no outcome")
	}
	return res, nil
}

func errorMessage(raw []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

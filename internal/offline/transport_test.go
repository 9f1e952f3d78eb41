package offline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timebank-app/timebank/internal/domain"
)

func pendingFixture() domain.PendingTransaction {
	return domain.PendingTransaction{
		ID: "01HZX", UserID: "kid", Type: domain.EntryEarn, DeltaSeconds: 60,
		Source: domain.SourceTaskCompletion, ClientTimestamp: time.Now().UTC(),
	}
}

func TestHTTPTransport_Applied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/reconcile", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var p domain.PendingTransaction
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		json.NewEncoder(w).Encode(domain.ReconcileResult{ID: p.ID, Outcome: domain.OutcomeApplied})
	}))
	defer srv.Close()

	res, err := NewHTTPTransport(srv.URL+"/", time.Second).Reconcile(context.Background(), pendingFixture())
	require.NoError(t, err)
	assert.Equal(t, "01HZX", res.ID)
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
}

func TestHTTPTransport_StatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		retryable bool
		message   string
	}{
		{503, `{"error":{"message":"bank is frozen","type":"retry"}}`, true, "bank is frozen"},
		{429, `slow down`, true, "slow down"},
		{500, ``, true, ""},
		{400, `{"error":{"message":"malformed request body","type":"invalid_input"}}`, false, "malformed request body"},
		{404, `not here`, false, "not here"},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(tt.body))
		}))
		_, err := NewHTTPTransport(srv.URL, time.Second).Reconcile(context.Background(), pendingFixture())
		srv.Close()

		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, tt.retryable, domain.IsRetryable(err), "status %d", tt.status)
		var herr *HTTPError
		require.True(t, errors.As(err, &herr), "status %d", tt.status)
		assert.Equal(t, tt.status, herr.StatusCode)
		assert.Equal(t, tt.message, herr.Message)
	}
}

func TestHTTPTransport_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPTransport(url, time.Second).Reconcile(context.Background(), pendingFixture())
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestHTTPTransport_MissingOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"01HZX"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPTransport(srv.URL, time.Second).Reconcile(context.Background(), pendingFixture())
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))
}

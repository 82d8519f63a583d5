package action

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookExecutor_Execute(t *testing.T) {
	var got executeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/execute", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_ = json.NewEncoder(w).Encode(Outcome{
			Status:      StatusSuccess,
			ExecutionID: "exec_42",
			Details:     map[string]any{"records_affected": 1},
		})
	}))
	defer srv.Close()

	e := NewWebhookExecutor(srv.URL)
	out, err := e.Execute(context.Background(), "update_record", map[string]any{
		"record_id":        "r-9",
		"_idempotency_key": "req_1:prop_1",
	}, "user/alice")
	require.NoError(t, err)

	assert.Equal(t, "update_record", got.ActionID)
	assert.Equal(t, "user/alice", got.Identity)
	assert.Equal(t, "req_1:prop_1", got.Params["_idempotency_key"])
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, "exec_42", out.ExecutionID)
}

func TestWebhookExecutor_Rollback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rollback", r.URL.Path)
		var got rollbackRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		require.Equal(t, "exec_42", got.ExecutionID)

		_ = json.NewEncoder(w).Encode(Outcome{Status: StatusSuccess, ExecutionID: "exec_43"})
	}))
	defer srv.Close()

	e := NewWebhookExecutor(srv.URL)
	out, err := e.Rollback(context.Background(), "exec_42")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
}

func TestWebhookExecutor_CollaboratorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewWebhookExecutor(srv.URL)
	_, err := e.Execute(context.Background(), "send_digest", nil, "user/alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestWebhookExecutor_IncompleteOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success"})
	}))
	defer srv.Close()

	e := NewWebhookExecutor(srv.URL)
	_, err := e.Execute(context.Background(), "send_digest", nil, "user/alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete outcome")
}

package peerclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfa/settlement-service/pkg/retry"
)

func testClient() *Client {
	return NewClient(WithRetryPolicy(retry.Policy{
		Attempts:  3,
		BaseDelay: time.Second,
		Sleep:     func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	}))
}

func TestDeliver_SucceedsAfterTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transactions/b2b", r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "token", body["jwt"])

		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"receiverName":"Bob"}`))
	}))
	defer srv.Close()

	result, err := testClient().Deliver(context.Background(), srv.URL+"/", "token")
	require.NoError(t, err)
	assert.Equal(t, "Bob", result.ReceiverName)
	assert.Equal(t, 3, result.Attempts)
}

func TestDeliver_ForwardsPeerReasonAfterExhaustion(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Destination account not found"}`))
	}))
	defer srv.Close()

	_, err := testClient().Deliver(context.Background(), srv.URL, "token")
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusBadRequest, rejected.StatusCode)
	assert.Equal(t, "Destination account not found", rejected.Reason)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/transactions/status/TRX1" {
			_, _ = w.Write([]byte(`{"status":"completed","transactionId":"TRX1","amount":100,"currency":"EUR","createdAt":"2024-01-01T00:00:00Z"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	status, err := testClient().GetStatus(context.Background(), srv.URL, "TRX1")
	require.NoError(t, err)
	assert.Equal(t, "completed", status.Status)

	_, err = testClient().GetStatus(context.Background(), srv.URL, "TRX2")
	assert.ErrorIs(t, err, ErrTransactionUnknown)
}

func TestExtractReason(t *testing.T) {
	assert.Equal(t, "bad", extractReason([]byte(`{"error":"bad"}`)))
	assert.Equal(t, "nested", extractReason([]byte(`{"error":{"message":"nested"}}`)))
	assert.Equal(t, "msg", extractReason([]byte(`{"message":"msg"}`)))
	assert.Equal(t, "plain text", extractReason([]byte("plain text")))
	assert.Equal(t, "", extractReason(nil))
}

package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSenderPostsEnvelope(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(time.Second, zap.NewNop())
	err := s.Send(context.Background(), srv.URL, "task_started",
		map[string]any{"prompt_id": "p1"}, 1748779200)
	require.NoError(t, err)

	require.Equal(t, "task_started", got["event"])
	require.Equal(t, float64(1748779200), got["timestamp"])
	data := got["data"].(map[string]any)
	require.Equal(t, "p1", data["prompt_id"])
}

func TestSenderNon2xxReturnsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewSender(time.Second, zap.NewNop())
	err := s.Send(context.Background(), srv.URL, "task_success", nil, 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestSenderTransportFailure(t *testing.T) {
	t.Parallel()

	s := NewSender(100*time.Millisecond, zap.NewNop())
	err := s.Send(context.Background(), "http://127.0.0.1:1", "task_started", nil, 0)
	require.Error(t, err)
}

func TestSenderHonorsContextCancel(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	s := NewSender(5*time.Second, zap.NewNop())
	err := s.Send(ctx, srv.URL, "task_started", nil, 0)
	require.Error(t, err)
}

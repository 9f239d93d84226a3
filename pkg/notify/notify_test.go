package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPNotifierPostsJSON(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	msg := Message{
		BuildID: "abc",
		Project: "demo",
		Branch:  "main",
		URL:     "https://example.com/demo.git",
		LogURL:  "http://localhost:8080/build_logs/abc",
		Error:   "build failed (build_tool): flutter exited with status 1",
	}
	require.NoError(t, NewHTTPNotifier(srv.URL).Notify(context.Background(), msg))

	require.Equal(t, "abc", got.BuildID)
	require.False(t, got.Success)
	require.Contains(t, got.Text, "Build of demo (main) failed.")
	require.Contains(t, got.Text, "Logs: http://localhost:8080/build_logs/abc")
	require.Contains(t, got.Text, "Error: build failed")
}

func TestHTTPNotifierRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPNotifier(srv.URL).Notify(context.Background(), Message{Project: "demo", Success: true})
	require.ErrorContains(t, err, "notification rejected (502): nope")
}

func TestSummarySuccess(t *testing.T) {
	text := Summary(Message{Project: "demo", Branch: "main", URL: "u", LogURL: "l", Success: true})
	require.Equal(t, "Build of demo (main) succeeded.\nRepository: u\nLogs: l", text)
}

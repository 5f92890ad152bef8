package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startStoreServer(t *testing.T, backend Store) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), backend).Register(mux)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := backend.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready\n"))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestHTTPStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		ts := startStoreServer(t, NewMemoryStore())
		s, err := NewHTTPStore(ts.URL)
		require.NoError(t, err)
		return s
	})
}

func TestHandler_SnapshotHeadersAndConditionalGet(t *testing.T) {
	backend := NewMemoryStore()
	ts := startStoreServer(t, backend)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/sessions/sess-1/snapshot", bytes.NewReader([]byte("pngbytes")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var put putSnapshotResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&put))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), put.Version)
	assert.Equal(t, "1", resp.Header.Get(VersionHeader))

	resp, err = http.Get(ts.URL + "/sessions/sess-1/snapshot")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, []byte("pngbytes"), body)
	etag := resp.Header.Get("ETag")
	assert.Equal(t, ETag([]byte("pngbytes")), etag)

	req, err = http.NewRequest(http.MethodGet, ts.URL+"/sessions/sess-1/snapshot", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestHandler_Errors(t *testing.T) {
	ts := startStoreServer(t, NewMemoryStore())

	resp, err := http.Get(ts.URL + "/sessions/none/snapshot")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/sessions/-bad/messages")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/sessions/ok/messages?limit=-3")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/sessions/ok/messages", "application/json", strings.NewReader(`{"text":"hi","bogus":1}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/sessions/ok/messages", "application/json", strings.NewReader(`{"sessionID":"other","text":"hi"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/sessions/ok/snapshot", http.NoBody)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_AppendAssignsIDAndTimestamp(t *testing.T) {
	backend := NewMemoryStore()
	ts := startStoreServer(t, backend)

	resp, err := http.Post(ts.URL+"/sessions/sess-2/messages", "application/json",
		strings.NewReader(`{"senderID":"u1","senderDisplayName":"Ada","text":"hello"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out appendMessageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out.Message.ID, 26)
	assert.False(t, out.Message.ServerTS.IsZero())
	assert.Equal(t, "sess-2", out.Message.SessionID)

	msgs, err := backend.ListMessages(context.Background(), "sess-2", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, out.Message.ID, msgs[0].ID)
}

func TestHTTPStore_ServerErrorsAreRetryable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "down")
	}))
	defer ts.Close()

	s, err := NewHTTPStore(ts.URL)
	require.NoError(t, err)

	_, err = s.PutSnapshot(context.Background(), "sess", []byte("x"))
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	require.Error(t, s.Ping(context.Background()))
}

func TestNewHTTPStore_RejectsBadURL(t *testing.T) {
	_, err := NewHTTPStore("ftp://example.com")
	require.Error(t, err)
}

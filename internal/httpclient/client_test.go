package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPostMessageAttachesToken(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New("tok-123", zap.NewNop())
	resp, err := c.PostMessage(context.Background(), srv.URL, []byte(`{"type":"REQUEST"}`))
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "/message", gotPath)
}

func TestPostMessageNon2xxIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad mission"}`))
	}))
	defer srv.Close()

	c := New("", zap.NewNop())
	resp, err := c.PostMessage(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"error":"bad mission"}`, string(resp.Body))
}

func TestPostMessageSyncPropagates4xxWithoutTripping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New("", zap.NewNop())
	for i := 0; i < 10; i++ {
		resp, err := c.PostMessageSync(context.Background(), srv.URL, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
}

func TestPostMessageSyncOpensBreakerOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("", zap.NewNop())
	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = c.PostMessageSync(context.Background(), srv.URL, nil)
	}
	require.Error(t, lastErr)
}

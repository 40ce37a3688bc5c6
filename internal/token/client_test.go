package token

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
)

const (
	normalResponse = `{"jsonrpc":"2.0","result":{"access_token":"8_nKdOGFSoJvqAPN4u4mv7aukG2uhA3XXUIPSKXUro3NRP4UomM7FXGNblQIGfTrwJ8RB9p5u6DXT5J6e_x1JDUN6fdj8PnChdoWlNM8DYQ-lxod9jnWf1BknX_24xrGwRR8v5jOV07aykqFLRABFaAFARSW","expires":1523882233},"id":"52fdfc072182654f"}`
	errorResponse  = `{"jsonrpc":"2.0","error":{"code":-32000,"message":"app_id xxx not found in config","data":null},"id":"52fdfc072182654f"}`
)

func tokenService(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2.0", req["jsonrpc"])
		assert.Equal(t, Method, req["method"])
		assert.Equal(t, map[string]any{}, req["params"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAccessToken(t *testing.T) {
	srv := tokenService(t, normalResponse)
	c := NewClient(Config{Addr: srv.URL}, srv.Client(), nil, nil)

	got, err := c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "8_nKdOGFSoJvqAPN4u4mv7aukG2uhA3XXUIPSKXUro3NRP4UomM7FXGNblQIGfTrwJ8RB9p5u6DXT5J6e_x1JDUN6fdj8PnChdoWlNM8DYQ-lxod9jnWf1BknX_24xrGwRR8v5jOV07aykqFLRABFaAFARSW", got)

	stats := c.GetStats()
	assert.Equal(t, uint64(1), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.SuccessRequests)
	assert.Equal(t, float64(100), stats.SuccessRate)
}

func TestAccessTokenErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "rpc error", body: errorResponse},
		{name: "not json", body: "<html>bad gateway</html>"},
		{name: "missing token", body: `{"jsonrpc":"2.0","result":{},"id":0}`},
		{name: "token not a string", body: `{"jsonrpc":"2.0","result":{"access_token":42},"id":0}`},
		{name: "empty token", body: `{"jsonrpc":"2.0","result":{"access_token":""},"id":0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := tokenService(t, tt.body)
			c := NewClient(Config{Addr: srv.URL}, srv.Client(), nil, nil)

			_, err := c.AccessToken(context.Background())
			var tokenErr *Error
			require.True(t, errors.As(err, &tokenErr), "expected token.Error, got %v", err)
			assert.Equal(t, uint64(1), c.GetStats().FailedRequests)
		})
	}
}

func TestAccessTokenRPCErrorKeepsBody(t *testing.T) {
	srv := tokenService(t, errorResponse)
	_, err := NewClient(Config{Addr: srv.URL}, srv.Client(), nil, nil).AccessToken(context.Background())

	var tokenErr *Error
	require.True(t, errors.As(err, &tokenErr))
	assert.Equal(t, errorResponse, tokenErr.Response)
	assert.Contains(t, tokenErr.Error(), "app_id xxx not found in config")
}

func TestAccessTokenTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{Addr: srv.URL, Timeout: 50 * time.Millisecond}, srv.Client(), nil, nil)
	_, err := c.AccessToken(context.Background())

	var tokenErr *Error
	require.True(t, errors.As(err, &tokenErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(Config{}, nil, nil, nil)
	assert.Equal(t, DefaultAddr, c.config.Addr)
	assert.Equal(t, DefaultTimeout, c.config.Timeout)
}

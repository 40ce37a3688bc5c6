package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func speexServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "voice/speex")
		flusher := w.(http.Flusher)
		// Flush in odd sizes so reads do not line up with frames
		for len(body) > 0 {
			n := min(len(body), 37)
			_, _ = w.Write(body[:n])
			flusher.Flush()
			body = body[n:]
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drain(t *testing.T, next func(context.Context) ([]byte, error)) [][]byte {
	t.Helper()
	var chunks [][]byte
	for {
		chunk, err := next(context.Background())
		if errors.Is(err, io.EOF) {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, append([]byte(nil), chunk...))
	}
}

func TestStreamChunks(t *testing.T) {
	body := bytes.Repeat([]byte{0x01, 0x02, 0x03}, 100)
	srv := speexServer(t, body)

	d := NewDownloader(srv.Client(), Config{}, nil)
	stream, err := d.Open(context.Background(), srv.URL)
	require.NoError(t, err)
	defer stream.Close()

	chunks := drain(t, stream.Next)
	require.NotEmpty(t, chunks)

	var got []byte
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), FrameSize)
		assert.NotEmpty(t, c)
		got = append(got, c...)
	}
	assert.Equal(t, body, got)

	// Exhausted streams stay exhausted
	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamEmptyBody(t *testing.T) {
	srv := speexServer(t, nil)

	stream, err := NewDownloader(srv.Client(), Config{}, nil).Open(context.Background(), srv.URL)
	require.NoError(t, err)
	defer stream.Close()

	assert.Empty(t, drain(t, stream.Next))
}

func TestOpenFetchError(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
	}{
		{name: "not found", status: http.StatusNotFound, contentType: "application/json"},
		{name: "wrong content type", status: http.StatusOK, contentType: "text/plain; charset=utf-8"},
		{name: "right type wrong status", status: http.StatusForbidden, contentType: "voice/speex"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"errcode":40007,"errmsg":"invalid media_id"}`))
			}))
			defer srv.Close()

			_, err := NewDownloader(srv.Client(), Config{}, nil).Open(context.Background(), srv.URL)

			var fetchErr *FetchError
			require.True(t, errors.As(err, &fetchErr), "expected FetchError, got %v", err)
			assert.Equal(t, tt.status, fetchErr.Status)
			assert.Equal(t, `{"errcode":40007,"errmsg":"invalid media_id"}`, fetchErr.Error())
		})
	}
}

func TestOpenReadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "voice/speex")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := NewDownloader(srv.Client(), Config{ReadTimeout: 100 * time.Millisecond}, nil)
	stream, err := d.Open(context.Background(), srv.URL)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestSourceIsLazy(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "voice/speex")
		_, _ = w.Write(bytes.Repeat([]byte{0xAA}, 130))
	}))
	defer srv.Close()

	src := NewDownloader(srv.Client(), Config{}, nil).Source(srv.URL)
	assert.Equal(t, int32(0), hits.Load())
	require.NoError(t, src.Close())

	src = NewDownloader(srv.Client(), Config{}, nil).Source(srv.URL)
	defer src.Close()

	var total int
	for _, c := range drain(t, src.Next) {
		total += len(c)
	}
	assert.Equal(t, 130, total)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDownloadURL(t *testing.T) {
	got, err := DownloadURL("https://api.weixin.qq.com/cgi-bin/media/get/jssdk", "DDD", "TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "https://api.weixin.qq.com/cgi-bin/media/get/jssdk?access_token=TOKEN&media_id=DDD", got)

	got, err = DownloadURL("http://localhost:8080/media?region=cn", "a b", "t&k")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/media?access_token=t%26k&media_id=a+b&region=cn", got)

	_, err = DownloadURL("://bad", "DDD", "TOKEN")
	assert.Error(t, err)
}

func TestMediaType(t *testing.T) {
	assert.Equal(t, "voice/speex", mediaType("voice/speex"))
	assert.Equal(t, "voice/speex", mediaType("Voice/Speex; codec=vbr"))
	assert.Equal(t, "application/octet-stream", mediaType(""))
}

package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const (
	// FrameSize is the size of one speex VBR quality 7 frame (20ms)
	FrameSize = 60

	// ContentType is the only content type accepted from the media server
	ContentType = "voice/speex"

	// DefaultReadTimeout bounds a single download
	DefaultReadTimeout = 10 * time.Second

	// maxErrorBody caps how much of a failed response is kept for diagnostics
	maxErrorBody = 64 * 1024
)

// FetchError is returned when the media server does not answer with 200 and
// speex content. Its message is the body the media server sent.
type FetchError struct {
	Status      int
	ContentType string
	Body        string
}

func (e *FetchError) Error() string {
	return e.Body
}

// Config contains downloader configuration
type Config struct {
	ReadTimeout time.Duration
	FrameSize   int
}

// Downloader fetches voice assets from the WeChat media server
type Downloader struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// NewDownloader creates a downloader on top of the shared HTTP client
func NewDownloader(client *http.Client, config Config, logger *slog.Logger) *Downloader {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if config.FrameSize <= 0 {
		config.FrameSize = FrameSize
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Downloader{
		config: config,
		client: client,
		logger: logger,
	}
}

// Open starts the download and checks status and content type. The returned
// stream must be closed.
func (d *Downloader) Open(ctx context.Context, rawURL string) (*Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.ReadTimeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("download request failed: %w", err)
	}

	contentType := mediaType(resp.Header.Get("Content-Type"))
	if resp.StatusCode != http.StatusOK || contentType != ContentType {
		defer cancel()
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		d.logger.Warn("Media server rejected download",
			slog.Int("status", resp.StatusCode),
			slog.String("content_type", contentType),
			slog.String("detected_type", mimetype.Detect(body).String()),
			slog.String("body", string(body)),
		)
		return nil, &FetchError{
			Status:      resp.StatusCode,
			ContentType: contentType,
			Body:        string(body),
		}
	}

	return &Stream{
		body:   resp.Body,
		buf:    make([]byte, d.config.FrameSize),
		cancel: cancel,
	}, nil
}

// Source returns a lazy producer bound to rawURL. Nothing is fetched until
// the first call to Next.
func (d *Downloader) Source(rawURL string) *Source {
	return &Source{downloader: d, url: rawURL}
}

// mediaType strips parameters and lower-cases the content type. A missing
// header is treated as application/octet-stream.
func mediaType(header string) string {
	if header == "" {
		return "application/octet-stream"
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return header
	}
	return mt
}

// Stream yields the body of a successful download one network read at a time
type Stream struct {
	body   io.ReadCloser
	buf    []byte
	cancel context.CancelFunc
	eof    bool
	closed bool
}

// Next returns the next chunk of at most FrameSize bytes, or io.EOF once the
// body is exhausted. The chunk is only valid until the next call.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	if s.closed {
		return nil, errors.New("audio stream is closed")
	}
	if s.eof {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for {
		n, err := s.body.Read(s.buf)
		if n > 0 {
			if err == io.EOF {
				s.eof = true
			}
			return s.buf[:n], nil
		}
		if err == io.EOF {
			s.eof = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read audio: %w", err)
		}
	}
}

// Close releases the underlying response
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.cancel()
	return s.body.Close()
}

// Source opens its download on first use
type Source struct {
	downloader *Downloader
	url        string
	stream     *Stream
}

// Next opens the download if needed and returns the next chunk
func (s *Source) Next(ctx context.Context) ([]byte, error) {
	if s.stream == nil {
		stream, err := s.downloader.Open(ctx, s.url)
		if err != nil {
			return nil, err
		}
		s.stream = stream
	}
	return s.stream.Next(ctx)
}

// Close releases the download if it was opened
func (s *Source) Close() error {
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

// DownloadURL builds the media server link for mediaID. Query parameters
// already present on base are kept.
func DownloadURL(base, mediaID, accessToken string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid download base URL %q: %w", base, err)
	}
	q := u.Query()
	q.Set("access_token", accessToken)
	q.Set("media_id", mediaID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

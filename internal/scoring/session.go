package scoring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/lingochamp/open-wechat-scorer/internal/metrics"
	"github.com/lingochamp/open-wechat-scorer/internal/protocol"
)

const (
	// DefaultTimeout bounds a whole session. A 60s voice message takes the
	// scorer about 30s under moderate load.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxMessageSize is the read limit for a single response message
	DefaultMaxMessageSize = 16 * 1024 * 1024

	// PlatformHeader tells the scorer the request comes from WeChat, which
	// disables queuing on its side.
	PlatformHeader = "X-from-WeChat"
)

// State is the lifecycle state of a scoring session
type State int

const (
	StateIdle State = iota
	StateConnected
	StateHeaderSent
	StateStreaming
	StateEndSent
	StateReceiving
	StateComplete
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateHeaderSent:
		return "header_sent"
	case StateStreaming:
		return "streaming"
	case StateEndSent:
		return "end_sent"
	case StateReceiving:
		return "receiving"
	case StateComplete:
		return "complete"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Producer yields raw audio chunks. Next returns io.EOF once exhausted.
type Producer interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// TimeoutError is returned when a session exceeds its time bound
type TimeoutError struct {
	Timeout time.Duration
	State   State // State the session was in when the bound expired
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("scoring session timed out after %s while %s", e.Timeout, e.State)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// Config contains scoring client configuration
type Config struct {
	Timeout        time.Duration
	MaxMessageSize int64
	// MaxConcurrent caps open sessions; 0 means no limit. Waiting for a slot
	// counts against Timeout.
	MaxConcurrent int
}

// Client opens scoring sessions against the scoring backend
type Client struct {
	config  Config
	dialer  *websocket.Dialer
	slots   *semaphore.Weighted
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a scoring client. dialer may be nil to use the default.
func NewClient(config Config, dialer *websocket.Dialer, logger *slog.Logger, m *metrics.Metrics) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.Timeout,
		}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		config:  config,
		dialer:  dialer,
		logger:  logger,
		metrics: m,
	}
	if config.MaxConcurrent > 0 {
		c.slots = semaphore.NewWeighted(int64(config.MaxConcurrent))
	}
	return c
}

// Score runs one session: it sends the framed metadata, streams every chunk
// from producer as an audio frame, sends the end marker and returns the first
// complete response. The producer is closed before Score returns.
func (c *Client) Score(ctx context.Context, endpoint, meta string, producer Producer) ([]byte, error) {
	defer producer.Close()

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	s := &session{
		client:   c,
		endpoint: endpoint,
		logger:   c.logger.With(slog.String("endpoint", endpoint)),
		state:    StateIdle,
	}

	if c.slots != nil {
		if err := c.slots.Acquire(ctx, 1); err != nil {
			return nil, s.fail(ctx, fmt.Errorf("no free scoring slot: %w", err))
		}
		defer c.slots.Release(1)
	}

	start := time.Now()
	c.metrics.SessionStarted()
	payload, err := s.run(ctx, meta, producer)
	c.metrics.SessionFinished(s.state.String(), time.Since(start).Seconds())

	if err != nil {
		s.logger.Warn("Scoring session failed",
			slog.String("state", s.state.String()),
			slog.Int("frames_sent", s.framesSent),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	c.metrics.RecordResponse(len(payload))
	s.logger.Debug("Scoring session complete",
		slog.Int("frames_sent", s.framesSent),
		slog.Int("response_size", len(payload)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return payload, nil
}

// session holds the state of one scoring connection
type session struct {
	client     *Client
	endpoint   string
	logger     *slog.Logger
	state      State
	framesSent int
}

func (s *session) transition(next State) {
	s.logger.Debug("Scoring session state change",
		slog.String("from", s.state.String()),
		slog.String("to", next.String()),
	)
	s.state = next
}

func (s *session) run(ctx context.Context, meta string, producer Producer) ([]byte, error) {
	wsURL, err := websocketURL(s.endpoint)
	if err != nil {
		s.transition(StateFailed)
		return nil, err
	}

	header := http.Header{}
	header.Set(PlatformHeader, "1")

	conn, resp, err := s.client.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, s.fail(ctx, fmt.Errorf("failed to connect to scorer: %w", err))
	}
	defer conn.Close()

	// Expiry of ctx aborts both directions of the connection
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}
	conn.SetReadLimit(s.client.config.MaxMessageSize)
	s.transition(StateConnected)

	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeHeader([]byte(meta))); err != nil {
		return nil, s.fail(ctx, fmt.Errorf("failed to send header: %w", err))
	}
	s.transition(StateHeaderSent)

	s.transition(StateStreaming)
	for {
		chunk, err := producer.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeAudioFrame(chunk)); err != nil {
			return nil, s.fail(ctx, fmt.Errorf("failed to send audio frame %d: %w", s.framesSent, err))
		}
		s.framesSent++
		s.client.metrics.RecordFrameSent(len(chunk))
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EndMarker()); err != nil {
		return nil, s.fail(ctx, fmt.Errorf("failed to send end marker: %w", err))
	}
	s.transition(StateEndSent)

	s.transition(StateReceiving)
	decoder := protocol.NewResponseDecoder()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || isTimeout(err) {
				return nil, s.fail(ctx, err)
			}
			// Closed or broken connection: whatever arrived is all there is
			s.logger.Debug("Scoring connection ended",
				slog.Int("buffered", decoder.Buffered()),
				slog.String("reason", err.Error()),
			)
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if _, done := decoder.Feed(data); done {
			break
		}
	}

	payload, err := decoder.Finish()
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	s.transition(StateComplete)

	// Best effort close handshake
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	return payload, nil
}

// fail moves the session to a terminal state and classifies err
func (s *session) fail(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		timeoutErr := &TimeoutError{
			Timeout: s.client.config.Timeout,
			State:   s.state,
			Err:     err,
		}
		s.transition(StateTimedOut)
		return timeoutErr
	}
	s.transition(StateFailed)
	return err
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// websocketURL maps http(s) endpoints to ws(s); the configured scorer URLs may
// use either form.
func websocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid scorer URL %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scorer URL scheme %q", u.Scheme)
	}
	return u.String(), nil
}

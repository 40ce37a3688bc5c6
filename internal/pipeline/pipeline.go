package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lingochamp/open-wechat-scorer/internal/audio"
	"github.com/lingochamp/open-wechat-scorer/internal/metrics"
	"github.com/lingochamp/open-wechat-scorer/internal/protocol"
	"github.com/lingochamp/open-wechat-scorer/internal/scoring"
	"github.com/lingochamp/open-wechat-scorer/internal/signing"
)

// FetchFailedStatus is the status reported in the soft failure envelope
const FetchFailedStatus = -100

// ClientInputError is a malformed, incomplete or rejected request
type ClientInputError struct {
	Message string
	Err     error
}

func (e *ClientInputError) Error() string {
	return e.Message
}

func (e *ClientInputError) Unwrap() error {
	return e.Err
}

// CredentialError is returned when no access token could be obtained
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return e.Err.Error()
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// Scorer runs one scoring session; satisfied by *scoring.Client
type Scorer interface {
	Score(ctx context.Context, endpoint, meta string, producer scoring.Producer) ([]byte, error)
}

// Config contains pipeline configuration
type Config struct {
	DownloadURL string
}

// Pipeline turns a rating request into a scorer response
type Pipeline struct {
	config     Config
	hooks      Hooks
	signer     *signing.Signer
	selector   *scoring.Selector
	downloader *audio.Downloader
	scorer     Scorer
	validate   *validator.Validate
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Deps groups the collaborators of a Pipeline
type Deps struct {
	Hooks      Hooks
	Signer     *signing.Signer
	Selector   *scoring.Selector
	Downloader *audio.Downloader
	Scorer     Scorer
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// New creates a pipeline
func New(config Config, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		config:     config,
		hooks:      deps.Hooks,
		signer:     deps.Signer,
		selector:   deps.Selector,
		downloader: deps.Downloader,
		scorer:     deps.Scorer,
		validate:   validator.New(),
		logger:     logger,
		metrics:    deps.Metrics,
	}
}

// Handle processes req and returns the body to send back with 200. A failed
// voice download yields a soft failure body rather than an error; every other
// failure is returned as an error.
func (p *Pipeline) Handle(ctx context.Context, req Request) ([]byte, error) {
	start := time.Now()
	body, outcome, err := p.handle(ctx, req)
	p.metrics.RecordRating(outcome, time.Since(start).Seconds())
	return body, err
}

func (p *Pipeline) handle(ctx context.Context, req Request) ([]byte, string, error) {
	logger := p.logger.With(slog.String("media_id", req.MediaID))

	if err := p.validate.Struct(req); err != nil {
		logger.Warn("Request is missing required fields", slog.String("error", err.Error()))
		return nil, "client_error", &ClientInputError{Message: "Missing required field(s)", Err: err}
	}

	req, err := p.hooks.ValidateRequest(ctx, req)
	if err != nil {
		logger.Warn("Request rejected", slog.String("error", err.Error()))
		return nil, "client_error", &ClientInputError{Message: err.Error(), Err: err}
	}

	accessToken := req.AccessToken
	if accessToken == "" {
		accessToken, err = p.hooks.FetchCredential(ctx, req)
		if err != nil {
			return nil, "credential_error", &CredentialError{Err: err}
		}
	}

	meta, err := p.signMeta(req.Meta)
	if err != nil {
		logger.Warn("Cannot sign request metadata", slog.String("error", err.Error()))
		return nil, "client_error", err
	}

	audioURL, err := audio.DownloadURL(p.config.DownloadURL, req.MediaID, accessToken)
	if err != nil {
		return nil, "error", err
	}

	endpoint := p.selector.Resolve(meta)
	logger.Debug("Scoring request", slog.String("endpoint", endpoint))

	rsp, err := p.scorer.Score(ctx, endpoint, meta, p.downloader.Source(audioURL))
	if err != nil {
		var fetchErr *audio.FetchError
		if errors.As(err, &fetchErr) {
			logger.Warn("Voice download failed",
				slog.Int("status", fetchErr.Status),
				slog.String("content_type", fetchErr.ContentType),
				slog.String("body", fetchErr.Body),
			)
			p.metrics.RecordAudioFetchFailure(strconv.Itoa(fetchErr.Status))
			return fetchFailed(fetchErr), "fetch_failed", nil
		}
		return nil, outcomeOf(err), err
	}

	return rsp, "success", nil
}

// signMeta decodes the base64 metadata, signs it and encodes it again
func (p *Pipeline) signMeta(meta string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(meta)
	if err != nil {
		return "", &ClientInputError{Message: fmt.Sprintf("meta is not valid base64: %v", err), Err: err}
	}

	signed, err := p.signer.Sign(string(decoded), "")
	if err != nil {
		return "", &ClientInputError{Message: err.Error(), Err: err}
	}
	p.logger.Debug("Signed metadata", slog.String("meta", signed))

	return base64.StdEncoding.EncodeToString([]byte(signed)), nil
}

// fetchFailed renders the soft failure envelope with json.dumps separators
func fetchFailed(err *audio.FetchError) []byte {
	doc := signing.NewDocument()
	doc.Set("status", FetchFailedStatus)
	doc.Set("msg", err.Error())
	doc.Set("flag", 1)
	return []byte(doc.Marshal())
}

func outcomeOf(err error) string {
	var timeoutErr *scoring.TimeoutError
	var shortErr *protocol.ShortResponseError
	switch {
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &shortErr):
		return "short_response"
	default:
		return "error"
	}
}

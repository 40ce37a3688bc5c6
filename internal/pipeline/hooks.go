//go:generate go run go.uber.org/mock/mockgen -source=hooks.go -destination=mock_hooks_test.go -package=pipeline

package pipeline

import (
	"context"
	"net/http"
	"net/url"
)

// Request is one rating request as received on the HTTP boundary
type Request struct {
	MediaID     string `json:"mediaId" validate:"required"`
	Meta        string `json:"meta" validate:"required"`
	AccessToken string `json:"accessToken,omitempty"`

	// Header and Query carry the inbound HTTP request for ValidateRequest
	Header http.Header `json:"-"`
	Query  url.Values  `json:"-"`
}

// Hooks are the points where a deployment plugs in its own behaviour
type Hooks interface {
	// FetchCredential returns the WeChat access token used to download the
	// voice asset. Any error fails the request with 500.
	FetchCredential(ctx context.Context, req Request) (string, error)

	// ValidateRequest may reject (400 with the error message) or rewrite
	// the request before it is processed.
	ValidateRequest(ctx context.Context, req Request) (Request, error)
}

// TokenSource is satisfied by *token.Client
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// DefaultHooks asks the token service for credentials and accepts every
// request unchanged.
type DefaultHooks struct {
	Tokens TokenSource
}

func (h DefaultHooks) FetchCredential(ctx context.Context, _ Request) (string, error) {
	return h.Tokens.AccessToken(ctx)
}

func (DefaultHooks) ValidateRequest(_ context.Context, req Request) (Request, error) {
	return req, nil
}

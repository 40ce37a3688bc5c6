package signing

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
)

const (
	// SpeexQuality is forced on every item to match WeChat's speex encoder
	SpeexQuality = 7

	itemField    = "item"
	qualityField = "quality"
	appIDField   = "appID"
	saltField    = "salt"
	hashSuffix   = ";hash="
)

// Credentials identify this service to the scoring backend. Signing is
// disabled when either value is empty.
type Credentials struct {
	AppID  string
	Secret string
}

// Enabled reports whether requests should be signed
func (c Credentials) Enabled() bool {
	return c.AppID != "" && c.Secret != ""
}

// DecodeError is returned when request metadata is not a JSON object
type DecodeError struct {
	Meta string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid request metadata: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Signer normalizes request metadata and signs it with the configured
// credentials.
type Signer struct {
	creds  Credentials
	logger *slog.Logger
	now    func() time.Time
}

// NewSigner creates a signer. A nil logger discards output.
func NewSigner(creds Credentials, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Signer{
		creds:  creds,
		logger: logger,
		now:    time.Now,
	}
}

// Sign normalizes meta and, if credentials are set, appends the signature.
// A previously signed meta has its authentication fields replaced. An empty
// salt is generated.
func (s *Signer) Sign(meta string, salt string) (string, error) {
	doc, err := ParseDocument(TrimTrailing(meta))
	if err != nil {
		s.logger.Warn("Failed to decode request metadata",
			slog.String("meta", meta),
			slog.String("error", err.Error()),
		)
		return "", &DecodeError{Meta: meta, Err: err}
	}

	if item, ok := doc.Get(itemField); ok {
		if itemDoc, ok := item.(*Document); ok {
			itemDoc.Set(qualityField, SpeexQuality)
		}
	}

	if !s.creds.Enabled() {
		return doc.Marshal(), nil
	}

	if salt == "" {
		salt = s.generateSalt()
	}
	doc.Set(appIDField, s.creds.AppID)
	doc.Set(saltField, salt)

	signed := doc.Marshal()
	return signed + hashSuffix + Digest(s.creds, signed, salt), nil
}

// Digest computes the hex signature over the serialized metadata.
// Layout: md5(appID + "+" + meta + "+" + salt + "+" + secret)
func Digest(creds Credentials, meta, salt string) string {
	sum := md5.Sum([]byte(strings.Join([]string{creds.AppID, meta, salt, creds.Secret}, "+")))
	return hex.EncodeToString(sum[:])
}

// GenerateSalt returns a fresh "<unix-seconds>:<8 hex digits>" nonce
func GenerateSalt() string {
	return formatSalt(time.Now(), rand.Uint32())
}

func (s *Signer) generateSalt() string {
	return formatSalt(s.now(), rand.Uint32())
}

func formatSalt(now time.Time, r uint32) string {
	return fmt.Sprintf("%d:%08x", now.Unix(), r)
}

// TrimTrailing drops everything after the last '}'. Upstream callers append
// garbage (or a previous signature) after the JSON object.
func TrimTrailing(meta string) string {
	return meta[:strings.LastIndex(meta, "}")+1]
}

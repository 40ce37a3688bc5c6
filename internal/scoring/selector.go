package scoring

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"unicode/utf8"

	"github.com/jmespath/go-jmespath"

	"github.com/lingochamp/open-wechat-scorer/internal/signing"
)

var (
	topLevelType = jmespath.MustCompile("type")
	itemType     = jmespath.MustCompile("item.type")
)

// Selector picks the scoring endpoint for a request from its question type
type Selector struct {
	defaultURL   string
	typeSpecific map[string]string
	logger       *slog.Logger
}

// NewSelector creates a selector. typeSpecific may be nil.
func NewSelector(defaultURL string, typeSpecific map[string]string, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	urls := make(map[string]string, len(typeSpecific))
	for k, v := range typeSpecific {
		urls[k] = v
	}
	return &Selector{
		defaultURL:   defaultURL,
		typeSpecific: urls,
		logger:       logger,
	}
}

// Resolve returns the endpoint for meta, a base64 encoded (and possibly
// signed) metadata blob. It falls back to the default endpoint whenever the
// type cannot be determined or has no entry.
func (s *Selector) Resolve(meta string) string {
	decoded, err := base64.StdEncoding.DecodeString(meta)
	if err != nil || !utf8.Valid(decoded) {
		s.logger.Warn("Cannot decode metadata for scorer selection", slog.Any("error", err))
		return s.defaultURL
	}

	questionType, ok := QuestionType(string(decoded), s.logger)
	if !ok {
		return s.defaultURL
	}
	if u, found := s.typeSpecific[questionType]; found {
		return u
	}
	s.logger.Debug("No type specific scorer", slog.String("type", questionType))
	return s.defaultURL
}

// QuestionType extracts "type", or "item.type" when the former is absent,
// from JSON metadata. Missing types yield "" and true; undecodable metadata
// or a non-string type yields false.
func QuestionType(meta string, logger *slog.Logger) (string, bool) {
	var data interface{}
	if err := json.Unmarshal([]byte(signing.TrimTrailing(meta)), &data); err != nil {
		if logger != nil {
			logger.Warn("Cannot parse metadata for scorer selection", slog.String("error", err.Error()))
		}
		return "", false
	}

	for _, expr := range []*jmespath.JMESPath{topLevelType, itemType} {
		v, err := expr.Search(data)
		if err != nil || v == nil {
			continue
		}
		str, isString := v.(string)
		return str, isString
	}
	return "", true
}

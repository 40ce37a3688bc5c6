package signing

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readAloudMeta = `{
  "item": {
    "type": "readaloud",
    "quality": -1,
    "audioFormat": "wav",
    "reftext": "café 1.50"
  }
}trailing`

func TestSignGoldenFixture(t *testing.T) {
	s := NewSigner(Credentials{AppID: "SDKdemo", Secret: "abc"}, nil)

	got, err := s.Sign(`{"type":"abc"}`, "123")
	require.NoError(t, err)
	assert.Equal(t,
		`{"type": "abc", "appID": "SDKdemo", "salt": "123"};hash=79f297f9e1c1d3277a4901285668d894`,
		got)
}

func TestSignNormalizesQuality(t *testing.T) {
	tests := []struct {
		name     string
		creds    Credentials
		meta     string
		expected string
	}{
		{
			name:     "unsigned keeps key order",
			meta:     readAloudMeta,
			expected: `{"item": {"type": "readaloud", "quality": 7, "audioFormat": "wav", "reftext": "caf\u00e9 1.50"}}`,
		},
		{
			name:     "signed",
			creds:    Credentials{AppID: "SDKdemo", Secret: "abc"},
			meta:     readAloudMeta,
			expected: `{"item": {"type": "readaloud", "quality": 7, "audioFormat": "wav", "reftext": "caf\u00e9 1.50"}, "appID": "SDKdemo", "salt": "123"};hash=39bca04513f0582708d8ed10120b76fe`,
		},
		{
			name:     "quality appended when missing",
			meta:     `{"item":{"type":"x"}}`,
			expected: `{"item": {"type": "x", "quality": 7}}`,
		},
		{
			name:     "item that is not an object is left alone",
			meta:     `{"item":"quality"}`,
			expected: `{"item": "quality"}`,
		},
		{
			name:     "nested quality only",
			meta:     `{"quality":1,"item":{"quality":10.5}}`,
			expected: `{"quality": 1, "item": {"quality": 7}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewSigner(tt.creds, nil).Sign(tt.meta, "123")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSignWithoutCredentials(t *testing.T) {
	for _, creds := range []Credentials{
		{},
		{AppID: "SDKdemo"},
		{Secret: "abc"},
	} {
		got, err := NewSigner(creds, nil).Sign(`{"type":"abc"}`, "")
		require.NoError(t, err)
		assert.Equal(t, `{"type": "abc"}`, got)
		assert.NotContains(t, got, ";hash=")
		assert.NotContains(t, got, "appID")
		assert.NotContains(t, got, "salt")
	}
}

func TestSignReplacesPreviousSignature(t *testing.T) {
	s := NewSigner(Credentials{AppID: "SDKdemo", Secret: "abc"}, nil)

	first, err := s.Sign(`{"type":"abc"}`, "123")
	require.NoError(t, err)

	again, err := s.Sign(first, "123")
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestSignGeneratesSalt(t *testing.T) {
	s := NewSigner(Credentials{AppID: "SDKdemo", Secret: "abc"}, nil)
	s.now = func() time.Time { return time.Unix(1523882233, 0) }

	got, err := s.Sign(`{"type":"abc"}`, "")
	require.NoError(t, err)

	m := regexp.MustCompile(`"salt": "(1523882233:[0-9a-f]{8})"`).FindStringSubmatch(got)
	require.Len(t, m, 2, "salt not found in %s", got)

	meta, hash, found := strings.Cut(got, ";hash=")
	require.True(t, found)
	assert.Equal(t, Digest(s.creds, meta, m[1]), hash)
}

func TestSignDecodeError(t *testing.T) {
	for _, meta := range []string{
		"",
		"bazinga",
		`{"type": }`,
		`[1, 2]`,
		`{"a":1} {"b":2}`,
	} {
		_, err := NewSigner(Credentials{}, nil).Sign(meta, "")
		var decodeErr *DecodeError
		require.True(t, errors.As(err, &decodeErr), "meta %q: %v", meta, err)
		assert.Equal(t, meta, decodeErr.Meta)
	}
}

func TestGenerateSalt(t *testing.T) {
	assert.Regexp(t, `^\d+:[0-9a-f]{8}$`, GenerateSalt())
	assert.Equal(t, "100:0000002a", formatSalt(time.Unix(100, 0), 42))
}

func TestTrimTrailing(t *testing.T) {
	assert.Equal(t, `{"a":{}}`, TrimTrailing(`{"a":{}};hash=abc`))
	assert.Equal(t, `{}`, TrimTrailing("{}\n"))
	assert.Equal(t, "", TrimTrailing("no braces"))
}

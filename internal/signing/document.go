package signing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Document is a decoded JSON object that remembers key insertion order, so it
// can be written back in the exact layout the scoring backend hashes.
//
// Values are string, json.Number, bool, nil, *Document or []any.
type Document struct {
	keys   []string
	values map[string]any
}

// NewDocument creates an empty document
func NewDocument() *Document {
	return &Document{values: make(map[string]any)}
}

// Get returns the value stored under key
func (d *Document) Get(key string) (any, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Set stores value under key. An existing key keeps its position.
func (d *Document) Set(key string, value any) {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

// Keys returns the keys in insertion order
func (d *Document) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// ParseDocument decodes a single JSON object
func ParseDocument(data string) (*Document, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected JSON object, got %v", tok)
	}

	doc, err := readObject(dec)
	if err != nil {
		return nil, err
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("extra data after JSON object")
	}
	return doc, nil
}

func readObject(dec *json.Decoder) (*Document, error) {
	doc := NewDocument()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", tok)
		}
		value, err := readValue(dec)
		if err != nil {
			return nil, err
		}
		doc.Set(key, value)
	}
	// closing '}'
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return doc, nil
}

func readValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			return readObject(dec)
		case '[':
			arr := []any{}
			for dec.More() {
				item, err := readValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %v", v)
		}
	default:
		return v, nil
	}
}

// Marshal writes the document the way Python's json.dumps does with default
// options: ", " and ": " separators, non-ASCII escaped, floats in repr form.
func (d *Document) Marshal() string {
	var buf bytes.Buffer
	writeValue(&buf, d)
	return buf.String()
}

func writeValue(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, val)
	case json.Number:
		buf.WriteString(formatNumber(val))
	case int:
		buf.WriteString(strconv.Itoa(val))
	case *Document:
		buf.WriteByte('{')
		for i, k := range val.keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeString(buf, k)
			buf.WriteString(": ")
			writeValue(buf, val.values[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeValue(buf, item)
		}
		buf.WriteByte(']')
	default:
		writeString(buf, fmt.Sprint(val))
	}
}

const hexDigits = "0123456789abcdef"

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r >= 0x20 && r <= 0x7e:
			buf.WriteRune(r)
		case r > 0xffff:
			r1, r2 := utf16.EncodeRune(r)
			writeUnicodeEscape(buf, r1)
			writeUnicodeEscape(buf, r2)
		default:
			writeUnicodeEscape(buf, r)
		}
	}
	buf.WriteByte('"')
}

func writeUnicodeEscape(buf *bytes.Buffer, r rune) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[(r>>12)&0xf])
	buf.WriteByte(hexDigits[(r>>8)&0xf])
	buf.WriteByte(hexDigits[(r>>4)&0xf])
	buf.WriteByte(hexDigits[r&0xf])
}

// formatNumber renders an integer literal as an arbitrary precision integer
// and anything else as the shortest repr of a float64.
func formatNumber(n json.Number) string {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, ok := new(big.Int).SetString(s, 10); ok {
			return i.String()
		}
		return s
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return formatFloat(f)
}

// formatFloat matches Python's float repr: positional notation for decimal
// exponents in [-4, 16), scientific with a two digit exponent otherwise.
func formatFloat(f float64) string {
	if f == 0 {
		if strconv.FormatFloat(f, 'g', -1, 64)[0] == '-' {
			return "-0.0"
		}
		return "0.0"
	}

	// d.ddddde±XX with the shortest round-trip digits
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	sign := ""
	if sci[0] == '-' {
		sign = "-"
		sci = sci[1:]
	}
	mantissa, expPart, _ := strings.Cut(sci, "e")
	exp, _ := strconv.Atoi(expPart)
	digits := strings.Replace(mantissa, ".", "", 1)

	if exp >= -4 && exp < 16 {
		var out string
		switch {
		case exp < 0:
			out = "0." + strings.Repeat("0", -exp-1) + digits
		case exp+1 >= len(digits):
			out = digits + strings.Repeat("0", exp+1-len(digits)) + ".0"
		default:
			out = digits[:exp+1] + "." + digits[exp+1:]
		}
		return sign + out
	}

	out := digits[:1]
	if len(digits) > 1 {
		out += "." + digits[1:]
	}
	expSign := "+"
	if exp < 0 {
		expSign = "-"
		exp = -exp
	}
	return fmt.Sprintf("%s%se%s%02d", sign, out, expSign, exp)
}

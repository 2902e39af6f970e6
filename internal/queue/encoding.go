package queue

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Encoding is how message text maps to the notification body.
type Encoding string

const (
	// EncodingAuto accepts base64 text whose decoding is JSON, and falls back
	// to the raw text otherwise.
	EncodingAuto Encoding = "auto"
	// EncodingBase64 requires base64 text, which is what Event Grid queue
	// subscriptions and the Functions host produce.
	EncodingBase64 Encoding = "base64"
	// EncodingNone passes message text through unchanged.
	EncodingNone Encoding = "none"
)

// ParseEncoding validates an encoding name. Empty means auto.
func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(strings.TrimSpace(s))); e {
	case "":
		return EncodingAuto, nil
	case EncodingAuto, EncodingBase64, EncodingNone:
		return e, nil
	default:
		return "", fmt.Errorf("unknown message encoding %q", s)
	}
}

// DecodeText turns queue message text into a notification body.
func DecodeText(text string, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingNone:
		return []byte(text), nil
	case EncodingBase64:
		body, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
		if err != nil {
			return nil, fmt.Errorf("message is not base64: %w", err)
		}
		return body, nil
	case EncodingAuto, "":
		trimmed := strings.TrimSpace(text)
		if body, err := base64.StdEncoding.DecodeString(trimmed); err == nil && json.Valid(bytes.TrimSpace(body)) {
			return body, nil
		}
		return []byte(text), nil
	default:
		return nil, fmt.Errorf("unknown message encoding %q", enc)
	}
}

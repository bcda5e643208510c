// Package serialization decides storage formats and rewrites execution state
// into storage-safe form.
//
// The policy is pure: format selection estimates the encoded size of a
// payload, and storage-safe rewriting canonicalizes timestamps into ISO-8601
// strings at every nesting level. Neither performs I/O.
package serialization

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Format identifies how snapshot state is encoded at rest.
type Format string

const (
	// FormatJSON stores state as plain JSON.
	FormatJSON Format = "json"
	// FormatJSONGzip stores state as gzip-compressed JSON.
	FormatJSONGzip Format = "json+gzip"
)

// CompressionThreshold is the estimated encoded size, in bytes, above which
// state is stored compressed.
const CompressionThreshold = 1024

// timeLayout renders timestamps with a numeric zone offset so UTC values
// canonicalize to "+00:00" rather than "Z".
const timeLayout = "2006-01-02T15:04:05.999999999-07:00"

// ErrInvalidFormat indicates an unknown serialization format value.
var ErrInvalidFormat = errors.New("serialization format is invalid")

// ParseFormat canonicalizes a stored format value.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatJSONGzip:
		return FormatJSONGzip, nil
	default:
		return "", ErrInvalidFormat
	}
}

// ChooseFormat estimates the encoded size of the payload and returns the
// compressed format when it exceeds CompressionThreshold. Payloads whose size
// cannot be estimated default to plain JSON.
func ChooseFormat(payload map[string]any) Format {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return FormatJSON
	}
	if len(encoded) > CompressionThreshold {
		return FormatJSONGzip
	}
	return FormatJSON
}

// ToStorageSafe returns a copy of the payload with every timestamp value
// rewritten into a canonical ISO-8601 string, recursing through maps and
// slices. All other scalar values pass through unchanged. The rewrite is
// idempotent: strings produced by one pass are left alone by the next.
func ToStorageSafe(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	safe := make(map[string]any, len(payload))
	for key, value := range payload {
		safe[key] = toStorageSafeValue(value)
	}
	return safe
}

func toStorageSafeValue(value any) any {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(timeLayout)
	case *time.Time:
		if v == nil {
			return nil
		}
		return v.UTC().Format(timeLayout)
	case map[string]any:
		return ToStorageSafe(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = toStorageSafeValue(item)
		}
		return out
	default:
		return value
	}
}

// Encode serializes a storage-safe payload in the given format.
func Encode(payload map[string]any, format Format) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	if format != FormatJSONGzip {
		return encoded, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(encoded); err != nil {
		return nil, fmt.Errorf("compress state: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("flush compressed state: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes snapshot state encoded in the given format.
func Decode(data []byte, format Format) (map[string]any, error) {
	if format == FormatJSONGzip {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open compressed state: %w", err)
		}
		defer zr.Close()
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompress state: %w", err)
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return payload, nil
}

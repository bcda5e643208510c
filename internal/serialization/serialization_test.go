package serialization

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestChooseFormatSmallPayload(t *testing.T) {
	format := ChooseFormat(map[string]any{"x": 1})
	if format != FormatJSON {
		t.Fatalf("expected plain json, got %s", format)
	}
}

func TestChooseFormatLargePayload(t *testing.T) {
	format := ChooseFormat(map[string]any{"blob": strings.Repeat("a", 2048)})
	if format != FormatJSONGzip {
		t.Fatalf("expected compressed format, got %s", format)
	}
}

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat(" JSON ")
	if err != nil {
		t.Fatalf("parse format: %v", err)
	}
	if format != FormatJSON {
		t.Fatalf("expected json, got %s", format)
	}

	if _, err := ParseFormat("protobuf"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestToStorageSafeRewritesTimestamps(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	payload := map[string]any{
		"ts":    ts,
		"count": 3,
		"nested": map[string]any{
			"when": ts,
			"tags": []any{"a", ts, 7},
		},
	}

	safe := ToStorageSafe(payload)

	if safe["ts"] != "2025-01-01T00:00:00+00:00" {
		t.Fatalf("expected canonical timestamp, got %v", safe["ts"])
	}
	if safe["count"] != 3 {
		t.Fatalf("expected count preserved, got %v", safe["count"])
	}
	nested, ok := safe["nested"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested map, got %T", safe["nested"])
	}
	if nested["when"] != "2025-01-01T00:00:00+00:00" {
		t.Fatalf("expected nested timestamp rewritten, got %v", nested["when"])
	}
	tags, ok := nested["tags"].([]any)
	if !ok {
		t.Fatalf("expected tags slice, got %T", nested["tags"])
	}
	if tags[0] != "a" || tags[1] != "2025-01-01T00:00:00+00:00" || tags[2] != 7 {
		t.Fatalf("unexpected tags %v", tags)
	}
}

func TestToStorageSafeNonUTCTimestamps(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	payload := map[string]any{"ts": time.Date(2025, 1, 1, 0, 0, 0, 0, loc)}

	safe := ToStorageSafe(payload)

	if safe["ts"] != "2025-01-01T05:00:00+00:00" {
		t.Fatalf("expected UTC canonical form, got %v", safe["ts"])
	}
}

func TestToStorageSafeIdempotent(t *testing.T) {
	payload := map[string]any{
		"ts":   time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
		"list": []any{map[string]any{"at": time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)}},
	}

	once := ToStorageSafe(payload)
	twice := ToStorageSafe(once)

	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("expected idempotent rewrite, got %v then %v", once, twice)
	}
}

func TestToStorageSafeDoesNotMutateInput(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	payload := map[string]any{"ts": ts}

	_ = ToStorageSafe(payload)

	if _, ok := payload["ts"].(time.Time); !ok {
		t.Fatal("expected input payload to keep its time.Time value")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := map[string]any{"x": float64(1), "tags": []any{"a", "b"}}

	for _, format := range []Format{FormatJSON, FormatJSONGzip} {
		data, err := Encode(payload, format)
		if err != nil {
			t.Fatalf("encode %s: %v", format, err)
		}
		decoded, err := Decode(data, format)
		if err != nil {
			t.Fatalf("decode %s: %v", format, err)
		}
		if !reflect.DeepEqual(payload, decoded) {
			t.Fatalf("round trip %s mismatch: %v != %v", format, decoded, payload)
		}
	}
}

func TestEncodeCompressesLargeState(t *testing.T) {
	payload := map[string]any{"blob": strings.Repeat("abcdef", 1024)}

	plain, err := Encode(payload, FormatJSON)
	if err != nil {
		t.Fatalf("encode plain: %v", err)
	}
	compressed, err := Encode(payload, FormatJSONGzip)
	if err != nil {
		t.Fatalf("encode compressed: %v", err)
	}
	if len(compressed) >= len(plain) {
		t.Fatalf("expected compression to shrink payload: %d >= %d", len(compressed), len(plain))
	}
}

func TestPayloadValidator(t *testing.T) {
	validator := PayloadValidator{}

	if result := validator.Validate(nil); result.IsValid {
		t.Fatal("expected nil payload to be invalid")
	}

	if result := validator.Validate(map[string]any{"ch": make(chan int)}); result.IsValid {
		t.Fatal("expected unserializable payload to be invalid")
	}

	result := validator.Validate(map[string]any{"x": 1})
	if !result.IsValid {
		t.Fatalf("expected valid payload, got errors %v", result.Errors)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Errors: []string{"state payload is required"}}
	if !strings.Contains(err.Error(), "state payload is required") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

// Timestamp encodings for transaction creation times
// Legacy truncates to 32-bit Unix seconds and wraps after 2038-01-19T03:14:07Z
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampCodec encodes creation timestamps on the wire.
type TimestampCodec interface {
	Name() string
	Encode(t time.Time) (json.RawMessage, error)
	Decode(raw json.RawMessage) (time.Time, error)
}

// ParseTimestampCodec returns the codec with the given name. The empty name
// selects the wide codec.
func ParseTimestampCodec(name string) (TimestampCodec, error) {
	switch name {
	case "", "wide":
		return WideTimestamps{}, nil
	case "legacy":
		return LegacyTimestamps{}, nil
	default:
		return nil, fmt.Errorf("unknown timestamp codec %q, valid codecs: wide, legacy", name)
	}
}

// WideTimestamps encodes RFC 3339 strings with nanosecond precision.
type WideTimestamps struct{}

func (WideTimestamps) Name() string { return "wide" }

func (WideTimestamps) Encode(t time.Time) (json.RawMessage, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (WideTimestamps) Decode(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	return t, nil
}

// LegacyTimestamps encodes signed 32-bit Unix seconds. Instants past the int32
// range wrap around, reproducing the epochalypse fault class.
type LegacyTimestamps struct{}

func (LegacyTimestamps) Name() string { return "legacy" }

func (LegacyTimestamps) Encode(t time.Time) (json.RawMessage, error) {
	return json.Marshal(int32(t.Unix())) //nolint:gosec // truncation is the point of this codec
}

func (LegacyTimestamps) Decode(raw json.RawMessage) (time.Time, error) {
	var secs int32
	if err := json.Unmarshal(raw, &secs); err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	return time.Unix(int64(secs), 0).UTC(), nil
}

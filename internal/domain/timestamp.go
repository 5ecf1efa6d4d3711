package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Timestamp is a caller-supplied point in time. It decodes from an RFC 3339
// timestamp or a bare calendar date ("2025-07-01", read as midnight UTC) and
// always encodes as RFC 3339.
type Timestamp struct {
	time.Time
}

// TimestampOf wraps t.
func TimestampOf(t time.Time) *Timestamp {
	return &Timestamp{Time: t}
}

var timestampLayouts = []string{time.RFC3339Nano, time.DateOnly}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	for _, layout := range timestampLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v.UTC()
			return nil
		}
	}
	return fmt.Errorf("%q is not an RFC 3339 timestamp or YYYY-MM-DD date", s)
}

package models

import (
	"encoding/json"
	"time"
)

// TimestampLayout always carries three fractional digits, so every
// timestamp on the wire has the same width.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Message is one relayed payload.
type Message struct {
	Seq       int64           `json:"seq"`
	Body      json.RawMessage `json:"body"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarshalJSON writes Timestamp in UTC with millisecond precision. The
// default time decoding reads it back unchanged.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	return json.Marshal(struct {
		plain
		Timestamp string `json:"timestamp"`
	}{plain(m), FormatTimestamp(m.Timestamp)})
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

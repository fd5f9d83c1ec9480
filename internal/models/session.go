package models

import "time"

// Session is the stored state of one relay channel.
type Session struct {
	ID           string     `json:"id"`
	WriteKey     string     `json:"write_key"`
	ReadKey      string     `json:"read_key"`
	Messages     []*Message `json:"messages"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`

	// Version increases by one on every persisted mutation and backs the
	// stores' compare-and-set.
	Version int64 `json:"version"`
	// Reaped marks a tombstone left by the sweeper: keys and messages are
	// gone but the timestamps stay so the session still reads as expired.
	Reaped bool `json:"reaped,omitempty"`
}

// Expired reports whether the session has been idle for longer than ttl.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastActivity) > ttl
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]*Message, len(s.Messages))
	for i, m := range s.Messages {
		cp := *m
		cp.Body = append([]byte(nil), m.Body...)
		out.Messages[i] = &cp
	}
	return &out
}

// Since returns the messages with Seq greater than since, in Seq order.
func (s *Session) Since(since int64) []*Message {
	out := make([]*Message, 0)
	for _, m := range s.Messages {
		if m.Seq > since {
			out = append(out, m)
		}
	}
	return out
}

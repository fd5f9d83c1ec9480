package relay

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTTL          = 10 * time.Minute
	DefaultMaxMessages  = 60
	DefaultMaxBodyBytes = 64 * 1024
	DefaultMailboxSize  = 16
	DefaultIdleTimeout  = 20 * time.Minute

	storeTimeout     = 5 * time.Second
	maxApplyAttempts = 3
)

// Options tune the relay. Zero values fall back to the defaults above.
type Options struct {
	TTL          time.Duration
	MaxMessages  int
	MaxBodyBytes int64
	MailboxSize  int
	// IdleTimeout is how long an unreferenced actor lingers before the
	// registry stops it. Zero uses the default; negative disables retirement.
	IdleTimeout time.Duration
	Now         func() time.Time
	Logger      *zerolog.Logger
	Observer    Observer
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxMessages <= 0 {
		o.MaxMessages = DefaultMaxMessages
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = DefaultMailboxSize
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		l := log.With().Str("component", "relay").Logger()
		o.Logger = &l
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

// Observer receives relay events; the metrics package implements it.
type Observer interface {
	SessionCreated()
	MessagePosted()
	MessagesDelivered(n int)
	Rejected(op string, err error)
	ActorsActive(n int)
	SessionsReaped(n int)
}

type nopObserver struct{}

func (nopObserver) SessionCreated() {}
func (nopObserver) MessagePosted() {}
func (nopObserver) MessagesDelivered(int) {}
func (nopObserver) Rejected(string, error) {}
func (nopObserver) ActorsActive(int) {}
func (nopObserver) SessionsReaped(int) {}

package commands

import (
	"time"

	"pairrelay/internal/config"
	"pairrelay/internal/logging"
	"pairrelay/internal/relay"
)

type Flags struct {
	LogLevel   string
	ConfigPath string

	// Config is loaded in the Before hook and available to all commands
	Config *config.Config
}

// RelayOptions translates the loaded configuration into relay options.
func (f *Flags) RelayOptions(obs relay.Observer) relay.Options {
	cfg := f.Config
	logger := logging.Component("relay")
	return relay.Options{
		TTL:          cfg.Session.TTL(),
		MaxMessages:  cfg.Session.MaxMessages,
		MaxBodyBytes: cfg.Session.MaxBodyBytes,
		MailboxSize:  cfg.Actors.MailboxSize,
		IdleTimeout:  idleTimeout(cfg.Actors),
		Logger:       &logger,
		Observer:     obs,
	}
}

// a configured zero keeps actors forever; relay spells that as negative
func idleTimeout(a config.ActorConfig) time.Duration {
	if a.IdleTimeoutSeconds <= 0 {
		return -1
	}
	return a.IdleTimeout()
}

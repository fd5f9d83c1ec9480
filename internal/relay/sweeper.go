package relay

import (
	"context"
	"time"
)

// Sweeper periodically replaces expired sessions with tombstones so their
// keys and message bodies do not outlive the TTL in the store.
type Sweeper struct {
	svc      *Service
	interval time.Duration
}

func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	return &Sweeper{svc: svc, interval: interval}
}

// Start runs sweeps until ctx is done. It returns immediately when the
// interval is not positive.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.svc.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.svc.opts.Logger.Warn().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep reaps every session idle for longer than the TTL and returns the
// number of tombstones written. Each reap goes through the session's actor,
// so it cannot race a concurrent post or poll.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().UTC().Add(-s.opts.TTL)
	ids, err := s.store.Expired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}
		err := s.registry.With(id, func(a *Actor) error {
			ok, err := a.Reap(ctx)
			if ok {
				reaped++
			}
			return err
		})
		if err != nil {
			s.opts.Logger.Warn().Err(err).Str("session", id).Msg("reap failed")
		}
	}
	if reaped > 0 {
		s.opts.Observer.SessionsReaped(reaped)
		s.opts.Logger.Info().Int("reaped", reaped).Msg("expired sessions swept")
	}
	return reaped, nil
}

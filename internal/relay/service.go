// Package relay implements the session relay: one actor per session
// serializes every operation on that session, and a registry hands out
// actors by id.
package relay

import (
	"context"
	"fmt"
	"time"

	"pairrelay/internal/auth"
	"pairrelay/internal/storage"
)

const maxCreateAttempts = 5

// Service is the entry point used by the HTTP gateway.
type Service struct {
	store    storage.Store
	registry *Registry
	opts     Options
}

func New(store storage.Store, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		store:    store,
		registry: NewRegistry(store, opts),
		opts:     opts,
	}
}

// CreateSession mints fresh credentials and initializes the session. An id
// that is already taken is replaced by a new one.
func (s *Service) CreateSession(ctx context.Context) (auth.Credentials, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		creds, err := auth.NewCredentials()
		if err != nil {
			s.opts.Observer.Rejected("create", ErrInitFailure)
			return auth.Credentials{}, fmt.Errorf("%w: %w", ErrInitFailure, err)
		}
		var created bool
		err = s.registry.With(creds.SessionID, func(a *Actor) error {
			var err error
			created, err = a.Init(ctx, creds.WriteKey, creds.ReadKey)
			return err
		})
		if err != nil {
			s.opts.Observer.Rejected("create", err)
			s.opts.Logger.Error().Err(err).Str("session", creds.SessionID).Msg("session init failed")
			return auth.Credentials{}, err
		}
		if !created {
			s.opts.Logger.Warn().Str("session", creds.SessionID).Msg("session id collision")
			continue
		}
		s.opts.Observer.SessionCreated()
		s.opts.Logger.Debug().Str("session", creds.SessionID).Msg("session created")
		return creds, nil
	}
	s.opts.Observer.Rejected("create", ErrInitFailure)
	return auth.Credentials{}, fmt.Errorf("%w: no free session id", ErrInitFailure)
}

func (s *Service) PostMessage(ctx context.Context, id string, req PostRequest) (PostResult, error) {
	var res PostResult
	err := s.registry.With(id, func(a *Actor) error {
		var err error
		res, err = a.PostMessage(ctx, req)
		return err
	})
	if err != nil {
		s.opts.Observer.Rejected("post", err)
		return PostResult{}, err
	}
	s.opts.Observer.MessagePosted()
	return res, nil
}

func (s *Service) GetMessages(ctx context.Context, id, readKey string, since int64) (Page, error) {
	var page Page
	err := s.registry.With(id, func(a *Actor) error {
		var err error
		page, err = a.GetMessages(ctx, readKey, since)
		return err
	})
	if err != nil {
		s.opts.Observer.Rejected("get", err)
		return Page{}, err
	}
	s.opts.Observer.MessagesDelivered(len(page.Messages))
	return page, nil
}

// TTL is the idle lifetime of a session.
func (s *Service) TTL() time.Duration {
	return s.opts.TTL
}

// MaxBodyBytes is the largest accepted message body.
func (s *Service) MaxBodyBytes() int64 {
	return s.opts.MaxBodyBytes
}

// ActiveActors reports how many session actors are running.
func (s *Service) ActiveActors() int {
	return s.registry.Len()
}

// Close stops every actor. The store is left open for the caller to close.
func (s *Service) Close() {
	s.registry.Close()
}

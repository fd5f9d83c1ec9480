package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"pairrelay/internal/auth"
	"pairrelay/internal/models"
	"pairrelay/internal/storage"
)

// PostRequest carries one message append. Body holds at most MaxBodyBytes+1
// bytes read from the client; DeclaredSize is the Content-Length hint or -1.
// ReadErr is set when the body could not be read in full; it is reported as
// a malformed body, after the key and limit checks.
type PostRequest struct {
	WriteKey     string
	Body         []byte
	DeclaredSize int64
	ReadErr      error
}

type PostResult struct {
	Seq       int64
	Timestamp time.Time
}

func (r PostResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Seq       int64  `json:"seq"`
		Timestamp string `json:"timestamp"`
	}{r.Seq, models.FormatTimestamp(r.Timestamp)})
}

// Page is one poll result. NextSince is the highest returned seq, or the
// requested since when nothing newer exists.
type Page struct {
	Messages  []*models.Message `json:"messages"`
	NextSince int64             `json:"nextSince"`
}

// Actor owns one session. A single goroutine drains the mailbox, so the
// read-modify-write of every operation runs without interleaving.
type Actor struct {
	id      string
	store   storage.Store
	opts    Options
	mailbox chan func()
	stop    chan struct{}
	done    chan struct{}

	// owned by the actor goroutine
	cached *models.Session

	// guarded by Registry.mu
	refs     int
	lastUsed time.Time
}

func newActor(id string, store storage.Store, opts Options) *Actor {
	return &Actor{
		id:      id,
		store:   store,
		opts:    opts,
		mailbox: make(chan func(), opts.MailboxSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (a *Actor) ID() string {
	return a.id
}

func (a *Actor) run() {
	defer close(a.done)
	a.opts.Logger.Debug().Str("session", a.id).Msg("actor started")
	for {
		select {
		case job := <-a.mailbox:
			job()
		case <-a.stop:
			a.opts.Logger.Debug().Str("session", a.id).Msg("actor stopped")
			return
		}
	}
}

// do hands fn to the actor goroutine and waits for it. A caller whose
// context ends stops waiting, but a job already accepted still runs to
// completion with its own store deadline.
func (a *Actor) do(ctx context.Context, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)
	job := func() {
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		defer cancel()
		result <- fn(jobCtx)
	}
	select {
	case a.mailbox <- job:
	case <-a.stop:
		return errActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-a.done:
		select {
		case err := <-result:
			return err
		default:
			return errActorStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Init creates the session record with the given keys and reports whether
// it did. Calling it for an existing session changes nothing.
func (a *Actor) Init(ctx context.Context, writeKey, readKey string) (bool, error) {
	var created bool
	err := a.do(ctx, func(ctx context.Context) error {
		if a.cached != nil {
			return nil
		}
		now := a.now()
		se := &models.Session{
			ID:           a.id,
			WriteKey:     writeKey,
			ReadKey:      readKey,
			Messages:     make([]*models.Message, 0),
			CreatedAt:    now,
			LastActivity: now,
			Version:      1,
		}
		ok, err := a.store.Create(ctx, se)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInitFailure, err)
		}
		if ok {
			a.cached = se
		}
		created = ok
		return nil
	})
	return created, err
}

// PostMessage appends one JSON body. Checks run in a fixed order: existence,
// expiry, write key, capacity, size (declared then actual), then the body
// itself: it must have been read in full and be UTF-8 encoded JSON.
func (a *Actor) PostMessage(ctx context.Context, req PostRequest) (PostResult, error) {
	var res PostResult
	err := a.do(ctx, func(ctx context.Context) error {
		return a.apply(ctx, func(cur *models.Session, now time.Time) (*models.Session, error) {
			if !auth.KeyMatches(req.WriteKey, cur.WriteKey) {
				return nil, ErrInvalidWriteKey
			}
			if len(cur.Messages) >= a.opts.MaxMessages {
				return nil, ErrCapacityExceeded
			}
			if req.DeclaredSize > a.opts.MaxBodyBytes || int64(len(req.Body)) > a.opts.MaxBodyBytes {
				return nil, ErrPayloadTooLarge
			}
			if req.ReadErr != nil || !utf8.Valid(req.Body) || !json.Valid(req.Body) {
				return nil, ErrMalformedBody
			}
			msg := &models.Message{
				Seq:       int64(len(cur.Messages)) + 1,
				Body:      append(json.RawMessage(nil), req.Body...),
				Timestamp: now,
			}
			next := shallowCopy(cur)
			next.Messages = append(next.Messages, msg)
			next.LastActivity = now
			res = PostResult{Seq: msg.Seq, Timestamp: msg.Timestamp}
			return next, nil
		})
	})
	return res, err
}

// GetMessages returns every message with seq greater than since.
func (a *Actor) GetMessages(ctx context.Context, readKey string, since int64) (Page, error) {
	var page Page
	err := a.do(ctx, func(ctx context.Context) error {
		return a.apply(ctx, func(cur *models.Session, now time.Time) (*models.Session, error) {
			if !auth.KeyMatches(readKey, cur.ReadKey) {
				return nil, ErrInvalidReadKey
			}
			msgs := cur.Since(since)
			next := since
			if len(msgs) > 0 {
				next = msgs[len(msgs)-1].Seq
			}
			page = Page{Messages: msgs, NextSince: next}

			touched := shallowCopy(cur)
			touched.LastActivity = now
			return touched, nil
		})
	})
	return page, err
}

// Reap replaces an expired session with a tombstone that keeps its
// timestamps, so later access still reports it as expired. It reports
// whether a tombstone was written.
func (a *Actor) Reap(ctx context.Context) (bool, error) {
	var reaped bool
	err := a.do(ctx, func(ctx context.Context) error {
		for attempt := 0; attempt < maxApplyAttempts; attempt++ {
			a.cached = nil
			cur, err := a.load(ctx)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil
				}
				return err
			}
			if cur.Reaped || !cur.Expired(a.now(), a.opts.TTL) {
				return nil
			}
			tomb := &models.Session{
				ID:           cur.ID,
				Messages:     make([]*models.Message, 0),
				CreatedAt:    cur.CreatedAt,
				LastActivity: cur.LastActivity,
				Version:      cur.Version + 1,
				Reaped:       true,
			}
			err = a.store.Update(ctx, tomb, cur.Version)
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			if err != nil {
				return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
			}
			a.cached = tomb
			reaped = true
			return nil
		}
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, storage.ErrConflict)
	})
	return reaped, err
}

// apply runs one read-modify-write against the session. mutate sees the
// current record and returns the record to persist; it must not modify cur.
// The result is acknowledged only after the store accepted it.
func (a *Actor) apply(ctx context.Context, mutate func(cur *models.Session, now time.Time) (*models.Session, error)) error {
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		fromCache := a.cached != nil
		cur, err := a.load(ctx)
		if err != nil {
			return err
		}
		now := a.now()
		if cur.Reaped || cur.Expired(now, a.opts.TTL) {
			if fromCache {
				// another node may have touched the session since we cached it
				a.cached = nil
				if fresh, err := a.load(ctx); err == nil && !fresh.Reaped && !fresh.Expired(now, a.opts.TTL) {
					continue
				}
			}
			return ErrExpired
		}
		next, err := mutate(cur, now)
		if err != nil {
			return err
		}
		next.Version = cur.Version + 1
		err = a.store.Update(ctx, next, cur.Version)
		switch {
		case err == nil:
			a.cached = next
			return nil
		case errors.Is(err, storage.ErrConflict):
			a.cached = nil
			continue
		case errors.Is(err, storage.ErrNotFound):
			a.cached = nil
			return ErrNotFound
		default:
			a.cached = nil
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, storage.ErrConflict)
}

func (a *Actor) load(ctx context.Context) (*models.Session, error) {
	if a.cached != nil {
		return a.cached, nil
	}
	se, err := a.store.Load(ctx, a.id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	a.cached = se
	return se, nil
}

func (a *Actor) now() time.Time {
	return a.opts.Now().UTC().Truncate(time.Millisecond)
}

// shallowCopy copies the record header; message values are immutable once
// appended so they are shared, but the slice is capped to force a new
// backing array on append.
func shallowCopy(se *models.Session) *models.Session {
	next := *se
	next.Messages = se.Messages[:len(se.Messages):len(se.Messages)]
	return &next
}

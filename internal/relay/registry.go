package relay

import (
	"errors"
	"sync"
	"time"

	"pairrelay/internal/storage"
)

// Registry maps session ids to running actors. Actors are created on first
// use and stopped once they have been unreferenced for IdleTimeout.
type Registry struct {
	store storage.Store
	opts  Options

	mu     sync.Mutex
	actors map[string]*Actor
	closed bool

	quit chan struct{}
	wg   sync.WaitGroup
}

var errRegistryClosed = errors.New("registry closed")

func NewRegistry(store storage.Store, opts Options) *Registry {
	opts = opts.withDefaults()
	r := &Registry{
		store:  store,
		opts:   opts,
		actors: make(map[string]*Actor),
		quit:   make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		r.wg.Add(1)
		go r.purgeIdleActors()
	}
	return r
}

// Resolve returns the actor for id, starting it if needed, and takes a
// reference that the caller must drop with Release.
func (r *Registry) Resolve(id string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errRegistryClosed
	}
	a, ok := r.actors[id]
	if !ok {
		a = newActor(id, r.store, r.opts)
		r.actors[id] = a
		go a.run()
		r.opts.Observer.ActorsActive(len(r.actors))
	}
	a.refs++
	a.lastUsed = r.opts.Now()
	return a, nil
}

func (r *Registry) Release(a *Actor) {
	r.mu.Lock()
	if a.refs > 0 {
		a.refs--
	}
	a.lastUsed = r.opts.Now()
	r.mu.Unlock()
}

// With runs fn against the actor for id while holding a reference to it.
func (r *Registry) With(id string, fn func(*Actor) error) error {
	a, err := r.Resolve(id)
	if err != nil {
		return err
	}
	defer r.Release(a)
	return fn(a)
}

// Len reports the number of live actors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

func (r *Registry) purgeIdleActors() {
	defer r.wg.Done()
	interval := r.opts.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reapIdle(r.opts.Now())
		case <-r.quit:
			return
		}
	}
}

// reapIdle stops every actor without references whose last use is at least
// IdleTimeout before now. It returns how many were stopped.
func (r *Registry) reapIdle(now time.Time) int {
	var stale []*Actor
	r.mu.Lock()
	for id, a := range r.actors {
		if a.refs == 0 && now.Sub(a.lastUsed) >= r.opts.IdleTimeout {
			delete(r.actors, id)
			stale = append(stale, a)
		}
	}
	active := len(r.actors)
	r.mu.Unlock()

	for _, a := range stale {
		close(a.stop)
	}
	if len(stale) > 0 {
		r.opts.Observer.ActorsActive(active)
		r.opts.Logger.Debug().Int("retired", len(stale)).Int("active", active).Msg("idle actors stopped")
	}
	return len(stale)
}

// Close stops the janitor and every actor, waiting for in-flight jobs.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	actors := make([]*Actor, 0, len(r.actors))
	for id, a := range r.actors {
		delete(r.actors, id)
		actors = append(actors, a)
	}
	r.mu.Unlock()

	close(r.quit)
	r.wg.Wait()
	for _, a := range actors {
		close(a.stop)
		<-a.done
	}
	r.opts.Observer.ActorsActive(0)
}

// Package subscription shares live document-store queries between local listeners.
//
// WHY A HUB?
// Several consumers often watch the same thing: two browser tabs of one user
// open the conversation list, or the message stream is watched by both the
// chat pane and the unread badge. Opening one store subscription per
// consumer would multiply store load and notification fan-out. The hub keeps
// exactly one underlying subscription per logical key and reference-counts
// the listeners attached to it:
//
//	Acquire("messages/a_b")  → opens store subscription, refs = 1
//	Acquire("messages/a_b")  → reuses it,               refs = 2
//	Release()                →                          refs = 1
//	Release()                → closes store subscription
//
// Snapshots are full-state replacements, so a listener that attaches late
// gets the current state right away and a slow listener only ever skips
// intermediate states.
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/sakif/clipsync/internal/apperror"
	"github.com/sakif/clipsync/internal/docstore"
)

// Subscriber is the part of docstore.Store the hub needs.
type Subscriber interface {
	Subscribe(ctx context.Context, q docstore.Query) (docstore.Subscription, error)
}

// Snapshot is what listeners receive.
//
// When the underlying stream reports an error, Docs still holds the last
// good state and Stale is true, so the UI can keep showing it.
type Snapshot struct {
	Key   string
	Docs  []*docstore.Document
	Stale bool
	Err   error
}

// DefaultOpenTimeout bounds how long opening a store subscription may take.
const DefaultOpenTimeout = 5 * time.Second

// Hub owns every live query of the process.
type Hub struct {
	store       Subscriber
	logger      *slog.Logger
	openTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	pumps conc.WaitGroup
}

// entry is one shared underlying subscription.
type entry struct {
	key   string
	ready chan struct{} // closed once open finished (see err)
	err   error

	sub       docstore.Subscription
	cancel    context.CancelFunc // ends the subscription's context
	listeners map[*Listener]struct{}
	last      *Snapshot
}

// Option configures a Hub.
type Option func(*Hub)

// WithOpenTimeout sets how long the initial open of a live query may take
// before Acquire gives up with ErrUnavailable. Zero or less keeps the default.
func WithOpenTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.openTimeout = d
		}
	}
}

// NewHub creates a hub over store.
func NewHub(store Subscriber, logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		store:       store,
		logger:      logger,
		openTimeout: DefaultOpenTimeout,
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Listener is one local consumer of a shared query. Read snapshots from C
// and call Release when done, typically with defer right after Acquire.
type Listener struct {
	C <-chan Snapshot

	c     chan Snapshot
	hub   *Hub
	entry *entry
	once  sync.Once
}

// Acquire attaches a listener to the live query identified by key, opening
// the underlying store subscription if this is the first listener.
//
// Concurrent Acquire calls for the same key never open two store
// subscriptions: later callers wait for the first open to finish. If that
// open fails, every waiter gets the error and the next Acquire tries again.
func (h *Hub) Acquire(ctx context.Context, key string, q docstore.Query) (*Listener, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, apperror.FailedPrecondition("subscription hub is closed")
	}

	e, ok := h.entries[key]
	if !ok {
		e = &entry{
			key:       key,
			ready:     make(chan struct{}),
			listeners: make(map[*Listener]struct{}),
		}
		h.entries[key] = e
	}
	l := h.attach(e)
	h.mu.Unlock()

	if !ok {
		h.open(e, q)
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		l.Release()
		return nil, apperror.Unavailable("subscribing to "+key, ctx.Err())
	}

	if e.err != nil {
		l.Release()
		return nil, e.err
	}
	return l, nil
}

// attach registers a new listener on e. Caller holds h.mu.
func (h *Hub) attach(e *entry) *Listener {
	c := make(chan Snapshot, 1)
	l := &Listener{C: c, c: c, hub: h, entry: e}
	e.listeners[l] = struct{}{}
	if e.last != nil {
		deliver(c, *e.last)
	}
	return l
}

// open creates the underlying subscription for a fresh entry and starts its
// pump. The subscription is detached from the caller's context: it belongs
// to the hub and lives until the last listener releases it. Only the open
// itself is bounded, by openTimeout.
func (h *Hub) open(e *entry, q docstore.Query) {
	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(h.openTimeout, cancel)
	sub, err := h.store.Subscribe(ctx, q)
	if !timer.Stop() {
		// The timer fired, so ctx is already cancelled.
		if err == nil {
			sub.Close()
		}
		err = apperror.Unavailable("opening live query "+e.key, context.DeadlineExceeded)
	}

	h.mu.Lock()
	if err != nil {
		cancel()
		e.err = err
		if h.entries[e.key] == e {
			delete(h.entries, e.key)
		}
		h.mu.Unlock()
		close(e.ready)

		h.logger.Warn("live query failed to open",
			slog.String("key", e.key),
			slog.String("error", err.Error()),
		)
		return
	}

	// Every listener may have given up while the store was opening.
	if len(e.listeners) == 0 || h.closed {
		if h.entries[e.key] == e {
			delete(h.entries, e.key)
		}
		h.mu.Unlock()
		close(e.ready)
		sub.Close()
		cancel()
		return
	}

	e.sub = sub
	e.cancel = cancel
	// Started under the lock so Close never waits before the pump is counted.
	h.pumps.Go(func() { h.pump(e) })
	h.mu.Unlock()
	close(e.ready)
}

// pump fans snapshots of one underlying subscription out to its listeners.
func (h *Hub) pump(e *entry) {
	for snap := range e.sub.Snapshots() {
		h.mu.Lock()
		out := Snapshot{Key: e.key, Docs: snap.Docs}
		if snap.Err != nil {
			out.Err = snap.Err
			out.Stale = true
			if e.last != nil {
				out.Docs = e.last.Docs
			}
			h.logger.Warn("live query error, serving last known state",
				slog.String("key", e.key),
				slog.String("error", snap.Err.Error()),
			)
		}
		e.last = &out
		for l := range e.listeners {
			deliver(l.c, out)
		}
		h.mu.Unlock()
	}

	// The store ended the stream (closed or shut down). Close listener
	// channels so consumers notice.
	h.mu.Lock()
	if h.entries[e.key] == e {
		delete(h.entries, e.key)
	}
	for l := range e.listeners {
		close(l.c)
		delete(e.listeners, l)
	}
	h.mu.Unlock()
	e.cancel()
}

// Release detaches the listener. The last release of a key closes the
// underlying store subscription. Release is safe to call more than once.
func (l *Listener) Release() {
	l.once.Do(func() {
		l.hub.release(l)
	})
}

func (h *Hub) release(l *Listener) {
	h.mu.Lock()
	e := l.entry
	if _, ok := e.listeners[l]; !ok {
		// Already detached by pump shutdown.
		h.mu.Unlock()
		return
	}
	delete(e.listeners, l)
	close(l.c)

	var sub docstore.Subscription
	if len(e.listeners) == 0 && e.sub != nil {
		sub = e.sub
		if h.entries[e.key] == e {
			delete(h.entries, e.key)
		}
	}
	h.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			h.logger.Warn("closing live query",
				slog.String("key", e.key),
				slog.String("error", err.Error()),
			)
		}
		e.cancel()
	}
}

// Refs returns how many listeners share key. Zero means no open subscription.
func (h *Hub) Refs(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[key]; ok {
		return len(e.listeners)
	}
	return 0
}

// Close shuts every live query down and waits for the pumps to exit.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	subs := make([]docstore.Subscription, 0, len(h.entries))
	for _, e := range h.entries {
		if e.sub != nil {
			subs = append(subs, e.sub)
		}
	}
	h.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.pumps.Wait()
	return errors.Join(errs...)
}

// deliver replaces any pending snapshot in c. Callers hold h.mu, which makes
// them the only sender on c.
func deliver(c chan Snapshot, snap Snapshot) {
	select {
	case c <- snap:
		return
	default:
	}
	select {
	case <-c:
	default:
	}
	c <- snap
}

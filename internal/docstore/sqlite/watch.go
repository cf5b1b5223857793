package sqlite

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sakif/clipsync/internal/apperror"
	"github.com/sakif/clipsync/internal/docstore"
)

// notifier tracks live subscriptions per collection.
type notifier struct {
	mu       sync.Mutex
	watchers map[string]map[*subscription]struct{}
	closed   bool
}

func newNotifier() *notifier {
	return &notifier{watchers: make(map[string]map[*subscription]struct{})}
}

func (n *notifier) add(collection string, s *subscription) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	set, ok := n.watchers[collection]
	if !ok {
		set = make(map[*subscription]struct{})
		n.watchers[collection] = set
	}
	set[s] = struct{}{}
	return true
}

func (n *notifier) remove(collection string, s *subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if set, ok := n.watchers[collection]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(n.watchers, collection)
		}
	}
}

// notify wakes every subscription on collection. Kicks coalesce: a
// subscription that is still re-querying runs once more, not once per write.
func (n *notifier) notify(collection string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for s := range n.watchers[collection] {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	subs := make([]*subscription, 0)
	for _, set := range n.watchers {
		for s := range set {
			subs = append(subs, s)
		}
	}
	n.closed = true
	n.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// subscription is one live query.
type subscription struct {
	db    *DB
	query docstore.Query

	out  chan docstore.Snapshot
	kick chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

var _ docstore.Subscription = (*subscription)(nil)

// Subscribe opens a live query. The initial query runs synchronously so a
// broken query fails here instead of on the stream. The subscription ends
// when Close is called or ctx is cancelled.
func (db *DB) Subscribe(ctx context.Context, q docstore.Query) (docstore.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, apperror.ValidationFailed("query", err.Error())
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		db:     db,
		query:  q,
		out:    make(chan docstore.Snapshot, 1),
		kick:   make(chan struct{}, 1),
		ctx:    subCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// Register before the first read so no write can slip in between.
	if !db.watch.add(q.Collection, s) {
		cancel()
		return nil, apperror.FailedPrecondition("document store is closed")
	}

	docs, err := db.runQuery(subCtx, q)
	if err != nil {
		db.watch.remove(q.Collection, s)
		cancel()
		return nil, err
	}
	s.publish(docstore.Snapshot{Docs: docs, ReadAt: time.Now()})

	go s.run(fingerprint(docs))
	return s, nil
}

func (s *subscription) Snapshots() <-chan docstore.Snapshot {
	return s.out
}

// Close stops the subscription and waits for its goroutine to exit.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.db.watch.remove(s.query.Collection, s)
		s.cancel()
	})
	<-s.done
	return nil
}

func (s *subscription) run(last string) {
	defer close(s.done)
	defer close(s.out)
	defer s.db.watch.remove(s.query.Collection, s)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kick:
		}

		docs, err := s.db.runQuery(s.ctx, s.query)
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.publish(docstore.Snapshot{ReadAt: time.Now(), Err: err})
			// Force the next successful read to be published.
			last = ""
			continue
		}

		fp := fingerprint(docs)
		if fp == last {
			continue
		}
		last = fp
		s.publish(docstore.Snapshot{Docs: docs, ReadAt: time.Now()})
	}
}

// publish replaces any undelivered snapshot with snap. Snapshots are full
// state, so dropping a stale one loses nothing. run is the only sender,
// which keeps the drain-then-send sequence race free.
func (s *subscription) publish(snap docstore.Snapshot) {
	select {
	case s.out <- snap:
		return
	default:
	}
	select {
	case <-s.out:
	default:
	}
	s.out <- snap
}

// fingerprint identifies a result set by document ids and versions.
func fingerprint(docs []*docstore.Document) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(docs)))
	for _, d := range docs {
		b.WriteByte('|')
		b.WriteString(d.ID)
		b.WriteByte('@')
		b.WriteString(strconv.FormatInt(d.Version, 10))
	}
	return b.String()
}

// Package service contains the business logic of the relationship and
// messaging layer.
//
// THE LAYERS:
//
//	Handler (HTTP/websocket) → parses requests, writes responses
//	Service (this package)   → validates, enforces rules, orchestrates
//	docstore.Store           → reads/writes documents, live queries
//
// Every entry point takes the acting user's uid as an explicit argument.
// There is no ambient "current user": the handler reads it from the JWT and
// passes it down, so one process can serve many sessions concurrently.
//
// STORE CALLS:
// Each store call is bounded by Options.StoreTimeout. A timed-out call
// surfaces as apperror.ErrUnavailable. Operations that are safe to repeat
// (Follow, Unfollow, MarkRead, reads, and Append with a client token) are
// retried with exponential backoff; a plain Append is not, since repeating
// it could store the message twice.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sakif/clipsync/internal/docstore"
	"github.com/sakif/clipsync/internal/subscription"
)

// Collection names.
const (
	colUsers         = "users"
	colUsernames     = "usernames"
	colConversations = "conversations"
)

func messagesCollection(cid string) string {
	return colConversations + "/" + cid + "/messages"
}

func tokensCollection(cid string) string {
	return colConversations + "/" + cid + "/tokens"
}

// Options tunes how services talk to the store.
type Options struct {
	StoreTimeout time.Duration
	Retry        docstore.RetryOptions
}

// DefaultOptions returns the settings used when config leaves them unset.
func DefaultOptions() Options {
	return Options{
		StoreTimeout: 5 * time.Second,
		Retry:        docstore.DefaultRetryOptions(),
	}
}

// base holds the dependencies every service shares.
type base struct {
	store  docstore.Store
	logger *slog.Logger
	opts   Options
}

// bounded applies the per-call store timeout to ctx.
func (b *base) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.opts.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.opts.StoreTimeout)
}

// once runs op a single time under the store timeout.
func (b *base) once(ctx context.Context, op func(ctx context.Context) error) error {
	ctx, cancel := b.bounded(ctx)
	defer cancel()
	return op(ctx)
}

// retry runs an idempotent op, repeating it while it fails with
// ErrUnavailable. Every attempt gets its own store timeout.
func retry[T any](ctx context.Context, b *base, op func(ctx context.Context) (T, error)) (T, error) {
	return docstore.Retry(ctx, b.opts.Retry, func(ctx context.Context) (T, error) {
		ctx, cancel := b.bounded(ctx)
		defer cancel()
		return op(ctx)
	})
}

// retryErr is retry for ops with no result.
func retryErr(ctx context.Context, b *base, op func(ctx context.Context) error) error {
	_, err := retry(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// =========================================================================
// LIVE FEEDS
// =========================================================================

// ErrFeedClosed is returned by Feed.Next once the feed has ended, either
// because Close was called or because the store shut down.
var ErrFeedClosed = errors.New("service: feed closed")

// Update is one decoded snapshot of a feed.
//
// When Err is set the store failed to refresh the query; Value still holds
// the last known state and Stale is true.
type Update[T any] struct {
	Value T
	Stale bool
	Err   error
}

// Feed is a typed live query. Obtain one from WatchForUser, Stream or
// WatchCounters and always Close it:
//
//	feed, err := messages.Stream(ctx, actor, cid)
//	if err != nil { ... }
//	defer feed.Close()
//	for {
//	    upd, err := feed.Next(ctx)
//	    ...
//	}
type Feed[T any] struct {
	listener *subscription.Listener
	decode   func([]*docstore.Document) T
	// enrich runs after decode, under the ctx passed to Next. It may read
	// the store to fill in data the watched documents only reference.
	enrich func(context.Context, T) T
}

func newFeed[T any](l *subscription.Listener, decode func([]*docstore.Document) T) *Feed[T] {
	return &Feed[T]{listener: l, decode: decode}
}

// Next blocks until the next snapshot, ctx is done, or the feed ends.
func (f *Feed[T]) Next(ctx context.Context) (Update[T], error) {
	select {
	case snap, ok := <-f.listener.C:
		if !ok {
			return Update[T]{}, ErrFeedClosed
		}
		v := f.decode(snap.Docs)
		if f.enrich != nil {
			v = f.enrich(ctx, v)
		}
		return Update[T]{Value: v, Stale: snap.Stale, Err: snap.Err}, nil
	case <-ctx.Done():
		return Update[T]{}, ctx.Err()
	}
}

// Close releases the underlying shared subscription. Safe to call twice.
func (f *Feed[T]) Close() {
	f.listener.Release()
}

package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sakif/clipsync/internal/apperror"
	"github.com/sakif/clipsync/internal/docstore"
	"github.com/sakif/clipsync/internal/model"
	"github.com/sakif/clipsync/internal/subscription"
)

// RelationshipService maintains the follow graph.
//
// CONSISTENCY:
// A follow touches two documents: the actor's followingSet and the target's
// followerSet. Both are written in one store transaction, and each counter
// is written as the size of the set written next to it. So counters are a
// pure function of membership: concurrent or duplicated calls can never
// push a count out of step with its set, let alone below zero.
type RelationshipService struct {
	base
	hub *subscription.Hub
}

func NewRelationshipService(store docstore.Store, hub *subscription.Hub, logger *slog.Logger, opts Options) *RelationshipService {
	return &RelationshipService{
		base: base{store: store, logger: logger, opts: opts},
		hub:  hub,
	}
}

// Follow makes actor follow target. Following someone twice is a no-op.
func (s *RelationshipService) Follow(ctx context.Context, actor, target string) error {
	if err := validatePair(actor, target, "cannot follow yourself"); err != nil {
		return err
	}

	var changed bool
	err := retryErr(ctx, &s.base, func(ctx context.Context) error {
		return s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			var err error
			changed, err = setFollowing(ctx, tx, actor, target, true)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("service/relationship: follow %s->%s: %w", actor, target, err)
	}

	if changed {
		s.logger.Info("user followed",
			slog.String("actor", actor),
			slog.String("target", target),
		)
	}
	return nil
}

// Unfollow is the inverse of Follow. Unfollowing someone you do not follow
// is a no-op.
func (s *RelationshipService) Unfollow(ctx context.Context, actor, target string) error {
	if err := validatePair(actor, target, "cannot unfollow yourself"); err != nil {
		return err
	}

	var changed bool
	err := retryErr(ctx, &s.base, func(ctx context.Context) error {
		return s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			var err error
			changed, err = setFollowing(ctx, tx, actor, target, false)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("service/relationship: unfollow %s->%s: %w", actor, target, err)
	}

	if changed {
		s.logger.Info("user unfollowed",
			slog.String("actor", actor),
			slog.String("target", target),
		)
	}
	return nil
}

// IsFollowing reports whether actor currently follows target.
func (s *RelationshipService) IsFollowing(ctx context.Context, actor, target string) (bool, error) {
	if err := model.ValidateUID("actor", actor); err != nil {
		return false, err
	}
	if err := model.ValidateUID("target", target); err != nil {
		return false, err
	}

	doc, err := retry(ctx, &s.base, func(ctx context.Context) (*docstore.Document, error) {
		return s.store.Get(ctx, colUsers, actor)
	})
	if err != nil {
		return false, err
	}
	return doc.Contains("followingSet", target), nil
}

// WatchCounters streams uid's follower and following counts.
func (s *RelationshipService) WatchCounters(ctx context.Context, uid string) (*Feed[model.Counters], error) {
	if err := model.ValidateUID("uid", uid); err != nil {
		return nil, err
	}
	// Fail fast on unknown users instead of streaming zeros.
	if _, err := retry(ctx, &s.base, func(ctx context.Context) (*docstore.Document, error) {
		return s.store.Get(ctx, colUsers, uid)
	}); err != nil {
		return nil, err
	}

	l, err := s.hub.Acquire(ctx, "counters:"+uid, docstore.Doc(colUsers, uid))
	if err != nil {
		return nil, fmt.Errorf("service/relationship: watching counters of %s: %w", uid, err)
	}
	return newFeed(l, countersFromDocs(uid)), nil
}

// Reconcile rewrites uid's counters from its sets and drops duplicate set
// members. Records written by older clients that bumped counters without
// touching sets heal here. It reports whether anything changed.
func (s *RelationshipService) Reconcile(ctx context.Context, uid string) (bool, error) {
	if err := model.ValidateUID("uid", uid); err != nil {
		return false, err
	}

	var changed bool
	err := retryErr(ctx, &s.base, func(ctx context.Context) error {
		return s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			var err error
			changed, err = reconcileCounters(ctx, tx, uid)
			return err
		})
	})
	if err != nil {
		return false, fmt.Errorf("service/relationship: reconciling %s: %w", uid, err)
	}
	if changed {
		s.logger.Warn("relationship counters repaired", slog.String("uid", uid))
	}
	return changed, nil
}

// setFollowing moves the actor→target edge to the wanted state inside tx.
// The edge is checked from both sides so a half-written edge is completed
// (or removed) rather than treated as done.
func setFollowing(ctx context.Context, tx docstore.Tx, actor, target string, follow bool) (bool, error) {
	actorDoc, err := tx.Get(ctx, colUsers, actor)
	if err != nil {
		return false, err
	}
	targetDoc, err := tx.Get(ctx, colUsers, target)
	if err != nil {
		return false, err
	}

	following := actorDoc.Strings("followingSet")
	followers := targetDoc.Strings("followerSet")
	if contains(following, target) == follow && contains(followers, actor) == follow &&
		int64(len(following)) == actorDoc.Int("followingCount") &&
		int64(len(followers)) == targetDoc.Int("followerCount") {
		return false, nil
	}

	var setOp func(path string, members ...string) docstore.FieldOp
	if follow {
		setOp = docstore.AddToSet
		following = withMember(following, target)
		followers = withMember(followers, actor)
	} else {
		setOp = docstore.RemoveFromSet
		following = withoutMember(following, target)
		followers = withoutMember(followers, actor)
	}

	if err := tx.Update(ctx, colUsers, actor,
		setOp("followingSet", target),
		docstore.Set("followingCount", int64(len(following))),
		docstore.Set("updatedAt", docstore.ServerTimestamp),
	); err != nil {
		return false, err
	}
	if err := tx.Update(ctx, colUsers, target,
		setOp("followerSet", actor),
		docstore.Set("followerCount", int64(len(followers))),
		docstore.Set("updatedAt", docstore.ServerTimestamp),
	); err != nil {
		return false, err
	}
	return true, nil
}

// reconcileCounters is Reconcile's body, shared with login.
func reconcileCounters(ctx context.Context, tx docstore.Tx, uid string) (bool, error) {
	doc, err := tx.Get(ctx, colUsers, uid)
	if err != nil {
		return false, err
	}

	rawFollowers := doc.Strings("followerSet")
	rawFollowing := doc.Strings("followingSet")
	followers := dedupe(rawFollowers)
	following := dedupe(rawFollowing)

	if len(followers) == len(rawFollowers) && len(following) == len(rawFollowing) &&
		int64(len(followers)) == doc.Int("followerCount") &&
		int64(len(following)) == doc.Int("followingCount") {
		return false, nil
	}

	return true, tx.Update(ctx, colUsers, uid,
		docstore.Set("followerSet", followers),
		docstore.Set("followingSet", following),
		docstore.Set("followerCount", int64(len(followers))),
		docstore.Set("followingCount", int64(len(following))),
		docstore.Set("updatedAt", docstore.ServerTimestamp),
	)
}

func validatePair(actor, target, selfMessage string) error {
	if err := model.ValidateUID("actor", actor); err != nil {
		return err
	}
	if err := model.ValidateUID("target", target); err != nil {
		return err
	}
	if actor == target {
		return apperror.ValidationFailed("target", selfMessage)
	}
	return nil
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func withMember(set []string, s string) []string {
	if contains(set, s) {
		return set
	}
	return append(set, s)
}

func withoutMember(set []string, s string) []string {
	out := make([]string, 0, len(set))
	for _, v := range set {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func dedupe(set []string) []string {
	seen := make(map[string]struct{}, len(set))
	out := make([]string, 0, len(set))
	for _, v := range set {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakif/clipsync/internal/apperror"
	"github.com/sakif/clipsync/internal/docstore"
	"github.com/sakif/clipsync/internal/model"
	"github.com/sakif/clipsync/internal/subscription"
)

// ConversationService maps user pairs to conversations.
//
// WHY A DERIVED KEY?
// "Look for a conversation containing both users, create one if none" races:
// two clients can both see nothing and both create. Instead the document id
// is computed from the sorted pair and written with the store's
// create-if-absent primitive. Whoever loses the race gets ErrConflict and
// simply reads the winner's document.
type ConversationService struct {
	base
	hub *subscription.Hub
}

func NewConversationService(store docstore.Store, hub *subscription.Hub, logger *slog.Logger, opts Options) *ConversationService {
	return &ConversationService{
		base: base{store: store, logger: logger, opts: opts},
		hub:  hub,
	}
}

// GetOrCreate returns the conversation between userA and userB, creating
// it on first contact. Argument order does not matter.
func (s *ConversationService) GetOrCreate(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	if err := model.ValidateUID("userA", userA); err != nil {
		return nil, err
	}
	if err := model.ValidateUID("userB", userB); err != nil {
		return nil, err
	}
	if userA == userB {
		return nil, apperror.ValidationFailed("userB", "cannot start a conversation with yourself")
	}

	cid := model.ConversationID(userA, userB)
	low, high, err := model.ParseConversationID(cid)
	if err != nil {
		return nil, err
	}

	var created bool
	doc, err := retry(ctx, &s.base, func(ctx context.Context) (*docstore.Document, error) {
		for _, uid := range []string{low, high} {
			if _, err := s.store.Get(ctx, colUsers, uid); err != nil {
				return nil, err
			}
		}

		err := s.store.Create(ctx, colConversations, cid, docstore.Fields{
			"participants":    []string{low, high},
			"lastMessageText": "",
			// Set so a brand new conversation sorts into the list right away.
			"lastMessageAt": docstore.ServerTimestamp,
			"unreadCount":   docstore.Fields{low: 0, high: 0},
			"createdAt":     docstore.ServerTimestamp,
		})
		switch {
		case err == nil:
			created = true
		case errors.Is(err, apperror.ErrConflict):
			// Someone else created it first, which is fine.
		default:
			return nil, err
		}
		return s.store.Get(ctx, colConversations, cid)
	})
	if err != nil {
		return nil, fmt.Errorf("service/conversation: get or create %s: %w", cid, err)
	}

	if created {
		s.logger.Info("conversation created", slog.String("conversationId", cid))
	}
	return conversationFromDoc(doc), nil
}

// Get returns one conversation if actor takes part in it.
func (s *ConversationService) Get(ctx context.Context, actor, cid string) (*model.Conversation, error) {
	if err := model.ValidateUID("actor", actor); err != nil {
		return nil, err
	}
	if _, _, err := model.ParseConversationID(cid); err != nil {
		return nil, err
	}

	doc, err := retry(ctx, &s.base, func(ctx context.Context) (*docstore.Document, error) {
		return s.store.Get(ctx, colConversations, cid)
	})
	if err != nil {
		return nil, err
	}

	conv := conversationFromDoc(doc)
	if !conv.HasParticipant(actor) {
		return nil, apperror.Forbidden("not a participant of this conversation")
	}
	return conv, nil
}

// ListForUser returns uid's conversations, most recently active first, each
// with the other participant's summary so an inbox renders in one call.
func (s *ConversationService) ListForUser(ctx context.Context, uid string) ([]model.Conversation, error) {
	if err := model.ValidateUID("uid", uid); err != nil {
		return nil, err
	}

	docs, err := retry(ctx, &s.base, func(ctx context.Context) ([]*docstore.Document, error) {
		return s.store.Query(ctx, conversationsQuery(uid))
	})
	if err != nil {
		return nil, fmt.Errorf("service/conversation: listing for %s: %w", uid, err)
	}

	convs := conversationsFromDocs(docs)
	if err := s.withPeers(ctx, uid, convs); err != nil {
		return nil, fmt.Errorf("service/conversation: resolving peers for %s: %w", uid, err)
	}
	return convs, nil
}

// WatchForUser is the live version of ListForUser.
//
// Peers are read when each snapshot is delivered. A profile edit alone does
// not produce a snapshot; the new name shows up with the next conversation
// change. A failed peer read is logged and leaves that Peer nil.
func (s *ConversationService) WatchForUser(ctx context.Context, uid string) (*Feed[[]model.Conversation], error) {
	if err := model.ValidateUID("uid", uid); err != nil {
		return nil, err
	}

	l, err := s.hub.Acquire(ctx, "conversations:"+uid, conversationsQuery(uid))
	if err != nil {
		return nil, fmt.Errorf("service/conversation: watching for %s: %w", uid, err)
	}
	feed := newFeed(l, conversationsFromDocs)
	feed.enrich = func(ctx context.Context, convs []model.Conversation) []model.Conversation {
		if err := s.withPeers(ctx, uid, convs); err != nil {
			s.logger.Warn("resolving conversation peers",
				slog.String("uid", uid),
				slog.String("error", err.Error()),
			)
		}
		return convs
	}
	return feed, nil
}

// withPeers sets Peer on each of uid's conversations. A peer without a
// user record is skipped; any other read error stops the loop.
func (s *ConversationService) withPeers(ctx context.Context, uid string, convs []model.Conversation) error {
	for i := range convs {
		other := convs[i].Other(uid)
		if other == "" {
			continue
		}
		doc, err := retry(ctx, &s.base, func(ctx context.Context) (*docstore.Document, error) {
			return s.store.Get(ctx, colUsers, other)
		})
		switch {
		case err == nil:
			peer := userFromDoc(doc).Summary()
			convs[i].Peer = &peer
		case apperror.IsNotFound(err):
		default:
			return err
		}
	}
	return nil
}

func conversationsQuery(uid string) docstore.Query {
	return docstore.Query{
		Collection: colConversations,
		Filters:    []docstore.Filter{docstore.Where("participants", docstore.OpArrayContains, uid)},
		OrderBy:    []docstore.Order{{Field: "lastMessageAt", Direction: docstore.Desc}},
	}
}

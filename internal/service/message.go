package service

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/xid"

	"github.com/sakif/clipsync/internal/apperror"
	"github.com/sakif/clipsync/internal/docstore"
	"github.com/sakif/clipsync/internal/model"
	"github.com/sakif/clipsync/internal/subscription"
)

var clientTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// MessageService appends to and reads conversation logs.
//
// ORDERING:
// Messages are ordered by their server-assigned createdAt, then by id.
// The store hands out strictly increasing timestamps, so two appends in
// call order are always delivered in that order.
//
// APPEND IS ONE TRANSACTION:
//
//	1. look up the client token (retried append?)    → return the original
//	2. insert the message with a server timestamp
//	3. record the client token
//	4. update the conversation summary and the other side's unread count
//
// The summary can therefore never mention a message that was not stored.
type MessageService struct {
	base
	hub *subscription.Hub
}

func NewMessageService(store docstore.Store, hub *subscription.Hub, logger *slog.Logger, opts Options) *MessageService {
	return &MessageService{
		base: base{store: store, logger: logger, opts: opts},
		hub:  hub,
	}
}

// Append stores a message from sender in conversation cid.
//
// clientToken is optional. When set, a repeated call with the same token
// returns the message stored by the first call and changes nothing, which
// makes the call safe to retry after a timeout.
func (s *MessageService) Append(ctx context.Context, cid, sender, text, clientToken string) (*model.Message, error) {
	if _, _, err := model.ParseConversationID(cid); err != nil {
		return nil, err
	}
	if err := model.ValidateUID("senderId", sender); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperror.ValidationFailed("text", "message text is required")
	}
	if utf8.RuneCountInString(text) > model.MaxMessageLength {
		return nil, apperror.ValidationFailed("text",
			fmt.Sprintf("message must be %d characters or less", model.MaxMessageLength))
	}
	if clientToken != "" && !clientTokenPattern.MatchString(clientToken) {
		return nil, apperror.ValidationFailed("clientToken", "client token must be 1-64 characters of A-Z, a-z, 0-9, '_' or '-'")
	}

	var replayed bool
	appendOnce := func(ctx context.Context) (*docstore.Document, error) {
		var msg *docstore.Document
		err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			var err error
			msg, replayed, err = appendTx(ctx, tx, cid, sender, text, clientToken)
			return err
		})
		return msg, err
	}

	var (
		doc *docstore.Document
		err error
	)
	if clientToken != "" {
		doc, err = retry(ctx, &s.base, appendOnce)
	} else {
		err = s.once(ctx, func(ctx context.Context) error {
			var err error
			doc, err = appendOnce(ctx)
			return err
		})
	}
	if err != nil {
		return nil, fmt.Errorf("service/message: append to %s: %w", cid, err)
	}

	if replayed {
		s.logger.Info("duplicate append ignored",
			slog.String("conversationId", cid),
			slog.String("messageId", doc.ID),
		)
	} else {
		s.logger.Debug("message appended",
			slog.String("conversationId", cid),
			slog.String("messageId", doc.ID),
		)
	}
	return messageFromDoc(cid, doc), nil
}

// clientTokenID scopes a client token to its sender, so the two
// participants can never replay each other's messages. UIDs never contain
// '_', which keeps the split unambiguous.
func clientTokenID(sender, clientToken string) string {
	return sender + "_" + clientToken
}

func appendTx(ctx context.Context, tx docstore.Tx, cid, sender, text, clientToken string) (*docstore.Document, bool, error) {
	convDoc, err := tx.Get(ctx, colConversations, cid)
	if err != nil {
		return nil, false, err
	}
	conv := conversationFromDoc(convDoc)
	if !conv.HasParticipant(sender) {
		return nil, false, apperror.Forbidden("not a participant of this conversation")
	}

	tokenID := clientTokenID(sender, clientToken)
	if clientToken != "" {
		tok, err := tx.Get(ctx, tokensCollection(cid), tokenID)
		switch {
		case err == nil:
			msg, err := tx.Get(ctx, messagesCollection(cid), tok.String("messageId"))
			return msg, true, err
		case !apperror.IsNotFound(err):
			return nil, false, err
		}
	}

	messageID := xid.New().String()
	if err := tx.Create(ctx, messagesCollection(cid), messageID, docstore.Fields{
		"senderId":  sender,
		"text":      text,
		"createdAt": docstore.ServerTimestamp,
		"read":      false,
	}); err != nil {
		return nil, false, err
	}

	if clientToken != "" {
		if err := tx.Create(ctx, tokensCollection(cid), tokenID, docstore.Fields{
			"messageId": messageID,
			"senderId":  sender,
			"createdAt": docstore.ServerTimestamp,
		}); err != nil {
			return nil, false, err
		}
	}

	msg, err := tx.Get(ctx, messagesCollection(cid), messageID)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Update(ctx, colConversations, cid,
		docstore.Set("lastMessageText", text),
		docstore.Set("lastMessageAt", msg.Int("createdAt")),
		docstore.Set("lastSenderId", sender),
		docstore.Increment("unreadCount."+conv.Other(sender), 1),
	); err != nil {
		return nil, false, err
	}
	return msg, false, nil
}

// MarkRead clears uid's unread count in cid. The other participant's count
// is untouched. Per-message read flags are not rewritten: the count is the
// authoritative unread signal.
func (s *MessageService) MarkRead(ctx context.Context, cid, uid string) error {
	if _, _, err := model.ParseConversationID(cid); err != nil {
		return err
	}
	if err := model.ValidateUID("uid", uid); err != nil {
		return err
	}

	err := retryErr(ctx, &s.base, func(ctx context.Context) error {
		return s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			doc, err := tx.Get(ctx, colConversations, cid)
			if err != nil {
				return err
			}
			if !doc.Contains("participants", uid) {
				return apperror.Forbidden("not a participant of this conversation")
			}
			// Skip the write, and the snapshot it would trigger, when
			// there is nothing to clear.
			if _, ok := doc.Value("unreadCount." + uid); ok && doc.Int("unreadCount."+uid) == 0 {
				return nil
			}
			return tx.Update(ctx, colConversations, cid, docstore.Set("unreadCount."+uid, int64(0)))
		})
	})
	if err != nil {
		return fmt.Errorf("service/message: mark read %s for %s: %w", cid, uid, err)
	}
	return nil
}

// History returns every message of cid in order.
func (s *MessageService) History(ctx context.Context, actor, cid string) ([]model.Message, error) {
	if err := s.checkParticipant(ctx, actor, cid); err != nil {
		return nil, err
	}

	docs, err := retry(ctx, &s.base, func(ctx context.Context) ([]*docstore.Document, error) {
		return s.store.Query(ctx, messagesQuery(cid))
	})
	if err != nil {
		return nil, fmt.Errorf("service/message: history of %s: %w", cid, err)
	}
	return messagesFromDocs(cid)(docs), nil
}

// Stream is the live, ordered view of cid's messages. The first update is
// the full history; each later one replaces it.
func (s *MessageService) Stream(ctx context.Context, actor, cid string) (*Feed[[]model.Message], error) {
	if err := s.checkParticipant(ctx, actor, cid); err != nil {
		return nil, err
	}

	l, err := s.hub.Acquire(ctx, "messages:"+cid, messagesQuery(cid))
	if err != nil {
		return nil, fmt.Errorf("service/message: streaming %s: %w", cid, err)
	}
	return newFeed(l, messagesFromDocs(cid)), nil
}

func (s *MessageService) checkParticipant(ctx context.Context, actor, cid string) error {
	if err := model.ValidateUID("actor", actor); err != nil {
		return err
	}
	if _, _, err := model.ParseConversationID(cid); err != nil {
		return err
	}

	doc, err := retry(ctx, &s.base, func(ctx context.Context) (*docstore.Document, error) {
		return s.store.Get(ctx, colConversations, cid)
	})
	if err != nil {
		return err
	}
	if !doc.Contains("participants", actor) {
		return apperror.Forbidden("not a participant of this conversation")
	}
	return nil
}

func messagesQuery(cid string) docstore.Query {
	return docstore.Query{
		Collection: messagesCollection(cid),
		OrderBy:    []docstore.Order{{Field: "createdAt", Direction: docstore.Asc}},
	}
}

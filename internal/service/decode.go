package service

import (
	"github.com/sakif/clipsync/internal/docstore"
	"github.com/sakif/clipsync/internal/model"
)

// Documents are schemaless; these functions are the one place that knows
// which field holds what.

func userFromDoc(d *docstore.Document) *model.User {
	followers := d.Strings("followerSet")
	following := d.Strings("followingSet")
	if followers == nil {
		followers = []string{}
	}
	if following == nil {
		following = []string{}
	}
	return &model.User{
		UID:            d.ID,
		Username:       d.String("username"),
		DisplayName:    d.String("displayName"),
		AvatarURL:      d.String("avatarUrl"),
		FollowerCount:  d.Int("followerCount"),
		FollowingCount: d.Int("followingCount"),
		Followers:      followers,
		Following:      following,
		CreatedAt:      d.Time("createdAt"),
		UpdatedAt:      d.Time("updatedAt"),
		LastLoginAt:    d.Time("lastLoginAt"),
	}
}

func countersFromDocs(uid string) func([]*docstore.Document) model.Counters {
	return func(docs []*docstore.Document) model.Counters {
		c := model.Counters{UID: uid}
		if len(docs) > 0 {
			c.FollowerCount = docs[0].Int("followerCount")
			c.FollowingCount = docs[0].Int("followingCount")
		}
		return c
	}
}

func conversationFromDoc(d *docstore.Document) *model.Conversation {
	return &model.Conversation{
		ID:              d.ID,
		Participants:    d.Strings("participants"),
		LastMessageText: d.String("lastMessageText"),
		LastMessageAt:   d.Time("lastMessageAt"),
		LastSenderID:    d.String("lastSenderId"),
		UnreadCount:     d.IntMap("unreadCount"),
		CreatedAt:       d.Time("createdAt"),
	}
}

func conversationsFromDocs(docs []*docstore.Document) []model.Conversation {
	out := make([]model.Conversation, 0, len(docs))
	for _, d := range docs {
		out = append(out, *conversationFromDoc(d))
	}
	return out
}

func messageFromDoc(cid string, d *docstore.Document) *model.Message {
	return &model.Message{
		ID:             d.ID,
		ConversationID: cid,
		SenderID:       d.String("senderId"),
		Text:           d.String("text"),
		CreatedAt:      d.Time("createdAt"),
		Read:           d.Bool("read"),
	}
}

func messagesFromDocs(cid string) func([]*docstore.Document) []model.Message {
	return func(docs []*docstore.Document) []model.Message {
		out := make([]model.Message, 0, len(docs))
		for _, d := range docs {
			out = append(out, *messageFromDoc(cid, d))
		}
		return out
	}
}

package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/clipsync/internal/apperror"
	"github.com/sakif/clipsync/internal/model"
)

// newChat returns a fixture with alice, bob and carol, and the alice/bob
// conversation.
func newChat(t *testing.T) (*fixture, *model.Conversation) {
	t.Helper()
	f := newFixture(t)
	f.addUser(t, "alice")
	f.addUser(t, "bob")
	f.addUser(t, "carol")
	conv, err := f.conversations.GetOrCreate(context.Background(), "alice", "bob")
	require.NoError(t, err)
	return f, conv
}

func (f *fixture) conversation(t *testing.T, cid string) *model.Conversation {
	t.Helper()
	conv, err := f.conversations.Get(context.Background(), strings.Split(cid, "_")[0], cid)
	require.NoError(t, err)
	return conv
}

// =========================================================================
// APPEND
// =========================================================================

func TestAppend_UpdatesSummaryAndUnread(t *testing.T) {
	f, conv := newChat(t)
	ctx := context.Background()

	msg, err := f.messages.Append(ctx, conv.ID, "alice", "  hello bob  ", "")
	require.NoError(t, err)
	assert.Equal(t, "hello bob", msg.Text)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, conv.ID, msg.ConversationID)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.False(t, msg.Read)

	got := f.conversation(t, conv.ID)
	assert.Equal(t, "hello bob", got.LastMessageText)
	assert.Equal(t, "alice", got.LastSenderID)
	assert.Equal(t, msg.CreatedAt, got.LastMessageAt)
	assert.Equal(t, int64(1), got.UnreadCount["bob"])
	assert.Equal(t, int64(0), got.UnreadCount["alice"])
}

func TestAppend_Validation(t *testing.T) {
	f, conv := newChat(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		cid     string
		sender  string
		text    string
		token   string
		wantErr error
	}{
		{"empty text", conv.ID, "alice", "", "", apperror.ErrValidation},
		{"whitespace text", conv.ID, "alice", " \n\t ", "", apperror.ErrValidation},
		{"too long", conv.ID, "alice", strings.Repeat("x", model.MaxMessageLength+1), "", apperror.ErrValidation},
		{"bad token", conv.ID, "alice", "hi", "has space", apperror.ErrValidation},
		{"bad conversation id", "nope", "alice", "hi", "", apperror.ErrValidation},
		{"not a participant", conv.ID, "carol", "hi", "", apperror.ErrForbidden},
		{"unknown conversation", "alice_carol", "alice", "hi", "", apperror.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.messages.Append(ctx, tt.cid, tt.sender, tt.text, tt.token)
			assert.True(t, errors.Is(err, tt.wantErr), "Append() error = %v, want %v", err, tt.wantErr)
		})
	}

	// None of the rejected calls may leave a trace.
	history, err := f.messages.History(ctx, "alice", conv.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, int64(0), f.conversation(t, conv.ID).UnreadCount["bob"])
}

func TestAppend_MaxLengthCountsRunes(t *testing.T) {
	f, conv := newChat(t)

	// 4000 three-byte runes are 12000 bytes but still within the limit.
	_, err := f.messages.Append(context.Background(), conv.ID, "alice", strings.Repeat("日", model.MaxMessageLength), "")
	assert.NoError(t, err)
}

func TestAppend_ClientTokenDeduplicates(t *testing.T) {
	f, conv := newChat(t)
	ctx := context.Background()

	first, err := f.messages.Append(ctx, conv.ID, "alice", "only once", "tok-1")
	require.NoError(t, err)
	retried, err := f.messages.Append(ctx, conv.ID, "alice", "only once", "tok-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, retried.ID)
	assert.Equal(t, first.CreatedAt, retried.CreatedAt)

	history, err := f.messages.History(ctx, "bob", conv.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, int64(1), f.conversation(t, conv.ID).UnreadCount["bob"])

	// A different token is a different message.
	_, err = f.messages.Append(ctx, conv.ID, "alice", "only once", "tok-2")
	require.NoError(t, err)
	history, err = f.messages.History(ctx, "bob", conv.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestAppend_ClientTokenIsPerSender(t *testing.T) {
	f, conv := newChat(t)
	ctx := context.Background()

	fromAlice, err := f.messages.Append(ctx, conv.ID, "alice", "hi bob", "tok1")
	require.NoError(t, err)
	fromBob, err := f.messages.Append(ctx, conv.ID, "bob", "hello alice", "tok1")
	require.NoError(t, err)

	assert.NotEqual(t, fromAlice.ID, fromBob.ID)
	assert.Equal(t, "bob", fromBob.SenderID)
	assert.Equal(t, "hello alice", fromBob.Text)

	history, err := f.messages.History(ctx, "alice", conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hi bob", history[0].Text)
	assert.Equal(t, "hello alice", history[1].Text)

	// Each sender's own retry is still deduplicated.
	again, err := f.messages.Append(ctx, conv.ID, "bob", "hello alice", "tok1")
	require.NoError(t, err)
	assert.Equal(t, fromBob.ID, again.ID)
}

// =========================================================================
// MARK READ
// =========================================================================

func TestMarkRead_ResetsOnlyOwnCount(t *testing.T) {
	f, conv := newChat(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		_, err := f.messages.Append(ctx, conv.ID, "alice", text, "")
		require.NoError(t, err)
	}
	_, err := f.messages.Append(ctx, conv.ID, "bob", "reply", "")
	require.NoError(t, err)

	before := f.conversation(t, conv.ID)
	require.Equal(t, int64(3), before.UnreadCount["bob"])
	require.Equal(t, int64(1), before.UnreadCount["alice"])

	require.NoError(t, f.messages.MarkRead(ctx, conv.ID, "bob"))

	after := f.conversation(t, conv.ID)
	assert.Equal(t, int64(0), after.UnreadCount["bob"])
	assert.Equal(t, int64(1), after.UnreadCount["alice"])

	// Idempotent.
	require.NoError(t, f.messages.MarkRead(ctx, conv.ID, "bob"))
	assert.Equal(t, int64(0), f.conversation(t, conv.ID).UnreadCount["bob"])
}

func TestMarkRead_NotParticipant(t *testing.T) {
	f, conv := newChat(t)

	err := f.messages.MarkRead(context.Background(), conv.ID, "carol")
	assert.True(t, errors.Is(err, apperror.ErrForbidden), "error = %v", err)
}

// =========================================================================
// ORDERING AND STREAMING
// =========================================================================

func TestHistory_CallOrder(t *testing.T) {
	f, conv := newChat(t)
	ctx := context.Background()

	want := []string{"m1", "m2", "m3", "m4", "m5"}
	for i, text := range want {
		sender := "alice"
		if i%2 == 1 {
			sender = "bob"
		}
		_, err := f.messages.Append(ctx, conv.ID, sender, text, "")
		require.NoError(t, err)
	}

	history, err := f.messages.History(ctx, "alice", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, want, messageTexts(history))
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i].CreatedAt.After(history[i-1].CreatedAt), "createdAt must strictly increase")
	}
}

func TestStream_ReplaysHistoryThenUpdates(t *testing.T) {
	f, conv := newChat(t)
	ctx := context.Background()

	_, err := f.messages.Append(ctx, conv.ID, "alice", "m1", "")
	require.NoError(t, err)

	feed, err := f.messages.Stream(ctx, "bob", conv.ID)
	require.NoError(t, err)
	defer feed.Close()

	first := next(t, feed)
	assert.Equal(t, []string{"m1"}, messageTexts(first.Value))

	_, err = f.messages.Append(ctx, conv.ID, "bob", "m2", "")
	require.NoError(t, err)
	_, err = f.messages.Append(ctx, conv.ID, "alice", "m3", "")
	require.NoError(t, err)

	got := nextMatching(t, feed, func(ms []model.Message) bool { return len(ms) == 3 })
	assert.Equal(t, []string{"m1", "m2", "m3"}, messageTexts(got))
}

func TestStream_SharedBetweenListeners(t *testing.T) {
	f, conv := newChat(t)
	ctx := context.Background()

	a, err := f.messages.Stream(ctx, "alice", conv.ID)
	require.NoError(t, err)
	b, err := f.messages.Stream(ctx, "bob", conv.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, f.hub.Refs("messages:"+conv.ID))
	a.Close()
	a.Close()
	assert.Equal(t, 1, f.hub.Refs("messages:"+conv.ID))
	b.Close()
	assert.Equal(t, 0, f.hub.Refs("messages:"+conv.ID))
}

func TestStream_NotParticipant(t *testing.T) {
	f, conv := newChat(t)

	_, err := f.messages.Stream(context.Background(), "carol", conv.ID)
	assert.True(t, errors.Is(err, apperror.ErrForbidden), "error = %v", err)
	assert.Equal(t, 0, f.hub.Refs("messages:"+conv.ID))
}

func messageTexts(ms []model.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Text)
	}
	return out
}

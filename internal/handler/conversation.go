package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/clipsync/internal/service"
)

// ConversationHandler serves the inbox and message logs.
//
// ROUTES:
//
//	GET  /api/conversations               → inbox, most recent first
//	POST /api/conversations               → open (or reopen) a chat with a user
//	GET  /api/conversations/{id}/messages → full history, oldest first
//	POST /api/conversations/{id}/messages → send
//	POST /api/conversations/{id}/read     → reset own unread count
type ConversationHandler struct {
	conversations *service.ConversationService
	messages      *service.MessageService
	logger        *slog.Logger
}

func NewConversationHandler(conversations *service.ConversationService, messages *service.MessageService, logger *slog.Logger) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		messages:      messages,
		logger:        logger,
	}
}

type openConversationRequest struct {
	With string `json:"with"` // uid of the other participant
}

type appendMessageRequest struct {
	Text string `json:"text"`
	// ClientToken makes a resend of the same message a no-op. Clients that
	// retry on network errors should always set it.
	ClientToken string `json:"clientToken,omitempty"`
}

// HandleList returns the signed-in user's conversations.
//
// HTTP: GET /api/conversations
func (h *ConversationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	list, err := h.conversations.ListForUser(r.Context(), actor)
	if err != nil {
		logFailure(h.logger, "list conversations failed", err, slog.String("uid", actor))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleOpen returns the conversation with another user, creating it on
// first contact. Calling it again is harmless.
//
// HTTP: POST /api/conversations
// Body: {"with": "<uid>"}
func (h *ConversationHandler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var req openConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	conv, err := h.conversations.GetOrCreate(r.Context(), actor, req.With)
	if err != nil {
		logFailure(h.logger, "open conversation failed", err,
			slog.String("actor", actor),
			slog.String("with", req.With),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// HandleHistory returns every message of a conversation, oldest first.
//
// HTTP: GET /api/conversations/{id}/messages
func (h *ConversationHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	cid := chi.URLParam(r, "id")
	history, err := h.messages.History(r.Context(), actor, cid)
	if err != nil {
		logFailure(h.logger, "history failed", err, slog.String("actor", actor), slog.String("cid", cid))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// HandleAppend sends a message as the signed-in user.
//
// HTTP: POST /api/conversations/{id}/messages
// Body: {"text": "...", "clientToken"?: "..."}
func (h *ConversationHandler) HandleAppend(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var req appendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	cid := chi.URLParam(r, "id")
	msg, err := h.messages.Append(r.Context(), cid, actor, req.Text, req.ClientToken)
	if err != nil {
		logFailure(h.logger, "append failed", err, slog.String("actor", actor), slog.String("cid", cid))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// HandleMarkRead zeroes the signed-in user's unread count.
//
// HTTP: POST /api/conversations/{id}/read
func (h *ConversationHandler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	cid := chi.URLParam(r, "id")
	if err := h.messages.MarkRead(r.Context(), cid, actor); err != nil {
		logFailure(h.logger, "mark read failed", err, slog.String("actor", actor), slog.String("cid", cid))
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

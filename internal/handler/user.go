package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/clipsync/internal/model"
	"github.com/sakif/clipsync/internal/service"
)

// UserHandler serves profiles and the follow graph.
type UserHandler struct {
	profiles      *service.ProfileService
	relationships *service.RelationshipService
	logger        *slog.Logger
}

func NewUserHandler(profiles *service.ProfileService, relationships *service.RelationshipService, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		profiles:      profiles,
		relationships: relationships,
		logger:        logger,
	}
}

// publicProfile is what other users see: no follower or following sets.
type publicProfile struct {
	model.UserSummary
	FollowingCount int64 `json:"followingCount"`
}

// followStatus is the body of every /follow response.
type followStatus struct {
	Following bool `json:"following"`
}

// HandleMe returns the signed-in user's record.
//
// HTTP: GET /api/me
func (h *UserHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	user, err := h.profiles.GetUser(r.Context(), actor)
	if err != nil {
		logFailure(h.logger, "get me failed", err, slog.String("uid", actor))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HandleUpdateMe applies a partial profile edit. Absent fields are left as
// they are.
//
// HTTP: PATCH /api/me
// Body: {"username"?: "...", "displayName"?: "...", "avatarUrl"?: "..."}
func (h *UserHandler) HandleUpdateMe(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var upd model.ProfileUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.profiles.UpdateProfile(r.Context(), actor, upd)
	if err != nil {
		logFailure(h.logger, "update profile failed", err, slog.String("uid", actor))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HandleReconcile recomputes the signed-in user's counters from the
// follower and following sets.
//
// HTTP: POST /api/me/reconcile
func (h *UserHandler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	changed, err := h.relationships.Reconcile(r.Context(), actor)
	if err != nil {
		logFailure(h.logger, "reconcile failed", err, slog.String("uid", actor))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

// HandleGetUser returns another user's public profile.
//
// HTTP: GET /api/users/{uid}
func (h *UserHandler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorFrom(w, r); !ok {
		return
	}

	user, err := h.profiles.GetUser(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		logFailure(h.logger, "get user failed", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicProfile{
		UserSummary:    user.Summary(),
		FollowingCount: user.FollowingCount,
	})
}

// HandleFollowStatus reports whether the signed-in user follows {uid}.
//
// HTTP: GET /api/users/{uid}/follow
func (h *UserHandler) HandleFollowStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	following, err := h.relationships.IsFollowing(r.Context(), actor, chi.URLParam(r, "uid"))
	if err != nil {
		logFailure(h.logger, "follow status failed", err, slog.String("actor", actor))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, followStatus{Following: following})
}

// HandleFollow makes the signed-in user follow {uid}. Idempotent.
//
// HTTP: PUT /api/users/{uid}/follow
func (h *UserHandler) HandleFollow(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	target := chi.URLParam(r, "uid")
	if err := h.relationships.Follow(r.Context(), actor, target); err != nil {
		logFailure(h.logger, "follow failed", err, slog.String("actor", actor), slog.String("target", target))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, followStatus{Following: true})
}

// HandleUnfollow removes the follow edge. Idempotent.
//
// HTTP: DELETE /api/users/{uid}/follow
func (h *UserHandler) HandleUnfollow(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	target := chi.URLParam(r, "uid")
	if err := h.relationships.Unfollow(r.Context(), actor, target); err != nil {
		logFailure(h.logger, "unfollow failed", err, slog.String("actor", actor), slog.String("target", target))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, followStatus{Following: false})
}

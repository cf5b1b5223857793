package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/clipsync/internal/service"
)

type SearchHandler struct {
	search *service.SearchService
	logger *slog.Logger
}

func NewSearchHandler(search *service.SearchService, logger *slog.Logger) *SearchHandler {
	return &SearchHandler{search: search, logger: logger}
}

// HandleSearchUsers runs a username prefix search.
//
// HTTP: GET /api/search/users?q=al&cursor=...
//
// The response cursor is passed back as-is, with the same q, for the next
// page. An empty q returns an empty page.
func (h *SearchHandler) HandleSearchUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorFrom(w, r); !ok {
		return
	}

	q := r.URL.Query()
	page, err := h.search.Search(r.Context(), q.Get("q"), q.Get("cursor"))
	if err != nil {
		logFailure(h.logger, "search failed", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

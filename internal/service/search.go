package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"

	"github.com/sakif/clipsync/internal/apperror"
	"github.com/sakif/clipsync/internal/docstore"
	"github.com/sakif/clipsync/internal/model"
)

const (
	SearchPageSize      = 20
	MaxSearchTermLength = 64

	// maxCodepoint closes the prefix range: every string that starts with
	// term sorts below term+maxCodepoint.
	maxCodepoint = "\U0010FFFF"
)

// SearchService does prefix search over usernames.
type SearchService struct {
	base
}

func NewSearchService(store docstore.Store, logger *slog.Logger, opts Options) *SearchService {
	return &SearchService{base: base{store: store, logger: logger, opts: opts}}
}

// searchCursor is the decoded form of SearchPage.Cursor. It pins the term
// so a cursor cannot be replayed against a different search.
type searchCursor struct {
	Term     string `json:"t"`
	Username string `json:"u"`
	UID      string `json:"id"`
}

// Search returns up to SearchPageSize users whose username starts with term.
// Pass the previous page's cursor to continue; pass "" to start over.
//
// HASMORE IS EXACT:
// One extra record is fetched beyond the page. HasMore is true only if it
// exists, so a full last page never leads to an empty follow-up request.
func (s *SearchService) Search(ctx context.Context, term, cursor string) (*model.SearchPage, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return &model.SearchPage{Users: []model.UserSummary{}}, nil
	}
	if utf8.RuneCountInString(term) > MaxSearchTermLength {
		return nil, apperror.ValidationFailed("q",
			fmt.Sprintf("search term must be %d characters or less", MaxSearchTermLength))
	}

	q := docstore.Query{
		Collection: colUsers,
		Filters: []docstore.Filter{
			docstore.Where("username", docstore.OpGreaterOrEqual, term),
			docstore.Where("username", docstore.OpLess, term+maxCodepoint),
		},
		OrderBy: []docstore.Order{{Field: "username", Direction: docstore.Asc}},
		Limit:   SearchPageSize + 1,
	}

	if cursor != "" {
		c, err := decodeSearchCursor(cursor)
		if err != nil {
			return nil, err
		}
		if c.Term != term {
			return nil, apperror.ValidationFailed("cursor", "cursor belongs to a different search term")
		}
		q.StartAfter = &docstore.Cursor{Values: []any{c.Username}, ID: c.UID}
	}

	docs, err := retry(ctx, &s.base, func(ctx context.Context) ([]*docstore.Document, error) {
		return s.store.Query(ctx, q)
	})
	if err != nil {
		return nil, fmt.Errorf("service/search: searching %q: %w", term, err)
	}

	page := &model.SearchPage{Users: make([]model.UserSummary, 0, min(len(docs), SearchPageSize))}
	if len(docs) > SearchPageSize {
		page.HasMore = true
		docs = docs[:SearchPageSize]
	}
	for _, d := range docs {
		page.Users = append(page.Users, userFromDoc(d).Summary())
	}

	if len(docs) > 0 {
		last := docs[len(docs)-1]
		page.Cursor, err = encodeSearchCursor(searchCursor{
			Term:     term,
			Username: last.String("username"),
			UID:      last.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("service/search: encoding cursor: %w", err)
		}
	}
	return page, nil
}

func encodeSearchCursor(c searchCursor) (string, error) {
	raw, err := sonic.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeSearchCursor(s string) (searchCursor, error) {
	var c searchCursor
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, apperror.ValidationFailed("cursor", "malformed cursor")
	}
	if err := sonic.Unmarshal(raw, &c); err != nil {
		return c, apperror.ValidationFailed("cursor", "malformed cursor")
	}
	if c.Username == "" || docstore.ValidateDocID(c.UID) != nil {
		return c, apperror.ValidationFailed("cursor", "malformed cursor")
	}
	return c, nil
}

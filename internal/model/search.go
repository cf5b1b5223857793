package model

// SearchPage is one page of username search results.
//
// Cursor is opaque to clients: pass it back unchanged, together with the
// same term, to get the next page.
type SearchPage struct {
	Users   []UserSummary `json:"users"`
	Cursor  string        `json:"cursor,omitempty"`
	HasMore bool          `json:"hasMore"`
}

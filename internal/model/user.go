// Package model defines the data structures used throughout the application.
package model

import (
	"regexp"
	"strings"
	"time"

	"github.com/sakif/clipsync/internal/apperror"
)

// User is the public profile plus relationship state of one account.
//
// WHY BOTH SETS AND COUNTS?
// The sets are the source of truth for who follows whom. The counts are
// cached set sizes so profile cards can render without loading the sets.
// The relationship service always writes a count as the size of the set it
// just wrote, and Reconcile repairs records where they drifted apart.
type User struct {
	UID            string    `json:"uid"`
	Username       string    `json:"username"`
	DisplayName    string    `json:"displayName"`
	AvatarURL      string    `json:"avatarUrl"`
	FollowerCount  int64     `json:"followerCount"`
	FollowingCount int64     `json:"followingCount"`
	Followers      []string  `json:"followerSet"`
	Following      []string  `json:"followingSet"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastLoginAt    time.Time `json:"lastLoginAt"`
}

// UserSummary is the slice of a User shown in search results and
// conversation lists.
type UserSummary struct {
	UID           string `json:"uid"`
	Username      string `json:"username"`
	DisplayName   string `json:"displayName"`
	AvatarURL     string `json:"avatarUrl"`
	FollowerCount int64  `json:"followerCount"`
}

// Summary trims u down to a UserSummary.
func (u *User) Summary() UserSummary {
	return UserSummary{
		UID:           u.UID,
		Username:      u.Username,
		DisplayName:   u.DisplayName,
		AvatarURL:     u.AvatarURL,
		FollowerCount: u.FollowerCount,
	}
}

// Counters is the live view of one user's relationship counts.
type Counters struct {
	UID            string `json:"uid"`
	FollowerCount  int64  `json:"followerCount"`
	FollowingCount int64  `json:"followingCount"`
}

// Identity is what the identity provider tells us about an authenticated
// account. UID is assigned by the provider adapter and never changes.
type Identity struct {
	UID         string
	Login       string // provider username, the seed for our username
	DisplayName string
	AvatarURL   string
}

// ProfileUpdate carries the fields a user may edit. Nil means unchanged.
type ProfileUpdate struct {
	Username    *string `json:"username,omitempty"`
	DisplayName *string `json:"displayName,omitempty"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
}

// Validation limits.
const (
	MaxUIDLength         = 128
	MaxUsernameLength    = 39
	MaxDisplayNameLength = 50
)

var (
	// UIDs end up as document ids, conversation key halves and field-path
	// segments (unreadCount.<uid>), so they must be safe in all three.
	uidPattern      = regexp.MustCompile(`^[A-Za-z0-9-]{1,128}$`)
	usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,38}$`)
)

// ValidateUID checks that uid is usable as a key. field names the argument
// in the returned error.
func ValidateUID(field, uid string) error {
	if uid == "" {
		return apperror.ValidationFailed(field, field+" is required")
	}
	if !uidPattern.MatchString(uid) {
		return apperror.ValidationFailed(field, field+" is not a valid user id")
	}
	return nil
}

// NormalizeUsername lowercases and trims a username. It does not validate.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateUsername checks an already normalized username.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return apperror.ValidationFailed("username",
			"username must be 1-39 characters of a-z, 0-9, '.', '_' or '-' and start with a letter or digit")
	}
	return nil
}

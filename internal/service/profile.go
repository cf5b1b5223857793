package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rs/xid"

	"github.com/sakif/clipsync/internal/apperror"
	"github.com/sakif/clipsync/internal/docstore"
	"github.com/sakif/clipsync/internal/model"
)

// maxUsernameAttempts bounds the "login", "login-2", ... probing done when
// a new user's preferred username is taken.
const maxUsernameAttempts = 20

// ProfileService owns user records.
//
// USERNAME UNIQUENESS:
// Usernames are unique because each one is claimed by creating the document
// usernames/<name> with create-if-absent. The claim and the user record are
// written in the same transaction, so a username is never held by a user
// record that does not point back at it.
type ProfileService struct {
	base
}

func NewProfileService(store docstore.Store, logger *slog.Logger, opts Options) *ProfileService {
	return &ProfileService{base: base{store: store, logger: logger, opts: opts}}
}

// EnsureUser is called on every successful authentication. The first call
// for an identity creates its user record with zero counters; later calls
// stamp lastLoginAt and repair any counter drift.
func (s *ProfileService) EnsureUser(ctx context.Context, id model.Identity) (*model.User, error) {
	if err := model.ValidateUID("uid", id.UID); err != nil {
		return nil, err
	}

	var created, repaired bool
	doc, err := retry(ctx, &s.base, func(ctx context.Context) (*docstore.Document, error) {
		var doc *docstore.Document
		err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			_, err := tx.Get(ctx, colUsers, id.UID)
			switch {
			case err == nil:
				created = false
				if repaired, err = reconcileCounters(ctx, tx, id.UID); err != nil {
					return err
				}
				if err := tx.Update(ctx, colUsers, id.UID,
					docstore.Set("lastLoginAt", docstore.ServerTimestamp),
				); err != nil {
					return err
				}
			case apperror.IsNotFound(err):
				created = true
				if err := createUser(ctx, tx, id); err != nil {
					return err
				}
			default:
				return err
			}
			doc, err = tx.Get(ctx, colUsers, id.UID)
			return err
		})
		return doc, err
	})
	if err != nil {
		return nil, fmt.Errorf("service/profile: ensuring user %s: %w", id.UID, err)
	}

	user := userFromDoc(doc)
	if created {
		s.logger.Info("user created",
			slog.String("uid", user.UID),
			slog.String("username", user.Username),
		)
	}
	if repaired {
		s.logger.Warn("relationship counters repaired at login", slog.String("uid", user.UID))
	}
	return user, nil
}

func createUser(ctx context.Context, tx docstore.Tx, id model.Identity) error {
	username, err := claimUsername(ctx, tx, id.UID, id.Login)
	if err != nil {
		return err
	}

	displayName := strings.TrimSpace(id.DisplayName)
	if displayName == "" {
		displayName = id.Login
	}
	if utf8.RuneCountInString(displayName) > model.MaxDisplayNameLength {
		displayName = string([]rune(displayName)[:model.MaxDisplayNameLength])
	}

	return tx.Create(ctx, colUsers, id.UID, docstore.Fields{
		"username":       username,
		"displayName":    displayName,
		"avatarUrl":      id.AvatarURL,
		"followerCount":  int64(0),
		"followingCount": int64(0),
		"followerSet":    []string{},
		"followingSet":   []string{},
		"createdAt":      docstore.ServerTimestamp,
		"updatedAt":      docstore.ServerTimestamp,
		"lastLoginAt":    docstore.ServerTimestamp,
	})
}

// claimUsername picks the first free name among login, login-2, login-3, ...
// and claims it for uid. Logins that do not normalize to a valid username
// fall back to "user".
func claimUsername(ctx context.Context, tx docstore.Tx, uid, login string) (string, error) {
	seed := model.NormalizeUsername(login)
	if model.ValidateUsername(seed) != nil {
		seed = "user"
	}

	for i := 1; i <= maxUsernameAttempts; i++ {
		candidate := seed
		if i > 1 {
			suffix := "-" + strconv.Itoa(i)
			candidate = truncate(seed, model.MaxUsernameLength-len(suffix)) + suffix
		}
		err := tx.Create(ctx, colUsernames, candidate, docstore.Fields{"uid": uid})
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, apperror.ErrConflict) {
			return "", err
		}
	}

	// Crowded prefix: a random suffix is free with overwhelming likelihood.
	suffix := "-" + xid.New().String()
	candidate := truncate(seed, model.MaxUsernameLength-len(suffix)) + suffix
	if err := tx.Create(ctx, colUsernames, candidate, docstore.Fields{"uid": uid}); err != nil {
		return "", err
	}
	return candidate, nil
}

// GetUser returns uid's record.
func (s *ProfileService) GetUser(ctx context.Context, uid string) (*model.User, error) {
	if err := model.ValidateUID("uid", uid); err != nil {
		return nil, err
	}

	doc, err := retry(ctx, &s.base, func(ctx context.Context) (*docstore.Document, error) {
		return s.store.Get(ctx, colUsers, uid)
	})
	if err != nil {
		return nil, err
	}
	return userFromDoc(doc), nil
}

// UpdateProfile applies the owner's edits. A username change claims the new
// name and releases the old one atomically; ErrConflict means it is taken.
func (s *ProfileService) UpdateProfile(ctx context.Context, actor string, upd model.ProfileUpdate) (*model.User, error) {
	if err := model.ValidateUID("actor", actor); err != nil {
		return nil, err
	}

	var ops []docstore.FieldOp
	if upd.DisplayName != nil {
		name := strings.TrimSpace(*upd.DisplayName)
		if name == "" {
			return nil, apperror.ValidationFailed("displayName", "display name must not be empty")
		}
		if utf8.RuneCountInString(name) > model.MaxDisplayNameLength {
			return nil, apperror.ValidationFailed("displayName",
				fmt.Sprintf("display name must be %d characters or less", model.MaxDisplayNameLength))
		}
		ops = append(ops, docstore.Set("displayName", name))
	}
	if upd.AvatarURL != nil {
		avatar := strings.TrimSpace(*upd.AvatarURL)
		if err := validateAvatarURL(avatar); err != nil {
			return nil, err
		}
		ops = append(ops, docstore.Set("avatarUrl", avatar))
	}

	var username string
	if upd.Username != nil {
		username = model.NormalizeUsername(*upd.Username)
		if err := model.ValidateUsername(username); err != nil {
			return nil, err
		}
	}

	var renamedFrom string
	doc, err := retry(ctx, &s.base, func(ctx context.Context) (*docstore.Document, error) {
		var doc *docstore.Document
		err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			current, err := tx.Get(ctx, colUsers, actor)
			if err != nil {
				return err
			}

			txOps := append([]docstore.FieldOp(nil), ops...)
			renamedFrom = ""
			if old := current.String("username"); username != "" && username != old {
				if err := tx.Create(ctx, colUsernames, username, docstore.Fields{"uid": actor}); err != nil {
					if errors.Is(err, apperror.ErrConflict) {
						return apperror.Conflict("username", username)
					}
					return err
				}
				if old != "" {
					if err := tx.Delete(ctx, colUsernames, old); err != nil {
						return err
					}
				}
				txOps = append(txOps, docstore.Set("username", username))
				renamedFrom = old
			}

			if len(txOps) > 0 {
				txOps = append(txOps, docstore.Set("updatedAt", docstore.ServerTimestamp))
				if err := tx.Update(ctx, colUsers, actor, txOps...); err != nil {
					return err
				}
			}
			doc, err = tx.Get(ctx, colUsers, actor)
			return err
		})
		return doc, err
	})
	if err != nil {
		return nil, fmt.Errorf("service/profile: updating %s: %w", actor, err)
	}

	if renamedFrom != "" {
		s.logger.Info("username changed",
			slog.String("uid", actor),
			slog.String("from", renamedFrom),
			slog.String("to", username),
		)
	}
	return userFromDoc(doc), nil
}

func validateAvatarURL(raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) > 2048 {
		return apperror.ValidationFailed("avatarUrl", "avatar URL is too long")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperror.ValidationFailed("avatarUrl", "avatar URL must be an absolute http(s) URL")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/sakif/clipsync/internal/apperror"
	"github.com/sakif/clipsync/internal/auth"
)

// newTestAuthService returns an AuthService over the fixture's store.
// The TokenService uses a short secret, suitable for tests only.
func newTestAuthService(t *testing.T, f *fixture) *AuthService {
	t.Helper()

	ts, err := auth.NewTokenService("test-secret-at-least-16-chars!!", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewAuthService(f.profiles, ts, logger)
}

// =========================================================================
// LoginGitHub TESTS
// =========================================================================

func TestLoginGitHub_NewUser(t *testing.T) {
	f := newFixture(t)
	svc := newTestAuthService(t, f)

	result, err := svc.LoginGitHub(context.Background(), &auth.GitHubUser{
		ID:        42,
		Login:     "octocat",
		Name:      "The Octocat",
		AvatarURL: "https://avatars.githubusercontent.com/u/42",
	})
	if err != nil {
		t.Fatalf("LoginGitHub() error = %v", err)
	}

	if result.Token == "" {
		t.Fatal("LoginGitHub() returned empty Token")
	}
	if result.User.UID != "gh-42" {
		t.Errorf("User.UID = %q, want %q", result.User.UID, "gh-42")
	}
	if result.User.Username != "octocat" {
		t.Errorf("User.Username = %q, want %q", result.User.Username, "octocat")
	}
	if result.User.DisplayName != "The Octocat" {
		t.Errorf("User.DisplayName = %q, want %q", result.User.DisplayName, "The Octocat")
	}
}

func TestLoginGitHub_RenamedGitHubAccountKeepsUser(t *testing.T) {
	f := newFixture(t)
	svc := newTestAuthService(t, f)

	first, err := svc.LoginGitHub(context.Background(), &auth.GitHubUser{ID: 99, Login: "old-login"})
	if err != nil {
		t.Fatalf("first login error: %v", err)
	}

	second, err := svc.LoginGitHub(context.Background(), &auth.GitHubUser{ID: 99, Login: "new-login"})
	if err != nil {
		t.Fatalf("second login error: %v", err)
	}

	// Our username is ours: a GitHub rename does not change it.
	if second.User.UID != first.User.UID || second.User.Username != "old-login" {
		t.Errorf("second login = (%q, %q), want (%q, %q)",
			second.User.UID, second.User.Username, first.User.UID, "old-login")
	}
}

func TestLoginGitHub_TokenIsValidJWT(t *testing.T) {
	f := newFixture(t)
	svc := newTestAuthService(t, f)

	result, err := svc.LoginGitHub(context.Background(), &auth.GitHubUser{ID: 1, Login: "testuser"})
	if err != nil {
		t.Fatalf("LoginGitHub() error = %v", err)
	}

	uid, err := svc.ValidateToken(result.Token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if uid != result.User.UID {
		t.Errorf("token subject = %q, want %q", uid, result.User.UID)
	}
}

func TestLoginGitHub_EmptyGitHubUser(t *testing.T) {
	f := newFixture(t)
	svc := newTestAuthService(t, f)

	for _, gh := range []*auth.GitHubUser{nil, {ID: 0, Login: "zero"}} {
		if _, err := svc.LoginGitHub(context.Background(), gh); err == nil {
			t.Errorf("LoginGitHub(%+v) should fail", gh)
		}
	}
}

func TestLoginGitHub_StoreError(t *testing.T) {
	f := newFixture(t)
	svc := newTestAuthService(t, f)
	f.store.Close()

	_, err := svc.LoginGitHub(context.Background(), &auth.GitHubUser{ID: 1, Login: "user"})
	if !errors.Is(err, apperror.ErrFailedPrecondition) {
		t.Fatalf("LoginGitHub() error = %v, want ErrFailedPrecondition", err)
	}
}

// =========================================================================
// ValidateToken TESTS
// =========================================================================

func TestValidateToken_InvalidToken(t *testing.T) {
	f := newFixture(t)
	svc := newTestAuthService(t, f)

	if _, err := svc.ValidateToken("this.is.garbage"); err == nil {
		t.Fatal("ValidateToken() should return error for garbage token")
	}
}

package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/sakif/clipsync/internal/apperror"
	"github.com/sakif/clipsync/internal/auth"
	"github.com/sakif/clipsync/internal/model"
)

// AuthService turns an identity-provider login into a session.
//
//	AuthHandler (HTTP) → AuthService → ProfileService (user record)
//	                                 ↘ TokenService (JWT)
//
// Credentials are never handled here: GitHub authenticates the person, we
// only map the GitHub account to a uid and mint a session token for it.
type AuthService struct {
	profiles *ProfileService
	tokens   *auth.TokenService
	logger   *slog.Logger
}

func NewAuthService(profiles *ProfileService, tokens *auth.TokenService, logger *slog.Logger) *AuthService {
	return &AuthService{
		profiles: profiles,
		tokens:   tokens,
		logger:   logger,
	}
}

// AuthResult bundles the user record and the issued JWT so the handler can
// set the cookie and respond in one step.
type AuthResult struct {
	User  *model.User
	Token string
}

// GitHubUID is the uid of a GitHub account. GitHub ids are stable, so a
// renamed GitHub account keeps its uid and its follow graph.
func GitHubUID(githubID int64) string {
	return "gh-" + strconv.FormatInt(githubID, 10)
}

// LoginGitHub completes the OAuth callback: ensure the user record exists,
// then issue a token for it.
//
// WHAT THIS METHOD DOES NOT DO:
//   - It does NOT set cookies (that's the handler's job, an HTTP concern)
//   - It does NOT talk to GitHub (the handler already exchanged the code)
func (s *AuthService) LoginGitHub(ctx context.Context, ghUser *auth.GitHubUser) (*AuthResult, error) {
	if ghUser == nil || ghUser.ID <= 0 {
		return nil, apperror.ValidationFailed("githubUser", "GitHub user must not be empty")
	}

	user, err := s.profiles.EnsureUser(ctx, model.Identity{
		UID:         GitHubUID(ghUser.ID),
		Login:       ghUser.Login,
		DisplayName: ghUser.Name,
		AvatarURL:   ghUser.AvatarURL,
	})
	if err != nil {
		return nil, fmt.Errorf("service/auth: ensuring user (githubID=%d): %w", ghUser.ID, err)
	}

	s.logger.Info("user authenticated via GitHub",
		slog.String("uid", user.UID),
		slog.String("login", ghUser.Login),
	)

	token, err := s.tokens.Generate(user.UID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: generating token for user %s: %w", user.UID, err)
	}

	return &AuthResult{User: user, Token: token}, nil
}

// ValidateToken returns the uid a session token was issued for.
func (s *AuthService) ValidateToken(tokenStr string) (string, error) {
	uid, err := s.tokens.Validate(tokenStr)
	if err != nil {
		return "", fmt.Errorf("service/auth: %w", err)
	}
	return uid, nil
}

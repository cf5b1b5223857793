package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// fakeGitHub serves the token endpoint and the /user endpoint.
func fakeGitHub(t *testing.T, userStatus int, userBody string) *GitHubProvider {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if r.ParseForm() != nil || r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"bad_verification_code"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"gho_test","token_type":"bearer"}`))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gho_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(userStatus)
		w.Write([]byte(userBody))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p := NewGitHubProvider("client-id", "client-secret", "http://localhost/auth/github/callback")
	p.config.Endpoint = oauth2.Endpoint{
		AuthURL:   srv.URL + "/login/oauth/authorize",
		TokenURL:  srv.URL + "/login/oauth/access_token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	p.userURL = srv.URL + "/user"
	return p
}

// =========================================================================
// AUTH URL
// =========================================================================

func TestGitHubProvider_AuthURL(t *testing.T) {
	p := NewGitHubProvider("client-id", "client-secret", "http://localhost/auth/github/callback")

	u, err := url.Parse(p.AuthURL("state-123"))
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "github.com", u.Host)
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "read:user", q.Get("scope"))
	assert.Equal(t, "http://localhost/auth/github/callback", q.Get("redirect_uri"))
}

// =========================================================================
// EXCHANGE
// =========================================================================

func TestGitHubProvider_Exchange(t *testing.T) {
	p := fakeGitHub(t, http.StatusOK,
		`{"id":42,"login":"octocat","name":"The Octocat","avatar_url":"https://avatars.example/42"}`)

	user, err := p.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, int64(42), user.ID)
	assert.Equal(t, "octocat", user.Login)
	assert.Equal(t, "The Octocat", user.Name)
	assert.Equal(t, "https://avatars.example/42", user.AvatarURL)
}

func TestGitHubProvider_ExchangeFailures(t *testing.T) {
	tests := []struct {
		name       string
		code       string
		userStatus int
		userBody   string
	}{
		{"bad code", "bad-code", http.StatusOK, `{"id":42}`},
		{"user api error", "good-code", http.StatusInternalServerError, `{}`},
		{"malformed body", "good-code", http.StatusOK, `{"id":`},
		{"missing id", "good-code", http.StatusOK, `{"login":"ghost"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := fakeGitHub(t, tt.userStatus, tt.userBody)

			_, err := p.Exchange(context.Background(), tt.code)
			assert.Error(t, err)
		})
	}
}

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(lookupFrom(map[string]string{"JWT_SECRET": "0123456789abcdef"}))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "data/clipsync.db", cfg.DBPath)
	assert.Equal(t, 12*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.False(t, cfg.SecureCookies)
	assert.Equal(t, "http://localhost:8080/auth/github/callback", cfg.GitHub.CallbackURL)
	assert.False(t, cfg.GitHub.Enabled())
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(lookupFrom(map[string]string{
		"PORT":                 "9000",
		"DB_PATH":              "/var/lib/clipsync/prod.db",
		"JWT_SECRET":           "0123456789abcdef",
		"TOKEN_TTL":            "30m",
		"GITHUB_CLIENT_ID":     "id",
		"GITHUB_CLIENT_SECRET": "secret",
		"STORE_TIMEOUT":        "750ms",
		"REQUEST_TIMEOUT":      "1m",
		"LOG_LEVEL":            "debug",
		"COOKIE_SECURE":        "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/var/lib/clipsync/prod.db", cfg.DBPath)
	assert.Equal(t, 30*time.Minute, cfg.TokenTTL)
	assert.Equal(t, 750*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, time.Minute, cfg.RequestTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.True(t, cfg.SecureCookies)
	assert.True(t, cfg.GitHub.Enabled())
	assert.Equal(t, "http://localhost:9000/auth/github/callback", cfg.GitHub.CallbackURL)
}

func TestFromEnv_ReportsEveryBadValue(t *testing.T) {
	_, err := FromEnv(lookupFrom(map[string]string{
		"PORT":          "eighty",
		"STORE_TIMEOUT": "-1s",
		"LOG_LEVEL":     "loud",
	}))
	require.Error(t, err)

	for _, key := range []string{"PORT", "STORE_TIMEOUT", "LOG_LEVEL", "JWT_SECRET"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	// Clear the keys for this test; t.Setenv restores them afterwards.
	for _, key := range []string{"PORT", "JWT_SECRET", "DB_PATH"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	t.Setenv("DB_PATH", "from-real-env.db")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=7070\nJWT_SECRET=dotenv-secret-123456\nDB_PATH=from-file.db\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "dotenv-secret-123456", cfg.JWTSecret)
	assert.Equal(t, "from-real-env.db", cfg.DBPath, "real environment wins over .env")
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef")

	_, err := Load(filepath.Join(t.TempDir(), "nope.env"))
	assert.NoError(t, err)
}

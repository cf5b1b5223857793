// Package config reads the server settings from the environment.
//
// A .env file in the working directory is loaded first when present.
// Variables already set in the real environment always win over the file,
// so production deployments never depend on it.
//
//	PORT                  listen port                  (8080)
//	DB_PATH               SQLite file                  (data/clipsync.db)
//	JWT_SECRET            HS256 signing key, required, at least 16 bytes
//	TOKEN_TTL             session lifetime             (12h)
//	GITHUB_CLIENT_ID      OAuth app id; login routes are off without it
//	GITHUB_CLIENT_SECRET  OAuth app secret
//	GITHUB_CALLBACK_URL   (http://localhost:<PORT>/auth/github/callback)
//	STORE_TIMEOUT         bound on each store call     (5s)
//	REQUEST_TIMEOUT       bound on each API request    (15s)
//	LOG_LEVEL             debug|info|warn|error        (info)
//	COOKIE_SECURE         mark cookies Secure          (false)
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting the server reads at startup.
type Config struct {
	Port           int
	DBPath         string
	JWTSecret      string
	TokenTTL       time.Duration
	GitHub         GitHubConfig
	StoreTimeout   time.Duration
	RequestTimeout time.Duration
	LogLevel       slog.Level
	SecureCookies  bool
}

type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
}

// Enabled reports whether GitHub login can be offered.
func (g GitHubConfig) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret != ""
}

// Load reads envFiles (default ".env") into the process environment, then
// parses it. Missing files are not an error.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: loading %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv parses settings through lookup, which has the shape of
// os.LookupEnv. Every malformed value is reported, not just the first.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	p := parser{lookup: lookup}

	cfg := Config{
		Port:           p.int("PORT", 8080),
		DBPath:         p.string("DB_PATH", "data/clipsync.db"),
		JWTSecret:      p.string("JWT_SECRET", ""),
		TokenTTL:       p.duration("TOKEN_TTL", 12*time.Hour),
		StoreTimeout:   p.duration("STORE_TIMEOUT", 5*time.Second),
		RequestTimeout: p.duration("REQUEST_TIMEOUT", 15*time.Second),
		LogLevel:       p.level("LOG_LEVEL", slog.LevelInfo),
		SecureCookies:  p.bool("COOKIE_SECURE", false),
	}
	cfg.GitHub = GitHubConfig{
		ClientID:     p.string("GITHUB_CLIENT_ID", ""),
		ClientSecret: p.string("GITHUB_CLIENT_SECRET", ""),
		CallbackURL:  p.string("GITHUB_CALLBACK_URL", fmt.Sprintf("http://localhost:%d/auth/github/callback", cfg.Port)),
	}

	if cfg.JWTSecret == "" {
		p.fail("JWT_SECRET", "is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		p.fail("PORT", "must be between 1 and 65535")
	}

	if len(p.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(p.errs...))
	}
	return cfg, nil
}

// parser collects errors so one run reports every bad variable.
type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) fail(key, msg string) {
	p.errs = append(p.errs, fmt.Errorf("%s %s", key, msg))
}

func (p *parser) raw(key string) (string, bool) {
	v, ok := p.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) string(key, def string) string {
	if v, ok := p.raw(key); ok {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, fmt.Sprintf("must be an integer, got %q", v))
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.fail(key, fmt.Sprintf("must be a positive duration like 5s, got %q", v))
		return def
	}
	return d
}

func (p *parser) bool(key string, def bool) bool {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, fmt.Sprintf("must be true or false, got %q", v))
		return def
	}
	return b
}

func (p *parser) level(key string, def slog.Level) slog.Level {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		p.fail(key, fmt.Sprintf("must be debug, info, warn or error, got %q", v))
		return def
	}
	return lvl
}

// Package config assembles runtime settings from an optional .env file,
// environment variables, and command-line flags, flags winning.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/and161185/chatview/internal/errs"
)

// Defaults used when neither flag nor environment supplies a value.
const (
	DefaultAuthority    = "https://login.microsoftonline.com"
	DefaultTenant       = "common"
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	DefaultPageSize     = 50
	DefaultPresenceTTL  = 30 * time.Second
	DefaultPhotoTTL     = 10 * time.Minute
	DefaultCacheEntries = 256
)

// Config holds everything the application needs to run.
type Config struct {
	ClientID     string
	Tenant       string
	Authority    string
	GraphBaseURL string
	Scopes       []string
	PageSize     int
	PresenceTTL  time.Duration
	PhotoTTL     time.Duration
	CacheEntries int
	LogFile      string
}

// defaultScopes cover reading chats, sending messages, and the presence,
// photo, and profile lookups.
func defaultScopes() []string {
	return []string{"Chat.Read", "Chat.ReadWrite", "Presence.Read.All", "User.Read", "User.ReadBasic.All"}
}

// Load parses args (without the program name). A .env file in the working
// directory is read first when present; real environment variables override
// it, and flags override both. A missing client id is a hard failure; missing
// non-critical settings degrade to a warning on logger plus the default.
func Load(args []string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Best effort: absence of .env is not an error.
	_ = godotenv.Load(".env")

	cfg := &Config{
		ClientID:     os.Getenv("CHATVIEW_CLIENT_ID"),
		Tenant:       envOr("CHATVIEW_TENANT", DefaultTenant),
		Authority:    envOr("CHATVIEW_AUTHORITY", DefaultAuthority),
		GraphBaseURL: envOr("CHATVIEW_GRAPH_URL", DefaultGraphBaseURL),
		Scopes:       defaultScopes(),
		PageSize:     envOrInt("CHATVIEW_PAGE_SIZE", DefaultPageSize),
		PresenceTTL:  DefaultPresenceTTL,
		PhotoTTL:     DefaultPhotoTTL,
		CacheEntries: DefaultCacheEntries,
		LogFile:      envOr("CHATVIEW_LOG_FILE", "chatview.log"),
	}

	fs := flag.NewFlagSet("chatview", flag.ContinueOnError)
	fs.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "application (client) id")
	fs.StringVar(&cfg.Tenant, "tenant", cfg.Tenant, "directory tenant")
	fs.StringVar(&cfg.Authority, "authority", cfg.Authority, "token authority base URL")
	fs.StringVar(&cfg.GraphBaseURL, "graph-url", cfg.GraphBaseURL, "graph API base URL")
	fs.IntVar(&cfg.PageSize, "page-size", cfg.PageSize, "messages per page")
	fs.DurationVar(&cfg.PresenceTTL, "presence-ttl", cfg.PresenceTTL, "presence cache TTL")
	fs.DurationVar(&cfg.PhotoTTL, "photo-ttl", cfg.PhotoTTL, "profile photo cache TTL")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "log output path")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if !set["authority"] && os.Getenv("CHATVIEW_AUTHORITY") == "" {
		logger.Warn("authority not configured, using default",
			zap.String("default", DefaultAuthority))
	}
	if !set["graph-url"] && os.Getenv("CHATVIEW_GRAPH_URL") == "" {
		logger.Warn("graph base URL not configured, using default",
			zap.String("default", DefaultGraphBaseURL))
	}

	if cfg.ClientID == "" {
		return nil, fmt.Errorf("missing client id (set -client-id or CHATVIEW_CLIENT_ID): %w", errs.ErrValidation)
	}
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d: %w", cfg.PageSize, errs.ErrValidation)
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Package config reads service settings from the environment once at start-up.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/imrishuroy/casefab/internal/chitu"
	"github.com/imrishuroy/casefab/internal/sessions"
)

// Config holds every setting the binaries read.
type Config struct {
	Env      string
	RunLocal bool
	Addr     string

	Chitu chitu.Config

	DatabaseURL string

	SessionsTable    string
	IdempotencyTable string
	PrintQueueURL    string
	DesignBucket     string
	DesignPublicURL  string
	PresignExpiry    time.Duration

	AdminToken        string
	CleanupToken      string
	AllowedMachineIDs []string

	SessionTTL       sessions.TTLConfig
	IdempotencyTTL   time.Duration
	PrintMaxAttempts int

	MetricsNamespace string
	MetricsEnabled   bool

	values map[string]string
}

// Load reads .env outside production, then the environment.
func Load() (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		_ = godotenv.Load()
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary variable source.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	r := reader{lookup: lookup, seen: map[string]string{}}

	cfg := &Config{
		Env:      r.str("APP_ENV", "development"),
		RunLocal: r.boolean("RUN_LOCAL", false),
		Addr:     r.str("ADDR", ":8080"),
		Chitu: chitu.Config{
			BaseURL:           r.str("CHITU_BASE_URL", "https://www.gzchitu.cn"),
			AppID:             r.str("CHITU_APP_ID", ""),
			AppSecret:         r.str("CHITU_APP_SECRET", ""),
			SignatureFallback: r.boolean("CHITU_SIGN_FALLBACK", true),
			Timeout:           r.duration("CHITU_TIMEOUT", 15*time.Second),
		},
		DatabaseURL:       r.str("DATABASE_URL", ""),
		SessionsTable:     r.str("SESSIONS_TABLE", ""),
		IdempotencyTable:  r.str("IDEMPOTENCY_TABLE", ""),
		PrintQueueURL:     r.str("PRINT_QUEUE_URL", ""),
		DesignBucket:      r.str("DESIGN_BUCKET", ""),
		DesignPublicURL:   r.str("DESIGN_PUBLIC_URL", ""),
		PresignExpiry:     r.duration("PRESIGN_EXPIRY", 15*time.Minute),
		AdminToken:        r.str("ADMIN_TOKEN", ""),
		CleanupToken:      r.str("CLEANUP_TOKEN", ""),
		AllowedMachineIDs: splitList(r.str("ALLOWED_MACHINE_IDS", "")),
		SessionTTL: sessions.TTLConfig{
			Created:   r.duration("SESSION_TTL_CREATED", sessions.DefaultTTLs().Created),
			Submitted: r.duration("SESSION_TTL_SUBMITTED", sessions.DefaultTTLs().Submitted),
			Completed: r.duration("SESSION_TTL_COMPLETED", sessions.DefaultTTLs().Completed),
		},
		IdempotencyTTL:   r.duration("IDEMPOTENCY_TTL", 48*time.Hour),
		PrintMaxAttempts: r.integer("PRINT_MAX_ATTEMPTS", 3),
		MetricsNamespace: r.str("METRICS_NAMESPACE", "Casefab"),
		MetricsEnabled:   r.boolean("METRICS_ENABLED", true),
	}

	suffix, err := chitu.ParseSignSuffix(r.str("CHITU_SIGN_SUFFIX", string(chitu.SuffixAccessToken)))
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("CHITU_SIGN_SUFFIX: %v", err))
	}
	cfg.Chitu.Suffix = suffix

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = buildDSN(r)
	}
	cfg.values = r.seen
	cfg.values["DATABASE_URL"] = cfg.DatabaseURL

	if len(r.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(r.errs, "; "))
	}
	if err := cfg.SessionTTL.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.PrintMaxAttempts < 1 {
		return nil, fmt.Errorf("invalid configuration: PRINT_MAX_ATTEMPTS must be at least 1")
	}
	return cfg, nil
}

// Require reports the named variables that are unset.
func (c *Config) Require(names ...string) error {
	var missing []string
	for _, n := range names {
		if strings.TrimSpace(c.values[n]) == "" {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Production reports whether APP_ENV is production.
func (c *Config) Production() bool { return c.Env == "production" }

// buildDSN assembles a Postgres URL from DB_* parts; empty when DB_HOST is unset.
func buildDSN(r reader) string {
	host := r.str("DB_HOST", "")
	if host == "" {
		return ""
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(r.str("DB_USER", "postgres"), r.str("DB_PASSWORD", "")),
		Host:     net.JoinHostPort(host, r.str("DB_PORT", "5432")),
		Path:     "/" + r.str("DB_NAME", "casefab"),
		RawQuery: "sslmode=" + r.str("DB_SSLMODE", "require"),
	}
	return u.String()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type reader struct {
	lookup func(string) (string, bool)
	seen   map[string]string
	errs   []string
}

func (r *reader) raw(name string) (string, bool) {
	v, ok := r.lookup(name)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", false
	}
	r.seen[name] = v
	return v, true
}

func (r *reader) str(name, def string) string {
	if v, ok := r.raw(name); ok {
		return v
	}
	if def != "" {
		r.seen[name] = def
	}
	return def
}

func (r *reader) boolean(name string, def bool) bool {
	v, ok := r.raw(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %q is not a boolean", name, v))
		return def
	}
	return b
}

func (r *reader) integer(name string, def int) int {
	v, ok := r.raw(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %q is not an integer", name, v))
		return def
	}
	return n
}

// duration accepts Go duration strings or a bare number of seconds.
func (r *reader) duration(name string, def time.Duration) time.Duration {
	v, ok := r.raw(name)
	if !ok {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %q is not a duration", name, v))
		return def
	}
	return d
}

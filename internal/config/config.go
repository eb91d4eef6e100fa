// Package config loads and validates service configuration via Viper.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/medialens/arena-collector/internal/arena"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server            ServerConfig       `mapstructure:"server"`
	Auth              AuthConfig         `mapstructure:"auth"`
	Security          SecurityConfig     `mapstructure:"security"`
	Workers           WorkersConfig      `mapstructure:"workers"`
	Pool              PoolConfig         `mapstructure:"pool"`
	RateLimit         RateLimitConfig    `mapstructure:"rate_limit"`
	Pipeline          PipelineConfig     `mapstructure:"pipeline"`
	DB                DBConfig           `mapstructure:"db"`
	PubSub            PubSubConfig       `mapstructure:"pubsub"`
	Archive           ArchiveConfig      `mapstructure:"archive"`
	Logging           LoggingConfig      `mapstructure:"logging"`
	Webfetch          WebfetchConfig     `mapstructure:"webfetch"`
	Fixture           FixtureConfig      `mapstructure:"fixture"`
	StaticCredentials []StaticCredential `mapstructure:"static_credentials"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SecurityConfig carries the process-wide secrets. Both fields are required
// for any collection activity; Validate refuses to start without them.
type SecurityConfig struct {
	// EncryptionKey is the base64-encoded 32-byte AES key sealing stored
	// credential payloads.
	EncryptionKey string `mapstructure:"encryption_key"`
	// PseudonymSalt keys author pseudonymization. Empty is fatal, never a
	// silent null pseudonym.
	PseudonymSalt string `mapstructure:"pseudonym_salt"`
}

// WorkersConfig governs the orchestrator pool.
type WorkersConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// PoolConfig tunes credential leasing and cooldowns.
type PoolConfig struct {
	LeaseTTLSeconds     int `mapstructure:"lease_ttl_seconds"`
	CooldownThreshold   int `mapstructure:"cooldown_threshold"`
	CooldownBaseSeconds int `mapstructure:"cooldown_base_seconds"`
	CooldownMaxSeconds  int `mapstructure:"cooldown_max_seconds"`
}

// RatePolicy is one sliding-window budget.
type RatePolicy struct {
	Limit         int `mapstructure:"limit"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// RateLimitConfig holds the default policy, per-platform overrides, and the
// bounded-wait ceiling.
type RateLimitConfig struct {
	Default        RatePolicy            `mapstructure:"default"`
	PerPlatform    map[string]RatePolicy `mapstructure:"per_platform"`
	MaxWaitSeconds int                   `mapstructure:"max_wait_seconds"`
}

// PipelineConfig tunes normalization and dedup.
type PipelineConfig struct {
	ShingleSize      int `mapstructure:"shingle_size"`
	NearDupThreshold int `mapstructure:"near_dup_threshold"`
	EngagementCap    int `mapstructure:"engagement_cap"`
	// PublicFigures maps "platform|author_id" to the documented bypass
	// reason. Entries without a reason are rejected.
	PublicFigures map[string]string `mapstructure:"public_figures"`
}

// DBConfig controls access to Postgres. Empty DSN selects the in-memory
// stores.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// PubSubConfig holds the downstream hand-off metadata. Empty project selects
// the in-memory publisher.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	RecordsTopic string `mapstructure:"records_topic"`
	EventsTopic  string `mapstructure:"events_topic"`
}

// ArchiveConfig selects where raw payload passthrough blobs land.
type ArchiveConfig struct {
	// GCSBucket enables the GCS archive; LocalDir enables the filesystem
	// archive; neither enables the in-memory archive.
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// WebfetchConfig configures the open-web reference collector.
type WebfetchConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	Sources           []string `mapstructure:"sources"`
	UserAgent         string   `mapstructure:"user_agent"`
	TimeoutSeconds    int      `mapstructure:"timeout_seconds"`
	PerHostRPS        float64  `mapstructure:"per_host_rps"`
	Burst             int      `mapstructure:"burst"`
	MaxItemsPerSource int      `mapstructure:"max_items_per_source"`
}

// FixtureConfig configures the synthetic dev collector.
type FixtureConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	ItemsPerGroup int  `mapstructure:"items_per_group"`
}

// StaticCredential is a config-borne fallback credential, tried only after
// every stored candidate.
type StaticCredential struct {
	Platform string            `mapstructure:"platform"`
	Tier     string            `mapstructure:"tier"`
	Label    string            `mapstructure:"label"`
	Secrets  map[string]string `mapstructure:"secrets"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("workers.concurrency", 4)
	v.SetDefault("workers.queue_depth", 64)
	v.SetDefault("pool.lease_ttl_seconds", 3600)
	v.SetDefault("pool.cooldown_threshold", 5)
	v.SetDefault("pool.cooldown_base_seconds", 60)
	v.SetDefault("pool.cooldown_max_seconds", 3600)
	v.SetDefault("rate_limit.default.limit", 5)
	v.SetDefault("rate_limit.default.window_seconds", 1)
	v.SetDefault("rate_limit.max_wait_seconds", 30)
	v.SetDefault("pipeline.shingle_size", 3)
	v.SetDefault("pipeline.near_dup_threshold", 3)
	v.SetDefault("pipeline.engagement_cap", 1000000)
	v.SetDefault("pubsub.records_topic", "collected-records")
	v.SetDefault("pubsub.events_topic", "collection-events")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("logging.development", true)
	v.SetDefault("webfetch.user_agent", "arena-collector/1.0")
	v.SetDefault("webfetch.timeout_seconds", 15)
	v.SetDefault("webfetch.per_host_rps", 1)
	v.SetDefault("webfetch.burst", 1)
	v.SetDefault("fixture.enabled", true)
	v.SetDefault("fixture.items_per_group", 3)
}

// Validate enforces required values. Missing or structurally invalid secrets
// are a configuration error class so startup refuses collection outright
// instead of degrading to a warning.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("workers.concurrency must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}

	if strings.TrimSpace(c.Security.PseudonymSalt) == "" {
		return arena.Configf("security.pseudonym_salt is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.Security.EncryptionKey)
	if err != nil {
		return arena.Configf("security.encryption_key is not valid base64")
	}
	if len(key) != 32 {
		return arena.Configf("security.encryption_key must decode to 32 bytes, got %d", len(key))
	}

	if c.RateLimit.Default.Limit <= 0 || c.RateLimit.Default.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.default must have limit and window_seconds > 0")
	}
	for platform, p := range c.RateLimit.PerPlatform {
		if p.Limit <= 0 || p.WindowSeconds <= 0 {
			return fmt.Errorf("rate_limit.per_platform.%s must have limit and window_seconds > 0", platform)
		}
	}
	for key, reason := range c.Pipeline.PublicFigures {
		if strings.TrimSpace(reason) == "" {
			return arena.Configf("pipeline.public_figures[%s] has no bypass reason", key)
		}
	}
	for i, sc := range c.StaticCredentials {
		if sc.Platform == "" || sc.Tier == "" || len(sc.Secrets) == 0 {
			return fmt.Errorf("static_credentials[%d] needs platform, tier, and secrets", i)
		}
	}
	if c.Webfetch.Enabled && len(c.Webfetch.Sources) == 0 {
		return fmt.Errorf("webfetch.sources must be set when webfetch is enabled")
	}
	return nil
}

// EncryptionKey returns the decoded AES key. Call after Validate.
func (c Config) EncryptionKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.Security.EncryptionKey)
	if err != nil {
		return nil, arena.Configf("decode encryption key: %v", err)
	}
	return key, nil
}

// ServerTimeout returns the HTTP handler timeout.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

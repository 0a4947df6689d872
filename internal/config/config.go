// Package config defines all configuration for the ingestion fabric.
// Every setting is sourced from environment variables and has a default, so
// the process can start with zero configuration present.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration, populated entirely from env vars.
type Config struct {
	Port string `mapstructure:"port"`
	Host string `mapstructure:"host"`

	SnapshotMinIntervalMs int64  `mapstructure:"snapshot_min_interval_ms"`
	DepthQueueMax         int    `mapstructure:"depth_queue_max"`
	DepthLagMaxMs         int64  `mapstructure:"depth_lag_max_ms"`
	LiveSnapshotFreshMs   int64  `mapstructure:"live_snapshot_fresh_ms"`
	LiveDesyncRate10sMax  int    `mapstructure:"live_desync_rate_10s_max"`
	DepthLevels           int    `mapstructure:"depth_levels"`
	DepthStreamMode       string `mapstructure:"depth_stream_mode"` // "diff" | "partial"
	WSUpdateSpeed         string `mapstructure:"ws_update_speed"`   // "100ms" | "250ms"

	ClientHeartbeatIntervalMs int64 `mapstructure:"client_heartbeat_interval_ms"`
	ClientStaleConnectionMs   int64 `mapstructure:"client_stale_connection_ms"`

	SymbolConcurrency   int      `mapstructure:"symbol_concurrency"` // ceiling on the autoscaler's active-symbol budget
	AllowedOrigins      []string `mapstructure:"allowed_origins"`
	PinnedSymbols       []string `mapstructure:"pinned_symbols"` // forced set; never trimmed by the autoscaler
	SubscriberAuthKey   string   `mapstructure:"subscriber_auth_key"`
	BroadcastThrottleMs int64    `mapstructure:"broadcast_throttle_ms"`

	ExchangeInfoRefreshMs int64 `mapstructure:"exchange_info_refresh_ms"`

	SnapshotMinBackoffMs    int64   `mapstructure:"snapshot_min_backoff_ms"`
	SnapshotMaxBackoffMs    int64   `mapstructure:"snapshot_max_backoff_ms"`
	SnapshotDepthLimit      int     `mapstructure:"snapshot_depth_limit"`
	SnapshotFetchDeadlineMs int64   `mapstructure:"snapshot_fetch_deadline_ms"`
	SnapshotGlobalRPS       float64 `mapstructure:"snapshot_global_rps"`
	SnapshotGlobalBurst     int     `mapstructure:"snapshot_global_burst"`

	IntegrityStaleWarnMs         float64 `mapstructure:"integrity_stale_warn_ms"`
	IntegrityStaleCriticalMs     float64 `mapstructure:"integrity_stale_critical_ms"`
	IntegrityMaxGaps             int     `mapstructure:"integrity_max_gaps"`
	IntegrityReconnectCooldownMs int64   `mapstructure:"integrity_reconnect_cooldown_ms"`

	ResyncIntervalMs int64 `mapstructure:"resync_interval_ms"`

	AutoscaleDownPct  float64 `mapstructure:"autoscale_down_pct"`
	AutoscaleUpPct    float64 `mapstructure:"autoscale_up_pct"`
	AutoscaleUpHoldMs int64   `mapstructure:"autoscale_up_hold_ms"`
	AutoscaleInitial  int     `mapstructure:"autoscale_initial_budget"`

	Logging LoggingConfig `mapstructure:"logging"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Venue   VenueConfig   `mapstructure:"venue"`
}

// LoggingConfig controls the slog handler set up at startup.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" | "text"
}

// ArchiveConfig controls the optional best-effort archive sink.
type ArchiveConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	DataDir    string `mapstructure:"data_dir"`
	QueueDepth int    `mapstructure:"queue_depth"`
}

// VenueConfig points at the upstream REST and WS endpoints.
type VenueConfig struct {
	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSBaseURL   string `mapstructure:"ws_base_url"`
}

// Load reads configuration entirely from environment variables; there is no
// config file. Every field has a default applied before env vars are read,
// so an empty environment still yields a runnable Config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("snapshot_min_interval_ms", 1000)
	v.SetDefault("depth_queue_max", 2000)
	v.SetDefault("depth_lag_max_ms", 5000)
	v.SetDefault("live_snapshot_fresh_ms", 60000)
	v.SetDefault("live_desync_rate_10s_max", 5)
	v.SetDefault("depth_levels", 20)
	v.SetDefault("depth_stream_mode", "diff")
	v.SetDefault("ws_update_speed", "100ms")
	v.SetDefault("client_heartbeat_interval_ms", 15000)
	v.SetDefault("client_stale_connection_ms", 32000)
	v.SetDefault("symbol_concurrency", 10)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("pinned_symbols", []string{})
	v.SetDefault("subscriber_auth_key", "")
	v.SetDefault("broadcast_throttle_ms", 250)
	v.SetDefault("exchange_info_refresh_ms", 3600000)
	v.SetDefault("snapshot_min_backoff_ms", 1000)
	v.SetDefault("snapshot_max_backoff_ms", 30000)
	v.SetDefault("snapshot_depth_limit", 1000)
	v.SetDefault("snapshot_fetch_deadline_ms", 10000)
	v.SetDefault("snapshot_global_rps", 0)
	v.SetDefault("snapshot_global_burst", 1)
	v.SetDefault("integrity_stale_warn_ms", 3000)
	v.SetDefault("integrity_stale_critical_ms", 8000)
	v.SetDefault("integrity_max_gaps", 3)
	v.SetDefault("integrity_reconnect_cooldown_ms", 15000)
	v.SetDefault("resync_interval_ms", 2000)
	v.SetDefault("autoscale_down_pct", 70)
	v.SetDefault("autoscale_up_pct", 95)
	v.SetDefault("autoscale_up_hold_ms", 30000)
	v.SetDefault("autoscale_initial_budget", 5)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.data_dir", "./data/archive")
	v.SetDefault("archive.queue_depth", 1024)
	v.SetDefault("venue.rest_base_url", "https://fapi.binance.com")
	v.SetDefault("venue.ws_base_url", "wss://fstream.binance.com")

	mustBindEnv(v,
		"port", "PORT",
		"host", "HOST",
		"snapshot_min_interval_ms", "SNAPSHOT_MIN_INTERVAL_MS",
		"depth_queue_max", "DEPTH_QUEUE_MAX",
		"depth_lag_max_ms", "DEPTH_LAG_MAX_MS",
		"live_snapshot_fresh_ms", "LIVE_SNAPSHOT_FRESH_MS",
		"live_desync_rate_10s_max", "LIVE_DESYNC_RATE_10S_MAX",
		"depth_levels", "DEPTH_LEVELS",
		"depth_stream_mode", "DEPTH_STREAM_MODE",
		"ws_update_speed", "WS_UPDATE_SPEED",
		"client_heartbeat_interval_ms", "CLIENT_HEARTBEAT_INTERVAL_MS",
		"client_stale_connection_ms", "CLIENT_STALE_CONNECTION_MS",
		"symbol_concurrency", "SYMBOL_CONCURRENCY",
		"allowed_origins", "ALLOWED_ORIGINS",
		"pinned_symbols", "PINNED_SYMBOLS",
		"subscriber_auth_key", "SUBSCRIBER_AUTH_KEY",
		"broadcast_throttle_ms", "BROADCAST_THROTTLE_MS",
		"exchange_info_refresh_ms", "EXCHANGE_INFO_REFRESH_MS",
		"snapshot_min_backoff_ms", "SNAPSHOT_MIN_BACKOFF_MS",
		"snapshot_max_backoff_ms", "SNAPSHOT_MAX_BACKOFF_MS",
		"snapshot_depth_limit", "SNAPSHOT_DEPTH_LIMIT",
		"snapshot_fetch_deadline_ms", "SNAPSHOT_FETCH_DEADLINE_MS",
		"snapshot_global_rps", "SNAPSHOT_GLOBAL_RPS",
		"snapshot_global_burst", "SNAPSHOT_GLOBAL_BURST",
		"integrity_stale_warn_ms", "INTEGRITY_STALE_WARN_MS",
		"integrity_stale_critical_ms", "INTEGRITY_STALE_CRITICAL_MS",
		"integrity_max_gaps", "INTEGRITY_MAX_GAPS",
		"integrity_reconnect_cooldown_ms", "INTEGRITY_RECONNECT_COOLDOWN_MS",
		"resync_interval_ms", "RESYNC_INTERVAL_MS",
		"autoscale_down_pct", "AUTOSCALE_DOWN_PCT",
		"autoscale_up_pct", "AUTOSCALE_UP_PCT",
		"autoscale_up_hold_ms", "AUTOSCALE_UP_HOLD_MS",
		"autoscale_initial_budget", "AUTOSCALE_INITIAL_BUDGET",
	)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("allowed_origins"); origins != "" && len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	}
	if pinned := v.GetString("pinned_symbols"); pinned != "" && len(cfg.PinnedSymbols) == 0 {
		cfg.PinnedSymbols = strings.Split(pinned, ",")
	}

	return &cfg, nil
}

func mustBindEnv(v *viper.Viper, pairs ...string) {
	for i := 0; i < len(pairs); i += 2 {
		if err := v.BindEnv(pairs[i], pairs[i+1]); err != nil {
			panic(fmt.Sprintf("bind env %s: %v", pairs[i+1], err))
		}
	}
}

// Validate checks all required fields and value ranges. Config errors are
// fatal at startup only; nothing downstream re-validates.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.DepthQueueMax <= 0 {
		return fmt.Errorf("depth_queue_max must be > 0")
	}
	if c.SymbolConcurrency <= 0 {
		return fmt.Errorf("symbol_concurrency must be > 0")
	}
	switch c.DepthStreamMode {
	case "diff", "partial":
	default:
		return fmt.Errorf("depth_stream_mode must be diff or partial, got %q", c.DepthStreamMode)
	}
	switch c.WSUpdateSpeed {
	case "100ms", "250ms":
	default:
		return fmt.Errorf("ws_update_speed must be 100ms or 250ms, got %q", c.WSUpdateSpeed)
	}
	if c.ClientStaleConnectionMs < 2*c.ClientHeartbeatIntervalMs {
		return fmt.Errorf("client_stale_connection_ms must be >= 2x client_heartbeat_interval_ms")
	}
	return nil
}

// SnapshotMinInterval is SnapshotMinIntervalMs as a time.Duration.
func (c *Config) SnapshotMinInterval() time.Duration {
	return time.Duration(c.SnapshotMinIntervalMs) * time.Millisecond
}

// DepthLagMax is DepthLagMaxMs as a time.Duration.
func (c *Config) DepthLagMax() time.Duration {
	return time.Duration(c.DepthLagMaxMs) * time.Millisecond
}

// LiveSnapshotFresh is LiveSnapshotFreshMs as a time.Duration.
func (c *Config) LiveSnapshotFresh() time.Duration {
	return time.Duration(c.LiveSnapshotFreshMs) * time.Millisecond
}

// ClientHeartbeatInterval is ClientHeartbeatIntervalMs as a time.Duration.
func (c *Config) ClientHeartbeatInterval() time.Duration {
	return time.Duration(c.ClientHeartbeatIntervalMs) * time.Millisecond
}

// ClientStaleConnection is ClientStaleConnectionMs as a time.Duration.
func (c *Config) ClientStaleConnection() time.Duration {
	return time.Duration(c.ClientStaleConnectionMs) * time.Millisecond
}

// BroadcastThrottle is BroadcastThrottleMs as a time.Duration.
func (c *Config) BroadcastThrottle() time.Duration {
	return time.Duration(c.BroadcastThrottleMs) * time.Millisecond
}

// ExchangeInfoRefresh is ExchangeInfoRefreshMs as a time.Duration.
func (c *Config) ExchangeInfoRefresh() time.Duration {
	return time.Duration(c.ExchangeInfoRefreshMs) * time.Millisecond
}

// SnapshotMinBackoff is SnapshotMinBackoffMs as a time.Duration.
func (c *Config) SnapshotMinBackoff() time.Duration {
	return time.Duration(c.SnapshotMinBackoffMs) * time.Millisecond
}

// SnapshotMaxBackoff is SnapshotMaxBackoffMs as a time.Duration.
func (c *Config) SnapshotMaxBackoff() time.Duration {
	return time.Duration(c.SnapshotMaxBackoffMs) * time.Millisecond
}

// SnapshotFetchDeadline is SnapshotFetchDeadlineMs as a time.Duration.
func (c *Config) SnapshotFetchDeadline() time.Duration {
	return time.Duration(c.SnapshotFetchDeadlineMs) * time.Millisecond
}

// IntegrityReconnectCooldown is IntegrityReconnectCooldownMs as a time.Duration.
func (c *Config) IntegrityReconnectCooldown() time.Duration {
	return time.Duration(c.IntegrityReconnectCooldownMs) * time.Millisecond
}

// ResyncInterval is ResyncIntervalMs as a time.Duration.
func (c *Config) ResyncInterval() time.Duration {
	return time.Duration(c.ResyncIntervalMs) * time.Millisecond
}

// AutoscaleUpHold is AutoscaleUpHoldMs as a time.Duration.
func (c *Config) AutoscaleUpHold() time.Duration {
	return time.Duration(c.AutoscaleUpHoldMs) * time.Millisecond
}

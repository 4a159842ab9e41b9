package monitor

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jedisct1/dlog"
)

type Config struct {
	LogLevel        int    `toml:"log_level"`
	DevelopmentMode bool   `toml:"development_mode"`
	RedisAddr       string `toml:"redis_addr"`

	CacheSize       int `toml:"cache_size"`
	CacheGraceMs    int `toml:"cache_grace_ms"`
	EgressPerSecond int `toml:"egress_per_second"`

	InfoTTLMs     int `toml:"info_ttl_ms"`
	RulesTTLMs    int `toml:"rules_ttl_ms"`
	PlayersTTLMs  int `toml:"players_ttl_ms"`
	ExtraTTLMs    int `toml:"extra_ttl_ms"`
	MetadataTTLMs int `toml:"metadata_ttl_ms"`

	DecisionLogFile   string `toml:"decision_log_file"`
	DecisionLogFormat string `toml:"decision_log_format"`
	LogMaxSize        int    `toml:"log_files_max_size"`
	LogMaxAge         int    `toml:"log_files_max_age"`
	LogMaxBackups     int    `toml:"log_files_max_backups"`

	SnapshotFile       string `toml:"snapshot_file"`
	SnapshotIntervalMs int    `toml:"snapshot_interval_ms"`

	Breaker    BreakerTOML           `toml:"circuit_breaker"`
	Protection ProtectionTOML        `toml:"protection"`
	Behavior   BehaviorTOML          `toml:"behavior"`
	Limits     map[string]LimitsTOML `toml:"limits"`
}

type BreakerTOML struct {
	FailureThreshold int `toml:"failure_threshold"`
	SuccessThreshold int `toml:"success_threshold"`
	TimeoutMs        int `toml:"timeout_ms"`
}

type ProtectionTOML struct {
	BatchWindowMs        int `toml:"batch_window_ms"`
	BatchLimit           int `toml:"batch_limit"`
	MonitoringCooldownMs int `toml:"monitoring_cooldown_ms"`
	UserCooldownMs       int `toml:"user_cooldown_ms"`
	MaxGuildsPerServer   int `toml:"max_guilds_per_server"`
}

type BehaviorTOML struct {
	MaxRequestsPerMinute int     `toml:"max_requests_per_minute"`
	BurstThreshold       int     `toml:"burst_threshold"`
	SuspicionThreshold   float64 `toml:"suspicion_threshold"`
	SpikeSigma           float64 `toml:"spike_sigma"`
	CoordinatedGuilds    int     `toml:"coordinated_guilds"`
	NewGuildGrace        int     `toml:"new_guild_grace"`
}

type LimitsTOML struct {
	Points     int `toml:"points"`
	WindowMs   int `toml:"window_ms"`
	BlockForMs int `toml:"block_for_ms"`
}

func newConfig() Config {
	return Config{
		LogLevel:          int(dlog.SeverityNotice),
		CacheSize:         DefaultCacheSize,
		CacheGraceMs:      int(DefaultCacheGrace.Milliseconds()),
		EgressPerSecond:   100,
		DecisionLogFormat: "tsv",
		LogMaxSize:        defaultLogMaxSize,
		LogMaxAge:         defaultLogMaxAge,
		LogMaxBackups:     defaultLogMaxBackups,
	}
}

// ConfigLoad reads the TOML configuration file. Missing fields keep their
// built-in defaults.
func ConfigLoad(configFile string) (Config, error) {
	config := newConfig()
	if len(configFile) == 0 {
		return config, nil
	}
	if _, err := toml.DecodeFile(configFile, &config); err != nil {
		return config, err
	}
	return config, nil
}

func msOr(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func intOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func floatOr(value, fallback float64) float64 {
	if value <= 0 {
		return fallback
	}
	return value
}

func (config *Config) breakerConfig() BreakerConfig {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = intOr(config.Breaker.FailureThreshold, cfg.FailureThreshold)
	cfg.SuccessThreshold = intOr(config.Breaker.SuccessThreshold, cfg.SuccessThreshold)
	cfg.Timeout = msOr(config.Breaker.TimeoutMs, cfg.Timeout)
	return cfg
}

func (config *Config) protectionConfig() ProtectionConfig {
	cfg := DefaultProtectionConfig()
	cfg.BatchWindow = msOr(config.Protection.BatchWindowMs, cfg.BatchWindow)
	cfg.BatchLimit = intOr(config.Protection.BatchLimit, cfg.BatchLimit)
	cfg.MonitoringCooldown = msOr(config.Protection.MonitoringCooldownMs, cfg.MonitoringCooldown)
	cfg.UserCooldown = msOr(config.Protection.UserCooldownMs, cfg.UserCooldown)
	cfg.MaxGuildsPerServer = intOr(config.Protection.MaxGuildsPerServer, cfg.MaxGuildsPerServer)
	return cfg
}

func (config *Config) behaviorConfig() BehaviorConfig {
	cfg := DefaultBehaviorConfig()
	cfg.MaxRequestsPerMinute = intOr(config.Behavior.MaxRequestsPerMinute, cfg.MaxRequestsPerMinute)
	cfg.BurstThreshold = intOr(config.Behavior.BurstThreshold, cfg.BurstThreshold)
	cfg.SuspicionThreshold = floatOr(config.Behavior.SuspicionThreshold, cfg.SuspicionThreshold)
	cfg.SpikeSigma = floatOr(config.Behavior.SpikeSigma, cfg.SpikeSigma)
	cfg.CoordinatedGuilds = intOr(config.Behavior.CoordinatedGuilds, cfg.CoordinatedGuilds)
	cfg.NewGuildGrace = intOr(config.Behavior.NewGuildGrace, cfg.NewGuildGrace)
	return cfg
}

func (config *Config) scopeConfigs() map[LimitScope]ScopeConfig {
	configs := defaultScopeConfigs()
	for name, limits := range config.Limits {
		scope := LimitScope(name)
		base, found := configs[scope]
		if !found {
			base = ScopeConfig{}
		}
		base.Points = intOr(limits.Points, base.Points)
		base.Window = msOr(limits.WindowMs, base.Window)
		if limits.BlockForMs > 0 {
			base.BlockFor = time.Duration(limits.BlockForMs) * time.Millisecond
		}
		configs[scope] = base
	}
	return configs
}

func (config *Config) serviceConfig() ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.InfoTTL = msOr(config.InfoTTLMs, cfg.InfoTTL)
	cfg.RulesTTL = msOr(config.RulesTTLMs, cfg.RulesTTL)
	cfg.PlayersTTL = msOr(config.PlayersTTLMs, cfg.PlayersTTL)
	cfg.ExtraTTL = msOr(config.ExtraTTLMs, cfg.ExtraTTL)
	cfg.MetadataTTL = msOr(config.MetadataTTLMs, cfg.MetadataTTL)
	return cfg
}

// Monitor bundles the constructed core: the facade plus the handles needed
// for an orderly shutdown.
type Monitor struct {
	Service    *QueryService
	Cache      *CacheStore
	Protection *ProtectionManager
	Snapshot   *MetadataSnapshot
}

// NewMonitor wires the whole core from a configuration: shared store,
// two-tier cache, rate limiter, behavioral analyzer, protection manager and
// the query-service facade on top.
func NewMonitor(config Config) (*Monitor, error) {
	shared := NewSharedClient(config.RedisAddr)

	cache, err := NewCacheStore(config.CacheSize, msOr(config.CacheGraceMs, DefaultCacheGrace), shared)
	if err != nil {
		return nil, err
	}
	resolver := NewResolver()
	policy := NewAddressPolicy(config.DevelopmentMode)
	transport := NewTransport(resolver, policy, config.EgressPerSecond)
	limiter := NewRateLimiter(shared, config.scopeConfigs())
	analyzer := NewBehaviorAnalyzer(config.behaviorConfig())
	protection := NewProtectionManager(config.protectionConfig(), config.breakerConfig(), limiter, analyzer, resolver)

	var decisions *DecisionLogger
	if len(config.DecisionLogFile) > 0 {
		writer := DecisionLogWriter(config.LogMaxSize, config.LogMaxAge, config.LogMaxBackups, config.DecisionLogFile)
		decisions = NewDecisionLogger(writer, config.DecisionLogFormat)
	}
	snapshot := NewMetadataSnapshot(config.SnapshotFile, msOr(config.SnapshotIntervalMs, 10*time.Minute))

	service := NewQueryService(transport, cache, protection, decisions, snapshot, config.serviceConfig())
	return &Monitor{Service: service, Cache: cache, Protection: protection, Snapshot: snapshot}, nil
}

// Stop shuts the background loops down.
func (monitor *Monitor) Stop() {
	monitor.Cache.Stop()
	monitor.Protection.Stop()
	monitor.Snapshot.Stop()
}

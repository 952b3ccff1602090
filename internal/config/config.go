// Package config provides configuration loading, defaults, and validation.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Conflict resolution policies for UPDATE reconciliation.
const (
	ConflictPolicyLastWriteWins = "last_write_wins"
	ConflictPolicyServerWins    = "server_wins"
	ConflictPolicyAbort         = "abort"
)

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Storage   StorageConfig   `mapstructure:"storage"`
	API       APIConfig       `mapstructure:"api"`
	Lock      LockConfig      `mapstructure:"lock"`
	Backoff   BackoffConfig   `mapstructure:"backoff"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Retention RetentionConfig `mapstructure:"retention"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type LogConfig struct {
	Level       string            `mapstructure:"level"`
	Format      string            `mapstructure:"format"`
	ServiceName string            `mapstructure:"service_name"`
	Environment string            `mapstructure:"env"`
	Caller      bool              `mapstructure:"caller"`
	Output      LogOutputConfig   `mapstructure:"output"`
	Rotation    LogRotationConfig `mapstructure:"rotation"`
}

type LogOutputConfig struct {
	ToStdout bool   `mapstructure:"to_stdout"`
	ToFile   bool   `mapstructure:"to_file"`
	FilePath string `mapstructure:"file_path"`
}

type LogRotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

type StorageConfig struct {
	// Path 本地 SQLite 文件路径；":memory:" 仅用于测试。
	Path string `mapstructure:"path"`
	// BusyTimeoutMS SQLite busy_timeout（毫秒）。
	BusyTimeoutMS int `mapstructure:"busy_timeout_ms"`
}

type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// TimeoutSeconds 单次请求超时（秒）。
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	AppVersion     string `mapstructure:"app_version"`
	DeviceID       string `mapstructure:"device_id"`
	UserAgent      string `mapstructure:"user_agent"`
}

func (c APIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type LockConfig struct {
	// TTLSeconds 处理锁租约时长（秒），超过未心跳即可被接管。
	TTLSeconds int `mapstructure:"ttl_seconds"`
	// HeartbeatSeconds 心跳间隔（秒），默认 ttl/3。
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
	// AcquireRetrySeconds 获取失败后的重试间隔（秒）。
	AcquireRetrySeconds int `mapstructure:"acquire_retry_seconds"`
}

func (c LockConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

func (c LockConfig) Heartbeat() time.Duration {
	if c.HeartbeatSeconds > 0 {
		return time.Duration(c.HeartbeatSeconds) * time.Second
	}
	return c.TTL() / 3
}

func (c LockConfig) AcquireRetry() time.Duration {
	if c.AcquireRetrySeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.AcquireRetrySeconds) * time.Second
}

type BackoffConfig struct {
	BaseMS   int `mapstructure:"base_ms"`
	CapMS    int `mapstructure:"cap_ms"`
	JitterMS int `mapstructure:"jitter_ms"`
	// MaxAttempts 全局默认重试上限；可被 enqueue 选项覆盖。
	MaxAttempts int `mapstructure:"max_attempts"`
	// MaxAttemptsPerEntityType 按实体类型覆盖重试上限。
	MaxAttemptsPerEntityType map[string]int `mapstructure:"max_attempts_per_entity_type"`
}

func (c BackoffConfig) Base() time.Duration {
	if c.BaseMS <= 0 {
		return time.Second
	}
	return time.Duration(c.BaseMS) * time.Millisecond
}

func (c BackoffConfig) Cap() time.Duration {
	if c.CapMS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.CapMS) * time.Millisecond
}

func (c BackoffConfig) Jitter() time.Duration {
	if c.JitterMS < 0 {
		return 0
	}
	if c.JitterMS == 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.JitterMS) * time.Millisecond
}

func (c BackoffConfig) Attempts(entityType string) int {
	if v, ok := c.MaxAttemptsPerEntityType[entityType]; ok && v > 0 {
		return v
	}
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return 10
}

type BreakerConfig struct {
	WindowSeconds   int `mapstructure:"window_seconds"`
	Threshold       int `mapstructure:"threshold"`
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
}

func (c BreakerConfig) Window() time.Duration {
	if c.WindowSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c BreakerConfig) EffectiveThreshold() int {
	if c.Threshold <= 0 {
		return 10
	}
	return c.Threshold
}

func (c BreakerConfig) Cooldown() time.Duration {
	if c.CooldownSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.CooldownSeconds) * time.Second
}

type EngineConfig struct {
	// IdleWaitMS 队列空闲时单次等待上限（毫秒）。
	IdleWaitMS int `mapstructure:"idle_wait_ms"`
	// DefaultConflictPolicy UPDATE 冲突默认策略。
	DefaultConflictPolicy string `mapstructure:"default_conflict_policy"`
	// FingerprintFields CREATE 冲突校验字段，按实体类型配置。
	FingerprintFields map[string][]string `mapstructure:"fingerprint_fields"`
}

func (c EngineConfig) IdleWait() time.Duration {
	if c.IdleWaitMS <= 0 {
		return time.Second
	}
	return time.Duration(c.IdleWaitMS) * time.Millisecond
}

type RetentionConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Schedule 5 段 cron 表达式，默认每小时。
	Schedule string `mapstructure:"schedule"`
	// MaxAgeDays failed 归档保留天数。
	MaxAgeDays int `mapstructure:"max_age_days"`
	// MaxEntries failed 归档最大条数，超出按最旧删除。
	MaxEntries int `mapstructure:"max_entries"`
}

func (c RetentionConfig) MaxAge() time.Duration {
	if c.MaxAgeDays <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}

func (c RetentionConfig) EffectiveSchedule() string {
	if strings.TrimSpace(c.Schedule) == "" {
		return "0 * * * *"
	}
	return strings.TrimSpace(c.Schedule)
}

func (c RetentionConfig) EffectiveMaxEntries() int {
	if c.MaxEntries <= 0 {
		return 1000
	}
	return c.MaxEntries
}

type MetricsConfig struct {
	// HistogramSamples 延迟直方图环形缓冲样本数。
	HistogramSamples int `mapstructure:"histogram_samples"`
	// Alert thresholds；0 表示关闭该项告警。
	MaxQueueDepth        int `mapstructure:"max_queue_depth"`
	MaxFailedDepth       int `mapstructure:"max_failed_depth"`
	MaxOldestPendingSecs int `mapstructure:"max_oldest_pending_seconds"`
}

func (c MetricsConfig) EffectiveHistogramSamples() int {
	if c.HistogramSamples <= 0 {
		return 512
	}
	return c.HistogramSamples
}

// Load reads configuration from the given file (optional) plus OPSYNC_*
// environment overrides, applies defaults, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.service_name", "opsync")
	v.SetDefault("log.env", "production")
	v.SetDefault("log.output.to_stdout", true)

	v.SetDefault("storage.path", "data/opsync.db")
	v.SetDefault("storage.busy_timeout_ms", 5000)

	v.SetDefault("api.timeout_seconds", 30)
	v.SetDefault("api.user_agent", "opsync")

	v.SetDefault("lock.ttl_seconds", 120)
	v.SetDefault("lock.heartbeat_seconds", 40)
	v.SetDefault("lock.acquire_retry_seconds", 5)

	v.SetDefault("backoff.base_ms", 1000)
	v.SetDefault("backoff.cap_ms", 300000)
	v.SetDefault("backoff.jitter_ms", 500)
	v.SetDefault("backoff.max_attempts", 10)

	v.SetDefault("breaker.window_seconds", 60)
	v.SetDefault("breaker.threshold", 10)
	v.SetDefault("breaker.cooldown_seconds", 60)

	v.SetDefault("engine.idle_wait_ms", 1000)
	v.SetDefault("engine.default_conflict_policy", ConflictPolicyLastWriteWins)

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.schedule", "0 * * * *")
	v.SetDefault("retention.max_age_days", 30)
	v.SetDefault("retention.max_entries", 1000)

	v.SetDefault("metrics.histogram_samples", 512)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if strings.TrimSpace(c.API.BaseURL) != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("api.base_url must be an absolute URL: %q", c.API.BaseURL)
		}
	}
	if c.Lock.TTLSeconds < 0 || c.Lock.HeartbeatSeconds < 0 {
		return fmt.Errorf("lock durations must not be negative")
	}
	if c.Lock.Heartbeat() >= c.Lock.TTL() {
		return fmt.Errorf("lock heartbeat (%s) must be shorter than ttl (%s)", c.Lock.Heartbeat(), c.Lock.TTL())
	}
	if c.Backoff.Base() > c.Backoff.Cap() {
		return fmt.Errorf("backoff base (%s) must not exceed cap (%s)", c.Backoff.Base(), c.Backoff.Cap())
	}
	if c.Breaker.Threshold < 0 {
		return fmt.Errorf("breaker.threshold must not be negative")
	}
	switch strings.TrimSpace(c.Engine.DefaultConflictPolicy) {
	case "", ConflictPolicyLastWriteWins, ConflictPolicyServerWins, ConflictPolicyAbort:
	default:
		return fmt.Errorf("engine.default_conflict_policy invalid: %q", c.Engine.DefaultConflictPolicy)
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tickstock-stream/common/config"
	"tickstock-stream/internal/models"

	"gopkg.in/yaml.v3"
)

// 总线类型
const (
	BusKindRedis = "redis"
	BusKindMQTT  = "mqtt"
)

// Config 实时事件分发服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 总线订阅配置
	Bus struct {
		Kind             string                 // redis | mqtt
		PatternChannels  []string               // 检测事件频道（单个主频道 + 可选的分类频道）
		ChannelTiers     map[string]models.Tier // 频道 -> 层级（事件未携带 tier 时使用）
		HeartbeatChannel string                 // Producer 心跳频道
	}

	Heartbeat struct {
		ProducerKey     string // Producer 心跳 Redis key
		ConsumerKey     string // 本服务心跳 Redis key
		Interval        time.Duration
		GraceMultiplier int // 超过 GraceMultiplier × Interval 未收到心跳视为下线
	}

	Cache struct {
		DefaultCapacity int
		SweepInterval   time.Duration
		DefaultTier     models.Tier
	}

	// Tiers 每个层级的缓存/查询配置（全部已知层级都有条目）
	Tiers map[models.Tier]TierSettings

	Refresh struct {
		OuterTimeout     time.Duration // RefreshAll 整体超时
		CacheTierTimeout time.Duration // 缓存层级默认超时
		StoreTierTimeout time.Duration // 数据库层级默认超时
		PushInterval     time.Duration // 周期推送间隔，0 表示不推送
	}

	Broadcast struct {
		SendBuffer    int           // 每个会话的发送队列长度
		SendTimeout   time.Duration // 超过该时间未写完视为会话卡顿
		WriteDeadline time.Duration // 单次网络写超时（超过即断开）
	}

	Flow struct {
		WriteTimeout   time.Duration
		RetryQueueSize int
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量 + 可选的层级 YAML 文件）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "tickstock")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "tickstock-stream")
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Bus.Kind = strings.ToLower(getEnv("BUS_KIND", BusKindRedis))
	cfg.Bus.PatternChannels = splitList(getEnv("BUS_PATTERN_CHANNELS", "tickstock.events.patterns"))
	channelTiers, err := parseChannelTiers(getEnv("BUS_CHANNEL_TIERS", ""))
	if err != nil {
		return nil, err
	}
	cfg.Bus.ChannelTiers = channelTiers
	cfg.Bus.HeartbeatChannel = getEnv("BUS_HEARTBEAT_CHANNEL", "tickstock:heartbeat")

	cfg.Heartbeat.ProducerKey = getEnv("HEARTBEAT_PRODUCER_KEY", "tickstock:producer:heartbeat")
	cfg.Heartbeat.ConsumerKey = getEnv("HEARTBEAT_CONSUMER_KEY", "tickstock:consumer:heartbeat")
	if cfg.Heartbeat.Interval, err = getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Heartbeat.GraceMultiplier, err = getEnvInt("HEARTBEAT_GRACE_MULTIPLIER", 2); err != nil {
		return nil, err
	}

	if cfg.Cache.DefaultCapacity, err = getEnvInt("CACHE_DEFAULT_CAPACITY", 1000); err != nil {
		return nil, err
	}
	if cfg.Cache.SweepInterval, err = getEnvDuration("CACHE_SWEEP_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	defaultTier, err := models.ParseTier(getEnv("DEFAULT_TIER", string(models.TierIntraday)))
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_TIER: %w", err)
	}
	cfg.Cache.DefaultTier = defaultTier

	if cfg.Refresh.OuterTimeout, err = getEnvMillis("REFRESH_OUTER_TIMEOUT_MS", 1000); err != nil {
		return nil, err
	}
	if cfg.Refresh.CacheTierTimeout, err = getEnvMillis("REFRESH_CACHE_TIER_TIMEOUT_MS", 100); err != nil {
		return nil, err
	}
	if cfg.Refresh.StoreTierTimeout, err = getEnvMillis("REFRESH_STORE_TIER_TIMEOUT_MS", 500); err != nil {
		return nil, err
	}
	if cfg.Refresh.PushInterval, err = getEnvDuration("REFRESH_PUSH_INTERVAL", 0); err != nil {
		return nil, err
	}

	if cfg.Broadcast.SendBuffer, err = getEnvInt("BROADCAST_SEND_BUFFER", 256); err != nil {
		return nil, err
	}
	if cfg.Broadcast.SendTimeout, err = getEnvMillis("BROADCAST_SEND_TIMEOUT_MS", 2000); err != nil {
		return nil, err
	}
	if cfg.Broadcast.WriteDeadline, err = getEnvDuration("BROADCAST_WRITE_DEADLINE", 10*time.Second); err != nil {
		return nil, err
	}

	if cfg.Flow.WriteTimeout, err = getEnvMillis("FLOW_WRITE_TIMEOUT_MS", 200); err != nil {
		return nil, err
	}
	if cfg.Flow.RetryQueueSize, err = getEnvInt("FLOW_RETRY_QUEUE_SIZE", 10000); err != nil {
		return nil, err
	}

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.Tiers = DefaultTiers(cfg.Cache.DefaultCapacity)
	if path := os.Getenv("TIER_CONFIG_FILE"); path != "" {
		if err := cfg.LoadTierFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置（配置错误阻止启动）
func (c *Config) Validate() error {
	var errs []error

	switch c.Bus.Kind {
	case BusKindRedis, BusKindMQTT:
	default:
		errs = append(errs, fmt.Errorf("BUS_KIND must be redis or mqtt, got %q", c.Bus.Kind))
	}
	if len(c.Bus.PatternChannels) == 0 {
		errs = append(errs, errors.New("BUS_PATTERN_CHANNELS must name at least one channel"))
	}
	for ch, tier := range c.Bus.ChannelTiers {
		if !tier.Valid() {
			errs = append(errs, fmt.Errorf("BUS_CHANNEL_TIERS: channel %s maps to unknown tier %q", ch, tier))
		}
	}
	if !c.Cache.DefaultTier.Valid() {
		errs = append(errs, fmt.Errorf("DEFAULT_TIER: unknown tier %q", c.Cache.DefaultTier))
	}
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be positive"))
	}
	if c.Heartbeat.GraceMultiplier < 1 {
		errs = append(errs, errors.New("HEARTBEAT_GRACE_MULTIPLIER must be at least 1"))
	}
	if c.Cache.DefaultCapacity <= 0 {
		errs = append(errs, errors.New("CACHE_DEFAULT_CAPACITY must be positive"))
	}
	if c.Cache.SweepInterval <= 0 {
		errs = append(errs, errors.New("CACHE_SWEEP_INTERVAL must be positive"))
	}
	if c.Refresh.OuterTimeout <= 0 {
		errs = append(errs, errors.New("REFRESH_OUTER_TIMEOUT_MS must be positive"))
	}
	if c.Refresh.CacheTierTimeout <= 0 || c.Refresh.StoreTierTimeout <= 0 {
		errs = append(errs, errors.New("per-tier refresh timeouts must be positive"))
	}
	if c.Refresh.PushInterval < 0 {
		errs = append(errs, errors.New("REFRESH_PUSH_INTERVAL must not be negative"))
	}
	if c.Broadcast.SendBuffer <= 0 {
		errs = append(errs, errors.New("BROADCAST_SEND_BUFFER must be positive"))
	}
	if c.Flow.RetryQueueSize <= 0 {
		errs = append(errs, errors.New("FLOW_RETRY_QUEUE_SIZE must be positive"))
	}

	for _, tier := range models.AllTiers() {
		ts, ok := c.Tiers[tier]
		if !ok {
			errs = append(errs, fmt.Errorf("tier %s: missing settings", tier))
			continue
		}
		if err := ts.validate(); err != nil {
			errs = append(errs, fmt.Errorf("tier %s: %w", tier, err))
		}
	}

	return errors.Join(errs...)
}

// TierTimeout 层级查询超时（未单独配置时按数据源取默认值）
func (c *Config) TierTimeout(tier models.Tier) time.Duration {
	ts := c.Tiers[tier]
	if ts.Timeout > 0 {
		return ts.Timeout
	}
	if ts.Source == SourceStore {
		return c.Refresh.StoreTierTimeout
	}
	return c.Refresh.CacheTierTimeout
}

// Capacities 每个层级的缓存容量
func (c *Config) Capacities() map[models.Tier]int {
	out := make(map[models.Tier]int, len(c.Tiers))
	for tier, ts := range c.Tiers {
		out[tier] = ts.Capacity
	}
	return out
}

// TTLs 每个层级的默认过期时长
func (c *Config) TTLs() map[models.Tier]time.Duration {
	out := make(map[models.Tier]time.Duration, len(c.Tiers))
	for tier, ts := range c.Tiers {
		out[tier] = ts.TTL
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	return v, nil
}

// getEnvDuration 支持 "30s" 形式，也接受纯数字（按秒）
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}

func getEnvMillis(key string, defaultMillis int) (time.Duration, error) {
	ms, err := getEnvInt(key, defaultMillis)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseChannelTiers 解析 "channel=tier,channel=tier"
func parseChannelTiers(s string) (map[string]models.Tier, error) {
	out := make(map[string]models.Tier)
	for _, pair := range splitList(s) {
		channel, tierName, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(channel) == "" {
			return nil, fmt.Errorf("BUS_CHANNEL_TIERS: invalid entry %q", pair)
		}
		tier, err := models.ParseTier(tierName)
		if err != nil {
			return nil, fmt.Errorf("BUS_CHANNEL_TIERS: %w", err)
		}
		out[strings.TrimSpace(channel)] = tier
	}
	return out, nil
}

// tierFile TIER_CONFIG_FILE 的结构（只覆盖出现的字段）
//
//	tiers:
//	  intraday:
//	    capacity: 2000
//	    ttl: 1h
//	    source: cache
//	    window: {type: rolling, duration: 30m}
//	    timeout: 80ms
//	  weekly:
//	    source: store
//	    window: {type: calendar, align: week}
//	    enabled: false
type tierFile struct {
	Tiers map[string]tierFileEntry `yaml:"tiers"`
}

type tierFileEntry struct {
	Capacity *int    `yaml:"capacity"`
	TTL      *string `yaml:"ttl"`
	Source   *string `yaml:"source"`
	Window   *struct {
		Type     string `yaml:"type"`
		Duration string `yaml:"duration"`
		Align    string `yaml:"align"`
	} `yaml:"window"`
	Timeout *string `yaml:"timeout"`
	Enabled *bool   `yaml:"enabled"`
}

// LoadTierFile 读取层级 YAML 文件并覆盖默认值
func (c *Config) LoadTierFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tier config %s: %w", path, err)
	}
	return c.ApplyTierYAML(raw)
}

// ApplyTierYAML 将 YAML 内容覆盖到 c.Tiers
func (c *Config) ApplyTierYAML(raw []byte) error {
	var file tierFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse tier config: %w", err)
	}
	if c.Tiers == nil {
		c.Tiers = DefaultTiers(c.Cache.DefaultCapacity)
	}

	for name, entry := range file.Tiers {
		tier, err := models.ParseTier(name)
		if err != nil {
			return fmt.Errorf("tier config: %w", err)
		}
		ts := c.Tiers[tier]

		if entry.Capacity != nil {
			ts.Capacity = *entry.Capacity
		}
		if entry.TTL != nil {
			if ts.TTL, err = time.ParseDuration(*entry.TTL); err != nil {
				return fmt.Errorf("tier %s: invalid ttl %q", tier, *entry.TTL)
			}
		}
		if entry.Source != nil {
			ts.Source = strings.ToLower(*entry.Source)
		}
		if entry.Window != nil {
			w := Window{Type: strings.ToLower(entry.Window.Type), Align: strings.ToLower(entry.Window.Align)}
			if entry.Window.Duration != "" {
				if w.Duration, err = time.ParseDuration(entry.Window.Duration); err != nil {
					return fmt.Errorf("tier %s: invalid window duration %q", tier, entry.Window.Duration)
				}
			}
			ts.Window = w
		}
		if entry.Timeout != nil {
			if ts.Timeout, err = time.ParseDuration(*entry.Timeout); err != nil {
				return fmt.Errorf("tier %s: invalid timeout %q", tier, *entry.Timeout)
			}
		}
		if entry.Enabled != nil {
			ts.Enabled = *entry.Enabled
		}

		c.Tiers[tier] = ts
	}
	return nil
}

// =============================================================================
// 📦 abflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("abflow.yaml").
//	    WithEnvPrefix("ABFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config abflow 的完整配置结构
type Config struct {
	// Engine 实验引擎配置
	Engine EngineConfig `yaml:"engine"`

	// Database 持久化存储配置（store/gormstore）
	Database DatabaseConfig `yaml:"database"`

	// Redis 存储配置（store/redisstore）
	Redis RedisConfig `yaml:"redis"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics"`
}

// EngineConfig 实验引擎配置
type EngineConfig struct {
	// 全局显著性门槛
	DefaultConfidence float64 `yaml:"default_confidence"`

	// 最小效应量（预留，不参与自动停止判定）
	MinEffectSize float64 `yaml:"min_effect_size"`

	// 默认最小样本量
	DefaultMinSampleSize int64 `yaml:"default_min_sample_size"`

	// 随机源种子，0 表示按时间播种
	Seed int64 `yaml:"seed"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动: sqlite / mysql / postgres
	Driver string `yaml:"driver"`

	// 连接串
	DSN string `yaml:"dsn"`

	// 最大打开连接数
	MaxOpenConns int `yaml:"max_open_conns"`

	// 最大空闲连接数
	MaxIdleConns int `yaml:"max_idle_conns"`

	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// Redis 地址
	Addr string `yaml:"addr"`

	// 密码
	Password string `yaml:"password"`

	// 数据库编号
	DB int `yaml:"db"`

	// 键前缀
	KeyPrefix string `yaml:"key_prefix"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用 Prometheus 指标
	Enabled bool `yaml:"enabled"`

	// 指标命名空间
	Namespace string `yaml:"namespace"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			DefaultConfidence:    0.95,
			MinEffectSize:        0.05,
			DefaultMinSampleSize: 100,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "abflow.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "abflow",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "abflow",
		},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Engine.DefaultConfidence <= 0 || c.Engine.DefaultConfidence >= 1 {
		return fmt.Errorf("engine.default_confidence must be in (0, 1), got %v", c.Engine.DefaultConfidence)
	}
	if c.Engine.MinEffectSize < 0 {
		return fmt.Errorf("engine.min_effect_size must be non-negative, got %v", c.Engine.MinEffectSize)
	}
	if c.Engine.DefaultMinSampleSize <= 0 {
		return fmt.Errorf("engine.default_min_sample_size must be positive, got %v", c.Engine.DefaultMinSampleSize)
	}
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("database.driver must be one of sqlite/mysql/postgres, got %q", c.Database.Driver)
	}
	return nil
}

// =============================================================================
// 🎯 加载器
// =============================================================================

// Loader 配置加载器
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader 创建配置加载器
func NewLoader() *Loader {
	return &Loader{envPrefix: "ABFLOW"}
}

// WithConfigPath 设置 YAML 配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load 按 默认值 → YAML → 环境变量 的优先级加载配置
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	l.applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv 应用环境变量覆盖
func (l *Loader) applyEnv(cfg *Config) {
	if v, ok := l.lookupFloat("ENGINE_DEFAULT_CONFIDENCE"); ok {
		cfg.Engine.DefaultConfidence = v
	}
	if v, ok := l.lookupFloat("ENGINE_MIN_EFFECT_SIZE"); ok {
		cfg.Engine.MinEffectSize = v
	}
	if v, ok := l.lookupInt("ENGINE_DEFAULT_MIN_SAMPLE_SIZE"); ok {
		cfg.Engine.DefaultMinSampleSize = v
	}
	if v, ok := l.lookupInt("ENGINE_SEED"); ok {
		cfg.Engine.Seed = v
	}
	if v, ok := l.lookup("DATABASE_DRIVER"); ok {
		cfg.Database.Driver = v
	}
	if v, ok := l.lookup("DATABASE_DSN"); ok {
		cfg.Database.DSN = v
	}
	if v, ok := l.lookup("REDIS_ADDR"); ok {
		cfg.Redis.Addr = v
	}
	if v, ok := l.lookup("REDIS_PASSWORD"); ok {
		cfg.Redis.Password = v
	}
	if v, ok := l.lookup("METRICS_NAMESPACE"); ok {
		cfg.Metrics.Namespace = v
	}
}

func (l *Loader) lookup(key string) (string, bool) {
	return os.LookupEnv(l.envPrefix + "_" + key)
}

func (l *Loader) lookupFloat(key string) (float64, bool) {
	s, ok := l.lookup(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (l *Loader) lookupInt(key string) (int64, bool) {
	s, ok := l.lookup(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

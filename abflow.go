// Package abflow provides a top-level convenience entry point for creating
// an experiment engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/abflow"
//
//	eng, err := abflow.New()                                  // 内存存储
//	eng, err := abflow.New(abflow.WithConfigFile("abflow.yaml"), abflow.WithDatabase())
//	eng, err := abflow.New(abflow.WithStore(myStore), abflow.WithLogger(logger))
package abflow

import (
	"go.uber.org/zap"

	"github.com/BaSui01/abflow/config"
	"github.com/BaSui01/abflow/experiment"
	"github.com/BaSui01/abflow/internal/metrics"
	"github.com/BaSui01/abflow/store/gormstore"
	"github.com/BaSui01/abflow/store/redisstore"
)

// Option 配置 New 创建的引擎
type Option func(*options)

type options struct {
	cfg        *config.Config
	configPath string
	store      experiment.ExperimentStore
	logger     *zap.Logger

	// 存储后端选择，store 为 nil 时生效
	backend string
}

// WithConfig 使用已构建的配置
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithConfigFile 从 YAML 文件加载配置
func WithConfigFile(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithStore 使用自定义实验存储
func WithStore(s experiment.ExperimentStore) Option {
	return func(o *options) { o.store = s }
}

// WithDatabase 使用配置中的数据库作为存储后端
func WithDatabase() Option {
	return func(o *options) { o.backend = "database" }
}

// WithRedis 使用配置中的 Redis 作为存储后端
func WithRedis() Option {
	return func(o *options) { o.backend = "redis" }
}

// WithLogger 设置自定义 zap 日志器
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New 创建实验引擎
// 未指定存储时使用内存存储；未指定配置时使用默认配置。
func New(opts ...Option) (*experiment.Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.cfg
	if cfg == nil {
		if o.configPath != "" {
			loaded, err := config.NewLoader().WithConfigPath(o.configPath).Load()
			if err != nil {
				return nil, err
			}
			cfg = loaded
		} else {
			cfg = config.DefaultConfig()
		}
	}

	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := o.store
	if store == nil {
		switch o.backend {
		case "database":
			s, err := gormstore.Open(cfg.Database, logger)
			if err != nil {
				return nil, err
			}
			store = s
		case "redis":
			s, err := redisstore.New(cfg.Redis, logger)
			if err != nil {
				return nil, err
			}
			store = s
		default:
			store = experiment.NewMemoryStore()
		}
	}

	engineOpts := []experiment.EngineOption{
		experiment.WithDefaultConfidence(cfg.Engine.DefaultConfidence),
		experiment.WithMinEffectSize(cfg.Engine.MinEffectSize),
		experiment.WithDefaultMinSampleSize(cfg.Engine.DefaultMinSampleSize),
	}
	if cfg.Engine.Seed != 0 {
		engineOpts = append(engineOpts, experiment.WithSeed(cfg.Engine.Seed))
	}
	if cfg.Metrics.Enabled {
		engineOpts = append(engineOpts,
			experiment.WithMetrics(metrics.NewCollector(cfg.Metrics.Namespace, logger)))
	}

	return experiment.NewEngine(store, logger, engineOpts...), nil
}

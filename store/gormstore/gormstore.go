// Package gormstore 提供基于 GORM 的实验持久化存储.
// 支持 sqlite（纯 Go 驱动）、mysql、postgres 三种方言，
// 实验聚合整体以 JSON 负载落库，外加少量索引列用于查询。
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/abflow/config"
	"github.com/BaSui01/abflow/experiment"
)

// experimentRecord 实验存储行
type experimentRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	WorkspaceID string `gorm:"index;size:64"`
	Name        string `gorm:"size:255"`
	Status      string `gorm:"index;size:16"`
	Payload     []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName 表名
func (experimentRecord) TableName() string {
	return "experiments"
}

// Store GORM 实验存储
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open 按配置打开数据库并完成迁移
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return NewWithDB(db, logger)
}

// NewWithDB 复用已有连接创建存储（测试与嵌入场景）
func NewWithDB(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&experimentRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate experiments table: %w", err)
	}

	logger.Info("gorm experiment store initialized")
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "gormstore")),
	}, nil
}

// Save 保存实验（upsert）
func (s *Store) Save(ctx context.Context, exp *experiment.Experiment) error {
	payload, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment: %w", err)
	}

	record := experimentRecord{
		ID:          exp.ID,
		WorkspaceID: exp.WorkspaceID,
		Name:        exp.Name,
		Status:      string(exp.Status),
		Payload:     payload,
		CreatedAt:   exp.CreatedAt,
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}
	return nil
}

// Load 加载实验
func (s *Store) Load(ctx context.Context, id string) (*experiment.Experiment, error) {
	var record experimentRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, experiment.ErrExperimentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment: %w", err)
	}
	return unmarshalRecord(&record)
}

// List 列出所有实验，按创建时间排序
func (s *Store) List(ctx context.Context) ([]*experiment.Experiment, error) {
	var records []experimentRecord
	if err := s.db.WithContext(ctx).Order("created_at").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}

	experiments := make([]*experiment.Experiment, 0, len(records))
	for i := range records {
		exp, err := unmarshalRecord(&records[i])
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, exp)
	}
	return experiments, nil
}

// Delete 删除实验
func (s *Store) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&experimentRecord{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete experiment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return experiment.ErrExperimentNotFound
	}
	return nil
}

// Close 关闭底层连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func unmarshalRecord(record *experimentRecord) (*experiment.Experiment, error) {
	var exp experiment.Experiment
	if err := json.Unmarshal(record.Payload, &exp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal experiment %s: %w", record.ID, err)
	}
	return &exp, nil
}

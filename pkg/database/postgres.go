package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PostgreSQL PostgreSQL连接管理器
//
// 库表由业务后端维护，这里不建库也不迁移。
type PostgreSQL struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	dbName string
}

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig 默认连接池配置
var DefaultPoolConfig = PoolConfig{
	MaxIdleConns:    10,
	MaxOpenConns:    50,
	ConnMaxLifetime: time.Hour,
}

// NewPostgreSQL 创建PostgreSQL连接
func NewPostgreSQL(ctx context.Context, dsn, dbName string, pool PoolConfig) (*PostgreSQL, error) {
	config := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(dsn), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &PostgreSQL{
		db:     db,
		sqlDB:  sqlDB,
		dbName: dbName,
	}, nil
}

// GetDB 获取GORM数据库实例
func (p *PostgreSQL) GetDB() *gorm.DB {
	return p.db
}

// GetDBName 获取数据库名称
func (p *PostgreSQL) GetDBName() string {
	return p.dbName
}

// WithContext 使用上下文
func (p *PostgreSQL) WithContext(ctx context.Context) *gorm.DB {
	return p.db.WithContext(ctx)
}

// Health 健康检查
func (p *PostgreSQL) Health(ctx context.Context) error {
	return p.sqlDB.PingContext(ctx)
}

// SQLDB 底层连接池，供指标采集
func (p *PostgreSQL) SQLDB() *sql.DB {
	return p.sqlDB
}

// Close 关闭连接
func (p *PostgreSQL) Close() error {
	if p.sqlDB != nil {
		return p.sqlDB.Close()
	}
	return nil
}

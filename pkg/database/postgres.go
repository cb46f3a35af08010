package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const pgPingTimeout = 10 * time.Second

// PostgresOptions PostgreSQL连接参数
type PostgresOptions struct {
	DSN    string
	DBName string // DSN 中的库名，不存在时通过 postgres 库创建

	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	SlowThreshold   time.Duration // 慢查询告警阈值
}

func (o *PostgresOptions) withDefaults() {
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 5
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 20
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = 30 * time.Minute
	}
	if o.SlowThreshold <= 0 {
		o.SlowThreshold = 200 * time.Millisecond
	}
}

// PostgreSQL 死信库连接
type PostgreSQL struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	dbName string
}

// NewPostgreSQL 确保库存在后建立连接池并探活
func NewPostgreSQL(ctx context.Context, opts PostgresOptions) (*PostgreSQL, error) {
	opts.withDefaults()

	if opts.DBName != "" {
		if err := ensureDatabase(ctx, opts.DSN, opts.DBName); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(postgres.Open(opts.DSN), &gorm.Config{
		Logger: gormlogger.New(log.New(os.Stderr, "", log.LstdFlags), gormlogger.Config{
			SlowThreshold:             opts.SlowThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open postgresql %s: %w", opts.DBName, err)
	}

	p, err := NewPostgreSQLFromDB(db, opts.DBName)
	if err != nil {
		return nil, err
	}
	p.sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	p.sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	p.sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pgPingTimeout)
	defer cancel()
	if err := p.sqlDB.PingContext(pingCtx); err != nil {
		_ = p.sqlDB.Close()
		return nil, fmt.Errorf("ping postgresql %s: %w", opts.DBName, err)
	}
	return p, nil
}

// NewPostgreSQLFromDB 包装已打开的 GORM 实例，测试中配合 sqlmock 使用
func NewPostgreSQLFromDB(db *gorm.DB, dbName string) (*PostgreSQL, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return &PostgreSQL{db: db, sqlDB: sqlDB, dbName: dbName}, nil
}

// WithContext 绑定上下文的 GORM 会话
func (p *PostgreSQL) WithContext(ctx context.Context) *gorm.DB {
	return p.db.WithContext(ctx)
}

// AutoMigrate 自动迁移表结构
func (p *PostgreSQL) AutoMigrate(models ...interface{}) error {
	if err := p.db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("migrate %s: %w", p.dbName, err)
	}
	return nil
}

// Health 健康检查
func (p *PostgreSQL) Health(ctx context.Context) error {
	return p.sqlDB.PingContext(ctx)
}

// Close 关闭连接池
func (p *PostgreSQL) Close() error {
	if p.sqlDB != nil {
		return p.sqlDB.Close()
	}
	return nil
}

// adminDSN 把 DSN 指向 postgres 维护库
func adminDSN(dsn, dbName string) string {
	return strings.Replace(dsn, "dbname="+dbName, "dbname=postgres", 1)
}

// quoteIdent 按 PostgreSQL 规则给标识符加引号
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ensureDatabase 库不存在时创建
func ensureDatabase(ctx context.Context, dsn, dbName string) error {
	adminDB, err := gorm.Open(postgres.Open(adminDSN(dsn, dbName)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("connect postgresql server: %w", err)
	}
	sqlDB, err := adminDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	var exists bool
	err = adminDB.WithContext(ctx).
		Raw("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = ?)", dbName).
		Scan(&exists).Error
	if err != nil {
		return fmt.Errorf("check database %s: %w", dbName, err)
	}
	if exists {
		return nil
	}

	if err := adminDB.WithContext(ctx).Exec("CREATE DATABASE " + quoteIdent(dbName)).Error; err != nil {
		return fmt.Errorf("create database %s: %w", dbName, err)
	}
	return nil
}

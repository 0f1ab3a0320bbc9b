package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"promotion-shop/internal/config"
	"promotion-shop/internal/repository"
	"promotion-shop/internal/storage/memory"
	"promotion-shop/pkg/log"
)

// Open connects to the configured SQL database and tunes the pool.
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, gormConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// set connection pool
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := Health(context.Background(), db); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.WithFields(map[string]interface{}{
		"driver": cfg.Driver,
		"host":   cfg.Host,
		"dbname": cfg.DBName,
	}).Info("Database connected successfully")
	return db, nil
}

func dialectorFor(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "mysql":
		return mysql.Open(cfg.GetDSN()), nil
	case "postgres":
		return postgres.Open(cfg.GetDSN()), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

// gormConfig routes gorm logs through logrus. TranslateError is required by
// the repositories to surface unique key violations as ErrDuplicate.
func gormConfig(cfg *config.DatabaseConfig) *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(
			log.GetLogger(),
			logger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  gormLogLevel(cfg.LogLevel),
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		TranslateError:                           true,
		DisableForeignKeyConstraintWhenMigrating: true,
	}
}

// gormLogLevel convert level string to gorm logger.LogLevel
func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

// Health check database health status
func Health(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return sqlDB.PingContext(ctx)
}

// Close close database connection
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Datastore local datastore of a service together with its connection
type Datastore struct {
	repository.Store
	db *gorm.DB
}

// Health pings the database. The memory store is always healthy.
func (d *Datastore) Health(ctx context.Context) error {
	if d.db == nil {
		return nil
	}
	return Health(ctx, d.db)
}

// Close releases the connection
func (d *Datastore) Close() error {
	return Close(d.db)
}

// NewStore builds the local datastore of a service. The memory driver needs
// no connection; others open the database and migrate models when enabled.
func NewStore(cfg *config.DatabaseConfig, models ...interface{}) (*Datastore, error) {
	if cfg.Driver == "memory" {
		log.Warn("Using in-memory store, data is lost on restart")
		return &Datastore{Store: memory.NewStore()}, nil
	}

	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := AutoMigrate(db, models...); err != nil {
			_ = Close(db)
			return nil, err
		}
	}
	return &Datastore{Store: repository.NewGormStore(db), db: db}, nil
}

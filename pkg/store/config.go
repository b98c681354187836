package store

import (
	"github.com/benbjohnson/clock"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type Config struct {
	Dialect      gorm.Dialector
	Logger       gormlogger.Interface
	Clock        clock.Clock
	MaxOpenConns int
	MaxIdleConns int
}

func NewDefaultConfig() *Config {
	return &Config{
		Dialect:      sqlite.Open("specguard.db"),
		Logger:       gormlogger.Discard,
		Clock:        clock.New(),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}
}

type Option func(*Config)

func WithDialect(d gorm.Dialector) Option {
	return func(c *Config) { c.Dialect = d }
}

func WithPath(path string) Option {
	return func(c *Config) { c.Dialect = sqlite.Open(path) }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Config) { c.Clock = clk }
}

func WithLogger(l gormlogger.Interface) Option {
	return func(c *Config) { c.Logger = l }
}

func openDB(cfg *Config, migrations ...interface{}) (*gorm.DB, error) {
	db, err := gorm.Open(cfg.Dialect, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 cfg.Logger,
		NowFunc:                cfg.Clock.Now,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	// sqlite leaves foreign keys off unless asked
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(migrations...); err != nil {
		return nil, err
	}
	return db, nil
}

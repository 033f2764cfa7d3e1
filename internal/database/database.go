package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/blacklist"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/config"
	sqlite "github.com/glebarez/sqlite"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	slowQueryThreshold = 200 * time.Millisecond
	// Write transactions take the database lock at BEGIN and wait for it, so a
	// reconcile in one process never reads state another process is rewriting.
	sqliteConnectionOptions = "_pragma=busy_timeout(5000)&_txlock=immediate"
)

// Open connects to the configured store and performs schema migrations.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		return nil, err
	}

	if cfg.Driver == config.DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized",
		zap.String("driver", cfg.Driver),
		zap.String("path", cfg.Path))

	return db, nil
}

// Migrate creates the schema, seeds the append clock and applies data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(blacklist.Models(), &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	if err := blacklist.EnsureClock(db); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("database path is required")
		}
		return sqlite.Open(sqliteDSN(cfg.Path)), nil
	case config.DriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		return postgres.New(postgres.Config{DriverName: "postgres", DSN: cfg.DSN}), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func sqliteDSN(path string) string {
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + sqliteConnectionOptions
}

func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	return gormlogger.New(
		zap.NewStdLog(logger.Named("gorm")),
		gormlogger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

package database

import (
	"fmt"

	"github.com/devcircle/backend/internal/config"
	"github.com/devcircle/backend/internal/models"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Options selects the driver and location of the durable store.
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// Open establishes the configured connection and performs schema migrations.
func Open(opts Options, logger *zap.Logger) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch opts.Driver {
	case config.DriverSQLite, "":
		if opts.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		db, err = gorm.Open(sqlite.Open(opts.Path), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite allows a single writer; one connection also serializes vote toggles.
		sqlDB.SetMaxOpenConns(1)
	case config.DriverPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		db, err = gorm.Open(postgres.Open(opts.DSN), gormConfig)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", driverName(opts.Driver)))
	}

	return db, nil
}

// Migrate creates the schema and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	schema := append(models.All(), &migrationRecord{})
	if err := db.AutoMigrate(schema...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func driverName(driver string) string {
	if driver == "" {
		return config.DriverSQLite
	}
	return driver
}

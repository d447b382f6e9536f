package pkg

import (
	"fmt"
	"time"

	"github.com/SAP-F-2025/exam-session/internal/config"
	"github.com/SAP-F-2025/exam-session/internal/repositories/postgres"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDatabase opens the remote store and migrates the session tables.
func InitDatabase(cfg *config.Config) (*gorm.DB, error) {
	logLevel := logger.Error
	if !cfg.IsProduction() {
		logLevel = logger.Warn
	}

	db, err := gorm.Open(pgdriver.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := postgres.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AutoMigrate creates or updates the tables for models, one at a time so a
// failure names the offending table.
func AutoMigrate(db *gorm.DB, logger *zap.Logger, models ...interface{}) error {
	migrator := db.Migrator()

	for _, m := range models {
		existed := migrator.HasTable(m)
		if err := db.AutoMigrate(m); err != nil {
			logger.Error("Failed to migrate table",
				zap.String("model", fmt.Sprintf("%T", m)),
				zap.Bool("table_existed", existed),
				zap.Error(err),
			)
			return fmt.Errorf("failed to migrate %T: %w", m, err)
		}
		logger.Info("Migrated table",
			zap.String("model", fmt.Sprintf("%T", m)),
			zap.Bool("was_existing", existed),
		)
	}
	return nil
}

// AutoMigrateWithRetry runs AutoMigrate with linear backoff
func AutoMigrateWithRetry(db *gorm.DB, logger *zap.Logger, maxRetries int, models ...interface{}) error {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err = AutoMigrate(db, logger, models...); err == nil {
			return nil
		}
		if attempt < maxRetries {
			backoff := time.Duration(attempt) * time.Second
			logger.Warn("Migration attempt failed, retrying...",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			time.Sleep(backoff)
		}
	}
	return fmt.Errorf("migration failed after %d attempts: %w", maxRetries, err)
}

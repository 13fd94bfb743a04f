package datastore

import (
	"time"

	"gorm.io/gorm"

	"github.com/seisreview/eqcutil/internal/logger"
)

func performAutoMigration(db *gorm.DB, log logger.Logger, dbType, connectionInfo string) error {
	start := time.Now()
	migrationLogger := log.With(logger.String("db_type", dbType))
	migrationLogger.Debug("starting database migration")

	if err := db.AutoMigrate(
		&EventRecord{},
		&DetectionRecord{},
		&DetectionReview{},
		&DetectionComment{},
		&DetectionLock{},
	); err != nil {
		return dbError(err, "auto_migrate", "db_type", dbType)
	}

	migrationLogger.Info("database ready",
		logger.String("target", connectionInfo),
		logger.Duration("duration", time.Since(start)))
	return nil
}

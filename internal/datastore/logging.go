package datastore

import (
	"time"

	"github.com/seisreview/eqcutil/internal/logger"
	gorm_logger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// GetLogger returns the datastore module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("datastore")
}

// createGormLogger routes gorm output through the central logger.
func createGormLogger(log logger.Logger) gorm_logger.Interface {
	if log == nil {
		log = GetLogger()
	}
	return logger.NewGormLoggerAdapter(log.Module("gorm"), slowQueryThreshold)
}

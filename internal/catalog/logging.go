package catalog

import "github.com/seisreview/eqcutil/internal/logger"

// GetLogger returns the catalog module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("catalog")
}

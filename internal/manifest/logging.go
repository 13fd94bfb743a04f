package manifest

import "github.com/seisreview/eqcutil/internal/logger"

// GetLogger returns the manifest module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("manifest")
}

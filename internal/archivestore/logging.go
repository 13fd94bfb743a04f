package archivestore

import "github.com/seisreview/eqcutil/internal/logger"

// GetLogger returns the archive store module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("archivestore")
}

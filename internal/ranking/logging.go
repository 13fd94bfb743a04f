package ranking

import "github.com/seisreview/eqcutil/internal/logger"

// GetLogger returns the ranking module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("ranking")
}

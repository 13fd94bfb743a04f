package review

import "github.com/seisreview/eqcutil/internal/logger"

// GetLogger returns the review module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("review")
}

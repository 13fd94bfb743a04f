package detection

import "github.com/seisreview/eqcutil/internal/logger"

// GetLogger returns the detection module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("detection")
}

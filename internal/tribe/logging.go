package tribe

import "github.com/seisreview/eqcutil/internal/logger"

// GetLogger returns the tribe module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("tribe")
}

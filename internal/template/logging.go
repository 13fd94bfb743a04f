package template

import "github.com/seisreview/eqcutil/internal/logger"

// GetLogger returns the template module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("template")
}

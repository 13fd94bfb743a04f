package httpserver

import "github.com/seisreview/eqcutil/internal/logger"

// GetLogger returns the httpserver module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("httpserver")
}

package quakemigrate

import "github.com/seisreview/eqcutil/internal/logger"

// GetLogger returns the quakemigrate module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("quakemigrate")
}

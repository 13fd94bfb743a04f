// conf/validate.go

package conf

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/seisreview/eqcutil/internal/errors"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ErrorCategory lets the enhanced error builder pick up the category.
func (ve ValidationError) ErrorCategory() errors.ErrorCategory {
	return errors.CategoryConfiguration
}

// ValidateSettings validates the entire Settings struct and reports every problem found.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) error{
		func(s *Settings) error { return validateDatabaseSettings(&s.Database) },
		func(s *Settings) error { return validateWaveBankSettings(&s.WaveBank) },
		func(s *Settings) error { return validateTemplateSettings(&s.Template) },
		func(s *Settings) error { return validateClusterSettings(&s.Cluster) },
		func(s *Settings) error { return validateRankingSettings(&s.Ranking) },
		func(s *Settings) error { return validateMQTTSettings(&s.MQTT) },
		func(s *Settings) error { return validateArchiveSettings(&s.Archive) },
		func(s *Settings) error { return validateTelemetrySettings(&s.Telemetry) },
	}

	for _, validate := range validators {
		if err := validate(settings); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateDatabaseSettings(s *DatabaseSettings) error {
	switch s.Type {
	case "sqlite":
		if s.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "mysql":
		if s.MySQL.Host == "" || s.MySQL.Database == "" {
			return fmt.Errorf("database.mysql host and database are required")
		}
	default:
		return fmt.Errorf("database.type must be sqlite or mysql, got %q", s.Type)
	}
	return nil
}

func validateWaveBankSettings(s *WaveBankSettings) error {
	if s.BasePath == "" {
		return fmt.Errorf("wavebank.basepath is required")
	}
	if s.MaxDiskUsage < 0 || s.MaxDiskUsage > 100 {
		return fmt.Errorf("wavebank.maxdiskusage must be between 0 and 100, got %g", s.MaxDiskUsage)
	}
	return nil
}

func validateTemplateSettings(s *TemplateSettings) error {
	var errs []string
	if s.LowCut <= 0 || s.HighCut <= s.LowCut {
		errs = append(errs, fmt.Sprintf("template lowcut (%g) must be positive and below highcut (%g)", s.LowCut, s.HighCut))
	}
	if s.SampRate <= 0 || s.HighCut >= s.SampRate/2 {
		errs = append(errs, fmt.Sprintf("template highcut (%g) must be below the Nyquist frequency of samprate %g", s.HighCut, s.SampRate))
	}
	if s.FiltOrder < 1 {
		errs = append(errs, "template.filtorder must be at least 1")
	}
	if s.Length <= 0 {
		errs = append(errs, "template.length must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, ", "))
	}
	return nil
}

func validateClusterSettings(s *ClusterSettings) error {
	if s.CorrThresh <= 0 || s.CorrThresh > 1 {
		return fmt.Errorf("cluster.corrthresh must be in (0, 1], got %g", s.CorrThresh)
	}
	if s.ShiftLen < 0 {
		return fmt.Errorf("cluster.shiftlen must not be negative")
	}
	switch s.Linkage {
	case "single", "complete", "average":
	default:
		return fmt.Errorf("cluster.linkage must be single, complete or average, got %q", s.Linkage)
	}
	switch s.ReplaceNaN {
	case "mean", "min", "":
	default:
		f, err := strconv.ParseFloat(s.ReplaceNaN, 64)
		if err != nil || f < 0 || f > 1 {
			return fmt.Errorf("cluster.replacenan must be mean, min or a number in [0, 1], got %q", s.ReplaceNaN)
		}
	}
	if s.Cores < 0 {
		return fmt.Errorf("cluster.cores must not be negative")
	}
	return nil
}

func validateRankingSettings(s *RankingSettings) error {
	w := s.Weights
	if w.Correlation < 0 || w.ThresholdRatio < 0 || w.SNR < 0 {
		return fmt.Errorf("ranking weights must not be negative")
	}
	if w.Correlation+w.ThresholdRatio+w.SNR == 0 {
		return fmt.Errorf("at least one ranking weight must be positive")
	}
	if s.MinAvgCorrelation < 0 || s.MinAvgCorrelation > 1 {
		return fmt.Errorf("ranking.minavgcorrelation must be between 0 and 1")
	}
	return nil
}

func validateMQTTSettings(s *MQTTSettings) error {
	if !s.Enabled {
		return nil
	}
	if s.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if s.Topic == "" {
		return fmt.Errorf("mqtt.topic is required when mqtt is enabled")
	}
	if s.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

func validateArchiveSettings(s *ArchiveStoreSettings) error {
	if !s.Enabled {
		return nil
	}
	if s.Endpoint == "" || s.Bucket == "" {
		return fmt.Errorf("archive endpoint and bucket are required when the archive store is enabled")
	}
	return nil
}

func validateTelemetrySettings(s *TelemetrySettings) error {
	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		return fmt.Errorf("telemetry.sentry.dsn is required when sentry is enabled")
	}
	return nil
}

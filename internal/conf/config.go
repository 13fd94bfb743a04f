// config.go: settings struct for eqcutil and functions to load and save it.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
)

// DatabaseSettings selects and configures the datastore backend.
type DatabaseSettings struct {
	Type   string         `yaml:"type" mapstructure:"type"` // sqlite or mysql
	SQLite SQLiteSettings `yaml:"sqlite" mapstructure:"sqlite"`
	MySQL  MySQLSettings  `yaml:"mysql" mapstructure:"mysql"`
}

// SQLiteSettings contains settings for the SQLite database.
type SQLiteSettings struct {
	Path string `yaml:"path" mapstructure:"path"` // path to sqlite database
}

// MySQLSettings contains settings for the MySQL database.
type MySQLSettings struct {
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	Host     string `yaml:"host" mapstructure:"host"`
	Port     string `yaml:"port" mapstructure:"port"`
}

// WaveBankSettings configures the on-disk waveform bank.
type WaveBankSettings struct {
	BasePath      string  `yaml:"basepath" mapstructure:"basepath"`           // root directory of the bank
	PathStructure string  `yaml:"pathstructure" mapstructure:"pathstructure"` // directory layout, e.g. "{year}"
	NameStructure string  `yaml:"namestructure" mapstructure:"namestructure"` // file naming, e.g. "{seedid}.{time}"
	MaxDiskUsage  float64 `yaml:"maxdiskusage" mapstructure:"maxdiskusage"`   // refuse writes above this volume usage percent, 0 disables
}

// TemplateSettings holds default template construction parameters.
type TemplateSettings struct {
	LowCut        float64  `yaml:"lowcut" mapstructure:"lowcut"`               // bandpass low corner, Hz
	HighCut       float64  `yaml:"highcut" mapstructure:"highcut"`             // bandpass high corner, Hz
	SampRate      float64  `yaml:"samprate" mapstructure:"samprate"`           // output sampling rate, Hz
	FiltOrder     int      `yaml:"filtorder" mapstructure:"filtorder"`         // Butterworth order
	Prepick       float64  `yaml:"prepick" mapstructure:"prepick"`             // seconds before the pick
	Length        float64  `yaml:"length" mapstructure:"length"`               // template length, seconds
	ProcessLength float64  `yaml:"processlength" mapstructure:"processlength"` // data processed around each window, seconds
	Phases        []string `yaml:"phases" mapstructure:"phases"`               // phases used to cut templates
}

// ClusterSettings holds default correlation clustering parameters.
type ClusterSettings struct {
	CorrThresh  float64 `yaml:"corrthresh" mapstructure:"corrthresh"`   // correlation threshold for flat clusters
	ShiftLen    float64 `yaml:"shiftlen" mapstructure:"shiftlen"`       // max shift in seconds
	Linkage     string  `yaml:"linkage" mapstructure:"linkage"`         // single, complete or average
	ReplaceNaN  string  `yaml:"replacenan" mapstructure:"replacenan"`   // mean, min or a number in [0,1]
	Cores       int     `yaml:"cores" mapstructure:"cores"`             // parallel correlation workers, 0 = all CPUs
	DThresh     float64 `yaml:"dthresh" mapstructure:"dthresh"`         // space clustering distance, km
	TThresh     float64 `yaml:"tthresh" mapstructure:"tthresh"`         // space-time clustering gap, seconds
	IndivShifts bool    `yaml:"indivshifts" mapstructure:"indivshifts"` // allow per-channel shifts
}

// RankingSettings configures detection scoring.
type RankingSettings struct {
	MinAvgCorrelation float64        `yaml:"minavgcorrelation" mapstructure:"minavgcorrelation"`
	MinSNR            float64        `yaml:"minsnr" mapstructure:"minsnr"`
	Weights           RankingWeights `yaml:"weights" mapstructure:"weights"`
	TrigInt           float64        `yaml:"trigint" mapstructure:"trigint"` // decluster window, seconds
}

// RankingWeights are the score weights for each term.
type RankingWeights struct {
	Correlation    float64 `yaml:"correlation" mapstructure:"correlation"`
	ThresholdRatio float64 `yaml:"thresholdratio" mapstructure:"thresholdratio"`
	SNR            float64 `yaml:"snr" mapstructure:"snr"`
}

// ServerSettings configures the review API.
type ServerSettings struct {
	Host     string        `yaml:"host" mapstructure:"host"`
	Port     string        `yaml:"port" mapstructure:"port"`
	CacheTTL time.Duration `yaml:"cachettl" mapstructure:"cachettl"` // ranked listing cache lifetime

	AllowedOrigins []string `yaml:"allowedorigins" mapstructure:"allowedorigins"` // CORS origins, empty allows any
}

// MQTTSettings contains settings for publishing reviewed detections.
type MQTTSettings struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Broker   string `yaml:"broker" mapstructure:"broker"`
	ClientID string `yaml:"clientid" mapstructure:"clientid"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	Topic    string `yaml:"topic" mapstructure:"topic"`
	QoS      byte   `yaml:"qos" mapstructure:"qos"`
	Retain   bool   `yaml:"retain" mapstructure:"retain"`
}

// ArchiveStoreSettings configures the S3-compatible bucket tribe archives
// are published to.
type ArchiveStoreSettings struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"` // e.g. http://localhost:9000
	Region    string `yaml:"region" mapstructure:"region"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"` // key prefix for archives
	AccessKey string `yaml:"accesskey" mapstructure:"accesskey"`
	SecretKey string `yaml:"secretkey" mapstructure:"secretkey"`
}

// TelemetrySettings controls error reporting and metrics exposure.
type TelemetrySettings struct {
	Sentry  SentrySettings `yaml:"sentry" mapstructure:"sentry"`
	Metrics bool           `yaml:"metrics" mapstructure:"metrics"` // expose /metrics on the review API
}

// SentrySettings configures the optional Sentry error reporter.
type SentrySettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
}

// Settings is the root configuration of eqcutil.
type Settings struct {
	Debug     bool                 `yaml:"debug" mapstructure:"debug"`
	Logging   logger.LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Database  DatabaseSettings     `yaml:"database" mapstructure:"database"`
	WaveBank  WaveBankSettings     `yaml:"wavebank" mapstructure:"wavebank"`
	Template  TemplateSettings     `yaml:"template" mapstructure:"template"`
	Cluster   ClusterSettings      `yaml:"cluster" mapstructure:"cluster"`
	Ranking   RankingSettings      `yaml:"ranking" mapstructure:"ranking"`
	Server    ServerSettings       `yaml:"server" mapstructure:"server"`
	MQTT      MQTTSettings         `yaml:"mqtt" mapstructure:"mqtt"`
	Archive   ArchiveStoreSettings `yaml:"archive" mapstructure:"archive"`
	Telemetry TelemetrySettings    `yaml:"telemetry" mapstructure:"telemetry"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads configuration from configFile, or from the default search paths
// when configFile is empty. A missing default config file is not an error.
func Load(configFile string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(configFile); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

func initViper(configFile string) error {
	setDefaultConfig()

	if err := bindEnvVars(); err != nil {
		return err
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return errors.New(fmt.Errorf("error reading config file: %w", err)).
				Category(errors.CategoryConfiguration).
				FileContext(configFile, 0).
				Build()
		}
		return nil
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return err
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.New(fmt.Errorf("fatal error reading config file: %w", err)).
			Category(errors.CategoryConfiguration).
			Build()
	}

	return nil
}

// GetDefaultConfigPaths returns the directories searched for config.yaml.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategorySystem).
			Context("operation", "get-home-directory").
			Build()
	}

	return []string{
		".",
		filepath.Join(homeDir, ".config", "eqcutil"),
	}, nil
}

// GetSettings returns the most recently loaded settings, or nil.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SaveYAMLConfig writes settings to configPath atomically.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errors.New(err).Category(errors.CategoryFileIO).Build()
	}

	tempFile, err := os.CreateTemp(dir, "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return errors.New(fmt.Errorf("error replacing config file: %w", err)).
			Category(errors.CategoryFileIO).
			Build()
	}

	return nil
}

// DefaultSettings returns the settings produced by defaults alone.
func DefaultSettings() (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// RedactedDSN returns a printable form of the MySQL connection target.
func (s *MySQLSettings) RedactedDSN() string {
	return fmt.Sprintf("%s:***@tcp(%s:%s)/%s", s.Username, s.Host, s.Port, strings.TrimSpace(s.Database))
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seisreview/eqcutil/cmd/bank"
	"github.com/seisreview/eqcutil/cmd/config"
	"github.com/seisreview/eqcutil/cmd/detect"
	"github.com/seisreview/eqcutil/cmd/manifest"
	"github.com/seisreview/eqcutil/cmd/qm"
	"github.com/seisreview/eqcutil/cmd/review"
	"github.com/seisreview/eqcutil/cmd/serve"
	"github.com/seisreview/eqcutil/cmd/tribe"
	"github.com/seisreview/eqcutil/cmd/version"
	"github.com/seisreview/eqcutil/internal/buildinfo"
	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/logger"
	"github.com/seisreview/eqcutil/internal/telemetry"
)

// flagKeys maps root persistent flags to their configuration keys.
var flagKeys = map[string]string{
	"debug":    "debug",
	"database": "database.sqlite.path",
	"bank":     "wavebank.basepath",
}

// RootCommand creates and returns the root command. settings is filled in
// place before any subcommand runs.
func RootCommand(settings *conf.Settings, build buildinfo.BuildInfo) *cobra.Command {
	var configFile string
	var centralLogger *logger.CentralLogger

	rootCmd := &cobra.Command{
		Use:           "eqcutil",
		Short:         "Earthquake template matching and detection review utility",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd, &configFile); err != nil {
		panic(err)
	}

	versionCmd := version.Command(build)
	rootCmd.AddCommand(
		manifest.Command(settings),
		bank.Command(settings),
		qm.Command(settings),
		tribe.Command(settings),
		detect.Command(settings),
		review.Command(settings),
		serve.Command(settings, build),
		config.Command(settings),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// version needs neither configuration nor logging
		if cmd.Name() == versionCmd.Name() {
			return nil
		}

		loaded, err := conf.Load(configFile)
		if err != nil {
			return err
		}
		*settings = *loaded

		centralLogger, err = initialize(settings, build)
		return err
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		telemetry.Flush()
		if centralLogger != nil {
			return centralLogger.Close()
		}
		return nil
	}

	return rootCmd
}

// initialize sets up logging and error telemetry for a loaded configuration.
func initialize(settings *conf.Settings, build buildinfo.BuildInfo) (*logger.CentralLogger, error) {
	cfg := settings.Logging
	if settings.Debug {
		cfg.DefaultLevel = string(logger.LogLevelDebug)
		if cfg.Console != nil {
			console := *cfg.Console
			console.Level = string(logger.LogLevelDebug)
			cfg.Console = &console
		}
	}
	centralLogger, err := logger.NewCentralLogger(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(centralLogger)

	if err := telemetry.InitSentry(settings, build); err != nil {
		_ = centralLogger.Close()
		return nil, err
	}
	return centralLogger, nil
}

// setupFlags defines flags that are global to the command line interface
// and binds the configuration overrides into viper.
func setupFlags(rootCmd *cobra.Command, configFile *string) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(configFile, "config", "c", "", "Path to config file (default ./config.yaml or ~/.config/eqcutil/config.yaml)")
	flags.BoolP("debug", "d", false, "Enable debug output")
	flags.String("database", "", "Path to the SQLite database")
	flags.String("bank", "", "Path to the waveform bank")

	for name, key := range flagKeys {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", name, err)
		}
	}
	return nil
}

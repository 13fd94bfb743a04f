// Package config provides commands to inspect and create configuration files.
package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seisreview/eqcutil/internal/conf"
)

const redacted = "***"

// Command creates the config command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create configuration files",
	}
	cmd.AddCommand(dumpCommand(settings), validateCommand(settings), initCommand())
	return cmd
}

// Redact returns a copy of settings with credentials masked.
func Redact(settings *conf.Settings) conf.Settings {
	out := *settings
	for _, secret := range []*string{
		&out.Database.MySQL.Password,
		&out.MQTT.Password,
		&out.Archive.SecretKey,
		&out.Telemetry.Sentry.DSN,
	} {
		if *secret != "" {
			*secret = redacted
		}
	}
	return out
}

func dumpCommand(settings *conf.Settings) *cobra.Command {
	var showSecrets bool

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			effective := *settings
			if !showSecrets {
				effective = Redact(settings)
			}
			data, err := yaml.Marshal(&effective)
			if err != nil {
				return fmt.Errorf("error marshaling settings to YAML: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print passwords and keys unmasked")
	return cmd
}

func validateCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// loading already validated, checked again for settings changed by flags
			if err := conf.ValidateSettings(settings); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	}
}

func initCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init <path>",
		Short: "Write a configuration file holding the defaults",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defaults, err := conf.DefaultSettings()
			if err != nil {
				return err
			}
			if err := conf.SaveYAMLConfig(args[0], defaults); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
}

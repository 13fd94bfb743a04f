// Package bank provides the waveform bank commands.
package bank

import (
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/wavebank"
)

// Command creates the bank command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bank",
		Short: "Manage the waveform bank",
	}
	cmd.AddCommand(initCommand(settings), putCommand(settings), listCommand(settings))
	return cmd
}

func initCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "init [files.wav...]",
		Short: "Create the bank directory and index, optionally storing WAV files",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := wavebank.Initialize(cmd.Context(), wavebank.OptionsFromSettings(settings.WaveBank), args...)
			if err != nil {
				return err
			}
			defer b.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "bank ready at %s (%d files added)\n", b.BasePath(), len(args))
			return nil
		},
	}
}

func putCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "put <files.wav...>",
		Short: "Store WAV files named <seedid>__<start>.wav in the bank",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := wavebank.Connect(wavebank.OptionsFromSettings(settings.WaveBank))
			if err != nil {
				return err
			}
			defer b.Close()
			for _, file := range args {
				if err := b.PutFile(cmd.Context(), file); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %d files\n", len(args))
			return nil
		},
	}
}

func listCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the time span covered per seed id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := wavebank.Connect(wavebank.OptionsFromSettings(settings.WaveBank))
			if err != nil {
				return err
			}
			defer b.Close()

			spans, err := b.Availability(cmd.Context())
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(spans))
			for id := range spans {
				ids = append(ids, id)
			}
			slices.Sort(ids)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SEED ID\tSTART\tEND")
			for _, id := range ids {
				span := spans[id]
				fmt.Fprintf(w, "%s\t%s\t%s\n", id, span[0].Format(time.RFC3339Nano), span[1].Format(time.RFC3339Nano))
			}
			return w.Flush()
		},
	}
}

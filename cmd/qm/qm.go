// Package qm provides the QuakeMigrate conversion command.
package qm

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/datastore"
	"github.com/seisreview/eqcutil/internal/quakemigrate"
)

// Command creates the qm command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qm",
		Short: "Work with QuakeMigrate outputs",
	}
	cmd.AddCommand(convertCommand(settings))
	return cmd
}

func convertCommand(settings *conf.Settings) *cobra.Command {
	var (
		eventFiles []string
		pickFiles  []string
		output     string
		store      bool
	)
	opts := quakemigrate.DefaultOptions()

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert QuakeMigrate event and pick files into a catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := quakemigrate.Convert(eventFiles, pickFiles, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "" {
				if err := cat.WriteFile(output); err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote %d events to %s\n", cat.Len(), output)
			}

			if store {
				ds, err := datastore.Open(settings)
				if err != nil {
					return err
				}
				defer ds.Close()
				if err := ds.SaveEvents(cmd.Context(), cat.Events); err != nil {
					return err
				}
				fmt.Fprintf(out, "stored %d events in the event bank\n", cat.Len())
			}

			if output == "" && !store {
				return cat.WriteJSON(out)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&eventFiles, "events", nil, "QuakeMigrate .event files")
	cmd.Flags().StringSliceVar(&pickFiles, "picks", nil, "QuakeMigrate .picks files")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the catalog JSON to this file")
	cmd.Flags().BoolVar(&store, "store", false, "Save the events to the event bank")
	cmd.Flags().StringVar(&opts.HypType, "hyp", opts.HypType, "Hypocenter estimate: max or gau")
	cmd.Flags().Float64Var(&opts.MinSNR, "min-snr", opts.MinSNR, "Minimum pick SNR")
	cmd.Flags().StringVar(&opts.Network, "network", opts.Network, "Network code for picks")
	cmd.Flags().StringVar(&opts.Location, "location", opts.Location, "Location code for picks")
	cmd.Flags().StringToStringVar(&opts.ChanMapping, "chan-mapping", opts.ChanMapping, "Phase to channel mapping, e.g. P=HHZ,S=HHN")
	_ = cmd.MarkFlagRequired("events")
	_ = cmd.MarkFlagRequired("picks")
	return cmd
}

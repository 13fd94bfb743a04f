// Package tribe provides the template tribe commands.
package tribe

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/seisreview/eqcutil/internal/archivestore"
	"github.com/seisreview/eqcutil/internal/catalog"
	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/datastore"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/template"
	"github.com/seisreview/eqcutil/internal/tribe"
	"github.com/seisreview/eqcutil/internal/wavebank"
)

// Command creates the tribe command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tribe",
		Short: "Build, cluster and publish template tribes",
	}
	cmd.AddCommand(
		buildCommand(settings),
		clusterCommand(settings),
		showCommand(),
		publishCommand(settings),
		fetchCommand(settings),
		listCommand(settings),
	)
	return cmd
}

func buildCommand(settings *conf.Settings) *cobra.Command {
	var (
		eventIDs []string
		output   string
		compress bool
		single   string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Construct templates from the event bank and the waveform bank",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			bank, err := wavebank.Connect(wavebank.OptionsFromSettings(settings.WaveBank))
			if err != nil {
				return err
			}
			defer bank.Close()
			events, err := datastore.Open(settings)
			if err != nil {
				return err
			}
			defer events.Close()

			if len(eventIDs) == 0 {
				if eventIDs, err = allEventIDs(ctx, events); err != nil {
					return err
				}
			}

			t, err := tribe.FromBanks(ctx, bank, events, eventIDs, tribe.BuildOptions{
				Params:    template.ParamsFromSettings(settings.Template),
				Filter:    catalog.FilterOptions{EnforceSinglePick: single, Phases: settings.Template.Phases},
				Construct: template.ConstructOptions{Phases: settings.Template.Phases},
			})
			if err != nil {
				return err
			}
			path, err := t.Write(output, tribe.WriteOptions{Compress: compress})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d templates to %s\n", t.Len(), path)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&eventIDs, "event", nil, "Event ids to build templates for (default: every event in the bank)")
	cmd.Flags().StringVarP(&output, "output", "o", "tribe", "Output directory or archive path")
	cmd.Flags().BoolVar(&compress, "compress", true, "Write a .tgz archive")
	cmd.Flags().StringVar(&single, "single-pick", catalog.SinglePickPreferred, "Keep one pick per station and phase: preferred or earliest")
	return cmd
}

func allEventIDs(ctx context.Context, events datastore.Interface) ([]string, error) {
	index, err := events.ReadEventIndex(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(index))
	for i, row := range index {
		ids[i] = row.EventID
	}
	return ids, nil
}

func clusterCommand(settings *conf.Settings) *cobra.Command {
	var (
		method   string
		output   string
		compress bool
	)
	params := tribe.ClusterParams{}

	cmd := &cobra.Command{
		Use:   "cluster <tribe>",
		Short: "Cluster the templates of a tribe and store the membership",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := tribe.ParseMethod(method)
			if err != nil {
				return err
			}
			t, err := tribe.Read(args[0])
			if err != nil {
				return err
			}

			p := tribe.ParamsFromSettings(settings.Cluster)
			flags := cmd.Flags()
			if flags.Changed("corr-thresh") {
				p.CorrThresh = params.CorrThresh
			}
			if flags.Changed("shift-len") {
				p.ShiftLen = params.ShiftLen
			}
			if flags.Changed("dthresh") {
				p.DThresh = params.DThresh
			}
			if flags.Changed("tthresh") {
				p.TThresh = params.TThresh
			}

			if err := t.Cluster(cmd.Context(), m, p); err != nil {
				return err
			}
			if output == "" {
				output = args[0]
			}
			path, err := t.Write(output, tribe.WriteOptions{Compress: compress})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, group := range t.Groups(m) {
				fmt.Fprintf(out, "cluster %d: %v\n", i, group)
			}
			fmt.Fprintf(out, "wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&method, "method", string(tribe.MethodCorrelation), "correlation_cluster, space_cluster or space_time_cluster")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (default: overwrite the input)")
	cmd.Flags().BoolVar(&compress, "compress", true, "Write a .tgz archive")
	cmd.Flags().Float64Var(&params.CorrThresh, "corr-thresh", 0, "Correlation threshold for flat clusters")
	cmd.Flags().Float64Var(&params.ShiftLen, "shift-len", 0, "Maximum shift in seconds")
	cmd.Flags().Float64Var(&params.DThresh, "dthresh", 0, "Space clustering distance, km")
	cmd.Flags().Float64Var(&params.TThresh, "tthresh", 0, "Space-time clustering gap, seconds")
	return cmd
}

func showCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <tribe>",
		Short: "List the templates of a tribe and their cluster membership",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tribe.Read(args[0])
			if err != nil {
				return err
			}
			methods := t.Methods()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprint(w, "TEMPLATE\tTRACES")
			for _, m := range methods {
				fmt.Fprintf(w, "\t%s", m)
			}
			fmt.Fprintln(w)

			membership := make([]map[string]int, len(methods))
			for i, m := range methods {
				membership[i] = make(map[string]int)
				for g, names := range t.Groups(m) {
					for _, name := range names {
						membership[i][name] = g
					}
				}
			}
			for _, tmpl := range t.Templates() {
				fmt.Fprintf(w, "%s\t%d", tmpl.Name, len(tmpl.Stream))
				for i := range methods {
					if g, ok := membership[i][tmpl.Name]; ok {
						fmt.Fprintf(w, "\t%d", g)
					} else {
						fmt.Fprint(w, "\t-")
					}
				}
				fmt.Fprintln(w)
			}
			return w.Flush()
		},
	}
}

func openStore(ctx context.Context, settings *conf.Settings) (*archivestore.Store, error) {
	if !settings.Archive.Enabled {
		return nil, errors.Newf("archive store is disabled, set archive.enabled").
			Component("cli").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return archivestore.New(ctx, archivestore.SettingsFromConfig(settings.Archive))
}

func publishCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <archive.tgz>",
		Short: "Upload a tribe archive to the archive store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), settings)
			if err != nil {
				return err
			}
			key, err := store.Upload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s as %s\n", args[0], key)
			return nil
		},
	}
}

func fetchCommand(settings *conf.Settings) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "fetch <key>",
		Short: "Download a tribe archive from the archive store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), settings)
			if err != nil {
				return err
			}
			path, err := store.Download(cmd.Context(), args[0], dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "downloaded %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "output", "o", ".", "Directory to download into")
	return cmd
}

func listCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tribe archives in the archive store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), settings)
			if err != nil {
				return err
			}
			objects, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tSIZE\tMODIFIED")
			for _, o := range objects {
				fmt.Fprintf(w, "%s\t%d\t%s\n", o.Key, o.Size, o.LastModified.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

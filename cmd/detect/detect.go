// Package detect provides the detection ingestion and ranking commands.
package detect

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/datastore"
	"github.com/seisreview/eqcutil/internal/detection"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
	"github.com/seisreview/eqcutil/internal/ranking"
	"github.com/seisreview/eqcutil/internal/wavebank"
	"github.com/seisreview/eqcutil/internal/waveform"
)

// Command creates the detect command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Ingest, rank and decluster matched-filter detections",
	}
	cmd.AddCommand(ingestCommand(settings), rankCommand(settings), declusterCommand(settings))
	return cmd
}

func ingestCommand(settings *conf.Settings) *cobra.Command {
	var (
		format  string
		source  string
		snr     bool
		window  = detection.DefaultWindow
		lowCut  float64
		highCut float64
	)

	cmd := &cobra.Command{
		Use:   "ingest <detections file>",
		Short: "Read a detection file, validate it and store the detections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := detection.ParseFormat(format)
			if err != nil {
				return err
			}
			file, err := os.Open(args[0])
			if err != nil {
				return errors.New(err).
					Component("cli").
					Category(errors.CategoryFileIO).
					FileContext(args[0], 0).
					Build()
			}
			defer file.Close()

			if source == "" {
				source = filepath.Base(args[0])
			}
			report, err := detection.Ingest(ctx, file, f, source)
			if err != nil {
				return err
			}

			if snr {
				bank, err := wavebank.Connect(wavebank.OptionsFromSettings(settings.WaveBank))
				if err != nil {
					return err
				}
				defer bank.Close()
				window.LowCut, window.HighCut = lowCut, highCut
				log := logger.Global().Module("cli")
				for _, d := range report.Detections {
					if err := detection.EstimateSNR(ctx, bank, d, window); err != nil {
						log.Warn("SNR estimate failed",
							logger.String("detection_id", d.ID),
							logger.Error(err))
					}
				}
			}

			ds, err := datastore.Open(settings)
			if err != nil {
				return err
			}
			defer ds.Close()
			saved, err := detection.NewRepository(ds).Save(ctx, report.Detections)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rows: %d, stored: %d, duplicates: %d, rejected: %d\n",
				report.Rows, saved, report.Duplicates, len(report.Rejected))
			for _, r := range report.Rejected {
				fmt.Fprintf(out, "  line %d: %s\n", r.Line, r.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", string(detection.FormatCSV), "Input format: csv or jsonl")
	cmd.Flags().StringVar(&source, "source", "", "Source label stored with each detection (default: file name)")
	cmd.Flags().BoolVar(&snr, "snr", false, "Estimate SNR from the waveform bank")
	cmd.Flags().DurationVar(&window.Noise, "noise", window.Noise, "SNR noise window before the detection")
	cmd.Flags().DurationVar(&window.Signal, "signal", window.Signal, "SNR signal window from the detection on")
	cmd.Flags().Float64Var(&lowCut, "lowcut", 0, "Bandpass low corner for SNR, Hz (0 disables filtering)")
	cmd.Flags().Float64Var(&highCut, "highcut", 0, "Bandpass high corner for SNR, Hz")
	return cmd
}

// filterFlags registers the listing filters shared by rank and decluster.
func filterFlags(cmd *cobra.Command, f *detection.Filters, start, end *string) {
	cmd.Flags().StringVar(&f.TemplateName, "template", "", "Only detections of this template")
	cmd.Flags().StringVar(start, "start", "", "Earliest detect time, RFC3339")
	cmd.Flags().StringVar(end, "end", "", "Latest detect time, RFC3339")
}

func parseWindow(f *detection.Filters, start, end string) error {
	for _, p := range []struct {
		value string
		dst   *time.Time
	}{{start, &f.Start}, {end, &f.End}} {
		if p.value == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, p.value)
		if err != nil {
			return errors.New(err).
				Component("cli").
				Category(errors.CategoryValidation).
				Build()
		}
		*p.dst = t.UTC()
	}
	return nil
}

func rankCommand(settings *conf.Settings) *cobra.Command {
	var (
		filters    detection.Filters
		start, end string
	)

	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Score stored detections and print them best first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := parseWindow(&filters, start, end); err != nil {
				return err
			}
			ds, err := datastore.Open(settings)
			if err != nil {
				return err
			}
			defer ds.Close()

			limit := filters.Limit
			filters.Limit = 0
			dets, err := detection.NewRepository(ds).List(cmd.Context(), filters)
			if err != nil {
				return err
			}
			ranked := ranking.FromSettings(settings.Ranking).Rank(values(dets))
			if limit > 0 && len(ranked) > limit {
				ranked = ranked[:limit]
			}
			return printRanked(cmd.OutOrStdout(), ranked)
		},
	}

	filterFlags(cmd, &filters, &start, &end)
	cmd.Flags().IntVarP(&filters.Limit, "limit", "n", 20, "Number of detections to print (0 for all)")
	return cmd
}

func values(dets []*detection.Detection) []detection.Detection {
	out := make([]detection.Detection, len(dets))
	for i, d := range dets {
		out[i] = *d
	}
	return out
}

func printRanked(w io.Writer, ranked []ranking.Ranked) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tSCORE\tAVG CC\tSNR\tTEMPLATE\tDETECT TIME\tVERDICT\tID")
	for i := range ranked {
		r := &ranked[i]
		snr := "-"
		if r.HasSNR() {
			snr = fmt.Sprintf("%.2f", r.SNR)
		}
		fmt.Fprintf(tw, "%d\t%.3f\t%.3f\t%s\t%s\t%s\t%s\t%s\n",
			r.Rank, r.Score, r.AvgCorrelation(), snr, r.TemplateName,
			r.DetectTime.Format(time.RFC3339Nano), r.EffectiveVerdict(), r.ID)
	}
	return tw.Flush()
}

func declusterCommand(settings *conf.Settings) *cobra.Command {
	var (
		filters    detection.Filters
		start, end string
		trigInt    float64
		metric     string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "decluster",
		Short: "Keep the best detection within each trigger interval across templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := parseWindow(&filters, start, end); err != nil {
				return err
			}
			m, err := ranking.ParseMetric(metric)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("trig-int") {
				trigInt = settings.Ranking.TrigInt
			}

			ds, err := datastore.Open(settings)
			if err != nil {
				return err
			}
			defer ds.Close()
			dets, err := detection.NewRepository(ds).List(cmd.Context(), filters)
			if err != nil {
				return err
			}

			kept, err := ranking.Decluster(values(dets), waveform.Seconds(trigInt), m)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return errors.New(err).
						Component("cli").
						Category(errors.CategoryFileIO).
						FileContext(output, 0).
						Build()
				}
				defer file.Close()
				out = file
			}
			ptrs := make([]*detection.Detection, len(kept))
			for i := range kept {
				ptrs[i] = &kept[i]
			}
			if err := detection.WriteCSV(out, ptrs); err != nil {
				return err
			}
			if output != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "kept %d of %d detections, wrote %s\n", len(kept), len(dets), output)
			}
			return nil
		},
	}

	filterFlags(cmd, &filters, &start, &end)
	cmd.Flags().Float64Var(&trigInt, "trig-int", 0, "Trigger interval in seconds (default: ranking.trigint)")
	cmd.Flags().StringVar(&metric, "metric", string(ranking.MetricAvgCor), "avg_cor or cor_sum")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the kept detections to this file instead of stdout")
	return cmd
}

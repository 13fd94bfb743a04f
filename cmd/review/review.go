// Package review provides the detection review commands.
package review

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/datastore"
	"github.com/seisreview/eqcutil/internal/detection"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/mqtt"
	"github.com/seisreview/eqcutil/internal/ranking"
	"github.com/seisreview/eqcutil/internal/review"
)

// Command creates the review command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Review ranked detections and export the results",
	}
	cmd.AddCommand(
		verdictCommand(settings),
		lockCommand(settings, true),
		lockCommand(settings, false),
		nextCommand(settings),
		summaryCommand(settings),
		exportCommand(settings),
	)
	return cmd
}

// withService opens the datastore for the duration of fn.
func withService(ctx context.Context, settings *conf.Settings, fn func(*review.Service) error) error {
	ds, err := datastore.Open(settings)
	if err != nil {
		return err
	}
	defer ds.Close()
	svc := review.NewService(detection.NewRepository(ds), ranking.FromSettings(settings.Ranking), nil)
	return fn(svc)
}

func verdictCommand(settings *conf.Settings) *cobra.Command {
	var reviewer, comment string

	cmd := &cobra.Command{
		Use:   "verdict <detection id> <confirmed|rejected|uncertain|unreviewed>",
		Short: "Record a verdict, with an optional comment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reviewer == "" {
				reviewer = os.Getenv("USER")
			}
			return withService(cmd.Context(), settings, func(svc *review.Service) error {
				err := svc.Review(cmd.Context(), args[0], detection.Verdict(args[1]), reviewer, comment)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s by %s\n", args[0], args[1], reviewer)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&reviewer, "reviewer", "r", "", "Reviewer name (default: $USER)")
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "Comment stored with the verdict")
	return cmd
}

func lockCommand(settings *conf.Settings, locked bool) *cobra.Command {
	use, short := "lock", "Lock a detection against further review changes"
	if !locked {
		use, short = "unlock", "Allow review changes on a locked detection"
	}
	return &cobra.Command{
		Use:   use + " <detection id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), settings, func(svc *review.Service) error {
				if err := svc.SetLock(cmd.Context(), args[0], locked); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %sed\n", args[0], use)
				return nil
			})
		},
	}
}

func nextCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Show the highest ranked detection still awaiting review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), settings, func(svc *review.Service) error {
				next, err := svc.Next(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "id:          %s\n", next.ID)
				fmt.Fprintf(out, "template:    %s\n", next.TemplateName)
				fmt.Fprintf(out, "detect time: %s\n", next.DetectTime.Format(time.RFC3339Nano))
				fmt.Fprintf(out, "channels:    %d %v\n", next.NoChans, next.Chans)
				fmt.Fprintf(out, "avg cc:      %.3f\n", next.AvgCorrelation())
				if next.HasSNR() {
					fmt.Fprintf(out, "snr:         %.2f\n", next.SNR)
				}
				fmt.Fprintf(out, "score:       %.3f (rank %d)\n", next.Score, next.Rank)
				return nil
			})
		},
	}
}

func summaryCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count detections per verdict",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), settings, func(svc *review.Service) error {
				sum, err := svc.Summary(cmd.Context())
				if err != nil {
					return err
				}
				verdicts := make([]detection.Verdict, 0, len(sum.Counts))
				for v := range sum.Counts {
					verdicts = append(verdicts, v)
				}
				slices.Sort(verdicts)

				out := cmd.OutOrStdout()
				for _, v := range verdicts {
					fmt.Fprintf(out, "%-11s %d\n", v, sum.Counts[v])
				}
				fmt.Fprintf(out, "%-11s %d\n", "total", sum.Total)
				return nil
			})
		},
	}
}

func exportCommand(settings *conf.Settings) *cobra.Command {
	var (
		format     string
		output     string
		verdict    string
		template   string
		minAvgCorr float64
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export ranked detections with their verdicts as csv, json or mqtt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filters := detection.Filters{TemplateName: template, MinAvgCorrelation: minAvgCorr}
			if verdict != "" {
				v, ok := detection.ParseVerdict(verdict)
				if !ok {
					return errors.Newf("unknown verdict %q", verdict).
						Component("cli").
						Category(errors.CategoryValidation).
						Build()
				}
				filters.Verdict = v
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && format != "mqtt" {
				file, err := os.Create(output)
				if err != nil {
					return errors.New(err).
						Component("cli").
						Category(errors.CategoryFileIO).
						FileContext(output, 0).
						Build()
				}
				defer file.Close()
				w = file
			}

			exporter, closeFn, err := newExporter(settings, format, w)
			if err != nil {
				return err
			}
			defer closeFn()

			return withService(ctx, settings, func(svc *review.Service) error {
				n, err := svc.Export(ctx, exporter, filters)
				if err != nil {
					return err
				}
				if output != "" || format == "mqtt" {
					fmt.Fprintf(cmd.OutOrStdout(), "exported %d detections as %s\n", n, format)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "Export format: csv, json or mqtt")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file for csv and json (default: stdout)")
	cmd.Flags().StringVar(&verdict, "verdict", "", "Only detections with this verdict")
	cmd.Flags().StringVar(&template, "template", "", "Only detections of this template")
	cmd.Flags().Float64Var(&minAvgCorr, "min-avg-cc", 0, "Minimum absolute average correlation")
	return cmd
}

func newExporter(settings *conf.Settings, format string, w io.Writer) (review.Exporter, func(), error) {
	switch format {
	case "csv":
		return review.CSVExporter{W: w}, func() {}, nil
	case "json":
		return review.JSONExporter{W: w}, func() {}, nil
	case "mqtt":
		if !settings.MQTT.Enabled {
			return nil, nil, errors.Newf("mqtt export is disabled, set mqtt.enabled").
				Component("cli").
				Category(errors.CategoryConfiguration).
				Build()
		}
		client, err := mqtt.NewClient(mqtt.ConfigFromSettings(settings.MQTT), nil)
		if err != nil {
			return nil, nil, err
		}
		return review.MQTTExporter{Client: client, Topic: settings.MQTT.Topic}, client.Disconnect, nil
	default:
		return nil, nil, errors.Newf("unsupported export format %q", format).
			Component("cli").
			Category(errors.CategoryValidation).
			Build()
	}
}

// Package serve provides the review API server command.
package serve

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seisreview/eqcutil/internal/buildinfo"
	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/datastore"
	"github.com/seisreview/eqcutil/internal/detection"
	"github.com/seisreview/eqcutil/internal/httpserver"
	"github.com/seisreview/eqcutil/internal/observability"
	"github.com/seisreview/eqcutil/internal/observability/metrics"
	"github.com/seisreview/eqcutil/internal/ranking"
	"github.com/seisreview/eqcutil/internal/review"
)

// Command creates the serve command.
func Command(settings *conf.Settings, build buildinfo.BuildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the detection review API",
		Long:  "Serve the ranked detection listing, review actions and CSV export over HTTP until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := datastore.Open(settings)
			if err != nil {
				return err
			}
			defer ds.Close()

			var (
				m             *observability.Metrics
				reviewMetrics *metrics.ReviewMetrics
			)
			ranker := ranking.FromSettings(settings.Ranking)
			if settings.Telemetry.Metrics {
				if m, err = observability.NewMetrics(); err != nil {
					return err
				}
				ranker.Recorder = m.Detection
				reviewMetrics = m.Review
			}

			svc := review.NewService(detection.NewRepository(ds), ranker, reviewMetrics)
			return httpserver.New(settings, svc, build, m).Run(cmd.Context())
		},
	}

	cmd.Flags().String("host", "", "Listen host (default: server.host)")
	cmd.Flags().String("port", "", "Listen port (default: server.port)")
	_ = viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	return cmd
}

package review

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/seisreview/eqcutil/internal/detection"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/mqtt"
	"github.com/seisreview/eqcutil/internal/ranking"
)

// CSVHeader is the column order of CSV exports.
var CSVHeader = []string{"id", "template", "detect_time", "avg_cc", "score", "snr", "verdict", "reviewer", "reviewed_at"}

// Record is one exported review row.
type Record struct {
	ID         string            `json:"id"`
	Template   string            `json:"template"`
	DetectTime time.Time         `json:"detect_time"`
	AvgCC      float64           `json:"avg_cc"`
	Score      float64           `json:"score"`
	SNR        float64           `json:"snr,omitempty"`
	Verdict    detection.Verdict `json:"verdict"`
	Reviewer   string            `json:"reviewer,omitempty"`
	ReviewedAt time.Time         `json:"reviewed_at,omitzero"`
	Locked     bool              `json:"locked"`
}

// NewRecord flattens a ranked detection.
func NewRecord(r *ranking.Ranked) Record {
	avg := r.AvgCorrelation()
	if math.IsNaN(avg) {
		avg = 0
	}
	rec := Record{
		ID:         r.ID,
		Template:   r.TemplateName,
		DetectTime: r.DetectTime.UTC(),
		AvgCC:      avg,
		Score:      r.Score,
		Verdict:    r.EffectiveVerdict(),
		Reviewer:   r.Reviewer,
		ReviewedAt: r.ReviewedAt,
		Locked:     r.Locked,
	}
	if r.HasSNR() {
		rec.SNR = r.SNR
	}
	return rec
}

// Exporter writes review records somewhere.
type Exporter interface {
	Export(ctx context.Context, records []Record) error
}

type namedExporter interface {
	Name() string
}

func exporterName(e Exporter) string {
	if n, ok := e.(namedExporter); ok {
		return n.Name()
	}
	return "custom"
}

func exportError(err error, exporter string) error {
	return errors.New(err).
		Component("review").
		Category(errors.CategoryReview).
		Context("exporter", exporter).
		Build()
}

// CSVExporter writes records as CSV with CSVHeader.
type CSVExporter struct {
	W io.Writer
}

// Name implements namedExporter.
func (CSVExporter) Name() string { return "csv" }

// Export writes the header and one row per record.
func (e CSVExporter) Export(ctx context.Context, records []Record) error {
	w := csv.NewWriter(e.W)
	if err := w.Write(CSVHeader); err != nil {
		return exportError(err, "csv")
	}
	for i := range records {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := w.Write(csvRow(&records[i])); err != nil {
			return exportError(err, "csv")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return exportError(err, "csv")
	}
	return nil
}

func csvRow(r *Record) []string {
	var snr, reviewedAt string
	if r.SNR > 0 {
		snr = strconv.FormatFloat(r.SNR, 'f', 3, 64)
	}
	if !r.ReviewedAt.IsZero() {
		reviewedAt = r.ReviewedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		r.ID,
		r.Template,
		r.DetectTime.UTC().Format(time.RFC3339Nano),
		strconv.FormatFloat(r.AvgCC, 'f', 4, 64),
		strconv.FormatFloat(r.Score, 'f', 4, 64),
		snr,
		string(r.Verdict),
		r.Reviewer,
		reviewedAt,
	}
}

// JSONExporter writes records as one indented JSON array.
type JSONExporter struct {
	W io.Writer
}

// Name implements namedExporter.
func (JSONExporter) Name() string { return "json" }

// Export encodes records. An empty input is written as [].
func (e JSONExporter) Export(_ context.Context, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	enc := json.NewEncoder(e.W)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return exportError(err, "json")
	}
	return nil
}

// MQTTExporter publishes one JSON message per record on <Topic>/<template>.
type MQTTExporter struct {
	Client mqtt.Client
	Topic  string
}

// Name implements namedExporter.
func (MQTTExporter) Name() string { return "mqtt" }

// Export publishes records in order and stops at the first failure.
func (e MQTTExporter) Export(ctx context.Context, records []Record) error {
	if !e.Client.IsConnected() {
		if err := e.Client.Connect(ctx); err != nil {
			return err
		}
	}
	for i := range records {
		payload, err := json.Marshal(&records[i])
		if err != nil {
			return exportError(err, "mqtt")
		}
		if err := e.Client.Publish(ctx, RecordTopic(e.Topic, records[i].Template), payload); err != nil {
			return err
		}
	}
	return nil
}

var topicReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// RecordTopic is base/template with MQTT wildcard and level characters in
// the template name replaced.
func RecordTopic(base, template string) string {
	base = strings.TrimRight(base, "/")
	return base + "/" + topicReplacer.Replace(template)
}

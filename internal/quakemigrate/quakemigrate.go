// Package quakemigrate converts QuakeMigrate *.event and *.pick CSV outputs
// into a catalog with pick, arrival and phase hint references in place.
package quakemigrate

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/seisreview/eqcutil/internal/catalog"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
)

// EventColumns must all be present in an event file.
var EventColumns = []string{
	"EventID", "DT", "X", "Y", "Z", "COA", "COA_NORM",
	"GAU_X", "GAU_Y", "GAU_Z", "GAU_ErrX", "GAU_ErrY", "GAU_ErrZ",
	"COV_ErrX", "COV_ErrY", "COV_ErrZ", "TRIG_COA", "DEC_COA", "DEC_COA_NORM",
}

// PickColumns must all be present in a pick file.
var PickColumns = []string{"Station", "Phase", "ModelledTime", "PickTime", "PickError", "SNR"}

// Hypocenter estimate types.
const (
	HypMax = "max"
	HypGau = "gau"
)

// unpicked marks a phase QuakeMigrate modelled but did not pick.
const unpicked = "-1"

// Options controls Convert.
type Options struct {
	HypType     string
	MinSNR      float64
	Network     string
	Location    string
	ChanMapping map[string]string
	Extras      []string
	Logger      logger.Logger
}

// DefaultOptions returns max hypocenters, SNR >= 3, network XX and the
// P:HHZ S:HHN channel mapping.
func DefaultOptions() Options {
	return Options{
		HypType:     HypMax,
		MinSNR:      3,
		Network:     "XX",
		ChanMapping: catalog.DefaultChannelMapping(),
	}
}

type eventRow struct {
	id         int64
	dt         time.Time
	x, y, z    float64
	gx, gy, gz float64
	ml         float64
	mlErr      float64
	hasML      bool
}

type pickRow struct {
	eventID      int64
	station      string
	phase        string
	modelledTime string
	pickTime     string
	pickError    float64
	snr          float64
}

// Convert reads the event and pick files and builds a catalog. Unreadable
// files are logged and skipped. Picks for unknown events are dropped.
func Convert(eventFiles, pickFiles []string, opts Options) (*catalog.Catalog, error) {
	if opts.Logger == nil {
		opts.Logger = GetLogger()
	}
	if opts.ChanMapping == nil {
		opts.ChanMapping = catalog.DefaultChannelMapping()
	}
	hyp := strings.ToLower(opts.HypType)
	if hyp == "" {
		hyp = HypMax
	}
	if hyp != HypMax && hyp != HypGau {
		return nil, errors.Newf("hypocenter type %q not supported", opts.HypType).
			Component("quakemigrate").
			Category(errors.CategoryValidation).
			Build()
	}
	log := opts.Logger

	var events []eventRow
	for _, f := range eventFiles {
		rows, err := readEventFile(f)
		if err != nil {
			log.Warn("skipping event file", logger.String("path", f), logger.Error(err))
			continue
		}
		events = append(events, rows...)
	}

	known := make(map[int64]bool, len(events))
	for _, e := range events {
		known[e.id] = true
	}

	var picks []pickRow
	for _, f := range pickFiles {
		rows, err := readPickFile(f)
		if err != nil {
			log.Warn("skipping pick file", logger.String("path", f), logger.Error(err))
			continue
		}
		for _, p := range rows {
			if known[p.eventID] {
				picks = append(picks, p)
			}
		}
	}
	if len(picks) == 0 {
		log.Error("no picks matched event ids in event files", logger.Int("events", len(events)))
	} else {
		log.Info("matched picks to events", logger.Int("picks", len(picks)), logger.Int("events", len(events)))
	}

	cat := &catalog.Catalog{Events: make([]catalog.Event, 0, len(events))}
	for _, e := range events {
		ev, err := buildEvent(e, picks, hyp, opts)
		if err != nil {
			return nil, err
		}
		cat.Events = append(cat.Events, ev)
	}
	return cat, nil
}

func buildEvent(e eventRow, picks []pickRow, hyp string, opts Options) (catalog.Event, error) {
	eventID, err := catalog.FormatResourceID(catalog.ResourceIDOptions{Extras: opts.Extras, Name: strconv.FormatInt(e.id, 10)})
	if err != nil {
		return catalog.Event{}, err
	}
	origin := catalog.Origin{
		ResourceID: resourceID("origin", opts.Extras),
		Time:       e.dt,
	}
	// QuakeMigrate reports depth in km
	switch hyp {
	case HypMax:
		origin.Latitude, origin.Longitude, origin.Depth = e.y, e.x, e.z*1000
	case HypGau:
		origin.Latitude, origin.Longitude, origin.Depth = e.gy, e.gx, e.gz*1000
	}

	ev := catalog.Event{ResourceID: eventID, PreferredOriginID: origin.ResourceID}

	if e.hasML {
		mag := catalog.Magnitude{
			ResourceID:    resourceID("magnitude", opts.Extras),
			Mag:           e.ml,
			MagnitudeType: "ML",
			Uncertainty:   e.mlErr,
			OriginID:      origin.ResourceID,
		}
		ev.Magnitudes = append(ev.Magnitudes, mag)
		ev.PreferredMagnitudeID = mag.ResourceID
	}

	for _, p := range picks {
		if p.eventID != e.id || p.snr < opts.MinSNR {
			continue
		}
		if strings.TrimSpace(p.pickTime) == unpicked {
			opts.Logger.Debug("skipping unpicked phase",
				logger.String("station", p.station),
				logger.String("phase", p.phase))
			continue
		}
		seedID, err := catalog.FormatStreamID(p.phase, p.station, opts.Network, opts.Location, opts.ChanMapping)
		if err != nil {
			return catalog.Event{}, err
		}
		wid, err := catalog.ParseWaveformStreamID(seedID)
		if err != nil {
			return catalog.Event{}, err
		}
		pickTime, err := parseTime(p.pickTime)
		if err != nil {
			return catalog.Event{}, err
		}
		modelled, err := parseTime(p.modelledTime)
		if err != nil {
			return catalog.Event{}, err
		}

		pk := catalog.Pick{
			ResourceID:     resourceID("pick", opts.Extras),
			Time:           pickTime,
			TimeError:      p.pickError,
			Waveform:       wid,
			PhaseHint:      p.phase,
			EvaluationMode: catalog.EvaluationAutomatic,
		}
		ev.Picks = append(ev.Picks, pk)
		origin.Arrivals = append(origin.Arrivals, catalog.Arrival{
			ResourceID:   resourceID("arrival", opts.Extras),
			PickID:       pk.ResourceID,
			Phase:        p.phase,
			TimeResidual: pickTime.Sub(modelled).Seconds(),
		})
	}
	ev.Origins = []catalog.Origin{origin}
	return ev, nil
}

func resourceID(kind string, extras []string) catalog.ResourceID {
	id, err := catalog.FormatResourceID(catalog.ResourceIDOptions{Type: kind, Extras: extras})
	if err != nil {
		return catalog.NewResourceID(kind)
	}
	return id
}

// table is a CSV file indexed by header name.
type table struct {
	cols map[string]int
	rows [][]string
}

func (t *table) get(row []string, col string) string {
	i, ok := t.cols[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (t *table) float(row []string, col string) (float64, error) {
	v := t.get(row, col)
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("column %s: %w", col, err)
	}
	return f, nil
}

func readTable(path string, required []string) (*table, error) {
	f, err := os.Open(path) //nolint:gosec // user supplied QuakeMigrate output
	if err != nil {
		return nil, errors.New(err).
			Component("quakemigrate").
			Category(errors.CategoryFileIO).
			FileContext(path, 0).
			Build()
	}
	defer f.Close()
	return parseTable(f, path, required)
}

func parseTable(r io.Reader, path string, required []string) (*table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, errors.New(err).
			Component("quakemigrate").
			Category(errors.CategoryFileParsing).
			Context("path", path).
			Build()
	}
	if len(records) == 0 {
		return nil, errors.Newf("%s is empty", path).
			Component("quakemigrate").
			Category(errors.CategoryFileParsing).
			Build()
	}
	t := &table{cols: make(map[string]int), rows: records[1:]}
	for i, name := range records[0] {
		t.cols[strings.TrimSpace(name)] = i
	}
	var missing []string
	for _, c := range required {
		if _, ok := t.cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Newf("%s is missing columns %s", path, strings.Join(missing, ", ")).
			Component("quakemigrate").
			Category(errors.CategoryFileParsing).
			Build()
	}
	return t, nil
}

func readEventFile(path string) ([]eventRow, error) {
	t, err := readTable(path, EventColumns)
	if err != nil {
		return nil, err
	}
	return parseEventRows(t, path)
}

func parseEventRows(t *table, path string) ([]eventRow, error) {
	_, hasML := t.cols["ML"]
	out := make([]eventRow, 0, len(t.rows))
	for n, row := range t.rows {
		var e eventRow
		var err error
		if e.id, err = strconv.ParseInt(t.get(row, "EventID"), 10, 64); err != nil {
			return nil, rowError(path, n, err)
		}
		if e.dt, err = parseTime(t.get(row, "DT")); err != nil {
			return nil, rowError(path, n, err)
		}
		for col, dst := range map[string]*float64{
			"X": &e.x, "Y": &e.y, "Z": &e.z,
			"GAU_X": &e.gx, "GAU_Y": &e.gy, "GAU_Z": &e.gz,
		} {
			if *dst, err = t.float(row, col); err != nil {
				return nil, rowError(path, n, err)
			}
		}
		if hasML {
			if ml, err := t.float(row, "ML"); err == nil && !math.IsNaN(ml) {
				e.ml, e.hasML = ml, true
				if mlErr, err := t.float(row, "ML_Err"); err == nil && !math.IsNaN(mlErr) {
					e.mlErr = mlErr
				}
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func readPickFile(path string) ([]pickRow, error) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	eventID, err := strconv.ParseInt(stem, 10, 64)
	if err != nil {
		return nil, errors.Newf("pick file name %q is not an event id", filepath.Base(path)).
			Component("quakemigrate").
			Category(errors.CategoryValidation).
			Build()
	}
	t, err := readTable(path, PickColumns)
	if err != nil {
		return nil, err
	}
	return parsePickRows(t, path, eventID)
}

func parsePickRows(t *table, path string, eventID int64) ([]pickRow, error) {
	out := make([]pickRow, 0, len(t.rows))
	for n, row := range t.rows {
		p := pickRow{
			eventID:      eventID,
			station:      t.get(row, "Station"),
			phase:        t.get(row, "Phase"),
			modelledTime: t.get(row, "ModelledTime"),
			pickTime:     t.get(row, "PickTime"),
		}
		var err error
		if p.snr, err = t.float(row, "SNR"); err != nil {
			return nil, rowError(path, n, err)
		}
		// unpicked rows carry -1 placeholders
		if p.pickError, err = t.float(row, "PickError"); err != nil {
			p.pickError = 0
		}
		out = append(out, p)
	}
	return out, nil
}

func rowError(path string, row int, err error) error {
	return errors.New(err).
		Component("quakemigrate").
		Category(errors.CategoryFileParsing).
		Context("path", path).
		Context("row", row+2).
		Build()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z0700",
}

// parseTime accepts the ISO-8601 variants QuakeMigrate writes. Times without
// a zone are UTC.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf("unrecognized time %q", s).
		Component("quakemigrate").
		Category(errors.CategoryFileParsing).
		Build()
}

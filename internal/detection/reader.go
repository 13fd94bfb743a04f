package detection

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
)

// Format names a detection file format.
type Format string

// Supported input formats.
const (
	FormatCSV   Format = "csv"   // EQcorrscan semicolon separated
	FormatJSONL Format = "jsonl" // one JSON object per line
)

// CSVHeader is the first line of a matched-filter detection file.
var CSVHeader = []string{
	"Template name", "Detection time (UTC)", "Number of channels", "Channel list",
	"Detect value", "Threshold", "Threshold type", "Input threshold", "Detection type",
}

// idNamespace seeds the name based detection ids so re-ingesting a file
// yields the same ids.
var idNamespace = uuid.MustParse("6f1c1f0e-3a55-4d55-9b7e-2f0a5a6c0d11")

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSONL:
		return f, nil
	case "json", "ndjson":
		return FormatJSONL, nil
	default:
		return "", errors.Newf("unsupported detection format %q", s).
			Component("detection").
			Category(errors.CategoryValidation).
			Build()
	}
}

// Rejection reports an input row that did not become a detection.
type Rejection struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// IngestReport summarizes one Ingest call.
type IngestReport struct {
	Detections []*Detection `json:"-"`
	Rejected   []Rejection  `json:"rejected,omitempty"`
	Duplicates int          `json:"duplicates"`
	Rows       int          `json:"rows"`
}

// row is one parsed input line before validation.
type row struct {
	line int
	det  Detection
	err  error
}

// Ingest reads detections in format from r, validates and normalizes them.
// Bad rows are reported, not fatal. Exact duplicates (template and detect
// time) keep their first occurrence.
func Ingest(ctx context.Context, r io.Reader, format Format, source string) (*IngestReport, error) {
	var (
		rows []row
		err  error
	)
	switch format {
	case FormatCSV:
		rows, err = readCSV(r)
	case FormatJSONL:
		rows, err = readJSONL(r)
	default:
		_, err = ParseFormat(string(format))
	}
	if err != nil {
		return nil, err
	}

	log := GetLogger()
	report := &IngestReport{Rows: len(rows)}
	seen := make(map[string]struct{}, len(rows))
	for i := range rows {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errors.New(err).
					Component("detection").
					Category(errors.CategoryCancellation).
					Build()
			}
		}
		rw := &rows[i]
		if rw.err != nil {
			report.Rejected = append(report.Rejected, Rejection{Line: rw.line, Reason: rw.err.Error()})
			continue
		}
		d := rw.det
		normalize(&d, source)
		if err := Validate(&d); err != nil {
			report.Rejected = append(report.Rejected, Rejection{Line: rw.line, Reason: err.Error()})
			continue
		}
		key := d.Key()
		if _, dup := seen[key]; dup {
			report.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		d.ID = uuid.NewSHA1(idNamespace, []byte(key)).String()
		report.Detections = append(report.Detections, &d)
	}

	log.Info("ingested detections",
		logger.String("format", string(format)),
		logger.String("source", source),
		logger.Int("rows", report.Rows),
		logger.Int("accepted", len(report.Detections)),
		logger.Int("rejected", len(report.Rejected)),
		logger.Int("duplicates", report.Duplicates))
	getMetrics().RecordIngest(len(report.Detections), len(report.Rejected), report.Duplicates)
	return report, nil
}

func normalize(d *Detection, source string) {
	d.TemplateName = strings.TrimSpace(d.TemplateName)
	d.DetectTime = d.DetectTime.UTC()
	d.Source = source
	for i, c := range d.Chans {
		d.Chans[i] = strings.TrimSpace(c)
	}
	switch strings.ToLower(d.ThresholdType) {
	case "mad":
		d.ThresholdType = ThresholdMAD
	case "absolute":
		d.ThresholdType = ThresholdAbsolute
	case "av_chan_corr":
		d.ThresholdType = ThresholdAvgCorr
	}
	if d.DetectionType == "" {
		d.DetectionType = "corr"
	}
	d.ID = ""
	d.Verdict = ""
	d.Reviewer = ""
	d.ReviewedAt = time.Time{}
	d.Locked = false
}

// Validate checks a normalized detection.
func Validate(d *Detection) error {
	var problems []string
	if d.TemplateName == "" {
		problems = append(problems, "empty template name")
	}
	if d.DetectTime.IsZero() {
		problems = append(problems, "missing detection time")
	}
	if d.NoChans < 1 {
		problems = append(problems, fmt.Sprintf("no_chans %d below 1", d.NoChans))
	}
	for name, v := range map[string]float64{"detect_val": d.DetectVal, "threshold": d.Threshold, "threshold_input": d.ThresholdInput} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			problems = append(problems, name+" is not finite")
		}
	}
	if d.NoChans >= 1 && d.AbsAvgCorrelation() > 1+1e-9 {
		problems = append(problems, fmt.Sprintf("average correlation %.4f exceeds 1", d.AvgCorrelation()))
	}
	switch d.ThresholdType {
	case ThresholdMAD, ThresholdAbsolute, ThresholdAvgCorr:
	default:
		problems = append(problems, fmt.Sprintf("unknown threshold type %q", d.ThresholdType))
	}
	if math.IsNaN(d.SNR) || d.SNR < 0 {
		problems = append(problems, "snr must be a non-negative number")
	}
	if len(problems) > 0 {
		slices.Sort(problems)
		return errors.Newf("%s", strings.Join(problems, "; ")).
			Component("detection").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// tupleChan matches one ('STA', 'CHA') pair of an EQcorrscan channel list.
var tupleChan = regexp.MustCompile(`\(\s*'([^']*)'\s*,\s*'([^']*)'\s*\)`)

// parseChans accepts "[('STA', 'CHA'), ...]" as well as a plain comma
// separated list of seed ids.
func parseChans(s string) []string {
	s = strings.TrimSpace(s)
	if matches := tupleChan.FindAllStringSubmatch(s, -1); len(matches) > 0 {
		out := make([]string, len(matches))
		for i, m := range matches {
			out[i] = m[1] + "." + m[2]
		}
		return out
	}
	s = strings.Trim(s, "[]")
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.Trim(strings.TrimSpace(part), `'"`); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var detectTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseDetectTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range detectTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid detection time %q", s)
}

func readCSV(r io.Reader) ([]row, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	var rows []row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				rows = append(rows, row{line: perr.Line, err: perr})
				continue
			}
			return nil, errors.New(err).
				Component("detection").
				Category(errors.CategoryFileIO).
				Build()
		}
		line, _ := cr.FieldPos(0)
		if strings.EqualFold(strings.TrimSpace(rec[0]), CSVHeader[0]) {
			continue
		}
		rows = append(rows, parseCSVRecord(line, rec))
	}
	return rows, nil
}

func parseCSVRecord(line int, rec []string) row {
	if len(rec) < len(CSVHeader)-1 {
		return row{line: line, err: fmt.Errorf("expected %d fields, got %d", len(CSVHeader), len(rec))}
	}
	for i := range rec {
		rec[i] = strings.TrimSpace(rec[i])
	}
	var (
		d    Detection
		errs []string
		err  error
	)
	d.TemplateName = rec[0]
	if d.DetectTime, err = parseDetectTime(rec[1]); err != nil {
		errs = append(errs, err.Error())
	}
	if d.NoChans, err = strconv.Atoi(rec[2]); err != nil {
		errs = append(errs, fmt.Sprintf("invalid number of channels %q", rec[2]))
	}
	d.Chans = parseChans(rec[3])
	floats := []*float64{&d.DetectVal, &d.Threshold}
	for i, dst := range floats {
		if *dst, err = strconv.ParseFloat(rec[4+i], 64); err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s %q", CSVHeader[4+i], rec[4+i]))
		}
	}
	d.ThresholdType = rec[6]
	if d.ThresholdInput, err = strconv.ParseFloat(rec[7], 64); err != nil {
		errs = append(errs, fmt.Sprintf("invalid input threshold %q", rec[7]))
	}
	if len(rec) > 8 {
		d.DetectionType = rec[8]
	}
	if len(errs) > 0 {
		return row{line: line, err: fmt.Errorf("%s", strings.Join(errs, "; "))}
	}
	return row{line: line, det: d}
}

// jsonDetection is the wire form of a JSON lines record.
type jsonDetection struct {
	TemplateName   string   `json:"template_name"`
	DetectTime     string   `json:"detect_time"`
	NoChans        int      `json:"no_chans"`
	Chans          []string `json:"chans"`
	DetectVal      float64  `json:"detect_val"`
	Threshold      float64  `json:"threshold"`
	ThresholdType  string   `json:"threshold_type"`
	ThresholdInput float64  `json:"threshold_input"`
	DetectionType  string   `json:"typeofdet"`
	SNR            float64  `json:"snr"`
}

func readJSONL(r io.Reader) ([]row, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var rows []row
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var jd jsonDetection
		if err := json.Unmarshal([]byte(text), &jd); err != nil {
			rows = append(rows, row{line: line, err: fmt.Errorf("invalid json: %w", err)})
			continue
		}
		t, err := parseDetectTime(jd.DetectTime)
		if err != nil {
			rows = append(rows, row{line: line, err: err})
			continue
		}
		rows = append(rows, row{line: line, det: Detection{
			TemplateName:   jd.TemplateName,
			DetectTime:     t,
			NoChans:        jd.NoChans,
			Chans:          jd.Chans,
			DetectVal:      jd.DetectVal,
			Threshold:      jd.Threshold,
			ThresholdType:  jd.ThresholdType,
			ThresholdInput: jd.ThresholdInput,
			DetectionType:  jd.DetectionType,
			SNR:            jd.SNR,
		}})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.New(err).
			Component("detection").
			Category(errors.CategoryFileIO).
			Build()
	}
	return rows, nil
}

// WriteCSV writes detections in the semicolon separated input format.
func WriteCSV(w io.Writer, dets []*Detection) error {
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, d := range dets {
		err := cw.Write([]string{
			d.TemplateName,
			d.DetectTime.UTC().Format("2006-01-02T15:04:05.000000Z"),
			strconv.Itoa(d.NoChans),
			strings.Join(d.Chans, ","),
			strconv.FormatFloat(d.DetectVal, 'g', -1, 64),
			strconv.FormatFloat(d.Threshold, 'g', -1, 64),
			d.ThresholdType,
			strconv.FormatFloat(d.ThresholdInput, 'g', -1, 64),
			d.DetectionType,
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

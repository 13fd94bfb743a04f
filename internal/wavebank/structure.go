package wavebank

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/waveform"
)

// timeFieldLayout renders {time} as YYYY-MM-DDThh-mm-ss.ffffff
const timeFieldLayout = "2006-01-02T15-04-05.000000"

// fileTimeLayout is the start time encoding of WAV files accepted by Initialize
const fileTimeLayout = "20060102T150405.000000Z"

var fieldPattern = regexp.MustCompile(`\{([^{}]*)\}`)

var structureFields = map[string]func(s waveform.Stats) string{
	"year":     func(s waveform.Stats) string { return fmt.Sprintf("%04d", s.StartTime.UTC().Year()) },
	"month":    func(s waveform.Stats) string { return fmt.Sprintf("%02d", int(s.StartTime.UTC().Month())) },
	"day":      func(s waveform.Stats) string { return fmt.Sprintf("%02d", s.StartTime.UTC().Day()) },
	"julday":   func(s waveform.Stats) string { return fmt.Sprintf("%03d", s.StartTime.UTC().YearDay()) },
	"hour":     func(s waveform.Stats) string { return fmt.Sprintf("%02d", s.StartTime.UTC().Hour()) },
	"network":  func(s waveform.Stats) string { return s.Network },
	"station":  func(s waveform.Stats) string { return s.Station },
	"location": func(s waveform.Stats) string { return s.Location },
	"channel":  func(s waveform.Stats) string { return s.Channel },
	"seedid":   func(s waveform.Stats) string { return s.SeedID() },
	"time":     func(s waveform.Stats) string { return s.StartTime.UTC().Format(timeFieldLayout) },
}

// structure is a compiled path or name template such as "{year}/{station}".
type structure struct {
	raw string
}

func compileStructure(raw string) (structure, error) {
	for _, m := range fieldPattern.FindAllStringSubmatch(raw, -1) {
		if _, ok := structureFields[m[1]]; !ok {
			return structure{}, errors.Newf("unknown structure field {%s} in %q", m[1], raw).
				Component("wavebank").
				Category(errors.CategoryValidation).
				Build()
		}
	}
	if strings.Contains(raw, "..") {
		return structure{}, errors.Newf("structure %q must not contain '..'", raw).
			Component("wavebank").
			Category(errors.CategoryValidation).
			Build()
	}
	return structure{raw: raw}, nil
}

// validateCodes rejects seed codes that would escape or split a rendered path.
func validateCodes(stats waveform.Stats) error {
	codes := []struct{ field, value string }{
		{"network", stats.Network},
		{"station", stats.Station},
		{"location", stats.Location},
		{"channel", stats.Channel},
	}
	for _, c := range codes {
		if strings.ContainsAny(c.value, `/\.`) || strings.ContainsRune(c.value, 0) {
			return errors.Newf("%s code %q contains path characters", c.field, c.value).
				Component("wavebank").
				Category(errors.CategoryValidation).
				Context("seed_id", stats.SeedID()).
				Build()
		}
	}
	return nil
}

func (s structure) render(stats waveform.Stats) string {
	return fieldPattern.ReplaceAllStringFunc(s.raw, func(token string) string {
		return structureFields[token[1:len(token)-1]](stats)
	})
}

// relativePath returns the bank-relative slash path of a trace's WAV file.
func relativePath(pathStruct, nameStruct structure, stats waveform.Stats) string {
	return path.Join(pathStruct.render(stats), nameStruct.render(stats)+".wav")
}

// FileName returns the name Initialize expects for a WAV file holding stats.
func FileName(stats waveform.Stats) string {
	return fmt.Sprintf("%s__%s.wav", stats.SeedID(), stats.StartTime.UTC().Format(fileTimeLayout))
}

// ParseFileName recovers the seed id and start time from a FileName result.
func ParseFileName(name string) (waveform.Stats, error) {
	base := strings.TrimSuffix(path.Base(name), ".wav")
	seedID, start, ok := strings.Cut(base, "__")
	if !ok {
		return waveform.Stats{}, errors.Newf("file name %q does not match <seedid>__<start>.wav", name).
			Component("wavebank").
			Category(errors.CategoryValidation).
			Build()
	}
	stats, err := waveform.ParseSeedID(seedID)
	if err != nil {
		return waveform.Stats{}, err
	}
	t, err := time.Parse(fileTimeLayout, start)
	if err != nil {
		return waveform.Stats{}, errors.New(fmt.Errorf("file name %q has invalid start time: %w", name, err)).
			Component("wavebank").
			Category(errors.CategoryValidation).
			Build()
	}
	stats.StartTime = t
	return stats, nil
}

// Package template builds matched-filter templates: short, processed
// waveform snippets cut around the picks of a catalogued event.
package template

import (
	"context"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/seisreview/eqcutil/internal/catalog"
	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
	"github.com/seisreview/eqcutil/internal/waveform"
)

// NameLayout formats default template names from origin times.
const NameLayout = "2006_01_02t15_04_05"

// WaveformClient fetches waveforms for a channel pattern and time window.
type WaveformClient interface {
	GetWaveforms(ctx context.Context, network, station, location, channel string, start, end time.Time) (waveform.Stream, error)
}

// Params are the processing parameters shared by every trace of a template.
type Params struct {
	LowCut        float64 `json:"lowcut" yaml:"lowcut" mapstructure:"lowcut"`             // Hz
	HighCut       float64 `json:"highcut" yaml:"highcut" mapstructure:"highcut"`          // Hz
	SampRate      float64 `json:"samp_rate" yaml:"samp_rate" mapstructure:"samprate"`     // Hz
	FiltOrder     int     `json:"filt_order" yaml:"filt_order" mapstructure:"filtorder"`  // corners
	Prepick       float64 `json:"prepick" yaml:"prepick" mapstructure:"prepick"`          // seconds before the pick
	Length        float64 `json:"length" yaml:"length" mapstructure:"length"`             // seconds
	ProcessLength float64 `json:"process_len" yaml:"process_len" mapstructure:"processlength"` // seconds
}

// Validate checks LowCut < HighCut < SampRate/2 and positive lengths.
func (p Params) Validate() error {
	var problems []string
	if p.SampRate <= 0 {
		problems = append(problems, "samp_rate must be positive")
	}
	if p.LowCut <= 0 || p.LowCut >= p.HighCut {
		problems = append(problems, "lowcut must be positive and below highcut")
	}
	if p.HighCut >= p.SampRate/2 {
		problems = append(problems, "highcut must be below the Nyquist frequency")
	}
	if p.FiltOrder < 1 {
		problems = append(problems, "filt_order must be at least 1")
	}
	if p.Length <= 0 {
		problems = append(problems, "length must be positive")
	}
	if p.Prepick < 0 {
		problems = append(problems, "prepick must not be negative")
	}
	if p.ProcessLength < p.Length {
		problems = append(problems, "process_len must cover the template length")
	}
	if len(problems) > 0 {
		return errors.Newf("invalid template parameters: %s", strings.Join(problems, "; ")).
			Component("template").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// ParamsFromSettings converts configured template defaults.
func ParamsFromSettings(s conf.TemplateSettings) Params {
	return Params{
		LowCut:        s.LowCut,
		HighCut:       s.HighCut,
		SampRate:      s.SampRate,
		FiltOrder:     s.FiltOrder,
		Prepick:       s.Prepick,
		Length:        s.Length,
		ProcessLength: s.ProcessLength,
	}
}

// pad is the extra data fetched either side of the template window so the
// filter has settled before the window starts. ProcessLength is the total
// processed span centred on the window.
func (p Params) pad() time.Duration {
	return waveform.Seconds(math.Max((p.ProcessLength-p.Length)/2, 2/p.LowCut))
}

// Template is a named set of processed traces with the event they came from.
type Template struct {
	Name   string          `json:"name"`
	Stream waveform.Stream `json:"-"`
	Event  *catalog.Event  `json:"-"`
	Params Params          `json:"params"`
}

// Copy returns a deep copy.
func (t *Template) Copy() *Template {
	out := &Template{Name: t.Name, Stream: t.Stream.Copy(), Params: t.Params}
	if t.Event != nil {
		ev := t.Event.Copy()
		out.Event = &ev
	}
	return out
}

// OriginTime returns the preferred origin time of the template event, or
// the zero time.
func (t *Template) OriginTime() time.Time {
	if t.Event == nil {
		return time.Time{}
	}
	if o := t.Event.PreferredOrigin(); o != nil {
		return o.Time
	}
	return time.Time{}
}

// ConstructOptions controls Construct.
type ConstructOptions struct {
	Phases        []string // allowed phase hints, default P and S
	Name          string   // default derived from the origin time
	AllHorizontal bool     // cut S picks on every horizontal channel of the station
	Logger        logger.Logger
}

// DefaultName derives a template name from the event origin time, falling
// back to the earliest pick.
func DefaultName(ev *catalog.Event) string {
	if o := ev.PreferredOrigin(); o != nil && !o.Time.IsZero() {
		return strings.ToLower(o.Time.UTC().Format(NameLayout))
	}
	var first time.Time
	for _, p := range ev.Picks {
		if first.IsZero() || p.Time.Before(first) {
			first = p.Time
		}
	}
	return strings.ToLower(first.UTC().Format(NameLayout))
}

// Construct cuts a template for every pick of ev with an allowed phase.
// Channels with no or short data are skipped. An event that yields no
// traces at all is an error.
func Construct(ctx context.Context, client WaveformClient, ev *catalog.Event, params Params, opts ConstructOptions) (*Template, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = GetLogger()
	}
	if len(opts.Phases) == 0 {
		opts.Phases = []string{"P", "S"}
	}
	name := opts.Name
	if name == "" {
		name = DefaultName(ev)
	}
	log := opts.Logger.With(logger.String("template", name), logger.String("event_id", string(ev.ResourceID)))

	expected := int(math.Round(params.Length*params.SampRate)) + 1
	pad := params.pad()
	var st waveform.Stream

	for _, pk := range ev.Picks {
		if err := ctx.Err(); err != nil {
			return nil, errors.New(err).
				Component("template").
				Category(errors.CategoryCancellation).
				Build()
		}
		if !slices.Contains(opts.Phases, pk.PhaseHint) {
			continue
		}
		start := pk.Time.Add(-waveform.Seconds(params.Prepick))
		end := start.Add(waveform.Seconds(params.Length))

		channel := pk.Waveform.Channel
		if opts.AllHorizontal && strings.HasPrefix(pk.PhaseHint, "S") && len(channel) == 3 {
			channel = channel[:2] + "[NE12]"
		}
		raw, err := client.GetWaveforms(ctx, pk.Waveform.Network, pk.Waveform.Station, pk.Waveform.Location, channel, start.Add(-pad), end.Add(pad))
		if err != nil {
			log.Warn("waveform fetch failed", logger.String("seed_id", pk.Waveform.SeedID()), logger.Error(err))
			continue
		}
		if len(raw) == 0 {
			log.Debug("no data for pick", logger.String("seed_id", pk.Waveform.SeedID()))
			continue
		}

		for _, tr := range raw {
			cut, err := process(tr.Copy(), params, start, end)
			if err != nil {
				log.Warn("skipping trace", logger.String("seed_id", tr.SeedID()), logger.Error(err))
				continue
			}
			if cut.NPts() < expected {
				log.Debug("trace too short for template",
					logger.String("seed_id", tr.SeedID()),
					logger.Int("npts", cut.NPts()),
					logger.Int("expected", expected))
				continue
			}
			cut.Data = cut.Data[:expected]
			st = append(st, cut)
		}
	}

	if len(st) == 0 {
		return nil, errors.Newf("no usable waveforms for template %s", name).
			Component("template").
			Category(errors.CategoryTemplate).
			Context("event_id", string(ev.ResourceID)).
			Build()
	}
	st.Sort()
	evCopy := ev.Copy()
	log.Debug("constructed template", logger.Int("traces", len(st)))
	return &Template{Name: name, Stream: st, Event: &evCopy, Params: params}, nil
}

// process demeans, filters and resamples tr, then cuts [start, end].
func process(tr *waveform.Trace, p Params, start, end time.Time) (*waveform.Trace, error) {
	if err := tr.Detrend(waveform.DetrendDemean); err != nil {
		return nil, err
	}
	if err := tr.Taper(0.05); err != nil {
		return nil, err
	}
	// sub-sampled input cannot carry the requested band
	if p.HighCut >= tr.SamplingRate/2 {
		return nil, errors.Newf("sampling rate %.3g Hz too low for highcut %.3g Hz", tr.SamplingRate, p.HighCut).
			Component("template").
			Category(errors.CategoryTemplate).
			Build()
	}
	if err := tr.Bandpass(p.LowCut, p.HighCut, p.FiltOrder, false); err != nil {
		return nil, err
	}
	if tr.SamplingRate != p.SampRate {
		if err := tr.Resample(p.SampRate); err != nil {
			return nil, err
		}
	}
	// one extra sample absorbs a resampled grid that is not aligned with start
	return tr.Slice(start, end.Add(waveform.Seconds(1/p.SampRate))), nil
}

// Package waveform holds the trace and stream model shared by the waveform
// bank, template construction and clustering, together with the signal
// processing those components need.
package waveform

import (
	"fmt"
	"math"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/seisreview/eqcutil/internal/errors"
)

// sampleTolerance absorbs float rounding when converting times to sample indices
const sampleTolerance = 1e-6

// Stats describes where and when a trace was recorded.
type Stats struct {
	Network      string    `json:"network"`
	Station      string    `json:"station"`
	Location     string    `json:"location"`
	Channel      string    `json:"channel"`
	StartTime    time.Time `json:"starttime"`
	SamplingRate float64   `json:"sampling_rate"`
}

// SeedID returns the NET.STA.LOC.CHA identifier.
func (s Stats) SeedID() string {
	return strings.Join([]string{s.Network, s.Station, s.Location, s.Channel}, ".")
}

// Delta returns the sample interval in seconds.
func (s Stats) Delta() float64 {
	if s.SamplingRate <= 0 {
		return 0
	}
	return 1 / s.SamplingRate
}

// ParseSeedID splits a NET.STA.LOC.CHA identifier.
func ParseSeedID(id string) (Stats, error) {
	parts := strings.Split(id, ".")
	if len(parts) != 4 {
		return Stats{}, errors.Newf("invalid seed id %q: expected NET.STA.LOC.CHA", id).
			Component("waveform").
			Category(errors.CategoryValidation).
			Build()
	}
	return Stats{Network: parts[0], Station: parts[1], Location: parts[2], Channel: parts[3]}, nil
}

// Trace is a single evenly sampled channel segment.
type Trace struct {
	Stats
	Data []float64
}

// NewTrace creates a trace owning data.
func NewTrace(stats Stats, data []float64) *Trace {
	return &Trace{Stats: stats, Data: data}
}

// NPts returns the number of samples.
func (t *Trace) NPts() int {
	return len(t.Data)
}

// EndTime returns the time of the last sample.
func (t *Trace) EndTime() time.Time {
	if len(t.Data) == 0 {
		return t.StartTime
	}
	return t.TimeAt(len(t.Data) - 1)
}

// Duration returns the time spanned by the samples.
func (t *Trace) Duration() time.Duration {
	return t.EndTime().Sub(t.StartTime)
}

// TimeAt returns the time of sample i.
func (t *Trace) TimeAt(i int) time.Time {
	return t.StartTime.Add(Seconds(float64(i) * t.Delta()))
}

// offsetSamples returns the fractional sample offset of at from the trace start.
func (t *Trace) offsetSamples(at time.Time) float64 {
	return at.Sub(t.StartTime).Seconds() * t.SamplingRate
}

// Slice returns a copy of the samples whose times fall within [start, end].
// A window outside the trace yields a trace with no samples.
func (t *Trace) Slice(start, end time.Time) *Trace {
	out := &Trace{Stats: t.Stats}
	if len(t.Data) == 0 || end.Before(start) || t.SamplingRate <= 0 {
		out.StartTime = start
		return out
	}

	i0 := int(math.Ceil(t.offsetSamples(start) - sampleTolerance))
	i1 := int(math.Floor(t.offsetSamples(end) + sampleTolerance))
	i0 = max(i0, 0)
	i1 = min(i1, len(t.Data)-1)
	if i0 > i1 {
		out.StartTime = start
		return out
	}

	out.StartTime = t.TimeAt(i0)
	out.Data = slices.Clone(t.Data[i0 : i1+1])
	return out
}

// Trim restricts the trace to [start, end] in place.
func (t *Trace) Trim(start, end time.Time) {
	sliced := t.Slice(start, end)
	t.StartTime = sliced.StartTime
	t.Data = sliced.Data
}

// Copy returns a deep copy of the trace.
func (t *Trace) Copy() *Trace {
	return &Trace{Stats: t.Stats, Data: slices.Clone(t.Data)}
}

// MaxAbs returns the largest absolute sample value.
func (t *Trace) MaxAbs() float64 {
	var peak float64
	for _, v := range t.Data {
		peak = max(peak, math.Abs(v))
	}
	return peak
}

func (t *Trace) String() string {
	return fmt.Sprintf("%s | %s - %s | %g Hz, %d samples",
		t.SeedID(), t.StartTime.UTC().Format(time.RFC3339Nano),
		t.EndTime().UTC().Format(time.RFC3339Nano), t.SamplingRate, len(t.Data))
}

// Seconds converts fractional seconds to a time.Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// Selector picks traces by fnmatch-style patterns. Empty fields match anything.
// Component matches the last character of the channel code.
type Selector struct {
	Network   string
	Station   string
	Location  string
	Channel   string
	Component string
}

// Match reports whether stats satisfies every pattern in the selector.
func (sel Selector) Match(s Stats) bool {
	if !globMatch(sel.Network, s.Network) ||
		!globMatch(sel.Station, s.Station) ||
		!globMatch(sel.Location, s.Location) ||
		!globMatch(sel.Channel, s.Channel) {
		return false
	}
	if sel.Component != "" {
		if s.Channel == "" {
			return false
		}
		return globMatch(sel.Component, s.Channel[len(s.Channel)-1:])
	}
	return true
}

func globMatch(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(strings.ToUpper(pattern), strings.ToUpper(value))
	return err == nil && ok
}

// Stream is an ordered collection of traces.
type Stream []*Trace

// Select returns the traces matching sel. Traces are shared, not copied.
func (s Stream) Select(sel Selector) Stream {
	var out Stream
	for _, tr := range s {
		if sel.Match(tr.Stats) {
			out = append(out, tr)
		}
	}
	return out
}

// SeedIDs returns the sorted unique seed ids in the stream.
func (s Stream) SeedIDs() []string {
	ids := make([]string, 0, len(s))
	for _, tr := range s {
		ids = append(ids, tr.SeedID())
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// Sort orders traces by seed id, then start time.
func (s Stream) Sort() {
	slices.SortStableFunc(s, func(a, b *Trace) int {
		if c := strings.Compare(a.SeedID(), b.SeedID()); c != 0 {
			return c
		}
		return a.StartTime.Compare(b.StartTime)
	})
}

// Copy deep copies every trace.
func (s Stream) Copy() Stream {
	out := make(Stream, len(s))
	for i, tr := range s {
		out[i] = tr.Copy()
	}
	return out
}

// Trim trims each trace to [start, end] and drops traces left empty.
func (s Stream) Trim(start, end time.Time) Stream {
	var out Stream
	for _, tr := range s {
		sliced := tr.Slice(start, end)
		if sliced.NPts() > 0 {
			out = append(out, sliced)
		}
	}
	return out
}

// Merge joins traces sharing a seed id into one trace each. Segments are
// sorted by start time; overlapping samples keep the earlier segment's values
// and gaps are filled with fill. Traces of one id must share a sampling rate.
func (s Stream) Merge(fill float64) (Stream, error) {
	groups := make(map[string]Stream)
	var order []string
	for _, tr := range s {
		id := tr.SeedID()
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], tr)
	}

	out := make(Stream, 0, len(order))
	for _, id := range order {
		segments := slices.Clone(groups[id])
		slices.SortStableFunc(segments, func(a, b *Trace) int {
			return a.StartTime.Compare(b.StartTime)
		})

		merged := segments[0].Copy()
		for _, seg := range segments[1:] {
			if math.Abs(seg.SamplingRate-merged.SamplingRate) > sampleTolerance {
				return nil, errors.Newf("cannot merge %s: sampling rates %g and %g differ", id, merged.SamplingRate, seg.SamplingRate).
					Component("waveform").
					Category(errors.CategoryWaveform).
					Build()
			}
			offset := int(math.Round(merged.offsetSamples(seg.StartTime)))
			switch {
			case offset < len(merged.Data):
				skip := len(merged.Data) - offset
				if skip < len(seg.Data) {
					merged.Data = append(merged.Data, seg.Data[skip:]...)
				}
			default:
				for range offset - len(merged.Data) {
					merged.Data = append(merged.Data, fill)
				}
				merged.Data = append(merged.Data, seg.Data...)
			}
		}
		out = append(out, merged)
	}

	return out, nil
}

// NPts returns the total number of samples in the stream.
func (s Stream) NPts() int {
	var n int
	for _, tr := range s {
		n += tr.NPts()
	}
	return n
}

// Remove drops the given trace pointer from the stream.
func (s Stream) Remove(tr *Trace) Stream {
	return slices.DeleteFunc(s, func(candidate *Trace) bool { return candidate == tr })
}

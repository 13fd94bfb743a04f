// Package catalog models seismic events with their origins, magnitudes,
// picks and arrivals, and provides the helpers used to prepare them for
// template construction.
package catalog

import (
	"encoding/json"
	"io"
	"os"
	"slices"
	"time"

	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/waveform"
)

// ResourceID identifies a catalog object, e.g. "quakeml:local/quakemigrate/event/12".
type ResourceID string

// Evaluation modes for picks.
const (
	EvaluationAutomatic = "automatic"
	EvaluationManual    = "manual"
)

// WaveformStreamID names the channel a pick was made on.
type WaveformStreamID struct {
	Network  string `json:"network"`
	Station  string `json:"station"`
	Location string `json:"location"`
	Channel  string `json:"channel"`
}

// SeedID returns NET.STA.LOC.CHA.
func (w WaveformStreamID) SeedID() string {
	return waveform.Stats{Network: w.Network, Station: w.Station, Location: w.Location, Channel: w.Channel}.SeedID()
}

// ParseWaveformStreamID parses a NET.STA.LOC.CHA string.
func ParseWaveformStreamID(seedID string) (WaveformStreamID, error) {
	s, err := waveform.ParseSeedID(seedID)
	if err != nil {
		return WaveformStreamID{}, err
	}
	return WaveformStreamID{Network: s.Network, Station: s.Station, Location: s.Location, Channel: s.Channel}, nil
}

// Pick is a phase onset time on one channel.
type Pick struct {
	ResourceID     ResourceID       `json:"resource_id"`
	Time           time.Time        `json:"time"`
	TimeError      float64          `json:"time_error,omitempty"` // seconds
	Waveform       WaveformStreamID `json:"waveform_id"`
	PhaseHint      string           `json:"phase_hint,omitempty"`
	EvaluationMode string           `json:"evaluation_mode,omitempty"`
}

// Arrival associates a pick with an origin.
type Arrival struct {
	ResourceID   ResourceID `json:"resource_id"`
	PickID       ResourceID `json:"pick_id"`
	Phase        string     `json:"phase"`
	TimeResidual float64    `json:"time_residual"` // seconds, observed minus modelled
}

// Origin is a hypocenter estimate. Depth is in meters.
type Origin struct {
	ResourceID ResourceID `json:"resource_id"`
	Time       time.Time  `json:"time"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	Depth      float64    `json:"depth"`
	Arrivals   []Arrival  `json:"arrivals,omitempty"`
}

// Magnitude is a magnitude estimate tied to an origin.
type Magnitude struct {
	ResourceID    ResourceID `json:"resource_id"`
	Mag           float64    `json:"mag"`
	MagnitudeType string     `json:"magnitude_type"`
	Uncertainty   float64    `json:"uncertainty,omitempty"`
	OriginID      ResourceID `json:"origin_id,omitempty"`
}

// Comment is free text attached to an event.
type Comment struct {
	ResourceID ResourceID `json:"resource_id,omitempty"`
	Text       string     `json:"text"`
}

// Event groups everything known about one earthquake.
type Event struct {
	ResourceID           ResourceID  `json:"resource_id"`
	Origins              []Origin    `json:"origins,omitempty"`
	Magnitudes           []Magnitude `json:"magnitudes,omitempty"`
	Picks                []Pick      `json:"picks,omitempty"`
	Comments             []Comment   `json:"comments,omitempty"`
	PreferredOriginID    ResourceID  `json:"preferred_origin_id,omitempty"`
	PreferredMagnitudeID ResourceID  `json:"preferred_magnitude_id,omitempty"`
}

// PreferredOrigin returns the preferred origin, falling back to the first
// origin. It returns nil when the event has none.
func (e *Event) PreferredOrigin() *Origin {
	for i := range e.Origins {
		if e.Origins[i].ResourceID == e.PreferredOriginID {
			return &e.Origins[i]
		}
	}
	if len(e.Origins) > 0 {
		return &e.Origins[0]
	}
	return nil
}

// PreferredMagnitude returns the preferred magnitude, falling back to the
// first magnitude. It returns nil when the event has none.
func (e *Event) PreferredMagnitude() *Magnitude {
	for i := range e.Magnitudes {
		if e.Magnitudes[i].ResourceID == e.PreferredMagnitudeID {
			return &e.Magnitudes[i]
		}
	}
	if len(e.Magnitudes) > 0 {
		return &e.Magnitudes[0]
	}
	return nil
}

// Pick returns the pick with the given id, or nil.
func (e *Event) Pick(id ResourceID) *Pick {
	for i := range e.Picks {
		if e.Picks[i].ResourceID == id {
			return &e.Picks[i]
		}
	}
	return nil
}

// Copy returns a deep copy of the event.
func (e *Event) Copy() Event {
	out := *e
	out.Picks = slices.Clone(e.Picks)
	out.Magnitudes = slices.Clone(e.Magnitudes)
	out.Comments = slices.Clone(e.Comments)
	out.Origins = make([]Origin, len(e.Origins))
	for i, o := range e.Origins {
		o.Arrivals = slices.Clone(o.Arrivals)
		out.Origins[i] = o
	}
	if e.Origins == nil {
		out.Origins = nil
	}
	return out
}

// Catalog is an ordered list of events.
type Catalog struct {
	Events []Event `json:"events"`
}

// Len returns the number of events.
func (c *Catalog) Len() int {
	return len(c.Events)
}

// Event returns the event with the given resource id, or nil.
func (c *Catalog) Event(id ResourceID) *Event {
	for i := range c.Events {
		if c.Events[i].ResourceID == id {
			return &c.Events[i]
		}
	}
	return nil
}

// WriteJSON encodes the catalog as indented JSON.
func (c *Catalog) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return errors.New(err).
			Component("catalog").
			Category(errors.CategoryCatalog).
			Context("operation", "write_json").
			Build()
	}
	return nil
}

// ReadJSON decodes a catalog written by WriteJSON.
func ReadJSON(r io.Reader) (*Catalog, error) {
	var c Catalog
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, errors.New(err).
			Component("catalog").
			Category(errors.CategoryFileParsing).
			Context("operation", "read_json").
			Build()
	}
	return &c, nil
}

// WriteFile writes the catalog as JSON to path.
func (c *Catalog) WriteFile(path string) error {
	f, err := os.Create(path) //nolint:gosec // caller chosen output path
	if err != nil {
		return errors.New(err).Component("catalog").Category(errors.CategoryFileIO).Build()
	}
	if err := c.WriteJSON(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.New(err).Component("catalog").Category(errors.CategoryFileIO).Build()
	}
	return nil
}

// ReadFile reads a JSON catalog from path.
func ReadFile(path string) (*Catalog, error) {
	f, err := os.Open(path) //nolint:gosec // caller chosen input path
	if err != nil {
		return nil, errors.New(err).
			Component("catalog").
			Category(errors.CategoryFileIO).
			FileContext(path, 0).
			Build()
	}
	defer f.Close()
	return ReadJSON(f)
}

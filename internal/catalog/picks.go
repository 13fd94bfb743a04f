package catalog

import (
	"slices"
	"sort"

	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
)

// Single-pick enforcement modes.
const (
	SinglePickNone      = ""
	SinglePickPreferred = "preferred"
	SinglePickEarliest  = "earliest"
)

// FilterOptions selects which picks survive FilterPicks. Empty Phases or
// Stations accept everything.
type FilterOptions struct {
	EnforceSinglePick string   `yaml:"enforce_single_pick" mapstructure:"enforce_single_pick"`
	Phases            []string `yaml:"phases" mapstructure:"phases"`
	Stations          []string `yaml:"stations" mapstructure:"stations"`
}

// ApplyPhaseHints fills empty pick phase hints from the arrivals that
// reference them. Existing hints are left alone.
func ApplyPhaseHints(cat *Catalog) *Catalog {
	out := &Catalog{Events: make([]Event, len(cat.Events))}
	for i := range cat.Events {
		ev := cat.Events[i].Copy()
		phases := make(map[ResourceID]string)
		for _, o := range ev.Origins {
			for _, a := range o.Arrivals {
				if a.Phase != "" {
					if _, seen := phases[a.PickID]; !seen {
						phases[a.PickID] = a.Phase
					}
				}
			}
		}
		for j := range ev.Picks {
			if ev.Picks[j].PhaseHint == "" {
				ev.Picks[j].PhaseHint = phases[ev.Picks[j].ResourceID]
			}
		}
		out.Events[i] = ev
	}
	return out
}

// FilterPicks returns a copy of cat with picks outside the filters removed.
// Arrivals that point at a dropped pick are removed as well.
func FilterPicks(cat *Catalog, opts FilterOptions) (*Catalog, error) {
	switch opts.EnforceSinglePick {
	case SinglePickNone, SinglePickPreferred, SinglePickEarliest:
	default:
		return nil, errors.Newf("enforce_single_pick %q not supported", opts.EnforceSinglePick).
			Component("catalog").
			Category(errors.CategoryValidation).
			Build()
	}

	out := &Catalog{Events: make([]Event, len(cat.Events))}
	for i := range cat.Events {
		ev := cat.Events[i].Copy()
		before := len(ev.Picks)

		ev.Picks = slices.DeleteFunc(ev.Picks, func(p Pick) bool {
			if len(opts.Phases) > 0 && !slices.Contains(opts.Phases, p.PhaseHint) {
				return true
			}
			return len(opts.Stations) > 0 && !slices.Contains(opts.Stations, p.Waveform.Station)
		})

		if opts.EnforceSinglePick != SinglePickNone {
			ev.Picks = enforceSinglePick(&ev, opts.EnforceSinglePick)
		}
		pruneArrivals(&ev)

		if dropped := before - len(ev.Picks); dropped > 0 {
			GetLogger().Debug("filtered picks",
				logger.String("event_id", string(ev.ResourceID)),
				logger.Int("dropped", dropped),
				logger.Int("kept", len(ev.Picks)))
		}
		out.Events[i] = ev
	}
	return out, nil
}

type stationPhase struct {
	station string
	phase   string
}

// enforceSinglePick keeps one pick per station and phase. In preferred mode
// a pick with an arrival on the preferred origin wins; ties and the earliest
// mode fall back to the earliest pick time.
func enforceSinglePick(ev *Event, mode string) []Pick {
	referenced := make(map[ResourceID]bool)
	if mode == SinglePickPreferred {
		if o := ev.PreferredOrigin(); o != nil {
			for _, a := range o.Arrivals {
				referenced[a.PickID] = true
			}
		}
	}

	best := make(map[stationPhase]int)
	for i, p := range ev.Picks {
		key := stationPhase{p.Waveform.Station, p.PhaseHint}
		j, ok := best[key]
		if !ok {
			best[key] = i
			continue
		}
		cur := ev.Picks[j]
		switch {
		case referenced[p.ResourceID] && !referenced[cur.ResourceID]:
			best[key] = i
		case referenced[p.ResourceID] == referenced[cur.ResourceID] && p.Time.Before(cur.Time):
			best[key] = i
		}
	}

	idx := make([]int, 0, len(best))
	for _, i := range best {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	kept := make([]Pick, len(idx))
	for k, i := range idx {
		kept[k] = ev.Picks[i]
	}
	return kept
}

func pruneArrivals(ev *Event) {
	ids := make(map[ResourceID]bool, len(ev.Picks))
	for _, p := range ev.Picks {
		ids[p.ResourceID] = true
	}
	for i := range ev.Origins {
		ev.Origins[i].Arrivals = slices.DeleteFunc(ev.Origins[i].Arrivals, func(a Arrival) bool {
			return !ids[a.PickID]
		})
	}
}

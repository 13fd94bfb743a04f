package tribe

import (
	"context"

	"github.com/seisreview/eqcutil/internal/catalog"
	"github.com/seisreview/eqcutil/internal/datastore"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
	"github.com/seisreview/eqcutil/internal/template"
)

// WaveBank is the waveform source templates are cut from.
type WaveBank interface {
	template.WaveformClient
	IsEmpty(ctx context.Context) (bool, error)
}

// EventBank is the event source picks are read from.
type EventBank interface {
	ReadEventIndex(ctx context.Context) ([]datastore.EventIndex, error)
	GetEvents(ctx context.Context, ids ...string) ([]catalog.Event, error)
}

// BuildOptions controls FromBanks.
type BuildOptions struct {
	Params    template.Params
	Filter    catalog.FilterOptions // EnforceSinglePick defaults to "preferred"
	Construct template.ConstructOptions
	Logger    logger.Logger
}

// FromBanks builds a tribe from the events with the given ids, in event bank
// order. Events without picks, and events whose template cannot be built,
// are skipped.
func FromBanks(ctx context.Context, bank WaveBank, events EventBank, eventIDs []string, opts BuildOptions) (*Tribe, error) {
	log := opts.Logger
	if log == nil {
		log = GetLogger()
	}
	if opts.Filter.EnforceSinglePick == catalog.SinglePickNone {
		opts.Filter.EnforceSinglePick = catalog.SinglePickPreferred
	}
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}

	empty, err := bank.IsEmpty(ctx)
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, bankError("wave bank is empty")
	}
	index, err := events.ReadEventIndex(ctx)
	if err != nil {
		return nil, err
	}
	if len(index) == 0 {
		return nil, bankError("event bank is empty")
	}

	wanted := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		wanted[id] = true
	}
	var ids []string
	for _, row := range index {
		if wanted[row.EventID] {
			ids = append(ids, row.EventID)
		}
	}
	if len(ids) == 0 {
		return nil, errors.Newf("none of the %d requested event ids are in the event bank", len(eventIDs)).
			Component("tribe").
			Category(errors.CategoryNotFound).
			Build()
	}

	evs, err := events.GetEvents(ctx, ids...)
	if err != nil {
		return nil, err
	}
	cat := catalog.ApplyPhaseHints(&catalog.Catalog{Events: evs})
	if cat, err = catalog.FilterPicks(cat, opts.Filter); err != nil {
		return nil, err
	}

	t := &Tribe{params: make(map[Method]ClusterParams)}
	copts := opts.Construct
	if copts.Logger == nil {
		copts.Logger = log
	}
	for i := range cat.Events {
		if err := ctx.Err(); err != nil {
			return nil, errors.New(err).
				Component("tribe").
				Category(errors.CategoryCancellation).
				Build()
		}
		ev := &cat.Events[i]
		evLog := log.With(logger.String("event_id", string(ev.ResourceID)))
		if len(ev.Picks) == 0 {
			evLog.Warn("event has no picks after filtering, skipping")
			continue
		}
		tmpl, err := template.Construct(ctx, bank, ev, opts.Params, copts)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			evLog.Warn("template construction failed, skipping", logger.Error(err))
			continue
		}
		if tmpl.Stream, err = tmpl.Stream.Merge(0); err != nil {
			evLog.Warn("could not merge template stream, skipping", logger.Error(err))
			continue
		}
		if err := t.Add(tmpl, AddOptions{RenameDuplicates: true}); err != nil {
			return nil, err
		}
		evLog.Debug("added template", logger.String("template", tmpl.Name), logger.Int("traces", len(tmpl.Stream)))
	}
	log.Info("built tribe from banks", logger.Int("requested", len(eventIDs)), logger.Int("templates", t.Len()))
	return t, nil
}

func bankError(msg string) error {
	return errors.Newf("%s", msg).
		Component("tribe").
		Category(errors.CategoryState).
		Build()
}

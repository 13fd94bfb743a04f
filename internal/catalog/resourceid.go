package catalog

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
)

// Supported resource id formats.
const (
	FormatQuakeML = "quakeml"
	FormatSMI     = "smi"
)

var standardResourceTypes = []string{"event", "origin", "pick", "arrival", "magnitude"}

// ResourceIDOptions controls FormatResourceID. Zero values take the defaults
// quakeml, local, quakemigrate and event.
type ResourceIDOptions struct {
	Format string
	Source string
	Method string
	Type   string
	Extras []string
	Name   string // unique suffix; a random UUID when empty
}

func (o *ResourceIDOptions) applyDefaults() {
	if o.Format == "" {
		o.Format = FormatQuakeML
	}
	if o.Source == "" {
		o.Source = "local"
	}
	if o.Method == "" {
		o.Method = "quakemigrate"
	}
	if o.Type == "" {
		o.Type = "event"
	}
}

// FormatResourceID builds "format:source/method/type[/extras...]/name".
func FormatResourceID(opts ResourceIDOptions) (ResourceID, error) {
	opts.applyDefaults()

	if opts.Format != FormatQuakeML && opts.Format != FormatSMI {
		return "", errors.Newf("resource id format %q not supported", opts.Format).
			Component("catalog").
			Category(errors.CategoryValidation).
			Build()
	}
	if !slices.Contains(standardResourceTypes, opts.Type) {
		GetLogger().Warn("non-standard resource type", logger.String("type", opts.Type))
	}

	parts := append([]string{opts.Source, opts.Method, opts.Type}, opts.Extras...)
	prefix := fmt.Sprintf("%s:%s", opts.Format, strings.Join(parts, "/"))

	name := opts.Name
	if name == "" {
		name = uuid.NewString()
	}
	return ResourceID(prefix + "/" + name), nil
}

// newResourceID is FormatResourceID for options already known to be valid.
func newResourceID(resourceType string, extras []string) ResourceID {
	id, err := FormatResourceID(ResourceIDOptions{Type: resourceType, Extras: extras})
	if err != nil {
		return ResourceID(uuid.NewString())
	}
	return id
}

// NewResourceID returns a fresh default-format id for the given type.
func NewResourceID(resourceType string) ResourceID {
	return newResourceID(resourceType, nil)
}

// FormatStreamID builds NET.STA.LOC.CHA for a P or S pick using a mapping
// from phase to channel code. The mapping keys must be exactly P and S.
func FormatStreamID(phase, station, network, location string, mapping map[string]string) (string, error) {
	if _, ok := mapping[phase]; !ok {
		return "", errors.Newf("phase %q not found in channel mapping", phase).
			Component("catalog").
			Category(errors.CategoryValidation).
			Build()
	}
	if phase != "P" && phase != "S" {
		return "", errors.Newf("phase must be P or S, got %q", phase).
			Component("catalog").
			Category(errors.CategoryValidation).
			Build()
	}
	_, hasP := mapping["P"]
	_, hasS := mapping["S"]
	if len(mapping) != 2 || !hasP || !hasS {
		return "", errors.New(errors.NewStd("channel mapping keys must be exactly P and S")).
			Component("catalog").
			Category(errors.CategoryValidation).
			Build()
	}
	return fmt.Sprintf("%s.%s.%s.%s", network, station, location, mapping[phase]), nil
}

// DefaultChannelMapping maps P to HHZ and S to HHN.
func DefaultChannelMapping() map[string]string {
	return map[string]string{"P": "HHZ", "S": "HHN"}
}

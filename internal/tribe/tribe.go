// Package tribe manages collections of templates together with their
// cluster membership, clustering parameters and correlation distances.
package tribe

import (
	"fmt"
	"slices"
	"strings"

	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/template"
	"github.com/seisreview/eqcutil/internal/waveform"
)

// DefaultDelimiter separates a template base name from its duplicate counter.
const DefaultDelimiter = "__"

// Row is one template's line of the membership table. IDNo is always the
// template's position in the tribe.
type Row struct {
	Name   string
	IDNo   int
	Groups map[Method]int // cluster index per method that has been run
}

// Tribe is an ordered set of uniquely named templates.
type Tribe struct {
	templates []*template.Template
	rows      []Row
	params    map[Method]ClusterParams
	distMat   [][]float64 // correlation distances indexed by IDNo, NaN where undefined
}

// New returns a tribe holding templates, which must be uniquely named.
func New(templates ...*template.Template) (*Tribe, error) {
	t := &Tribe{params: make(map[Method]ClusterParams)}
	if err := t.Extend(templates, AddOptions{}); err != nil {
		return nil, err
	}
	return t, nil
}

// Len returns the number of templates.
func (t *Tribe) Len() int {
	return len(t.templates)
}

// Templates returns the templates in order. The slice is a copy; the
// templates are shared.
func (t *Tribe) Templates() []*template.Template {
	return slices.Clone(t.templates)
}

// Names returns template names in order.
func (t *Tribe) Names() []string {
	names := make([]string, len(t.rows))
	for i, r := range t.rows {
		names[i] = r.Name
	}
	return names
}

// Rows returns a copy of the membership table.
func (t *Tribe) Rows() []Row {
	out := make([]Row, len(t.rows))
	for i, r := range t.rows {
		out[i] = Row{Name: r.Name, IDNo: r.IDNo, Groups: copyGroups(r.Groups)}
	}
	return out
}

// Methods returns the clustering methods that have been run, sorted.
func (t *Tribe) Methods() []Method {
	methods := make([]Method, 0, len(t.params))
	for m := range t.params {
		methods = append(methods, m)
	}
	slices.Sort(methods)
	return methods
}

// Params returns the parameters a method was last run with.
func (t *Tribe) Params(m Method) (ClusterParams, bool) {
	p, ok := t.params[m]
	return p, ok
}

// DistanceMatrix returns a copy of the correlation distance matrix, or nil
// when correlation clustering has not been run.
func (t *Tribe) DistanceMatrix() [][]float64 {
	if t.distMat == nil {
		return nil
	}
	out := make([][]float64, len(t.distMat))
	for i, r := range t.distMat {
		out[i] = slices.Clone(r)
	}
	return out
}

// Get returns the named template, or nil.
func (t *Tribe) Get(name string) *template.Template {
	if i := t.index(name); i >= 0 {
		return t.templates[i]
	}
	return nil
}

func (t *Tribe) index(name string) int {
	return slices.IndexFunc(t.rows, func(r Row) bool { return r.Name == name })
}

// AddOptions controls how duplicate names are handled.
type AddOptions struct {
	RenameDuplicates bool
	Delimiter        string // default "__"
}

// Add appends tmpl. A duplicate name is an error unless RenameDuplicates is
// set, in which case tmpl is renamed to base+delimiter+N with the smallest
// free N starting at 0.
func (t *Tribe) Add(tmpl *template.Template, opts AddOptions) error {
	if tmpl == nil {
		return errors.Newf("cannot add a nil template").
			Component("tribe").
			Category(errors.CategoryValidation).
			Build()
	}
	if t.params == nil {
		t.params = make(map[Method]ClusterParams)
	}
	if t.index(tmpl.Name) >= 0 {
		if !opts.RenameDuplicates {
			return errors.Newf("duplicate template name %q", tmpl.Name).
				Component("tribe").
				Category(errors.CategoryConflict).
				Context("template", tmpl.Name).
				Build()
		}
		tmpl.Name = t.deduplicateName(tmpl.Name, opts.Delimiter)
	}
	t.templates = append(t.templates, tmpl)
	t.rows = append(t.rows, Row{Name: tmpl.Name, IDNo: len(t.rows), Groups: map[Method]int{}})
	if t.distMat != nil {
		// the new template has no correlation with the others yet
		for i := range t.distMat {
			t.distMat[i] = append(t.distMat[i], nanValue)
		}
		row := make([]float64, len(t.rows))
		for i := range row {
			row[i] = nanValue
		}
		row[len(row)-1] = 0
		t.distMat = append(t.distMat, row)
	}
	return nil
}

// Extend adds each template in order, stopping at the first error.
func (t *Tribe) Extend(templates []*template.Template, opts AddOptions) error {
	for _, tmpl := range templates {
		if err := t.Add(tmpl, opts); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tribe) deduplicateName(name, delimiter string) string {
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}
	base := name
	if i := strings.Index(name, delimiter); i >= 0 {
		base = name[:i]
	}
	for n := 0; ; n++ {
		candidate := fmt.Sprintf("%s%s%d", base, delimiter, n)
		if t.index(candidate) < 0 {
			return candidate
		}
	}
}

// Remove drops the named template with its membership row and distances.
func (t *Tribe) Remove(name string) error {
	i := t.index(name)
	if i < 0 {
		return notFound(name)
	}
	keep := make([]int, 0, len(t.rows)-1)
	for j := range t.rows {
		if j != i {
			keep = append(keep, j)
		}
	}
	t.reindex(keep)
	return nil
}

// reindex keeps the templates at positions keep, in that order.
func (t *Tribe) reindex(keep []int) {
	templates := make([]*template.Template, len(keep))
	rows := make([]Row, len(keep))
	for k, j := range keep {
		templates[k] = t.templates[j]
		rows[k] = t.rows[j]
		rows[k].IDNo = k
	}
	if t.distMat != nil {
		dm := make([][]float64, len(keep))
		for a, ja := range keep {
			dm[a] = make([]float64, len(keep))
			for b, jb := range keep {
				dm[a][b] = t.distMat[ja][jb]
			}
		}
		t.distMat = dm
	}
	t.templates = templates
	t.rows = rows
}

// Copy returns a deep copy.
func (t *Tribe) Copy() *Tribe {
	out := &Tribe{
		templates: make([]*template.Template, len(t.templates)),
		rows:      t.Rows(),
		params:    make(map[Method]ClusterParams, len(t.params)),
		distMat:   t.DistanceMatrix(),
	}
	for i, tmpl := range t.templates {
		out.templates[i] = tmpl.Copy()
	}
	for m, p := range t.params {
		out.params[m] = p
	}
	return out
}

// Subset returns a copy holding only names, in the given order, with the
// matching membership rows and distance sub-matrix.
func (t *Tribe) Subset(names ...string) (*Tribe, error) {
	keep := make([]int, 0, len(names))
	var missing []string
	for _, name := range names {
		i := t.index(name)
		if i < 0 {
			missing = append(missing, name)
			continue
		}
		if !slices.Contains(keep, i) {
			keep = append(keep, i)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Newf("templates not in tribe: %s", strings.Join(missing, ", ")).
			Component("tribe").
			Category(errors.CategoryNotFound).
			Build()
	}
	out := t.Copy()
	out.reindex(keep)
	return out, nil
}

// SelectCluster returns the subset of templates in group index of method.
func (t *Tribe) SelectCluster(m Method, index int) (*Tribe, error) {
	if _, ok := t.params[m]; !ok {
		return nil, errors.Newf("cluster method %s has not been run", m).
			Component("tribe").
			Category(errors.CategoryClustering).
			Build()
	}
	var names []string
	for _, r := range t.rows {
		if g, ok := r.Groups[m]; ok && g == index {
			names = append(names, r.Name)
		}
	}
	return t.Subset(names...)
}

// Groups returns the template names of each group of method m, indexed by
// group number.
func (t *Tribe) Groups(m Method) [][]string {
	var groups [][]string
	for _, r := range t.rows {
		g, ok := r.Groups[m]
		if !ok {
			continue
		}
		for len(groups) <= g {
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], r.Name)
	}
	return groups
}

// SelectTraces keeps only traces matching sel in every template, in place.
// Templates left without traces are removed when removeEmpty is set.
// It returns the names of removed templates.
func (t *Tribe) SelectTraces(sel waveform.Selector, removeEmpty bool) []string {
	var empty []string
	for _, tmpl := range t.templates {
		tmpl.Stream = tmpl.Stream.Select(sel)
		if len(tmpl.Stream) == 0 {
			empty = append(empty, tmpl.Name)
		}
	}
	if !removeEmpty {
		return nil
	}
	for _, name := range empty {
		_ = t.Remove(name)
	}
	return empty
}

func notFound(name string) error {
	return errors.Newf("template %q not in tribe", name).
		Component("tribe").
		Category(errors.CategoryNotFound).
		Context("template", name).
		Build()
}

func copyGroups(g map[Method]int) map[Method]int {
	out := make(map[Method]int, len(g))
	for k, v := range g {
		out[k] = v
	}
	return out
}

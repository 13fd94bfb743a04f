package tribe

import (
	"context"
	"math"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
	"github.com/seisreview/eqcutil/internal/template"
	"github.com/seisreview/eqcutil/internal/waveform"
)

// Method names a clustering method.
type Method string

// Clustering methods.
const (
	MethodCorrelation Method = "correlation_cluster"
	MethodSpace       Method = "space_cluster"
	MethodSpaceTime   Method = "space_time_cluster"
)

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.TrimSpace(s)); m {
	case MethodCorrelation, MethodSpace, MethodSpaceTime:
		return m, nil
	default:
		return "", errors.Newf("unsupported cluster method %q", s).
			Component("tribe").
			Category(errors.CategoryValidation).
			Build()
	}
}

var nanValue = math.NaN()

// earthRadiusKm is the mean Earth radius used for hypocentral distances.
const earthRadiusKm = 6371.0

// ClusterParams are the parameters of one clustering run. Only the fields
// relevant to the method are used.
type ClusterParams struct {
	CorrThresh                 float64 `yaml:"corr_thresh,omitempty"`
	ShiftLen                   float64 `yaml:"shift_len,omitempty"` // seconds
	AllowIndividualTraceShifts bool    `yaml:"allow_individual_trace_shifts,omitempty"`
	ReplaceNaNDistancesWith    string  `yaml:"replace_nan_distances_with,omitempty"` // mean, min or a number in [0,1]
	Linkage                    string  `yaml:"method,omitempty"`                     // single, complete or average
	Cores                      int     `yaml:"cores,omitempty"`
	DThresh                    float64 `yaml:"d_thresh,omitempty"` // km
	TThresh                    float64 `yaml:"t_thresh,omitempty"` // seconds
}

// ParamsFromSettings converts configured clustering defaults.
func ParamsFromSettings(s conf.ClusterSettings) ClusterParams {
	return ClusterParams{
		CorrThresh:                 s.CorrThresh,
		ShiftLen:                   s.ShiftLen,
		AllowIndividualTraceShifts: s.IndivShifts,
		ReplaceNaNDistancesWith:    s.ReplaceNaN,
		Linkage:                    s.Linkage,
		Cores:                      s.Cores,
		DThresh:                    s.DThresh,
		TThresh:                    s.TThresh,
	}
}

// forMethod keeps only the fields m uses and fills its defaults.
func (p ClusterParams) forMethod(m Method) ClusterParams {
	switch m {
	case MethodCorrelation:
		if p.Linkage == "" {
			p.Linkage = string(LinkageSingle)
		}
		p.DThresh, p.TThresh = 0, 0
	case MethodSpace, MethodSpaceTime:
		out := ClusterParams{Linkage: string(LinkageAverage), DThresh: p.DThresh}
		if m == MethodSpaceTime {
			out.TThresh = p.TThresh
		}
		return out
	}
	return p
}

func (p ClusterParams) validate(m Method) error {
	var problems []string
	switch m {
	case MethodCorrelation:
		if p.CorrThresh <= 0 || p.CorrThresh > 1 {
			problems = append(problems, "corr_thresh must be in (0, 1]")
		}
		if p.ShiftLen < 0 {
			problems = append(problems, "shift_len must not be negative")
		}
		if _, err := parseLinkage(p.Linkage); err != nil {
			problems = append(problems, err.Error())
		}
		if _, _, err := parseNaNFill(p.ReplaceNaNDistancesWith); err != nil {
			problems = append(problems, err.Error())
		}
	case MethodSpace, MethodSpaceTime:
		if p.DThresh <= 0 {
			problems = append(problems, "d_thresh must be positive")
		}
		if m == MethodSpaceTime && p.TThresh <= 0 {
			problems = append(problems, "t_thresh must be positive")
		}
	}
	if len(problems) > 0 {
		return errors.Newf("invalid %s parameters: %s", m, strings.Join(problems, "; ")).
			Component("tribe").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// Cluster groups the templates with method and records the result as the
// method's membership column, overwriting a previous run.
func (t *Tribe) Cluster(ctx context.Context, m Method, p ClusterParams) error {
	start := time.Now()
	err := t.cluster(ctx, m, p)
	groups := 0
	if err == nil {
		groups = len(t.Groups(m))
	}
	getMetrics().RecordRun(string(m), time.Since(start), groups, err)
	return err
}

func (t *Tribe) cluster(ctx context.Context, m Method, p ClusterParams) error {
	if _, err := ParseMethod(string(m)); err != nil {
		return err
	}
	if t.Len() < 2 {
		return errors.Newf("insufficient number of templates to cluster: %d", t.Len()).
			Component("tribe").
			Category(errors.CategoryClustering).
			Build()
	}
	p = p.forMethod(m)
	if err := p.validate(m); err != nil {
		return err
	}

	log := GetLogger().With(logger.String("method", string(m)), logger.Int("templates", t.Len()))
	start := time.Now()

	var (
		labels []int
		err    error
	)
	switch m {
	case MethodCorrelation:
		var dm [][]float64
		dm, err = correlationDistances(ctx, t.templates, p)
		if err != nil {
			return err
		}
		labels, err = clusterDistances(dm, p.ReplaceNaNDistancesWith, Linkage(p.Linkage), 1-p.CorrThresh)
		if err == nil {
			t.distMat = dm
		}
	case MethodSpace:
		labels, err = t.spaceCluster(p.DThresh)
	case MethodSpaceTime:
		labels, err = t.spaceTimeCluster(p.DThresh, p.TThresh)
	}
	if err != nil {
		return err
	}

	for i := range t.rows {
		t.rows[i].Groups[m] = labels[i]
	}
	t.params[m] = p
	log.Info("clustered templates",
		logger.Int("groups", slices.Max(labels)+1),
		logger.Duration("elapsed", time.Since(start)))
	return nil
}

// pairCorrelation returns the normalized correlation of two templates over
// their shared channels, or NaN when they share none.
func pairCorrelation(a, b *template.Template, shiftLen float64, individual bool) float64 {
	type pair struct{ x, y *waveform.Trace }
	var pairs []pair
	seen := make(map[string]bool)
	for _, ta := range a.Stream {
		id := ta.SeedID()
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, tb := range b.Stream {
			if tb.SeedID() == id {
				pairs = append(pairs, pair{ta, tb})
				break
			}
		}
	}
	if len(pairs) == 0 {
		return nanValue
	}

	if individual {
		var sum float64
		n := 0
		for _, pr := range pairs {
			maxShift := int(math.Round(shiftLen * pr.x.SamplingRate))
			cc, _ := waveform.NormalizedXCorr(pr.x.Data, pr.y.Data, maxShift)
			if math.IsNaN(cc) {
				continue
			}
			sum += cc
			n++
		}
		if n == 0 {
			return nanValue
		}
		return sum / float64(n)
	}

	maxShift := int(math.Round(shiftLen * pairs[0].x.SamplingRate))
	stack := make([]float64, 2*maxShift+1)
	n := 0
	for _, pr := range pairs {
		curve := waveform.XCorrCurve(pr.x.Data, pr.y.Data, maxShift)
		if slices.ContainsFunc(curve, math.IsNaN) {
			continue
		}
		for i, v := range curve {
			stack[i] += v
		}
		n++
	}
	if n == 0 {
		return nanValue
	}
	return slices.Max(stack) / float64(n)
}

// correlationDistances fills the symmetric 1 - cc matrix, fanning pair work
// out over at most p.Cores goroutines.
func correlationDistances(ctx context.Context, templates []*template.Template, p ClusterParams) ([][]float64, error) {
	n := len(templates)
	dm := make([][]float64, n)
	for i := range dm {
		dm[i] = make([]float64, n)
	}

	cores := p.Cores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cores)
	for i := range n {
		g.Go(func() error {
			for j := i + 1; j < n; j++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				cc := pairCorrelation(templates[i], templates[j], p.ShiftLen, p.AllowIndividualTraceShifts)
				// each cell is written by exactly one goroutine
				dm[i][j] = 1 - cc
				dm[j][i] = 1 - cc
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.New(err).
			Component("tribe").
			Category(errors.CategoryCancellation).
			Build()
	}
	return dm, nil
}

// parseNaNFill decodes a NaN replacement rule. An empty rule means no
// replacement.
func parseNaNFill(rule string) (kind string, value float64, err error) {
	switch rule = strings.ToLower(strings.TrimSpace(rule)); rule {
	case "", "none":
		return "", 0, nil
	case "mean", "min":
		return rule, 0, nil
	}
	v, perr := strconv.ParseFloat(rule, 64)
	if perr != nil || v < 0 || v > 1 {
		return "", 0, errors.Newf("replace_nan_distances_with must be mean, min or a number in [0, 1], got %q", rule).
			Component("tribe").
			Category(errors.CategoryValidation).
			Build()
	}
	return "value", v, nil
}

// replaceNaNs returns a copy of dm with NaN distances replaced per rule.
// NaNs left unreplaced are an error.
func replaceNaNs(dm [][]float64, rule string) ([][]float64, error) {
	kind, value, err := parseNaNFill(rule)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(dm))
	var finite []float64
	hasNaN := false
	for i, row := range dm {
		out[i] = slices.Clone(row)
		for j, v := range row {
			if i == j {
				continue
			}
			if math.IsNaN(v) {
				hasNaN = true
			} else if j > i {
				finite = append(finite, v)
			}
		}
	}
	if !hasNaN {
		return out, nil
	}

	switch kind {
	case "mean":
		if len(finite) > 0 {
			var sum float64
			for _, v := range finite {
				sum += v
			}
			value = sum / float64(len(finite))
		} else {
			kind = ""
		}
	case "min":
		if len(finite) > 0 {
			value = slices.Min(finite)
		} else {
			kind = ""
		}
	}
	if kind == "" {
		return nil, errors.Newf("distance matrix contains NaN distances that were not replaced").
			Component("tribe").
			Category(errors.CategoryClustering).
			Context("replace_nan_distances_with", rule).
			Build()
	}
	for i, row := range out {
		for j, v := range row {
			if i != j && math.IsNaN(v) {
				out[i][j] = value
			}
		}
	}
	return out, nil
}

func clusterDistances(dm [][]float64, nanRule string, method Linkage, cut float64) ([]int, error) {
	filled, err := replaceNaNs(dm, nanRule)
	if err != nil {
		return nil, err
	}
	z, err := linkage(filled, method)
	if err != nil {
		return nil, err
	}
	return fcluster(z, len(dm), cut), nil
}

func (t *Tribe) origins() ([]originPoint, error) {
	pts := make([]originPoint, len(t.templates))
	for i, tmpl := range t.templates {
		if tmpl.Event == nil || tmpl.Event.PreferredOrigin() == nil {
			return nil, errors.Newf("template %s has no event origin", tmpl.Name).
				Component("tribe").
				Category(errors.CategoryClustering).
				Context("template", tmpl.Name).
				Build()
		}
		o := tmpl.Event.PreferredOrigin()
		pts[i] = originPoint{lat: o.Latitude, lon: o.Longitude, depthKm: o.Depth / 1000, time: o.Time}
	}
	return pts, nil
}

type originPoint struct {
	lat, lon, depthKm float64
	time              time.Time
}

// hypocentralDistance combines the great circle epicentral distance with
// the depth difference, in km.
func hypocentralDistance(a, b originPoint) float64 {
	rad := math.Pi / 180
	dLat := (b.lat - a.lat) * rad
	dLon := (b.lon - a.lon) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.lat*rad)*math.Cos(b.lat*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	epi := 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
	dz := b.depthKm - a.depthKm
	return math.Hypot(epi, dz)
}

func (t *Tribe) spaceCluster(dThresh float64) ([]int, error) {
	pts, err := t.origins()
	if err != nil {
		return nil, err
	}
	return spaceLabels(pts, dThresh)
}

func spaceLabels(pts []originPoint, dThresh float64) ([]int, error) {
	n := len(pts)
	dm := make([][]float64, n)
	for i := range dm {
		dm[i] = make([]float64, n)
		for j := range dm[i] {
			dm[i][j] = hypocentralDistance(pts[i], pts[j])
		}
	}
	z, err := linkage(dm, LinkageAverage)
	if err != nil {
		return nil, err
	}
	return fcluster(z, n, dThresh), nil
}

// spaceTimeCluster splits each space cluster where consecutive origin times
// are more than tThresh seconds apart.
func (t *Tribe) spaceTimeCluster(dThresh, tThresh float64) ([]int, error) {
	pts, err := t.origins()
	if err != nil {
		return nil, err
	}
	space, err := spaceLabels(pts, dThresh)
	if err != nil {
		return nil, err
	}

	members := make(map[int][]int)
	for i, g := range space {
		members[g] = append(members[g], i)
	}
	raw := make([]int, len(pts))
	next := 0
	for g := 0; g < len(members); g++ {
		idx := members[g]
		slices.SortStableFunc(idx, func(a, b int) int { return pts[a].time.Compare(pts[b].time) })
		for k, i := range idx {
			if k > 0 && pts[i].time.Sub(pts[idx[k-1]].time).Seconds() > tThresh {
				next++
			}
			raw[i] = next
		}
		next++
	}
	return relabel(raw), nil
}

// relabel renumbers labels 0.. in order of first appearance.
func relabel(raw []int) []int {
	seen := make(map[int]int)
	out := make([]int, len(raw))
	for i, r := range raw {
		id, ok := seen[r]
		if !ok {
			id = len(seen)
			seen[r] = id
		}
		out[i] = id
	}
	return out
}

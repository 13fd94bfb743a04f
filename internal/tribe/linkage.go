package tribe

import (
	"math"

	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
)

// Linkage names an agglomerative linkage criterion.
type Linkage string

// Supported linkage criteria.
const (
	LinkageSingle   Linkage = "single"
	LinkageComplete Linkage = "complete"
	LinkageAverage  Linkage = "average"
)

func parseLinkage(s string) (Linkage, error) {
	switch l := Linkage(s); l {
	case LinkageSingle, LinkageComplete, LinkageAverage:
		return l, nil
	default:
		return "", errors.Newf("unsupported linkage method %q", s).
			Component("tribe").
			Category(errors.CategoryValidation).
			Build()
	}
}

// Merge is one row of a linkage table: clusters A and B joined at
// Distance into a cluster of Size leaves. Leaves are numbered 0..n-1 and
// the cluster formed by row k is numbered n+k.
type Merge struct {
	A, B     int
	Distance float64
	Size     int
}

// linkage runs agglomerative clustering on a square distance matrix using
// Lance-Williams updates. Ties merge the lowest numbered pair first.
func linkage(dm [][]float64, method Linkage) ([]Merge, error) {
	n := len(dm)
	if n < 2 {
		return nil, errors.Newf("linkage needs at least two observations, got %d", n).
			Component("tribe").
			Category(errors.CategoryClustering).
			Build()
	}
	d := make([][]float64, n)
	for i := range dm {
		if len(dm[i]) != n {
			return nil, errors.Newf("distance matrix is not square").
				Component("tribe").
				Category(errors.CategoryClustering).
				Build()
		}
		d[i] = make([]float64, n)
		for j, v := range dm[i] {
			if i != j && math.IsNaN(v) {
				return nil, errors.Newf("distance matrix contains NaN").
					Component("tribe").
					Category(errors.CategoryClustering).
					Build()
			}
			d[i][j] = v
		}
	}

	active := make([]bool, n)
	ids := make([]int, n)  // cluster number held in each slot
	sizes := make([]int, n) // leaves per slot
	for i := range n {
		active[i] = true
		ids[i] = i
		sizes[i] = 1
	}

	merges := make([]Merge, 0, n-1)
	for step := range n - 1 {
		bi, bj := -1, -1
		best := math.Inf(1)
		for i := range n {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if !active[j] {
					continue
				}
				if bi < 0 || d[i][j] < best || (d[i][j] == best && lessPair(ids[i], ids[j], ids[bi], ids[bj])) {
					best = d[i][j]
					bi, bj = i, j
				}
			}
		}

		a, b := ids[bi], ids[bj]
		if a > b {
			a, b = b, a
		}
		merges = append(merges, Merge{A: a, B: b, Distance: best, Size: sizes[bi] + sizes[bj]})

		// slot bi holds the merged cluster
		for k := range n {
			if !active[k] || k == bi || k == bj {
				continue
			}
			var v float64
			switch method {
			case LinkageSingle:
				v = math.Min(d[bi][k], d[bj][k])
			case LinkageComplete:
				v = math.Max(d[bi][k], d[bj][k])
			default:
				v = (float64(sizes[bi])*d[bi][k] + float64(sizes[bj])*d[bj][k]) / float64(sizes[bi]+sizes[bj])
			}
			d[bi][k] = v
			d[k][bi] = v
		}
		sizes[bi] += sizes[bj]
		ids[bi] = n + step
		active[bj] = false
	}
	return merges, nil
}

func lessPair(a1, b1, a2, b2 int) bool {
	x1, y1 := min(a1, b1), max(a1, b1)
	x2, y2 := min(a2, b2), max(a2, b2)
	if x1 != x2 {
		return x1 < x2
	}
	return y1 < y2
}

// fcluster cuts a linkage table so that every merge at distance <= cut is
// applied, returning labels numbered in order of first appearance.
func fcluster(z []Merge, n int, cut float64) []int {
	parent := make([]int, 2*n-1)
	for i := range parent {
		parent[i] = i
	}
	find := func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	for k, m := range z {
		if m.Distance > cut+1e-12 {
			continue
		}
		node := n + k
		parent[find(m.A)] = node
		parent[find(m.B)] = node
	}
	raw := make([]int, n)
	for i := range n {
		raw[i] = find(i)
	}
	return relabel(raw)
}

// Linkage recomputes the linkage table of the stored correlation distance
// matrix. An empty method uses the one correlation clustering ran with.
func (t *Tribe) Linkage(method string) ([]Merge, error) {
	p, ok := t.params[MethodCorrelation]
	if !ok || t.distMat == nil {
		return nil, errors.Newf("correlation clustering has not been run on this tribe").
			Component("tribe").
			Category(errors.CategoryClustering).
			Build()
	}
	if method == "" {
		method = p.Linkage
	}
	l, err := parseLinkage(method)
	if err != nil {
		return nil, err
	}
	filled, err := replaceNaNs(t.distMat, p.ReplaceNaNDistancesWith)
	if err != nil {
		return nil, err
	}
	return linkage(filled, l)
}

// Regroup re-cuts the correlation linkage at corrThresh and returns the
// group of each template by name. The stored membership is not changed; at
// the stored threshold the stored column is returned.
func (t *Tribe) Regroup(corrThresh float64) (map[string]int, error) {
	if corrThresh <= 0 || corrThresh > 1 || math.IsNaN(corrThresh) {
		return nil, errors.Newf("corr_thresh must be in (0, 1], got %g", corrThresh).
			Component("tribe").
			Category(errors.CategoryValidation).
			Build()
	}
	p, ok := t.params[MethodCorrelation]
	if !ok {
		return nil, errors.Newf("correlation clustering has not been run on this tribe").
			Component("tribe").
			Category(errors.CategoryClustering).
			Build()
	}
	out := make(map[string]int, len(t.rows))
	if corrThresh == p.CorrThresh {
		GetLogger().Info("already grouped at this threshold", logger.Float64("corr_thresh", corrThresh))
		for _, r := range t.rows {
			if g, ok := r.Groups[MethodCorrelation]; ok {
				out[r.Name] = g
			}
		}
		return out, nil
	}
	z, err := t.Linkage("")
	if err != nil {
		return nil, err
	}
	labels := fcluster(z, len(t.rows), 1-corrThresh)
	for i, r := range t.rows {
		out[r.Name] = labels[i]
	}
	return out, nil
}

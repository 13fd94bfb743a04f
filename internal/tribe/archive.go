package tribe

import (
	"archive/tar"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/seisreview/eqcutil/internal/catalog"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
	"github.com/seisreview/eqcutil/internal/template"
	"github.com/seisreview/eqcutil/internal/waveform"
)

// Archive member names.
const (
	templatesDir    = "templates"
	templateFile    = "template.json"
	catalogFile     = "tribe_catalog.json"
	clustersFile    = "clusters.csv"
	distMatFile     = "dist_mat.csv"
	paramsSuffix    = "_params.yaml"
	archiveExt      = ".tgz"
	filePermissions = 0o644
	dirPermissions  = 0o755
	// maxMemberSize bounds a single extracted archive member
	maxMemberSize = 1 << 30
)

// WriteOptions controls Write.
type WriteOptions struct {
	Compress bool // write a .tgz instead of a directory
}

type templateMeta struct {
	Name    string          `json:"name"`
	EventID string          `json:"event_id,omitempty"`
	Params  template.Params `json:"params"`
	Traces  []traceMeta     `json:"traces"`
}

type traceMeta struct {
	File  string         `json:"file"`
	Stats waveform.Stats `json:"stats"`
	Scale float64        `json:"scale"` // counts per unit
}

func archiveError(err error, op string) *errors.ErrorBuilder {
	return errors.New(err).
		Component("tribe").
		Category(errors.CategoryArchive).
		Context("operation", op)
}

// Write stores the tribe at path and returns the path written. With
// Compress the result is a gzipped tar whose single top directory is the
// base name of path; ".tgz" is appended when missing.
func (t *Tribe) Write(path string, opts WriteOptions) (string, error) {
	if !opts.Compress {
		if err := clearFolder(path); err != nil {
			return "", err
		}
		if err := t.writeFolder(path); err != nil {
			return "", err
		}
		return path, nil
	}

	if !strings.HasSuffix(path, archiveExt) {
		path += archiveExt
	}
	base := strings.TrimSuffix(filepath.Base(path), archiveExt)
	tmp, err := os.MkdirTemp("", "tribe-write-*")
	if err != nil {
		return "", archiveError(err, "write").Build()
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	dir := filepath.Join(tmp, base)
	if err := t.writeFolder(dir); err != nil {
		return "", err
	}
	if err := tarDirectory(dir, base, path); err != nil {
		return "", err
	}
	GetLogger().Info("wrote tribe archive", logger.String("path", path), logger.Int("templates", t.Len()))
	return path, nil
}

// clearFolder removes the members of a previous archive written to dir so
// templates dropped since then do not reappear on Read.
func clearFolder(dir string) error {
	members := []string{templatesDir, catalogFile, distMatFile, clustersFile}
	for _, m := range members {
		if err := os.RemoveAll(filepath.Join(dir, m)); err != nil {
			return archiveError(err, "write").FileContext(dir, 0).Build()
		}
	}
	return nil
}

func (t *Tribe) writeFolder(dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, templatesDir), dirPermissions); err != nil {
		return archiveError(err, "write").FileContext(dir, 0).Build()
	}

	var cat catalog.Catalog
	seenEvents := make(map[catalog.ResourceID]bool)
	for _, tmpl := range t.templates {
		if !validMemberName(tmpl.Name) {
			return errors.Newf("template name %q cannot be used as an archive member", tmpl.Name).
				Component("tribe").
				Category(errors.CategoryArchive).
				Build()
		}
		meta := templateMeta{Name: tmpl.Name, Params: tmpl.Params}
		if tmpl.Event != nil {
			meta.EventID = string(tmpl.Event.ResourceID)
			if !seenEvents[tmpl.Event.ResourceID] {
				seenEvents[tmpl.Event.ResourceID] = true
				cat.Events = append(cat.Events, tmpl.Event.Copy())
			}
		}
		tdir := filepath.Join(dir, templatesDir, tmpl.Name)
		if err := os.MkdirAll(tdir, dirPermissions); err != nil {
			return archiveError(err, "write").FileContext(tdir, 0).Build()
		}
		for i, tr := range tmpl.Stream {
			tm := traceMeta{File: fmt.Sprintf("%03d_%s.wav", i, tr.SeedID()), Stats: tr.Stats, Scale: waveform.ScaleFor(tr)}
			if err := writeWAV(filepath.Join(tdir, tm.File), tr, tm.Scale); err != nil {
				return err
			}
			meta.Traces = append(meta.Traces, tm)
		}
		if err := writeJSON(filepath.Join(tdir, templateFile), meta); err != nil {
			return err
		}
	}

	if err := cat.WriteFile(filepath.Join(dir, catalogFile)); err != nil {
		return err
	}
	if err := t.writeClusters(filepath.Join(dir, clustersFile)); err != nil {
		return err
	}
	for m, p := range t.params {
		data, err := yaml.Marshal(p)
		if err != nil {
			return archiveError(err, "write_params").Build()
		}
		if err := os.WriteFile(filepath.Join(dir, string(m)+paramsSuffix), data, filePermissions); err != nil {
			return archiveError(err, "write_params").Build()
		}
	}
	if t.distMat != nil {
		if err := t.writeDistMat(filepath.Join(dir, distMatFile)); err != nil {
			return err
		}
	}
	return nil
}

func validMemberName(name string) bool {
	return name != "" && filepath.IsLocal(name) && !strings.ContainsAny(name, `/\`)
}

func writeWAV(path string, tr *waveform.Trace, scale float64) error {
	f, err := os.Create(path)
	if err != nil {
		return archiveError(err, "write_wav").FileContext(path, 0).Build()
	}
	if err := waveform.EncodeWAV(f, tr, scale); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return archiveError(err, "write_wav").FileContext(path, 0).Build()
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return archiveError(err, "write_json").Build()
	}
	if err := os.WriteFile(path, data, filePermissions); err != nil {
		return archiveError(err, "write_json").FileContext(path, 0).Build()
	}
	return nil
}

func (t *Tribe) writeClusters(path string) error {
	methods := t.Methods()
	header := []string{"name", "id_no"}
	for _, m := range methods {
		header = append(header, string(m))
	}
	records := [][]string{header}
	for _, r := range t.rows {
		rec := []string{r.Name, strconv.Itoa(r.IDNo)}
		for _, m := range methods {
			if g, ok := r.Groups[m]; ok {
				rec = append(rec, strconv.Itoa(g))
			} else {
				rec = append(rec, "")
			}
		}
		records = append(records, rec)
	}
	return writeCSV(path, records)
}

func (t *Tribe) writeDistMat(path string) error {
	records := [][]string{append([]string{""}, t.Names()...)}
	for i, row := range t.distMat {
		rec := []string{t.rows[i].Name}
		for _, v := range row {
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		records = append(records, rec)
	}
	return writeCSV(path, records)
}

func writeCSV(path string, records [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return archiveError(err, "write_csv").FileContext(path, 0).Build()
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		_ = f.Close()
		return archiveError(err, "write_csv").FileContext(path, 0).Build()
	}
	if err := f.Close(); err != nil {
		return archiveError(err, "write_csv").FileContext(path, 0).Build()
	}
	return nil
}

func tarDirectory(dir, base, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return archiveError(err, "compress").FileContext(dest, 0).Build()
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(base, rel))
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})

	for _, closeErr := range []error{tw.Close(), gz.Close(), out.Close()} {
		if walkErr == nil {
			walkErr = closeErr
		}
	}
	if walkErr != nil {
		_ = os.Remove(dest)
		return archiveError(walkErr, "compress").FileContext(dest, 0).Build()
	}
	return nil
}

// Read loads a tribe from a directory or .tgz archive.
func Read(path string) (*Tribe, error) {
	t := &Tribe{params: make(map[Method]ClusterParams)}
	if err := t.Load(path); err != nil {
		return nil, err
	}
	return t, nil
}

// Load adds the templates of a directory or .tgz archive to t. Templates
// whose name is already present are skipped, and membership rows of
// templates that were not loaded are dropped.
func (t *Tribe) Load(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.New(err).
				Component("tribe").
				Category(errors.CategoryNotFound).
				FileContext(path, 0).
				Build()
		}
		return archiveError(err, "read").FileContext(path, 0).Build()
	}
	if info.IsDir() {
		return t.readFolder(path)
	}

	tmp, err := os.MkdirTemp("", "tribe-read-*")
	if err != nil {
		return archiveError(err, "read").Build()
	}
	defer func() { _ = os.RemoveAll(tmp) }()
	if err := extractArchive(path, tmp); err != nil {
		return err
	}
	dir, err := archiveRoot(tmp)
	if err != nil {
		return err
	}
	return t.readFolder(dir)
}

// extractArchive unpacks a gzipped tar into dest. Members that would land
// outside dest are rejected.
func extractArchive(path, dest string) error {
	f, err := os.Open(path)
	if err != nil {
		return archiveError(err, "extract").FileContext(path, 0).Build()
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return archiveError(err, "extract").FileContext(path, 0).Build()
	}
	defer gz.Close()

	root, err := os.OpenRoot(dest)
	if err != nil {
		return archiveError(err, "extract").Build()
	}
	defer root.Close()

	log := GetLogger()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return archiveError(err, "extract").FileContext(path, 0).Build()
		}
		name := filepath.FromSlash(strings.TrimSuffix(hdr.Name, "/"))
		if !filepath.IsLocal(name) {
			return errors.Newf("archive member %q escapes the target directory", hdr.Name).
				Component("tribe").
				Category(errors.CategoryArchive).
				FileContext(path, 0).
				Build()
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(name, dirPermissions); err != nil {
				return archiveError(err, "extract").Context("member", hdr.Name).Build()
			}
		case tar.TypeReg:
			if hdr.Size > maxMemberSize {
				return errors.Newf("archive member %q is too large", hdr.Name).
					Component("tribe").
					Category(errors.CategoryArchive).
					Build()
			}
			if dir := filepath.Dir(name); dir != "." {
				if err := root.MkdirAll(dir, dirPermissions); err != nil {
					return archiveError(err, "extract").Context("member", hdr.Name).Build()
				}
			}
			out, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePermissions)
			if err != nil {
				return archiveError(err, "extract").Context("member", hdr.Name).Build()
			}
			_, copyErr := io.Copy(out, io.LimitReader(tr, hdr.Size))
			closeErr := out.Close()
			if copyErr != nil || closeErr != nil {
				return archiveError(errors.Join(copyErr, closeErr), "extract").Context("member", hdr.Name).Build()
			}
		default:
			log.Warn("skipping unsupported archive member", logger.String("member", hdr.Name))
		}
	}
}

// archiveRoot returns the single top directory of an extracted archive, or
// dir itself when the members were stored without one.
func archiveRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", archiveError(err, "read").Build()
	}
	if len(entries) == 1 && entries[0].IsDir() && entries[0].Name() != templatesDir {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

func (t *Tribe) readFolder(dir string) error {
	if t.params == nil {
		t.params = make(map[Method]ClusterParams)
	}
	log := GetLogger().With(logger.String("path", dir))

	cat := &catalog.Catalog{}
	if _, err := os.Stat(filepath.Join(dir, catalogFile)); err == nil {
		if cat, err = catalog.ReadFile(filepath.Join(dir, catalogFile)); err != nil {
			return err
		}
	}

	rows, err := readClusters(filepath.Join(dir, clustersFile))
	if err != nil {
		return err
	}
	order, err := readOrder(filepath.Join(dir, clustersFile))
	if err != nil {
		return err
	}
	names, err := templateDirs(filepath.Join(dir, templatesDir), order)
	if err != nil {
		return err
	}

	wasEmpty := t.Len() == 0
	var loaded []string
	for _, name := range names {
		if t.index(name) >= 0 {
			log.Debug("template already in tribe", logger.String("template", name))
			continue
		}
		tmpl, err := readTemplate(filepath.Join(dir, templatesDir, name), cat)
		if err != nil {
			log.Error("skipping unreadable template", logger.String("template", name), logger.Error(err))
			continue
		}
		if err := t.Add(tmpl, AddOptions{}); err != nil {
			return err
		}
		if r, ok := rows[name]; ok {
			t.rows[t.index(name)].Groups = r
		}
		loaded = append(loaded, name)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*"+paramsSuffix))
	if err != nil {
		return archiveError(err, "read_params").Build()
	}
	for _, file := range matches {
		m, err := ParseMethod(strings.TrimSuffix(filepath.Base(file), paramsSuffix))
		if err != nil {
			log.Warn("skipping parameters of unknown method", logger.String("file", file))
			continue
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return archiveError(err, "read_params").FileContext(file, 0).Build()
		}
		var p ClusterParams
		if err := yaml.Unmarshal(data, &p); err != nil {
			return errors.New(err).
				Component("tribe").
				Category(errors.CategoryFileParsing).
				FileContext(file, int64(len(data))).
				Build()
		}
		t.params[m] = p
	}

	if wasEmpty && len(loaded) > 0 {
		if err := t.readDistMat(filepath.Join(dir, distMatFile)); err != nil {
			log.Warn("ignoring distance matrix", logger.Error(err))
			t.distMat = nil
		}
	}
	log.Info("read tribe", logger.Int("loaded", len(loaded)), logger.Int("templates", t.Len()))
	return nil
}

// readClusters parses clusters.csv into groups by template name. A missing
// file yields no rows.
func readClusters(path string) (map[string]map[Method]int, error) {
	records, err := readCSV(path)
	if err != nil || records == nil {
		return nil, err
	}
	out := make(map[string]map[Method]int)
	header := records[0]
	for _, rec := range records[1:] {
		if len(rec) != len(header) {
			continue
		}
		groups := map[Method]int{}
		for k := 2; k < len(header); k++ {
			if rec[k] == "" {
				continue
			}
			g, err := strconv.Atoi(rec[k])
			if err != nil {
				return nil, errors.Newf("invalid group %q for template %s", rec[k], rec[0]).
					Component("tribe").
					Category(errors.CategoryFileParsing).
					FileContext(path, 0).
					Build()
			}
			groups[Method(header[k])] = g
		}
		out[rec[0]] = groups
	}
	return out, nil
}

// templateDirs lists template directories ordered by id_no when order
// lists them, then by name.
func templateDirs(dir string, order map[string]int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, archiveError(err, "read").FileContext(dir, 0).Build()
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && validMemberName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	slices.SortStableFunc(names, func(a, b string) int {
		ia, oka := order[a]
		ib, okb := order[b]
		switch {
		case oka && okb:
			return ia - ib
		case oka:
			return -1
		case okb:
			return 1
		default:
			return strings.Compare(a, b)
		}
	})
	return names, nil
}

func readOrder(path string) (map[string]int, error) {
	records, err := readCSV(path)
	if err != nil || records == nil {
		return nil, err
	}
	order := make(map[string]int)
	for _, rec := range records[1:] {
		if len(rec) < 2 {
			continue
		}
		if id, err := strconv.Atoi(rec[1]); err == nil {
			order[rec[0]] = id
		}
	}
	return order, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, archiveError(err, "read_csv").FileContext(path, 0).Build()
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, errors.New(err).
			Component("tribe").
			Category(errors.CategoryFileParsing).
			FileContext(path, 0).
			Build()
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records, nil
}

func readTemplate(dir string, cat *catalog.Catalog) (*template.Template, error) {
	data, err := os.ReadFile(filepath.Join(dir, templateFile))
	if err != nil {
		return nil, archiveError(err, "read_template").FileContext(dir, 0).Build()
	}
	var meta templateMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.New(err).
			Component("tribe").
			Category(errors.CategoryFileParsing).
			FileContext(filepath.Join(dir, templateFile), int64(len(data))).
			Build()
	}
	if len(meta.Traces) == 0 {
		return nil, errors.Newf("template %s has no waveforms", meta.Name).
			Component("tribe").
			Category(errors.CategoryArchive).
			Build()
	}

	tmpl := &template.Template{Name: meta.Name, Params: meta.Params}
	if tmpl.Name == "" {
		tmpl.Name = filepath.Base(dir)
	}
	for _, tm := range meta.Traces {
		if !validMemberName(tm.File) {
			return nil, errors.Newf("invalid waveform file name %q", tm.File).
				Component("tribe").
				Category(errors.CategoryArchive).
				Build()
		}
		tr, err := readWAV(filepath.Join(dir, tm.File), tm)
		if err != nil {
			return nil, err
		}
		tmpl.Stream = append(tmpl.Stream, tr)
	}
	if meta.EventID != "" {
		if ev := cat.Event(catalog.ResourceID(meta.EventID)); ev != nil {
			cp := ev.Copy()
			tmpl.Event = &cp
		}
	}
	return tmpl, nil
}

func readWAV(path string, tm traceMeta) (*waveform.Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, archiveError(err, "read_wav").FileContext(path, 0).Build()
	}
	defer f.Close()
	return waveform.ReadWAVTrace(f, tm.Stats, tm.Scale)
}

// readDistMat loads dist_mat.csv when its names are exactly the tribe's.
func (t *Tribe) readDistMat(path string) error {
	records, err := readCSV(path)
	if err != nil || records == nil {
		return err
	}
	names := records[0][1:]
	if rows := len(records) - 1; rows != len(names) {
		return errors.Newf("distance matrix has %d rows for %d templates", rows, len(names)).
			Component("tribe").
			Category(errors.CategoryFileParsing).
			FileContext(path, 0).
			Build()
	}
	if len(names) != t.Len() {
		return errors.Newf("distance matrix has %d templates, tribe has %d", len(names), t.Len()).
			Component("tribe").
			Category(errors.CategoryArchive).
			Build()
	}
	pos := make([]int, len(names))
	for i, name := range names {
		if pos[i] = t.index(name); pos[i] < 0 {
			return notFound(name)
		}
	}
	dm := make([][]float64, len(names))
	for i := range dm {
		dm[i] = make([]float64, len(names))
	}
	for i, rec := range records[1:] {
		if i >= len(names) || len(rec) != len(names)+1 {
			return errors.Newf("malformed distance matrix row %d", i+1).
				Component("tribe").
				Category(errors.CategoryFileParsing).
				Build()
		}
		for j, cell := range rec[1:] {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				v = math.NaN()
			}
			dm[pos[i]][pos[j]] = v
		}
	}
	t.distMat = dm
	return nil
}

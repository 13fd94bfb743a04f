// Package manifest checks a Python package manifest (pyproject.toml) for
// well-formedness and for package directories its discovery rules require.
package manifest

import (
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
)

// Manifest is the subset of pyproject.toml eqcutil inspects.
type Manifest struct {
	BuildSystem struct {
		Requires     []string `toml:"requires"`
		BuildBackend string   `toml:"build-backend"`
	} `toml:"build-system"`
	Project struct {
		Name         string   `toml:"name"`
		Version      string   `toml:"version"`
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
	Tool struct {
		Setuptools struct {
			Packages struct {
				Find struct {
					Include []string `toml:"include"`
				} `toml:"find"`
			} `toml:"packages"`
		} `toml:"setuptools"`
	} `toml:"tool"`
}

// Include returns the package discovery patterns.
func (m *Manifest) Include() []string {
	return m.Tool.Setuptools.Packages.Find.Include
}

// Parse decodes a manifest. Syntax errors carry the row and column the
// decoder reported.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		b := errors.New(err).
			Component("manifest").
			Category(errors.CategoryFileParsing)
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			b = b.Context("row", row).Context("column", col)
		}
		return nil, b.Build()
	}
	return &m, nil
}

// ParseFile reads and decodes the manifest at path.
func ParseFile(file string) (*Manifest, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.New(err).
			Component("manifest").
			Category(errors.CategoryFileIO).
			FileContext(file, 0).
			Build()
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.New(err).FileContext(file, int64(len(data))).Build()
	}
	GetLogger().Debug("parsed manifest",
		logger.String("path", file),
		logger.String("project", m.Project.Name),
		logger.Int("dependencies", len(m.Project.Dependencies)))
	return m, nil
}

// CheckPackages succeeds when at least one include pattern matches a
// top-level directory of root. Patterns are matched on their first dotted
// component, so "methods.*" matches a "methods" directory.
func (m *Manifest) CheckPackages(root fs.FS) error {
	include := m.Include()
	if len(include) == 0 {
		return errors.Newf("manifest declares no package include patterns").
			Component("manifest").
			Category(errors.CategoryValidation).
			Build()
	}
	entries, err := fs.ReadDir(root, ".")
	if err != nil {
		return errors.New(err).
			Component("manifest").
			Category(errors.CategoryFileIO).
			Build()
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	for _, pattern := range include {
		top, _, _ := strings.Cut(pattern, ".")
		if slices.ContainsFunc(dirs, func(d string) bool {
			ok, err := path.Match(top, d)
			return err == nil && ok
		}) {
			return nil
		}
	}
	return errors.Newf("no top-level directory matches include patterns %v", include).
		Component("manifest").
		Category(errors.CategoryValidation).
		Context("directories", len(dirs)).
		Build()
}

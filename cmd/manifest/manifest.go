// Package manifest provides the manifest check command.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/manifest"
)

// Command creates the manifest command.
func Command(_ *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect pyproject.toml packaging manifests",
	}
	cmd.AddCommand(checkCommand())
	return cmd
}

func checkCommand() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "check <pyproject.toml>",
		Short: "Verify a manifest parses and its package include patterns match",
		Long: `Check decodes the manifest and verifies that at least one
tool.setuptools.packages.find.include pattern names an existing top-level
directory under --root (default: the manifest's directory).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.ParseFile(args[0])
			if err != nil {
				return err
			}
			if root == "" {
				root = filepath.Dir(args[0])
			}
			if err := m.CheckPackages(os.DirFS(root)); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "project:      %s %s\n", m.Project.Name, m.Project.Version)
			fmt.Fprintf(out, "dependencies: %d\n", len(m.Project.Dependencies))
			fmt.Fprintf(out, "packages:     %v\n", m.Include())
			fmt.Fprintln(out, "manifest OK")
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "Project root holding the package directories")
	return cmd
}

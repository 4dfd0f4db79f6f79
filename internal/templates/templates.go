// Package templates resolves the named file bundles used to seed new
// projects.
package templates

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// DefaultName is the name of the built-in bundle.
const DefaultName = "default"

//go:embed default
var builtin embed.FS

// Bundle maps file names to their initial content.
type Bundle map[string][]byte

// Names returns the bundle's file names in sorted order.
func (b Bundle) Names() []string {
	names := make([]string, 0, len(b))
	for name := range b {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog looks bundles up by name. Named bundles are directories under
// dir; only regular files at the top level of such a directory are used.
type Catalog struct {
	dir    string
	logger *zap.Logger
}

// NewCatalog returns a catalog reading custom bundles from dir. An empty
// dir disables custom bundles.
func NewCatalog(dir string, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{dir: dir, logger: logger}
}

// Resolve returns the bundle called name and the name actually used.
// Unknown or unreadable bundles fall back to the built-in default.
func (c *Catalog) Resolve(name string) (Bundle, string) {
	if name == "" || name == DefaultName || c.dir == "" || !validName(name) {
		return Default(), DefaultName
	}

	dir := filepath.Join(c.dir, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("read template", zap.String("template", name), zap.Error(err))
		}
		return Default(), DefaultName
	}

	bundle := make(Bundle)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			c.logger.Warn("read template file",
				zap.String("template", name),
				zap.String("file", entry.Name()),
				zap.Error(err),
			)
			return Default(), DefaultName
		}
		bundle[entry.Name()] = data
	}
	return bundle, name
}

// Default returns a fresh copy of the built-in bundle.
func Default() Bundle {
	bundle := make(Bundle)
	_ = fs.WalkDir(builtin, DefaultName, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := builtin.ReadFile(p)
		if err != nil {
			return err
		}
		bundle[strings.TrimPrefix(p, DefaultName+"/")] = data
		return nil
	})
	return bundle
}

func validName(name string) bool {
	return !strings.ContainsAny(name, `/\`) && name != "." && name != ".." && !strings.HasPrefix(name, ".")
}

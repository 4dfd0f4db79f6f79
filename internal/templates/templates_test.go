package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultBundle(t *testing.T) {
	b := Default()
	require.Equal(t, []string{"App.js", "README.md", "example.js"}, b.Names())
	for name, data := range b {
		require.NotEmpty(t, data, name)
	}

	// Each call returns an independent copy.
	b["App.js"] = []byte("changed")
	require.NotEqual(t, "changed", string(Default()["App.js"]))
}

func TestCatalogResolve(t *testing.T) {
	dir := t.TempDir()
	custom := filepath.Join(dir, "react")
	require.NoError(t, os.MkdirAll(filepath.Join(custom, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(custom, "index.js"), []byte("index"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(custom, "nested", "skip.js"), []byte("skip"), 0o644))

	c := NewCatalog(dir, nil)

	b, used := c.Resolve("react")
	require.Equal(t, "react", used)
	require.Equal(t, []string{"index.js"}, b.Names(), "only top-level regular files are used")

	for _, name := range []string{"", "default", "missing", "../react", ".hidden"} {
		b, used := c.Resolve(name)
		require.Equal(t, DefaultName, used, name)
		require.Equal(t, Default().Names(), b.Names(), name)
	}
}

func TestCatalogWithoutDirectory(t *testing.T) {
	b, used := NewCatalog("", nil).Resolve("react")
	require.Equal(t, DefaultName, used)
	require.Len(t, b, 3)
}

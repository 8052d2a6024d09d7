package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinery-data/refinery/internal/record"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, contents := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
	}
}

func TestCatalogRegisterAndResolve(t *testing.T) {
	workDir := t.TempDir()
	dataDir := t.TempDir()
	writeFiles(t, dataDir, map[string]string{
		"b.txt": "second",
		"a.txt": "first",
	})

	c, err := Open(workDir, nil)
	require.NoError(t, err)

	require.NoError(t, c.RegisterDir("docs", dataDir))
	assert.Error(t, c.RegisterDir("", dataDir))
	assert.Error(t, c.RegisterDir("missing", filepath.Join(dataDir, "nope")))

	src, err := c.Source("docs")
	require.NoError(t, err)

	it, err := src.Open()
	require.NoError(t, err)
	defer it.Close()

	var names, bodies []string
	for it.Next() {
		r := it.Record()
		names = append(names, r.GetString("filename"))
		bodies = append(bodies, r.GetString("contents"))
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"a.txt", "b.txt"}, names, "directory iteration is sorted")
	assert.Equal(t, []string{"first", "second"}, bodies)

	_, err = c.Source("unknown")
	assert.ErrorIs(t, err, ErrMissingDataset)
}

func TestCatalogPersistsAcrossOpens(t *testing.T) {
	workDir := t.TempDir()
	dataDir := t.TempDir()
	writeFiles(t, dataDir, map[string]string{"only.txt": "x"})

	c, err := Open(workDir, nil)
	require.NoError(t, err)
	require.NoError(t, c.RegisterFile("solo", filepath.Join(dataDir, "only.txt")))

	reopened, err := Open(workDir, nil)
	require.NoError(t, err)
	src, err := reopened.Source("solo")
	require.NoError(t, err)
	n, err := src.RecordCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, reopened.Unregister("solo"))
	_, err = reopened.Source("solo")
	assert.ErrorIs(t, err, ErrMissingDataset)
}

func TestCatalogStats(t *testing.T) {
	dataDir := t.TempDir()
	writeFiles(t, dataDir, map[string]string{
		"a.txt": "0123456789",
		"b.txt": "0123456789",
	})

	c, err := Open("", nil)
	require.NoError(t, err)
	require.NoError(t, c.RegisterDir("pair", dataDir))

	stats, err := c.Stats("pair")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Records)
	assert.Equal(t, int64(20), stats.Bytes)

	// Cached lookups return the same value.
	again, err := c.Stats("pair")
	require.NoError(t, err)
	assert.Equal(t, stats, again)

	_, err = c.Stats("absent")
	assert.ErrorIs(t, err, ErrMissingDataset)
}

func TestMemorySource(t *testing.T) {
	r := record.New(record.TextFileSchema)
	require.NoError(t, r.Set("filename", "mem.txt"))
	require.NoError(t, r.Set("contents", "in memory"))

	c, err := Open("", nil)
	require.NoError(t, err)
	c.RegisterMemory(NewMemorySource("mem", []*record.Record{r}))

	stats, err := c.Stats("mem")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Records)
	assert.Positive(t, stats.Bytes)

	src, err := c.Source("mem")
	require.NoError(t, err)
	it, err := src.Open()
	require.NoError(t, err)
	require.True(t, it.Next())
	assert.Equal(t, "in memory", it.Record().GetString("contents"))
	assert.False(t, it.Next())
	require.NoError(t, c.Unregister("mem"))
}

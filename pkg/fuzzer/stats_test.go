package fuzzer

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatsFlush(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "stats")

	s := NewRunStats("run-1")
	s.Record("GET-pets", 10*time.Millisecond)
	s.Record("GET-pets", 20*time.Millisecond)
	s.Record("POST-pets", 5*time.Millisecond)
	require.NoError(t, s.Flush(dir))

	f, err := os.Open(filepath.Join(dir, "GET-pets.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"trial", "duration_ns"}, rows[0])
	assert.Equal(t, []string{"0", "10000000"}, rows[1])
	assert.Equal(t, []string{"1", "20000000"}, rows[2])

	raw, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	require.NoError(t, err)
	summary := statsSummary{}
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, 2, summary.Operations)
	assert.Equal(t, map[string]int{"GET-pets": 2, "POST-pets": 1}, summary.Trials)
	assert.False(t, summary.Started.IsZero())

	// No staging leftovers after a clean flush.
	leftovers, err := filepath.Glob(filepath.Join(dir, "stage-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestRunStatsReflushOverwrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "stats")

	s := NewRunStats("run-2")
	s.Record("GET-pets", time.Millisecond)
	require.NoError(t, s.Flush(dir))
	s.Record("GET-pets", time.Millisecond)
	require.NoError(t, s.Flush(dir))

	f, err := os.Open(filepath.Join(dir, "GET-pets.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3) // header plus both trials, not appended twice
}

func TestRunStatsNilIsSilent(t *testing.T) {
	var s *RunStats
	s.Record("GET-pets", time.Millisecond)

	dir := filepath.Join(t.TempDir(), "never")
	require.NoError(t, s.Flush(dir))
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePutMirrorsToDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	s, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, s.Dir())

	location, err := s.Put("GET-pets-0.json", []byte(`{"path":"/pets"}`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "GET-pets-0.json"), location)

	data, ok := s.Get("GET-pets-0.json")
	require.True(t, ok)
	assert.Equal(t, `{"path":"/pets"}`, string(data))

	onDisk, err := os.ReadFile(location)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
}

func TestStoreReloadsArtifactsOnOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.Put("GET-pets-0.json", []byte("a"))
	require.NoError(t, err)
	require.NoError(t, s.Describe("GET-pets-0.json", "code", []byte("500")))

	reopened, err := Open(dir)
	require.NoError(t, err)

	data, ok := reopened.Get("GET-pets-0.json")
	require.True(t, ok)
	assert.Equal(t, "a", string(data))

	// Description sidecars never reload as artifacts.
	assert.Len(t, reopened.M, 1)
}

func TestStoreOverwritesSameName(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	s, err := Open(dir)
	require.NoError(t, err)

	_, err = s.Put("GET-pets-0.json", []byte("first"))
	require.NoError(t, err)
	location, err := s.Put("GET-pets-0.json", []byte("second"))
	require.NoError(t, err)

	data, ok := s.Get("GET-pets-0.json")
	require.True(t, ok)
	assert.Equal(t, "second", string(data))

	onDisk, err := os.ReadFile(location)
	require.NoError(t, err)
	assert.Equal(t, "second", string(onDisk))
}

func TestStoreDescribeWritesSidecar(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.Put("GET-pets-0.json", []byte("a"))
	require.NoError(t, err)

	require.NoError(t, s.Describe("GET-pets-0.json", "code", []byte("599")))

	sidecar, err := os.ReadFile(filepath.Join(dir, "GET-pets-0.json.code"))
	require.NoError(t, err)
	assert.Equal(t, "599", string(sidecar))
}

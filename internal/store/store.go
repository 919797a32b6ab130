// Package store keeps a set of named artifacts with a persistent
// mirror on disk, reloading existing entries on open so findings
// survive process restarts.
package store

import (
	"os"
	"path/filepath"
)

// artifactExt marks files holding artifact data. Anything else in the
// directory is a description sidecar and is skipped on reload.
const artifactExt = ".json"

// Store is a set of named binary artifacts mirrored into one directory.
// Writing to an existing name overwrites the previous artifact, both in
// memory and on disk.
type Store struct {
	dir string
	M   map[string][]byte
}

// Open creates dir if needed and loads any artifacts already present.
func Open(dir string) (*Store, error) {
	s := &Store{
		dir: dir,
		M:   make(map[string][]byte),
	}
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, err
	}
	if err := s.readInDir(dir); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) readInDir(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(info.Name()) != artifactExt {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		s.M[info.Name()] = data
		return nil
	})
}

// Put records data under name and mirrors it to disk. The in-memory
// copy is kept even when the write fails, so the caller can report the
// failure without losing the artifact for the rest of the run. The
// returned path names the mirror file either way.
func (s *Store) Put(name string, data []byte) (string, error) {
	s.M[name] = data
	fname := filepath.Join(s.dir, name)
	if err := os.WriteFile(fname, data, 0660); err != nil {
		return fname, err
	}
	return fname, nil
}

// Get returns the artifact stored under name.
func (s *Store) Get(name string) ([]byte, bool) {
	data, ok := s.M[name]
	return data, ok
}

// Describe creates a complementary file next to the named artifact,
// holding desc under the extension typ.
func (s *Store) Describe(name string, typ string, desc []byte) error {
	fname := filepath.Join(s.dir, name+"."+typ)
	return os.WriteFile(fname, desc, 0660)
}

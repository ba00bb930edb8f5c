package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store tracks which message identifiers have already been transferred,
// partitioned by source name. The state survives restarts: it is kept in a
// JSON document on disk and rewritten atomically on every mutation, so a
// crash mid-write leaves the previous document intact.
type Store struct {
	mu   sync.Mutex
	path string
}

type document struct {
	Sources map[string][]string `json:"sources"`
}

// NewStore opens (or creates) a store backed by path. Parent directories
// are created as needed; a missing file is initialised to an empty document.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &Store{path: path}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.write(&document{Sources: map[string][]string{}}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat state file: %w", err)
	}
	return s, nil
}

func (s *Store) read() (*document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &document{Sources: map[string][]string{}}, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	doc := &document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	if doc.Sources == nil {
		doc.Sources = map[string][]string{}
	}
	return doc, nil
}

func (s *Store) write(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// GetProcessed returns the set of identifiers recorded for the given source.
func (s *Store) GetProcessed(source string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}

	ids := make(map[string]struct{}, len(doc.Sources[source]))
	for _, id := range doc.Sources[source] {
		ids[id] = struct{}{}
	}
	return ids, nil
}

// RecordProcessed merges ids into the set recorded for the given source and
// rewrites the document. Recording an identifier twice has no additional
// effect; an empty ids slice leaves the file untouched.
func (s *Store) RecordProcessed(source string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}

	merged := make(map[string]struct{}, len(doc.Sources[source])+len(ids))
	for _, id := range doc.Sources[source] {
		merged[id] = struct{}{}
	}
	for _, id := range ids {
		merged[id] = struct{}{}
	}

	updated := make([]string, 0, len(merged))
	for id := range merged {
		updated = append(updated, id)
	}
	sort.Strings(updated)

	doc.Sources[source] = updated
	return s.write(doc)
}

// ClearSource removes all recorded identifiers for the given source.
// Other sources are unaffected.
func (s *Store) ClearSource(source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}

	if _, ok := doc.Sources[source]; !ok {
		return nil
	}
	delete(doc.Sources, source)
	return s.write(doc)
}

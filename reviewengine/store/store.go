// Package store persists review runs as JSON files under a data directory.
//
// One file per run plus a flat index.json listing. The persisted record wraps
// the full run state with identity and lifecycle fields, so a run can be
// reloaded and resumed across processes.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/algowizzzz/docasst/reviewengine/runstate"
)

// Record is the persisted wrapper around a run state.
type Record struct {
	ID         string             `json:"id"`
	Title      string             `json:"title"`
	SourcePath string             `json:"source_path"`
	Status     string             `json:"status"`
	UploadedAt string             `json:"uploaded_at"`
	UpdatedAt  string             `json:"updated_at"`
	State      *runstate.RunState `json:"state"`
}

// IndexEntry is one row of the document index.
type IndexEntry struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	UploadedAt string `json:"uploaded_at"`
	UpdatedAt  string `json:"updated_at"`
}

type index struct {
	Documents []IndexEntry `json:"documents"`
}

// Store is a file-based JSON store for review runs.
type Store struct {
	dataDir   string
	indexPath string
}

// New creates a Store rooted at dataDir, creating the directory and an
// empty index if needed.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{
		dataDir:   dataDir,
		indexPath: filepath.Join(dataDir, "index.json"),
	}
	if _, err := os.Stat(s.indexPath); os.IsNotExist(err) {
		if err := s.writeIndex(&index{Documents: []IndexEntry{}}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dataDir, id+".json")
}

// Save persists a run state under id. The upload timestamp of an existing
// record is preserved; everything else is rewritten.
func (s *Store) Save(id string, state *runstate.RunState, status string) (*Record, error) {
	title := "Untitled"
	if state != nil && state.DocMeta.DocTitle != "" {
		title = state.DocMeta.DocTitle
	}
	sourcePath := ""
	if state != nil {
		sourcePath = state.DocMeta.SourcePath
	}

	now := timestamp()
	uploadedAt := now
	if existing, err := s.Load(id); err == nil {
		uploadedAt = existing.UploadedAt
	}

	record := &Record{
		ID:         id,
		Title:      title,
		SourcePath: sourcePath,
		Status:     status,
		UploadedAt: uploadedAt,
		UpdatedAt:  now,
		State:      state,
	}
	if err := s.writeRecord(record); err != nil {
		return nil, err
	}
	if err := s.updateIndex(record); err != nil {
		return nil, err
	}
	return record, nil
}

// Load reads the record stored under id.
func (s *Store) Load(id string) (*Record, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return &record, nil
}

// List returns the index entries, most recently updated first.
func (s *Store) List() ([]IndexEntry, error) {
	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	return idx.Documents, nil
}

// Delete removes the record and its index entry. It reports whether a
// record file existed.
func (s *Store) Delete(id string) (bool, error) {
	deleted := false
	if err := os.Remove(s.recordPath(id)); err == nil {
		deleted = true
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("delete %s: %w", id, err)
	}

	idx, err := s.readIndex()
	if err != nil {
		return deleted, err
	}
	kept := idx.Documents[:0]
	for _, entry := range idx.Documents {
		if entry.ID != id {
			kept = append(kept, entry)
		}
	}
	idx.Documents = kept
	return deleted, s.writeIndex(idx)
}

// UpdateStatus rewrites the record's status without touching the state.
// It reports whether the record existed.
func (s *Store) UpdateStatus(id string, status string) (bool, error) {
	record, err := s.Load(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	record.Status = status
	record.UpdatedAt = timestamp()
	if err := s.writeRecord(record); err != nil {
		return false, err
	}
	return true, s.updateIndex(record)
}

func (s *Store) writeRecord(record *Record) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", record.ID, err)
	}
	if err := os.WriteFile(s.recordPath(record.ID), data, 0o644); err != nil {
		return fmt.Errorf("write record %s: %w", record.ID, err)
	}
	return nil
}

// updateIndex replaces the record's index row and re-sorts by updated_at
// descending.
func (s *Store) updateIndex(record *Record) error {
	idx, err := s.readIndex()
	if err != nil {
		return err
	}

	entries := make([]IndexEntry, 0, len(idx.Documents)+1)
	for _, entry := range idx.Documents {
		if entry.ID != record.ID {
			entries = append(entries, entry)
		}
	}
	entries = append(entries, IndexEntry{
		ID:         record.ID,
		Title:      record.Title,
		Status:     record.Status,
		UploadedAt: record.UploadedAt,
		UpdatedAt:  record.UpdatedAt,
	})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UpdatedAt > entries[j].UpdatedAt
	})

	idx.Documents = entries
	return s.writeIndex(idx)
}

func (s *Store) readIndex() (*index, error) {
	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	return &idx, nil
}

func (s *Store) writeIndex(idx *index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := os.WriteFile(s.indexPath, data, 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

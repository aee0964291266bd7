package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/avoronkov/pulsecron/internal/logger"
)

// storeVersion is the on-disk format version of the job store file.
const storeVersion = 1

// storeFile is the envelope persisted on disk.
type storeFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// Store persists the full job set to a single JSON file. It holds no locking
// of its own: all access is funneled through the execution queue.
type Store struct {
	filePath string
	logger   *logger.Logger
}

// NewStore creates a store backed by the given file path.
func NewStore(filePath string, log *logger.Logger) *Store {
	return &Store{
		filePath: filePath,
		logger:   log,
	}
}

// Path returns the file path the store writes to.
func (s *Store) Path() string {
	return s.filePath
}

// Load reads the job set from disk. A missing file is an empty job set
// (first run). A file that fails to parse is ErrStoreCorrupt; the file is
// never discarded or reset.
func (s *Store) Load() ([]*Job, error) {
	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return []*Job{}, nil
	}
	if err != nil {
		s.logger.Error("failed to read job store", err,
			logger.Field{Key: "file", Value: s.filePath})
		return nil, err
	}

	var envelope storeFile
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Error("job store failed to parse", err,
			logger.Field{Key: "file", Value: s.filePath})
		return nil, fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, s.filePath, err)
	}
	if envelope.Version > storeVersion {
		err := fmt.Errorf("%w: %s: unsupported version %d", ErrStoreCorrupt, s.filePath, envelope.Version)
		s.logger.Error("job store version is unsupported", err,
			logger.Field{Key: "file", Value: s.filePath},
			logger.Field{Key: "version", Value: envelope.Version})
		return nil, err
	}

	if envelope.Jobs == nil {
		envelope.Jobs = []*Job{}
	}
	return envelope.Jobs, nil
}

// Save writes the full job set atomically: a fresh copy goes to a temporary
// file in the same directory, is synced, and is renamed over the real path.
// A crash mid-write leaves the previous file intact.
func (s *Store) Save(jobs []*Job) error {
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		s.logger.Error("failed to create store directory", err,
			logger.Field{Key: "dir", Value: filepath.Dir(s.filePath)})
		return err
	}

	envelope := storeFile{Version: storeVersion, Jobs: jobs}
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		s.logger.Error("failed to marshal job store", err)
		return err
	}

	tmpPath := s.filePath + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		s.logger.Error("failed to create temporary store file", err,
			logger.Field{Key: "file", Value: tmpPath})
		return err
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		file.Close()
		s.logger.Error("failed to write temporary store file", err,
			logger.Field{Key: "file", Value: tmpPath})
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		s.logger.Error("failed to sync temporary store file", err,
			logger.Field{Key: "file", Value: tmpPath})
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		s.logger.Error("failed to rename temporary store file", err,
			logger.Field{Key: "from", Value: tmpPath},
			logger.Field{Key: "to", Value: s.filePath})
		return err
	}

	s.logger.Debug("job store saved",
		logger.Field{Key: "count", Value: len(jobs)},
		logger.Field{Key: "file", Value: s.filePath})

	return nil
}

// Package checkpoint saves each station's open archive window, along with any
// records the store had not yet accepted, to a JSON file so an acquisition
// session can continue after a restart.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
)

// FileStore keeps one checkpoint file per station in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the checkpoint atomically: a reader sees either the old or the
// new file, never a torn one.
func (s *FileStore) Save(_ context.Context, cp domain.Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, cp.StationID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(cp.StationID)); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Load reads the station's checkpoint, returning false when there is none.
func (s *FileStore) Load(_ context.Context, stationID string) (domain.Checkpoint, bool, error) {
	data, err := os.ReadFile(s.path(stationID))
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", stationID, err)
	}
	return cp, true, nil
}

func (s *FileStore) path(stationID string) string {
	return filepath.Join(s.dir, stationID+".json")
}

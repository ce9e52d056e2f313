package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"opsqueue/internal/domain"
)

// BlobName is the fixed key of the local state blob.
const BlobName = "ops_state_v1.json"

// LocalStore keeps the whole operational state as one JSON blob, replaced
// atomically on every save.
type LocalStore struct {
	Dir string
}

func (l LocalStore) Path() string {
	return filepath.Join(l.Dir, BlobName)
}

// Load returns the stored state. found is false when no blob exists; a
// corrupt blob yields default state and ErrCorruptBlob.
func (l LocalStore) Load() (state domain.State, found bool, err error) {
	data, err := os.ReadFile(l.Path())
	if errors.Is(err, os.ErrNotExist) {
		return domain.NewState(), false, nil
	}
	if err != nil {
		return domain.NewState(), false, err
	}
	var parsed domain.State
	if err := json.Unmarshal(data, &parsed); err != nil {
		return domain.NewState(), false, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	return withDefaults(parsed), true, nil
}

func withDefaults(s domain.State) domain.State {
	if s.Professionals == nil {
		s.Professionals = map[string]domain.Professional{}
	}
	if s.Queue == nil {
		s.Queue = []domain.QueueItem{}
	}
	if s.Settings == (domain.Settings{}) {
		s.Settings = domain.DefaultSettings()
	}
	if !s.Settings.DistributionMode.Valid() {
		s.Settings.DistributionMode = domain.DistributionQueue
	}
	return s
}

// Save writes the blob via temp file, fsync and rename.
func (l LocalStore) Save(state domain.State) error {
	content, err := json.Marshal(withDefaults(state))
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}
	tmp, err := os.CreateTemp(l.Dir, ".opsqueue-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, l.Path()); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

package grid

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gridengine/internal/core"
)

// StateStore persists one bot's GridStateSnapshot as a JSON file at a
// known path, keyed by bot ID, so a restart can restore the live order
// book without re-deriving it from the exchange alone.
type StateStore struct {
	dir string
}

// NewStateStore returns a StateStore rooted at dir, creating it if absent.
func NewStateStore(dir string) (*StateStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &StateStore{dir: dir}, nil
}

func (s *StateStore) path(botID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("bot_%s.json", botID))
}

// Save writes a snapshot, via a temp-file-then-rename so a crash mid-write
// never leaves a half-written state file behind.
func (s *StateStore) Save(botID string, snap core.GridStateSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dst := s.path(botID)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// Load reads a bot's persisted snapshot. A missing file is not an error —
// it means this bot is starting fresh — and is reported via ok=false.
func (s *StateStore) Load(botID string) (snap core.GridStateSnapshot, ok bool, err error) {
	data, err := os.ReadFile(s.path(botID))
	if os.IsNotExist(err) {
		return core.GridStateSnapshot{}, false, nil
	}
	if err != nil {
		return core.GridStateSnapshot{}, false, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return core.GridStateSnapshot{}, false, fmt.Errorf("unmarshal state: %w", err)
	}
	return snap, true, nil
}

// Delete removes a bot's state file after it is permanently stopped.
func (s *StateStore) Delete(botID string) error {
	err := os.Remove(s.path(botID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

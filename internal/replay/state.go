package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MikeSquared-Agency/iminsight/internal/processor"
)

// State tracks how far each replayed file got so an interrupted run can
// resume without resubmitting earlier batches.
type State struct {
	StartedAt       time.Time       `json:"started_at"`
	LastProcessedAt time.Time       `json:"last_processed_at"`
	Offsets         map[string]int  `json:"offsets"`
	Totals          processor.Stats `json:"totals"`
	Errors          []string        `json:"errors,omitempty"`

	path string
}

// LoadState reads the state file at path, or starts a fresh one if it
// does not exist. An empty path gives an in-memory state that never saves.
func LoadState(path string) (*State, error) {
	path = expandHome(path)
	fresh := &State{
		StartedAt: time.Now().UTC(),
		Offsets:   make(map[string]int),
		path:      path,
	}
	if path == "" {
		return fresh, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fresh, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if s.Offsets == nil {
		s.Offsets = make(map[string]int)
	}
	s.path = path
	return &s, nil
}

// Save writes the state next to its final name and renames it into place.
func (s *State) Save() error {
	s.LastProcessedAt = time.Now().UTC()
	if s.path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// Offset is the number of events of file already submitted.
func (s *State) Offset(file string) int {
	return s.Offsets[file]
}

func (s *State) Advance(file string, n int) {
	s.Offsets[file] += n
}

func (s *State) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

package baseline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LastResult is the most recent Ensure outcome, persisted so that a later
// command can report on it without touching the remote.
type LastResult struct {
	RecordedAt time.Time `json:"recordedAt"`
	Result     Result    `json:"result"`
}

// SaveLastResult persists r to path, replacing any previous record.
func SaveLastResult(path string, r Result, now time.Time) error {
	data, err := json.MarshalIndent(LastResult{RecordedAt: now.UTC(), Result: r}, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Write to a sibling file and rename so readers never see a torn record.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".last-result-*")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadLastResult reads the record written by SaveLastResult. It returns
// nil and no error when nothing has been recorded yet.
func LoadLastResult(path string) (*LastResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var last LastResult
	if err := json.Unmarshal(data, &last); err != nil {
		return nil, fmt.Errorf("failed to parse last result: %w", err)
	}
	return &last, nil
}

// Package marker persists the success marker: the commit and message of
// the last deployment that completed activation and passed verification.
package marker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const fileName = "last_success.json"

// SuccessMarker is the record written after a verified successful deploy.
type SuccessMarker struct {
	Commit    string    `json:"commit"`
	Message   string    `json:"commit_message"`
	Timestamp time.Time `json:"timestamp"`
}

// Store reads and writes the success marker inside a config_dir.
type Store struct {
	path string
}

// New returns a Store bound to configDir/last_success.json.
func New(configDir string) *Store {
	return &Store{path: filepath.Join(configDir, fileName)}
}

// Load returns the marker and ok=true, or ok=false if the file is absent
// or unparseable. Neither case is treated as an error: "no prior success"
// is a normal state.
func (s *Store) Load() (SuccessMarker, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return SuccessMarker{}, false
	}
	var m SuccessMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return SuccessMarker{}, false
	}
	return m, true
}

// Store atomically writes the marker via write-temp-then-rename.
func (s *Store) Store(commit, message string, timestamp time.Time) error {
	m := SuccessMarker{Commit: commit, Message: message, Timestamp: timestamp}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-last_success-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

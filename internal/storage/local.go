// Package storage persists downloaded voicemail audio on local disk.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

type LocalAudioStore struct {
	dir string
}

func NewLocalAudioStore(dir string) (*LocalAudioStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	return &LocalAudioStore{dir: dir}, nil
}

// Save writes the audio bytes for one voicemail and returns the local
// path to store on the record.
func (s *LocalAudioStore) Save(externalID string, audio []byte) (string, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("voicemail_%s.mp3", externalID))
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	return path, nil
}

// Read returns the audio bytes behind a stored path.
func (s *LocalAudioStore) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Remove deletes the audio blob. Used when a record is deleted
// administratively; missing files are not an error.
func (s *LocalAudioStore) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

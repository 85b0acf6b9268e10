package keyring

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps the collection as a JSON array on disk, the same layout
// the desktop front-end reads back for its key manager panel.
type FileStore struct {
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("keyring file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create keyring dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Path() string {
	return s.path
}

// Load reads the persisted collection. A missing file is first run: the
// collection is seeded from environment defaults and persisted immediately.
// A corrupt file is reported as ErrPersistence and the caller keeps an
// empty collection.
func (s *FileStore) Load() ([]Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			seeded := seedFromEnv()
			if len(seeded) == 0 {
				return []Credential{}, nil
			}
			if saveErr := s.Save(seeded); saveErr != nil {
				return []Credential{}, saveErr
			}
			return seeded, nil
		}
		return []Credential{}, fmt.Errorf("%w: read %s: %v", ErrPersistence, s.path, err)
	}
	return decodeCollection(data, s.path)
}

func (s *FileStore) Save(creds []Credential) error {
	data, err := encodeCollection(creds)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

func decodeCollection(data []byte, path string) ([]Credential, error) {
	if len(data) == 0 {
		return []Credential{}, nil
	}
	var creds []Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return []Credential{}, fmt.Errorf("%w: decode %s: %v", ErrPersistence, path, err)
	}
	if creds == nil {
		creds = []Credential{}
	}
	return creds, nil
}

func encodeCollection(creds []Credential) ([]byte, error) {
	if creds == nil {
		creds = []Credential{}
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encode collection: %v", ErrPersistence, err)
	}
	return data, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrPersistence, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: write temp file: %v", ErrPersistence, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: set temp file perms: %v", ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: sync temp file: %v", ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp file: %v", ErrPersistence, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: replace %s: %v", ErrPersistence, path, err)
	}
	return nil
}

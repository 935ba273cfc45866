package proxypool

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Store persists the proxy registry.
type Store interface {
	Load() ([]Proxy, error)
	Save(proxies []Proxy) error
}

// FileStore keeps the registry in a single JSON file. Every Save rewrites
// the whole file through a temp file and rename.
type FileStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger.With("component", "proxystore")}
}

// Load reads the registry. A missing or unreadable file yields an empty
// registry and a log line, never an error.
func (s *FileStore) Load() ([]Proxy, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("proxy file not found, starting empty", "path", s.path)
		return nil, nil
	}
	if err != nil {
		s.logger.Warn("proxy file unreadable, starting empty", "path", s.path, "error", err)
		return nil, nil
	}
	var proxies []Proxy
	if err := json.Unmarshal(data, &proxies); err != nil {
		s.logger.Warn("proxy file corrupt, starting empty", "path", s.path, "error", err)
		return nil, nil
	}
	for i := range proxies {
		if proxies[i].Protocol == "" {
			proxies[i].Protocol = ProtocolHTTP
		}
	}
	s.logger.Info("loaded proxies", "path", s.path, "count", len(proxies))
	return proxies, nil
}

// Save overwrites the registry with proxies.
func (s *FileStore) Save(proxies []Proxy) error {
	if proxies == nil {
		proxies = []Proxy{}
	}
	data, err := json.MarshalIndent(proxies, "", "  ")
	if err != nil {
		return fmt.Errorf("proxystore: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".proxies-*.json")
	if err != nil {
		return fmt.Errorf("proxystore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("proxystore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("proxystore: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("proxystore: rename: %w", err)
	}
	return nil
}

// MemoryStore is a Store that keeps the last saved registry in memory.
type MemoryStore struct {
	Proxies []Proxy
	Saves   int
}

func (m *MemoryStore) Load() ([]Proxy, error) {
	return append([]Proxy(nil), m.Proxies...), nil
}

func (m *MemoryStore) Save(proxies []Proxy) error {
	m.Proxies = append(m.Proxies[:0:0], proxies...)
	m.Saves++
	return nil
}

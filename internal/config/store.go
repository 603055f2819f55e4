package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mzyy94/saturnlink/internal/sdcp"
)

// Settings holds persisted protocol and printing defaults.
type Settings struct {
	BrokerPort     int    `json:"brokerPort"`
	FilePort       int    `json:"filePort"`
	StatusPeriodMs int    `json:"statusPeriodMs"`
	AutoPrint      bool   `json:"autoPrint"`
	LastPrinter    string `json:"lastPrinter"` // address of the last connected printer
}

// DefaultSettings returns the default settings.
func DefaultSettings() Settings {
	return Settings{
		BrokerPort:     sdcp.DefaultBrokerPort,
		FilePort:       sdcp.DefaultFilePort,
		StatusPeriodMs: sdcp.DefaultStatusPeriod,
	}
}

// normalize fills zero values left by older or hand-edited files.
func (s Settings) normalize() Settings {
	d := DefaultSettings()
	if s.BrokerPort <= 0 || s.BrokerPort > 65535 {
		s.BrokerPort = d.BrokerPort
	}
	if s.FilePort <= 0 || s.FilePort > 65535 {
		s.FilePort = d.FilePort
	}
	if s.StatusPeriodMs <= 0 {
		s.StatusPeriodMs = d.StatusPeriodMs
	}
	return s
}

// Store provides thread-safe settings persistence backed by a JSON file.
type Store struct {
	mu       sync.RWMutex
	settings Settings
	path     string
}

// NewStore creates a Store that persists settings to dataDir/settings.json.
// If the file does not exist or is invalid, default settings are used.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	s := &Store{
		path:     filepath.Join(dataDir, "settings.json"),
		settings: DefaultSettings(),
	}
	s.load()
	return s, nil
}

// NewMemoryStore creates a Store that keeps settings in memory only (no file persistence).
func NewMemoryStore() *Store {
	return &Store{settings: DefaultSettings()}
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update replaces the settings and persists to disk. Out-of-range values
// fall back to defaults.
func (s *Store) Update(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings.normalize()
	return s.save()
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return // file missing is OK, use defaults
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		slog.Warn("invalid settings file, using defaults", "path", s.path, "err", err)
		return
	}
	s.settings = settings.normalize()
}

func (s *Store) save() error {
	if s.path == "" {
		return nil // memory-only mode
	}
	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// SetLastPrinter records the address of the most recently connected printer.
func (s *Store) SetLastPrinter(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.LastPrinter = address
	return s.save()
}

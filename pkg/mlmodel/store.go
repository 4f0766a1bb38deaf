package mlmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"idsgate/pkg/features"
)

// Store holds the active model bundle per scoring context. Operators can
// override the built-in indicator sets with a JSON file; when a path is
// configured, Watch hot-reloads it on change so threshold tuning does not
// require a restart.
type Store struct {
	mu        sync.RWMutex
	handshake *Bundle
	file      *Bundle

	overridesPath string
	log           *logrus.Logger
}

// StoreConfig configures the model store.
type StoreConfig struct {
	// OverridesPath is an optional JSON file replacing the default
	// indicator sets. Missing file is not an error.
	OverridesPath string
	Logger        *logrus.Logger
}

// overridesFile is the on-disk shape of an indicator override.
type overridesFile struct {
	Handshake []Indicator `json:"handshake,omitempty"`
	File      []Indicator `json:"file,omitempty"`
}

// NewStore builds a store with the default bundles and applies overrides
// if the configured file exists.
func NewStore(cfg StoreConfig) (*Store, error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	s := &Store{
		handshake:     NewHandshakeModel(),
		file:          NewFileModel(),
		overridesPath: cfg.OverridesPath,
		log:           log,
	}
	if cfg.OverridesPath != "" {
		if err := s.reload(); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			log.WithField("path", cfg.OverridesPath).Info("model overrides file absent, using defaults")
		}
	}
	return s, nil
}

// Handshake returns the active handshake bundle.
func (s *Store) Handshake() *Bundle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handshake
}

// File returns the active file bundle.
func (s *Store) File() *Bundle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file
}

// reload reads the overrides file and swaps in rebuilt bundles atomically.
func (s *Store) reload() error {
	data, err := os.ReadFile(s.overridesPath)
	if err != nil {
		return err
	}
	var ov overridesFile
	if err := json.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("model overrides: %w", err)
	}

	var hs, fl *Bundle
	if len(ov.Handshake) > 0 {
		sc := fitScaler(handshakeBaseline(512))
		m, err := newBaselineModel(features.Handshake, sc, ov.Handshake)
		if err != nil {
			return err
		}
		hs = &Bundle{Model: m, Scaler: sc}
	}
	if len(ov.File) > 0 {
		sc := fitScaler(fileBaseline(512))
		m, err := newBaselineModel(features.File, sc, ov.File)
		if err != nil {
			return err
		}
		fl = &Bundle{Model: m, Scaler: sc}
	}

	s.mu.Lock()
	if hs != nil {
		s.handshake = hs
	}
	if fl != nil {
		s.file = fl
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"path":               s.overridesPath,
		"handshake_override": hs != nil,
		"file_override":      fl != nil,
	}).Info("model overrides loaded")
	return nil
}

// Watch blocks until ctx is done, reloading the overrides file whenever it
// changes. Reload failures are logged and the previous bundles stay active.
func (s *Store) Watch(ctx context.Context) error {
	if s.overridesPath == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("model watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and config pushes typically replace the
	// file, which drops a watch placed on the file itself.
	dir := filepath.Dir(s.overridesPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("model watcher: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.overridesPath) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil && !os.IsNotExist(err) {
				s.log.WithError(err).Warn("model overrides reload failed, keeping previous models")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.WithError(err).Warn("model watcher error")
		}
	}
}

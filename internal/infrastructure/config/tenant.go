package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// StaticSource serves a fixed tenant configuration.
type StaticSource struct {
	Config domain.TenantConfig
}

func (s StaticSource) Snapshot(context.Context) (domain.TenantConfig, error) {
	return s.Config, nil
}

// FileSource serves the tenant configuration stored in a YAML file and
// reloads it when the file changes. Fields missing from the file keep
// their defaults.
type FileSource struct {
	path   string
	logger *slog.Logger

	mu          sync.RWMutex
	current     domain.TenantConfig
	subscribers []func(domain.TenantConfig)
}

var _ domain.TenantConfigSource = (*FileSource)(nil)

// NewFileSource loads the file once. The file must exist and be valid.
func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := readTenant(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{path: path, logger: logger, current: cfg}, nil
}

func readTenant(path string) (domain.TenantConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.TenantConfig{}, fmt.Errorf("read tenant config: %w", err)
	}
	cfg := domain.DefaultTenantConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return domain.TenantConfig{}, fmt.Errorf("%w: parse tenant config %s: %v", domain.ErrInvalidArgument, path, err)
	}
	if err := ValidateTenant(cfg); err != nil {
		return domain.TenantConfig{}, err
	}
	return cfg, nil
}

func (s *FileSource) Snapshot(context.Context) (domain.TenantConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

// Subscribe registers fn to be called with every successfully reloaded
// configuration.
func (s *FileSource) Subscribe(fn func(domain.TenantConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Reload re-reads the file. An invalid file leaves the current snapshot
// in place and returns the error.
func (s *FileSource) Reload() error {
	cfg, err := readTenant(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	changed := cfg != s.current
	s.current = cfg
	subs := append([]func(domain.TenantConfig){}, s.subscribers...)
	s.mu.Unlock()

	if !changed {
		return nil
	}
	s.logger.Info("tenant config reloaded", "path", s.path)
	for _, fn := range subs {
		fn(cfg)
	}
	return nil
}

// Watch reloads the file on every change until ctx is done. The parent
// directory is watched so that editors replacing the file are noticed.
func (s *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	go s.watchLoop(ctx, watcher)
	return nil
}

func (s *FileSource) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			s.logger.Debug("tenant config changed", "op", event.Op.String())
			if err := s.Reload(); err != nil {
				s.logger.Warn("tenant config reload rejected, keeping previous", "path", s.path, "err", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("fsnotify error", "err", err)
		}
	}
}

// Package flows loads declarative flow definitions from YAML files and
// keeps the registry in sync with the directory they live in.
package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/flightdeck-io/flightdeck/internal/storage"
	"github.com/flightdeck-io/flightdeck/internal/types"
)

// fileFlow is the on-disk YAML shape of one flow definition.
type fileFlow struct {
	Name   string `yaml:"name"`
	Stages []struct {
		Name  string   `yaml:"name"`
		Queue string   `yaml:"queue,omitempty"`
		Hooks []string `yaml:"hooks,omitempty"`
	} `yaml:"stages"`
}

// Loader reads flow YAML files into the store's flow registry.
type Loader struct {
	store storage.Storage
	log   *zap.Logger
	dir   string
}

// NewLoader constructs a loader for the given directory.
func NewLoader(store storage.Storage, log *zap.Logger, dir string) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{store: store, log: log, dir: dir}
}

// LoadAll parses every .yaml/.yml file in the directory and upserts the
// flows it finds. Files that fail to parse are skipped with a warning.
func (l *Loader) LoadAll(ctx context.Context) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read flows dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if err := l.loadFile(ctx, path); err != nil {
			l.log.Warn("flow file skipped", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

func (l *Loader) loadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read flow file: %w", err)
	}
	var ff fileFlow
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("failed to parse flow file: %w", err)
	}
	if ff.Name == "" {
		return fmt.Errorf("flow file %s has no name", filepath.Base(path))
	}

	stages, err := json.Marshal(ff.Stages)
	if err != nil {
		return fmt.Errorf("failed to encode stages: %w", err)
	}
	err = l.store.UpsertFlow(ctx, &types.Flow{Name: ff.Name, Stages: stages})
	if err != nil {
		return err
	}
	l.log.Info("flow loaded", zap.String("flow", ff.Name), zap.String("path", path))
	return nil
}

// Watch reloads the registry whenever a flow file changes, until ctx is
// cancelled. Reload failures are logged and watching continues.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("failed to watch flows dir: %w", err)
	}
	l.log.Info("watching flows dir", zap.String("dir", l.dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := l.LoadAll(ctx); err != nil {
				l.log.Warn("flow reload failed", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Warn("flow watcher error", zap.Error(err))
		}
	}
}

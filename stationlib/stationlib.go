// Package stationlib loads the Station Library: the catalog of station
// templates that a Navigator EXTEND_GRAPH intent may target. The routing
// driver (§4.4) validates a proposed station id against this library before
// ever registering a run-local injected node.
package stationlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/flowstep/orchestrator/telemetry"
)

// Station is one reusable step template.
type Station struct {
	ID           string   `yaml:"id"`
	Role         string   `yaml:"role,omitempty"`
	DefaultAgent string   `yaml:"default_agent,omitempty"`
	ToolAllowList []string `yaml:"tool_allow_list,omitempty"`
	Description  string   `yaml:"description,omitempty"`
}

type fileFormat struct {
	Stations []Station `yaml:"stations"`
}

type snapshot struct {
	byID map[string]*Station
}

// Library serves Stations by id from an immutable, hot-reloadable snapshot.
type Library struct {
	dir     string
	logger  telemetry.Logger
	current atomic.Pointer[snapshot]
}

// Load reads every *.yaml/*.yml file under dir and builds a Library.
func Load(dir string, logger telemetry.Logger) (*Library, error) {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	lib := &Library{dir: dir, logger: logger}
	snap, err := loadSnapshot(dir)
	if err != nil {
		return nil, err
	}
	lib.current.Store(snap)
	return lib, nil
}

func loadSnapshot(dir string) (*snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("stationlib: read dir %s: %w", dir, err)
	}
	snap := &snapshot{byID: make(map[string]*Station)}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("stationlib: read %s: %w", e.Name(), err)
		}
		var ff fileFormat
		if err := yaml.Unmarshal(data, &ff); err != nil {
			return nil, fmt.Errorf("stationlib: parse %s: %w", e.Name(), err)
		}
		for i := range ff.Stations {
			st := ff.Stations[i]
			snap.byID[st.ID] = &st
		}
	}
	return snap, nil
}

// Exists reports whether stationID is a known station — the sole check the
// EXTEND_GRAPH validation path needs.
func (l *Library) Exists(stationID string) bool {
	_, ok := l.Get(stationID)
	return ok
}

// Get returns the Station for id from the current snapshot.
func (l *Library) Get(id string) (*Station, bool) {
	snap := l.current.Load()
	st, ok := snap.byID[id]
	return st, ok
}

// Reload re-reads dir and atomically swaps the snapshot, keeping the
// previous one in place on error.
func (l *Library) Reload(ctx context.Context) error {
	snap, err := loadSnapshot(l.dir)
	if err != nil {
		l.logger.Warn(ctx, "stationlib: reload failed, keeping previous snapshot", "dir", l.dir, "err", err)
		return err
	}
	l.current.Store(snap)
	l.logger.Info(ctx, "stationlib: reloaded", "dir", l.dir, "station_count", len(snap.byID))
	return nil
}

// Watch hot-reloads on filesystem changes under dir until ctx is canceled.
func (l *Library) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("stationlib: create watcher: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return fmt.Errorf("stationlib: watch %s: %w", l.dir, err)
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					_ = l.Reload(ctx)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn(ctx, "stationlib: watch error", "err", err)
			}
		}
	}()
	return nil
}

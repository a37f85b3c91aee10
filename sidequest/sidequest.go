// Package sidequest loads the Sidequest Catalog: bounded, named detour step
// sequences a Navigator DETOUR intent can inject into a running flow (spec.md
// §4.6). Each sidequest is a self-contained mini-flow with an explicit
// ReturnBehavior describing what happens once its last step completes.
package sidequest

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

// ReturnBehavior describes what happens when a sidequest's last step
// completes.
type ReturnBehavior string

const (
	// ReturnToResumePoint pops the resume stack and continues at the saved
	// node — the common case.
	ReturnToResumePoint ReturnBehavior = "resume_point"
	// ReturnBounce sends execution to a fixed bounce target instead of the
	// saved resume node.
	ReturnBounce ReturnBehavior = "bounce"
	// ReturnHalt ends the run once the sidequest completes.
	ReturnHalt ReturnBehavior = "halt"
)

// Step is one step template within a sidequest.
type Step struct {
	StationID string `yaml:"station_id"`
	AgentKey  string `yaml:"agent_key,omitempty"`
	Role      string `yaml:"role,omitempty"`
}

// Sidequest is a named, ordered sequence of steps injectable as a DETOUR.
type Sidequest struct {
	ID             string         `yaml:"id"`
	Description    string         `yaml:"description,omitempty"`
	Steps          []Step         `yaml:"steps"`
	ReturnBehavior ReturnBehavior `yaml:"return_behavior,omitempty"`
	BounceTarget   string         `yaml:"bounce_target,omitempty"`
}

// EffectiveReturnBehavior defaults to ReturnToResumePoint when unset.
func (sq Sidequest) EffectiveReturnBehavior() ReturnBehavior {
	if sq.ReturnBehavior == "" {
		return ReturnToResumePoint
	}
	return sq.ReturnBehavior
}

type fileFormat struct {
	Sidequests []Sidequest `yaml:"sidequests"`
}

type snapshot struct {
	byID map[string]*Sidequest
}

// Catalog serves Sidequests by id from an immutable, hot-reloadable
// snapshot.
type Catalog struct {
	dir     string
	logger  telemetry.Logger
	current atomic.Pointer[snapshot]
}

// Load reads every *.yaml/*.yml file under dir and builds a Catalog.
func Load(dir string, logger telemetry.Logger) (*Catalog, error) {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	c := &Catalog{dir: dir, logger: logger}
	snap, err := loadSnapshot(dir)
	if err != nil {
		return nil, err
	}
	c.current.Store(snap)
	return c, nil
}

func loadSnapshot(dir string) (*snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("sidequest: read dir %s: %w", dir, err)
	}
	snap := &snapshot{byID: make(map[string]*Sidequest)}
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
			return nil, fmt.Errorf("sidequest: read %s: %w", e.Name(), err)
		}
		var ff fileFormat
		if err := yaml.Unmarshal(data, &ff); err != nil {
			return nil, fmt.Errorf("sidequest: parse %s: %w", e.Name(), err)
		}
		for i := range ff.Sidequests {
			sq := ff.Sidequests[i]
			snap.byID[sq.ID] = &sq
		}
	}
	return snap, nil
}

// Get returns the Sidequest for id from the current snapshot.
func (c *Catalog) Get(id string) (*Sidequest, bool) {
	snap := c.current.Load()
	sq, ok := snap.byID[id]
	return sq, ok
}

// HasClarifier reports whether a "clarifier" sidequest exists, the check
// rewrite_pause_to_detour uses.
func (c *Catalog) HasClarifier() bool {
	_, ok := c.Get("clarifier")
	return ok
}

// Reload re-reads dir and atomically swaps the snapshot, keeping the
// previous one in place on error.
func (c *Catalog) Reload(ctx context.Context) error {
	snap, err := loadSnapshot(c.dir)
	if err != nil {
		c.logger.Warn(ctx, "sidequest: reload failed, keeping previous snapshot", "dir", c.dir, "err", err)
		return err
	}
	c.current.Store(snap)
	c.logger.Info(ctx, "sidequest: reloaded", "dir", c.dir, "sidequest_count", len(snap.byID))
	return nil
}

// Watch hot-reloads on filesystem changes under dir until ctx is canceled.
func (c *Catalog) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sidequest: create watcher: %w", err)
	}
	if err := w.Add(c.dir); err != nil {
		w.Close()
		return fmt.Errorf("sidequest: watch %s: %w", c.dir, err)
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
					_ = c.Reload(ctx)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.logger.Warn(ctx, "sidequest: watch error", "err", err)
			}
		}
	}()
	return nil
}

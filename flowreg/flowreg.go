// Package flowreg loads and serves FlowDefinitions: the ordered graphs of
// steps and edges the orchestrator walks. Definitions are YAML files read
// once at startup and, optionally, hot-reloaded on change; consumers always
// read through an atomic snapshot pointer so an in-flight run never observes
// a half-applied reload (spec.md §5, "registry/catalog... swap a pointer").
package flowreg

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

// Edge is one outgoing transition from a Step.
type Edge struct {
	Target      string `yaml:"target"`
	Condition   string `yaml:"condition,omitempty"` // expr-lang expression over step context
	Priority    int    `yaml:"priority,omitempty"`
	Unconditional bool `yaml:"unconditional,omitempty"`
}

// Step is one node in a flow graph.
type Step struct {
	ID               string   `yaml:"id"`
	StationID        string   `yaml:"station_id"`
	AgentKey         string   `yaml:"agent_key,omitempty"`
	Role             string   `yaml:"role,omitempty"`
	Terminal         bool     `yaml:"terminal,omitempty"`
	LifecycleCapable bool     `yaml:"lifecycle_capable,omitempty"`
	LoopTarget       string   `yaml:"loop_target,omitempty"`
	LoopSuccessValues []string `yaml:"loop_success_values,omitempty"`
	MaxIterations    int      `yaml:"max_iterations,omitempty"`
	Edges            []Edge   `yaml:"edges,omitempty"`
}

// FlowDefinition is one named, ordered step graph.
type FlowDefinition struct {
	Key    string          `yaml:"key"`
	Prompt string          `yaml:"prompt,omitempty"`
	Steps  []Step          `yaml:"steps"`

	stepIndex map[string]Step
}

func (f *FlowDefinition) buildIndex() {
	f.stepIndex = make(map[string]Step, len(f.Steps))
	for _, s := range f.Steps {
		f.stepIndex[s.ID] = s
	}
}

// StepByID looks up a step by id within this flow.
func (f *FlowDefinition) StepByID(id string) (Step, bool) {
	s, ok := f.stepIndex[id]
	return s, ok
}

// FirstStepID returns the id of the first step, or "" if the flow is empty.
func (f *FlowDefinition) FirstStepID() string {
	if len(f.Steps) == 0 {
		return ""
	}
	return f.Steps[0].ID
}

type fileFormat struct {
	Flows []FlowDefinition `yaml:"flows"`
}

type snapshot struct {
	byKey map[string]*FlowDefinition
}

// Registry serves FlowDefinitions by key from an immutable snapshot that can
// be hot-swapped by reloading the backing directory.
type Registry struct {
	dir      string
	logger   telemetry.Logger
	current  atomic.Pointer[snapshot]
	watcher  *fsnotify.Watcher
}

// Load reads every *.yaml/*.yml file under dir and builds a Registry.
func Load(dir string, logger telemetry.Logger) (*Registry, error) {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	r := &Registry{dir: dir, logger: logger}
	snap, err := loadSnapshot(dir)
	if err != nil {
		return nil, err
	}
	r.current.Store(snap)
	return r, nil
}

func loadSnapshot(dir string) (*snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("flowreg: read dir %s: %w", dir, err)
	}
	snap := &snapshot{byKey: make(map[string]*FlowDefinition)}
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
			return nil, fmt.Errorf("flowreg: read %s: %w", e.Name(), err)
		}
		var ff fileFormat
		if err := yaml.Unmarshal(data, &ff); err != nil {
			return nil, fmt.Errorf("flowreg: parse %s: %w", e.Name(), err)
		}
		for i := range ff.Flows {
			fd := ff.Flows[i]
			fd.buildIndex()
			snap.byKey[fd.Key] = &fd
		}
	}
	return snap, nil
}

// Get returns the FlowDefinition for key from the current snapshot.
func (r *Registry) Get(key string) (*FlowDefinition, bool) {
	snap := r.current.Load()
	fd, ok := snap.byKey[key]
	return fd, ok
}

// Reload re-reads dir and atomically swaps the snapshot. An error leaves the
// previous snapshot in place.
func (r *Registry) Reload(ctx context.Context) error {
	snap, err := loadSnapshot(r.dir)
	if err != nil {
		r.logger.Warn(ctx, "flowreg: reload failed, keeping previous snapshot", "dir", r.dir, "err", err)
		return err
	}
	r.current.Store(snap)
	r.logger.Info(ctx, "flowreg: reloaded", "dir", r.dir, "flow_count", len(snap.byKey))
	return nil
}

// Watch starts an fsnotify watch on dir and reloads on any write/create/
// remove/rename event, until ctx is canceled. Errors from the watch itself
// are logged, not returned: a broken watcher should not take down the
// orchestrator, only stop hot-reloading.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("flowreg: create watcher: %w", err)
	}
	if err := w.Add(r.dir); err != nil {
		w.Close()
		return fmt.Errorf("flowreg: watch %s: %w", r.dir, err)
	}
	r.watcher = w

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
					_ = r.Reload(ctx)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn(ctx, "flowreg: watch error", "err", err)
			}
		}
	}()
	return nil
}

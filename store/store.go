// Package store provides atomic, thread-safe persistence for run metadata,
// durable program-counter state, handoff envelopes, and the append-only
// event journal. It is the sole source of truth an orchestrator crash can
// recover from.
//
// Layout on disk, rooted at Store.base (the directory that directly contains
// the per-run directories):
//
//	<run_id>/
//	  meta.json                              RunSummary, replaced atomically
//	  spec.json                              RunSpec, written once
//	  run_state.json                         RunState, replaced atomically
//	  events.jsonl                           append-only RunEvent journal
//	  <flow_key>/
//	    handoff/<step_id>.json                HandoffEnvelope, write-once
//
// Concurrency: a registry of per-run mutexes (created lazily under a single
// guard mutex) serializes meta/state/journal writes for a given run. Locks
// are in-process only — the store never claims cross-process locks (spec.md
// §1 non-goals).
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/flowstep/orchestrator/clockid"
	"github.com/flowstep/orchestrator/telemetry"
)

const (
	metaFile      = "meta.json"
	specFile      = "spec.json"
	runStateFile  = "run_state.json"
	eventsFile    = "events.jsonl"
	handoffSubdir = "handoff"
)

// Store is the concrete filesystem-backed implementation of the durable
// run-state store described in spec.md §4.1.
type Store struct {
	base string

	clock  clockid.Clock
	logger telemetry.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	seqMu  sync.Mutex
	seq    map[string]int64
	seqded map[string]bool // whether the counter has been seeded from disk
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps (tests only).
func WithClock(c clockid.Clock) Option { return func(s *Store) { s.clock = c } }

// WithLogger overrides the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option { return func(s *Store) { s.logger = l } }

// New returns a Store rooted at base (typically "<repo>/runs"), the
// directory that directly contains per-run directories.
func New(base string, opts ...Option) *Store {
	s := &Store{
		base:   base,
		clock:  clockid.RealClock{},
		logger: telemetry.NoopLogger{},
		locks:  make(map[string]*sync.Mutex),
		seq:    make(map[string]int64),
		seqded: make(map[string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.base, runID)
}

func (s *Store) flowDir(runID, flowKey string) string {
	return filepath.Join(s.runDir(runID), flowKey)
}

// lockFor returns the mutex for runID, creating it on first use.
func (s *Store) lockFor(runID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[runID] = l
	}
	return l
}

// CreateRunDir creates the run directory (idempotent) and seeds the
// sequence counter from any pre-existing events.jsonl, so resuming a run
// after a crash never reassigns a seq that's already on disk.
func (s *Store) CreateRunDir(ctx context.Context, runID string) error {
	if err := os.MkdirAll(s.runDir(runID), 0o755); err != nil {
		return fmt.Errorf("store: create run dir for %s: %w", runID, err)
	}
	s.seedSeqLocked(runID)
	return nil
}

func (s *Store) RunExists(runID string) bool {
	info, err := os.Stat(s.runDir(runID))
	return err == nil && info.IsDir()
}

// FlowBaseDir exposes the per-flow run directory (where handoff/ lives
// alongside whatever artifacts a step writes, e.g. signal/requirements.md)
// so contextpack's RUN_BASE/ resolution has somewhere to point.
func (s *Store) FlowBaseDir(runID, flowKey string) string {
	return s.flowDir(runID, flowKey)
}

// WorkspaceDir is the scratch checkout a run's engines operate on and
// diffscan snapshots before/after a run_worker phase. It lives alongside the
// run's artifacts rather than inside a flow directory, since a multi-flow run
// shares one workspace across flows.
func (s *Store) WorkspaceDir(runID string) string {
	return filepath.Join(s.runDir(runID), "workspace")
}

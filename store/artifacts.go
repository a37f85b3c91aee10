package store

import (
	"context"
	"path/filepath"

	"github.com/flowstep/orchestrator/types"
)

// WriteSpec persists spec.json. RunSpec is written once, at run start.
func (s *Store) WriteSpec(ctx context.Context, runID string, spec types.RunSpec) error {
	return writeJSONAtomic(filepath.Join(s.runDir(runID), specFile), spec)
}

// ReadSpec reads spec.json. Returns (zero, false, nil) if missing/corrupt.
func (s *Store) ReadSpec(ctx context.Context, runID string) (types.RunSpec, bool, error) {
	var spec types.RunSpec
	ok, _ := readJSONTolerant(filepath.Join(s.runDir(runID), specFile), &spec)
	return spec, ok, nil
}

// WriteSummary persists meta.json atomically.
func (s *Store) WriteSummary(ctx context.Context, runID string, summary types.RunSummary) error {
	return writeJSONAtomic(filepath.Join(s.runDir(runID), metaFile), summary)
}

// ReadSummary reads meta.json. Returns (zero, false, nil) if missing/corrupt.
func (s *Store) ReadSummary(ctx context.Context, runID string) (types.RunSummary, bool, error) {
	var summary types.RunSummary
	ok, _ := readJSONTolerant(filepath.Join(s.runDir(runID), metaFile), &summary)
	return summary, ok, nil
}

// UpdateSummary performs a locked read-modify-write of meta.json, merging
// patch on top of whatever is currently on disk. Fields absent from patch
// are left untouched.
func (s *Store) UpdateSummary(ctx context.Context, runID string, patch map[string]any) (types.RunSummary, error) {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	summary, _, _ := s.ReadSummary(ctx, runID)
	if err := types.ApplyPatch(&summary, patch); err != nil {
		return types.RunSummary{}, err
	}
	summary.UpdatedAt = s.clock.Now()
	if err := s.WriteSummary(ctx, runID, summary); err != nil {
		return types.RunSummary{}, err
	}
	return summary, nil
}

// FinalizeRunSuccess is the canonical helper for marking a run succeeded:
// it sets status=succeeded in both meta.json and run_state.json,
// completed_at=now, records sdlcStatus, and emits a run_completed event — so
// callers never duplicate this bookkeeping.
func (s *Store) FinalizeRunSuccess(ctx context.Context, runID, flowKey string, sdlcStatus types.SDLCStatus) error {
	now := s.clock.Now()
	_, err := s.UpdateSummary(ctx, runID, map[string]any{
		"status":       types.RunSucceeded,
		"sdlc_status":  sdlcStatus,
		"completed_at": now,
	})
	if err != nil {
		return err
	}
	if _, err := s.UpdateRunState(ctx, runID, map[string]any{"status": types.RunSucceeded}); err != nil {
		return err
	}
	s.AppendEvent(ctx, &types.RunEvent{
		RunID:     runID,
		Timestamp: now,
		Kind:      types.EventRunCompleted,
		FlowKey:   flowKey,
		Payload:   map[string]any{"sdlc_status": string(sdlcStatus)},
	})
	return nil
}

// WriteRunState persists run_state.json atomically, bumping Timestamp.
func (s *Store) WriteRunState(ctx context.Context, runID string, rs types.RunState) error {
	rs.Timestamp = s.clock.Now()
	return writeJSONAtomic(filepath.Join(s.runDir(runID), runStateFile), rs)
}

// ReadRunState reads run_state.json and, if the in-state handoff-envelope
// map is empty but envelope files exist on disk for the flow, rehydrates it
// by scanning handoff/*.json (spec.md invariant 4, property P4).
func (s *Store) ReadRunState(ctx context.Context, runID string) (types.RunState, bool, error) {
	var rs types.RunState
	ok, _ := readJSONTolerant(filepath.Join(s.runDir(runID), runStateFile), &rs)
	if !ok {
		return rs, false, nil
	}
	if len(rs.HandoffEnvelopes) == 0 && rs.FlowKey != "" {
		envelopes, err := s.ListEnvelopes(ctx, runID, rs.FlowKey)
		if err == nil && len(envelopes) > 0 {
			rs.HandoffEnvelopes = envelopes
		}
	}
	return rs, true, nil
}

// UpdateRunState performs a locked read-modify-write of run_state.json.
func (s *Store) UpdateRunState(ctx context.Context, runID string, patch map[string]any) (types.RunState, error) {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()
	return s.updateRunStateLocked(ctx, runID, patch)
}

// updateRunStateLocked assumes the caller already holds lockFor(runID).
func (s *Store) updateRunStateLocked(ctx context.Context, runID string, patch map[string]any) (types.RunState, error) {
	rs, _, _ := s.ReadRunState(ctx, runID)
	if err := types.ApplyPatch(&rs, patch); err != nil {
		return types.RunState{}, err
	}
	if err := s.WriteRunState(ctx, runID, rs); err != nil {
		return types.RunState{}, err
	}
	return rs, nil
}

func (s *Store) handoffDir(runID, flowKey string) string {
	return filepath.Join(s.flowDir(runID, flowKey), handoffSubdir)
}

func (s *Store) envelopePath(runID, flowKey, stepID string) string {
	return filepath.Join(s.handoffDir(runID, flowKey), stepID+".json")
}

// WriteEnvelope writes a HandoffEnvelope. Envelope files are write-once by
// convention (spec.md invariant 3): callers must not call this twice for the
// same (run, flow, step).
func (s *Store) WriteEnvelope(ctx context.Context, runID, flowKey string, env types.HandoffEnvelope) error {
	return writeJSONAtomic(s.envelopePath(runID, flowKey, env.StepID), env)
}

// ReadEnvelope reads a single HandoffEnvelope, returning false if missing.
func (s *Store) ReadEnvelope(ctx context.Context, runID, flowKey, stepID string) (types.HandoffEnvelope, bool, error) {
	var env types.HandoffEnvelope
	ok, _ := readJSONTolerant(s.envelopePath(runID, flowKey, stepID), &env)
	return env, ok, nil
}

// ListEnvelopes scans handoff/*.json for a flow and returns them keyed by
// step id.
func (s *Store) ListEnvelopes(ctx context.Context, runID, flowKey string) (map[string]types.HandoffEnvelope, error) {
	entries, err := listJSONFiles(s.handoffDir(runID, flowKey))
	if err != nil {
		return nil, nil
	}
	out := make(map[string]types.HandoffEnvelope, len(entries))
	for _, path := range entries {
		var env types.HandoffEnvelope
		if ok, _ := readJSONTolerant(path, &env); ok && env.StepID != "" {
			out[env.StepID] = env
		}
	}
	return out, nil
}

// CommitStepCompletion is the single atomic step-commit primitive (spec.md
// §4.1): it writes the envelope first, then — under the run's mutex — reads
// run_state, merges the envelope into handoff_envelopes, applies the
// caller's patch, and atomically rewrites run_state. If the process dies
// between the two writes, ReadRunState's rehydration step reconstructs the
// map from the envelope file on the next read.
func (s *Store) CommitStepCompletion(ctx context.Context, runID, flowKey string, env types.HandoffEnvelope, runStatePatch map[string]any) (types.RunState, error) {
	if err := s.WriteEnvelope(ctx, runID, flowKey, env); err != nil {
		return types.RunState{}, err
	}

	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	rs, _, _ := s.ReadRunState(ctx, runID)
	if rs.HandoffEnvelopes == nil {
		rs.HandoffEnvelopes = make(map[string]types.HandoffEnvelope)
	}
	rs.HandoffEnvelopes[env.StepID] = env
	if err := types.ApplyPatch(&rs, runStatePatch); err != nil {
		return types.RunState{}, err
	}
	rs.Timestamp = s.clock.Now()
	if err := s.WriteRunState(ctx, runID, rs); err != nil {
		return types.RunState{}, err
	}
	return rs, nil
}

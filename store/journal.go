package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flowstep/orchestrator/clockid"
	"github.com/flowstep/orchestrator/types"
)

func eventID(clk clockid.Clock) string {
	return clockid.NewEventID(clk)
}

// seedSeqLocked scans events.jsonl once and primes the in-memory sequence
// counter to max(seq) found on disk. Called from CreateRunDir so seeding is
// part of store initialization rather than a side effect of the first write
// (design note: the source reimplementation fixes an open question in the
// original where seeding only happened lazily on first append, leaving a
// narrow window where a second writer could race in with seq=1).
func (s *Store) seedSeqLocked(runID string) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if s.seqded[runID] {
		return
	}
	s.seqded[runID] = true

	f, err := os.Open(s.journalPath(runID))
	if err != nil {
		return
	}
	defer f.Close()

	var max int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev types.RunEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Seq > max {
			max = ev.Seq
		}
	}
	if max > s.seq[runID] {
		s.seq[runID] = max
	}
}

func (s *Store) nextSeq(runID string) int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq[runID]++
	return s.seq[runID]
}

func (s *Store) journalPath(runID string) string {
	return filepath.Join(s.runDir(runID), eventsFile)
}

// AppendEvent assigns event.Seq and event.EventID (if not already set) and
// appends it as a newline-terminated JSON object. Append failures are
// logged and swallowed: the journal is non-critical per spec.md §4.1 — a
// lost log line must never abort a running step.
func (s *Store) AppendEvent(ctx context.Context, ev *types.RunEvent) {
	if ev == nil || ev.RunID == "" {
		return
	}
	lock := s.lockFor(ev.RunID)
	lock.Lock()
	defer lock.Unlock()

	ev.Seq = s.nextSeq(ev.RunID)
	if ev.EventID == "" {
		ev.EventID = eventID(s.clock)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn(ctx, "store: serialize event failed", "run_id", ev.RunID, "kind", ev.Kind, "err", err)
		return
	}

	f, err := os.OpenFile(s.journalPath(ev.RunID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Warn(ctx, "store: open journal failed", "run_id", ev.RunID, "err", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		s.logger.Warn(ctx, "store: append event failed", "run_id", ev.RunID, "err", err)
		return
	}
	_ = f.Sync()
}

// ReadEvents streams events.jsonl, parsing each line as a RunEvent. Lines
// that fail to parse are silently skipped (spec.md invariant 2): the
// journal is append-only and tolerant of tail corruption. An empty or
// missing file yields an empty, non-nil-error slice.
func (s *Store) ReadEvents(ctx context.Context, runID string) ([]types.RunEvent, error) {
	f, err := os.Open(s.journalPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: open journal for %s: %w", runID, err)
	}
	defer f.Close()

	var out []types.RunEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev types.RunEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// NavigatorEventKinds is the set of journal kinds relevant to Wisdom-style
// aggregation: EXTEND_GRAPH suggestions, detours, and stall detections.
var NavigatorEventKinds = []types.EventKind{
	types.EventGraphPatchSuggested,
	types.EventDetourTaken,
	types.EventSidequestStart,
	types.EventSidequestComplete,
	types.EventLoopStallDetected,
}

// QueryNavigatorEvents filters the journal to the given kinds (or
// NavigatorEventKinds if kinds is empty).
func (s *Store) QueryNavigatorEvents(ctx context.Context, runID string, kinds []types.EventKind) ([]types.RunEvent, error) {
	if len(kinds) == 0 {
		kinds = NavigatorEventKinds
	}
	wanted := make(map[types.EventKind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	all, err := s.ReadEvents(ctx, runID)
	if err != nil {
		return nil, err
	}
	var out []types.RunEvent
	for _, ev := range all {
		if wanted[ev.Kind] {
			out = append(out, ev)
		}
	}
	return out, nil
}

// NavigatorSummary aggregates navigator-relevant journal events into
// frequency buckets, grounded on original_source's wisdom_aggregate_runs.py,
// which buckets by sidequest id and by stall signature in addition to kind.
type NavigatorSummary struct {
	TotalEvents       int            `json:"total_events"`
	ByKind            map[string]int `json:"by_kind"`
	BySidequestID     map[string]int `json:"by_sidequest_id,omitempty"`
	ByStallSignature  map[string]int `json:"by_stall_signature,omitempty"`
}

// SummarizeNavigatorEvents produces a NavigatorSummary for the run.
func (s *Store) SummarizeNavigatorEvents(ctx context.Context, runID string) (NavigatorSummary, error) {
	events, err := s.QueryNavigatorEvents(ctx, runID, nil)
	if err != nil {
		return NavigatorSummary{}, err
	}
	summary := NavigatorSummary{
		ByKind:           make(map[string]int),
		BySidequestID:    make(map[string]int),
		ByStallSignature: make(map[string]int),
	}
	for _, ev := range events {
		summary.TotalEvents++
		summary.ByKind[string(ev.Kind)]++
		if id, ok := ev.Payload["sidequest_id"].(string); ok && id != "" {
			summary.BySidequestID[id]++
		}
		if sig, ok := ev.Payload["progress_signature"].(string); ok && sig != "" {
			summary.ByStallSignature[sig]++
		}
	}
	return summary, nil
}

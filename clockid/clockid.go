// Package clockid provides monotonic time and identifier generation for runs
// and events.
//
// RunID (Infrastructure Layer):
//   - Identifies a single durable orchestrator execution: "run-YYYYMMDD-HHMMSS-<6 lowercase alphanum>".
//   - Stable for the lifetime of the run directory on disk.
//
// EventID (Journal Layer):
//   - Globally unique and time-orderable, so readers can sort the journal
//     without trusting wall-clock timestamps alone.
//   - ULID when the store can obtain entropy deterministically; UUID4 otherwise.
package clockid

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const runIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

type (
	// Clock abstracts wall-clock access so callers (and their tests) can
	// substitute a fixed or monotonic source without reaching for time.Now
	// directly. The zero value is not usable; use RealClock or a test double.
	Clock interface {
		Now() time.Time
	}

	// RealClock delegates to time.Now. It is the production default.
	RealClock struct{}
)

// Now returns the current wall-clock time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// NewRunID builds a run identifier of the form run-YYYYMMDD-HHMMSS-<6
// lowercase alphanumerics>, using clk for the timestamp component.
func NewRunID(clk Clock) (string, error) {
	if clk == nil {
		clk = RealClock{}
	}
	suffix, err := randomAlphanum(6)
	if err != nil {
		return "", fmt.Errorf("clockid: generate run id suffix: %w", err)
	}
	return fmt.Sprintf("run-%s-%s", clk.Now().Format("20060102-150405"), suffix), nil
}

// InjectedNodeID builds the id for a sidequest-injected graph node:
// sq-<sidequest_id>-<index>.
func InjectedNodeID(sidequestID string, index int) string {
	return fmt.Sprintf("sq-%s-%d", sidequestID, index)
}

func randomAlphanum(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(runIDAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = runIDAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// eventEntropy serializes ULID generation so concurrent callers never hand
// the same monotonic source the same instant twice (on overflow the source
// returns an error, which NewEventID turns into a UUID fallback; serializing
// keeps ordering strictly increasing under concurrent appends from multiple
// runs sharing a process).
var eventEntropy = struct {
	mu     sync.Mutex
	source *ulid.MonotonicEntropy
}{source: ulid.Monotonic(rand.Reader, 0)}

// NewEventID returns a globally unique, time-orderable event identifier. It
// prefers a ULID (so lexical and chronological order agree); if entropy
// generation fails for any reason it falls back to a UUID4, which is still
// globally unique but not chronologically sortable.
func NewEventID(clk Clock) string {
	if clk == nil {
		clk = RealClock{}
	}
	eventEntropy.mu.Lock()
	id, err := ulid.New(ulid.Timestamp(clk.Now()), eventEntropy.source)
	eventEntropy.mu.Unlock()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

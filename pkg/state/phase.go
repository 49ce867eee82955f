package state

import "sync/atomic"

// Phase is the Orchestrator's current position in the replication
// state machine. It advances monotonically during a fresh run; on
// restart the replicator resumes in whatever phase was last persisted.
type Phase int32

const (
	PhaseNone Phase = iota
	PhaseCreatingStructures
	PhaseInitialSnapshot
	PhaseRealtime
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseCreatingStructures:
		return "creatingStructures"
	case PhaseInitialSnapshot:
		return "initialSnapshot"
	case PhaseRealtime:
		return "realtime"
	}
	return "unknown"
}

// AtomicPhase is a Phase guarded for cross-goroutine reads (e.g. a
// diagnostics/metrics HTTP handler reading the current phase while the
// replicator's main loop writes it), following the atomic-int32 pattern
// the teacher uses for migrationState in pkg/migration/runner.go.
type AtomicPhase struct {
	v atomic.Int32
}

// Load returns the current phase.
func (a *AtomicPhase) Load() Phase {
	return Phase(a.v.Load())
}

// Store sets the current phase.
func (a *AtomicPhase) Store(p Phase) {
	a.v.Store(int32(p))
}

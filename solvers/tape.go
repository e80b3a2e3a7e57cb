package solvers

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// SolveTape records additional information about solves invoked via
// Minimize, SolveNonlinear or SolveLinear. While a SolveTape is active,
// certain performance optimizations and algorithm implementations may be
// disabled (e.g. backends must track residuals and, in trajectory mode,
// every iterate).
//
// Tapes are ambient: every solve completed anywhere in the process while the
// tape is active is recorded into it, and multiple tapes may be nested.
// Activation is scoped:
//
//	tape := solvers.NewSolveTape(false)
//	tape.Scope(func() {
//		x = solvers.SolveLinear(f, y, solve)
//	})
//	info := tape.ForSolve(solve) // or tape.Get(0)
type SolveTape struct {
	recordTrajectories bool

	solves   []*SolveInfo
	ids      []string
	warnings []string
}

// NewSolveTape creates an inactive tape. With recordTrajectories, the entries
// of every recorded SolveInfo carry an additional leading "trajectory" batch
// dimension.
func NewSolveTape(recordTrajectories bool) *SolveTape {
	return &SolveTape{recordTrajectories: recordTrajectories}
}

var (
	muTapes     sync.Mutex
	activeTapes []*SolveTape
)

// Activate pushes the tape onto the process-wide stack of active tapes and
// returns the function that pops it. Defer the returned function so the pop
// happens on every exit path:
//
//	done := tape.Activate()
//	defer done()
func (t *SolveTape) Activate() (done func()) {
	muTapes.Lock()
	defer muTapes.Unlock()
	activeTapes = append(activeTapes, t)
	return func() {
		muTapes.Lock()
		defer muTapes.Unlock()
		for ii, active := range activeTapes {
			if active == t {
				activeTapes = append(activeTapes[:ii], activeTapes[ii+1:]...)
				return
			}
		}
		klog.Warningf("solvers: SolveTape deactivated more than once")
	}
}

// Scope runs fn with the tape active, deactivating it on every exit path
// including panics.
func (t *SolveTape) Scope(fn func()) {
	defer t.Activate()()
	fn()
}

// snapshotActiveTapes returns the currently active tapes plus whether any of
// them requests trajectory recording.
func snapshotActiveTapes() (tapes []*SolveTape, recordTrajectories bool) {
	muTapes.Lock()
	defer muTapes.Unlock()
	tapes = append(tapes, activeTapes...)
	for _, t := range tapes {
		if t.recordTrajectories {
			recordTrajectories = true
		}
	}
	return
}

// recordToTapes appends the result to every active tape.
func recordToTapes(solve *Solve, hasTrajectory bool, result *SolveInfo) {
	muTapes.Lock()
	defer muTapes.Unlock()
	for _, t := range activeTapes {
		t.add(solve, hasTrajectory, result)
	}
}

// add records one result. Trajectory-mode tapes require results that already
// carry a trajectory axis; snapshot-mode tapes store the final snapshot of
// trajectory results. Duplicate recordings of the same solve identity warn
// and keep the first entry for keyed lookup.
func (t *SolveTape) add(solve *Solve, hasTrajectory bool, result *SolveInfo) {
	for _, id := range t.ids {
		if id == solve.ID() {
			msg := "SolveTape contains two results for the same solve settings. SolveTape.ForSolve will return the first solve result."
			t.warnings = append(t.warnings, msg)
			klog.Warningf("solvers: %s", msg)
			break
		}
	}
	switch {
	case t.recordTrajectories:
		if !hasTrajectory {
			exceptions.Panicf("solvers: SolveTape records trajectories but solve %s did not record one", solve)
		}
		t.solves = append(t.solves, result)
	case hasTrajectory:
		t.solves = append(t.solves, result.Snapshot(-1))
	default:
		t.solves = append(t.solves, result)
	}
	t.ids = append(t.ids, solve.ID())
}

// Len returns the number of recorded solves.
func (t *SolveTape) Len() int {
	muTapes.Lock()
	defer muTapes.Unlock()
	return len(t.solves)
}

// Get returns the i-th recorded SolveInfo, in record order.
func (t *SolveTape) Get(i int) *SolveInfo {
	muTapes.Lock()
	defer muTapes.Unlock()
	if i < 0 || i >= len(t.solves) {
		exceptions.Panicf("solvers: SolveTape has %d records, no index %d", len(t.solves), i)
	}
	return t.solves[i]
}

// ForSolve returns the unique recorded SolveInfo whose originating solve
// identity matches. It panics with a not-found error if absent; duplicates
// resolve to the first recording.
func (t *SolveTape) ForSolve(solve *Solve) *SolveInfo {
	muTapes.Lock()
	defer muTapes.Unlock()
	for ii, id := range t.ids {
		if id == solve.ID() {
			return t.solves[ii]
		}
	}
	panic(fmt.Errorf("solvers: no solve recorded with key %q (%s)", solve.ID(), solve))
}

// All returns the recorded SolveInfos in record order.
func (t *SolveTape) All() []*SolveInfo {
	muTapes.Lock()
	defer muTapes.Unlock()
	return append([]*SolveInfo(nil), t.solves...)
}

// Warnings returns the warnings emitted while recording, e.g. for duplicate
// solve identities.
func (t *SolveTape) Warnings() []string {
	muTapes.Lock()
	defer muTapes.Unlock()
	return append([]string(nil), t.warnings...)
}

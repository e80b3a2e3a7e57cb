// Package backends defines the capability interface a numerical backend must
// implement to execute solves dispatched by the solvers package, and the
// registry through which backends are selected.
//
// A backend owns the native representation of the data (see Buffer) and
// supplies the primitive minimize and linear-solve routines. It does not need
// to implement every capability: Supports lets the dispatcher probe what is
// available and fall back, e.g. from explicit matrix solves to matrix-free
// ones.
//
// To simplify error handling, backend calls are expected to throw (panic)
// with a formatted message in case of contract violations. See package
// github.com/gomlx/exceptions.
package backends

import (
	"os"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
)

// Buffer is an opaque backend-native value: only the backend that produced it
// knows its layout. The dispatch layer moves Buffers around and inspects them
// exclusively through the owning backend's helper methods.
type Buffer any

// ApplyFn is a matrix-free linear operator in backend-native space. The input
// is a [batch, pattern] Buffer. When batchIndex >= 0 the backend is probing a
// single linear-map application for diagnostics: the input then holds only
// that batch row and the output must as well.
type ApplyFn func(x Buffer, batchIndex int) Buffer

// Objective is a native-space minimization target. It returns the summed
// scalar loss across all batches plus the per-batch loss vector.
type Objective func(xFlat Buffer) (lossSum float64, lossPerBatch Buffer)

// Capability enumerates the optional primitives a backend may support.
type Capability int

const (
	// CapabilityMinimize marks support for the Minimize primitive.
	CapabilityMinimize Capability = iota
	// CapabilityLinearSolve marks support for matrix-free linear solves.
	CapabilityLinearSolve
	// CapabilityMatrixSolve marks support for solves against an explicit
	// native matrix; when present the dispatcher prefers extracting a matrix
	// from compiled linear functions over the matrix-free path.
	CapabilityMatrixSolve
	// CapabilityDedupBackprop marks backends whose native differentiation
	// mechanism deduplicates or retraces repeated composition. For these,
	// convergence failures of backward-pass solves are downgraded from
	// errors to warnings, since the backward pass may legitimately reuse a
	// forward solve's tolerances under looser numerical conditions.
	CapabilityDedupBackprop
)

// SolveResult is the fixed record a backend returns per solve (or per
// iteration, when a trajectory is recorded). All Buffer fields are in native
// [batch, ...] layout; Residual may be nil if the method does not track it.
type SolveResult struct {
	X                   Buffer
	Residual            Buffer
	Iterations          Buffer
	FunctionEvaluations Buffer
	Converged           Buffer
	Diverged            Buffer
	// Method actually used, which may differ from the requested one, e.g.
	// after "auto" resolution.
	Method  string
	Message string
}

// Backend is the capability set the solver dispatcher programs against.
type Backend interface {
	// Name returns the short name of the backend, e.g. "go".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Supports probes whether the backend implements the given capability.
	Supports(c Capability) bool

	// Minimize runs the native minimization primitive. It returns one
	// SolveResult, or one per iteration when recordTrajectory is set (the
	// last element always being the final state). atol and maxIterations
	// are per-batch native vectors.
	Minimize(method string, objective Objective, x0 Buffer, atol, maxIterations Buffer, recordTrajectory bool) []SolveResult

	// LinearSolve solves op(x) = y. op is either a Buffer holding a native
	// matrix or an ApplyFn. rtol, atol and maxIterations are per-batch
	// native vectors.
	LinearSolve(method string, op any, y, x0 Buffer, rtol, atol, maxIterations Buffer, recordTrajectory bool) []SolveResult

	// Linear applies a linear operator (matrix Buffer or ApplyFn) to x,
	// used to reconstruct residuals the solve did not report.
	Linear(op any, x Buffer) Buffer

	// AsTensor uploads flat float64 data with the given dims into a Buffer.
	AsTensor(data []float64, dims []int) Buffer

	// Flat downloads a Buffer as flat float64 data.
	Flat(b Buffer) []float64

	// Dims returns the native dimensions of a Buffer.
	Dims(b Buffer) []int

	// Concat joins Buffers along the given axis (negative counts from the end).
	Concat(bufs []Buffer, axis int) Buffer

	// Sub returns the element-wise difference of two equally shaped Buffers.
	Sub(a, b Buffer) Buffer

	// Tile repeats a Buffer along each axis by the given multiples.
	Tile(b Buffer, multiples []int) Buffer

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes
// as input a configuration string that is passed along to the backend
// constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the name of the default backend configuration to use if
// specified. See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// GOSOLVE_BACKEND is the environment variable with the default backend
// configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
const GOSOLVE_BACKEND = "GOSOLVE_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment GOSOLVE_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	config, found := os.LookupEnv(GOSOLVE_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as
// "<backend_name>:<backend_configuration>". The "<backend_name>" is the name
// of a registered backend (e.g.: "go") and "<backend_configuration>" is
// backend specific.
func NewWithConfig(config string) Backend {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered solver backends -- maybe import the default pure-Go one with import _ "github.com/gosolve/gosolve/backends/simplego"?`)
	}
	backendName := firstRegistered
	backendConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName = config
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}

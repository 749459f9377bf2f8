// Package registry implements the tracepoint registry: a concurrent mapping
// from canonical tracepoint name to a registration record carrying the
// enabled flag.
package registry

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/alphadose/haxmap"
	"go.uber.org/zap"
)

// MaxNameLength is the maximum length, in bytes, of a canonical tracepoint
// name.
const MaxNameLength = 32

var (
	// ErrInvalidName is returned when a name is empty or contains a byte
	// outside 7-bit ASCII.
	ErrInvalidName = errors.New("tracy: invalid tracepoint name")
	// ErrAlreadyExists is returned by Register when the canonical name is
	// already registered.
	ErrAlreadyExists = errors.New("tracy: tracepoint already registered")
)

// Canonicalize validates and canonicalises a tracepoint name: it is
// rejected outright if it contains any byte >= 0x80 anywhere in the
// original string, then truncated to the first MaxNameLength bytes, then
// folded to lowercase. An empty name is always invalid.
func Canonicalize(name string) (string, error) {
	if len(name) == 0 {
		return "", ErrInvalidName
	}
	for i := 0; i < len(name); i++ {
		if name[i] >= 0x80 {
			return "", ErrInvalidName
		}
	}
	if len(name) > MaxNameLength {
		name = name[:MaxNameLength]
	}
	return strings.ToLower(name), nil
}

// Registration is one registered tracepoint. Enabled is read on every
// submit and written by the session worker on ENABLE-REQUEST/
// DISABLE-REQUEST and on session loss. A submitter racing a concurrent
// enable/disable may observe either value for one call; a single
// atomic.Bool is enough and keeps the submit fast path lock-free.
type Registration struct {
	Name    string
	enabled atomic.Bool
}

func (r *Registration) setEnabled(v bool) {
	r.enabled.Store(v)
}

func (r *Registration) isEnabled() bool {
	return r.enabled.Load()
}

// Registry is a concurrent mapping from canonical tracepoint name to
// Registration. Multiple submitter goroutines call IsEnabled concurrently
// with the session worker's calls to SetEnabled/ClearEnabledFlags; the
// lock-free haxmap.Map gives submitters a cheap, contention-free read
// path. Insertion order (needed by SnapshotNames) is tracked separately:
// Register is rare (it happens at startup) so a small mutex-guarded slice
// there costs nothing on the hot submit path.
type Registry struct {
	m       *haxmap.Map[string, *Registration]
	orderMu sync.Mutex
	order   []string
	logger  *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		m:      haxmap.New[string, *Registration](),
		logger: logger,
	}
}

// Register canonicalises name and inserts it with enabled=false. It fails
// with ErrInvalidName or ErrAlreadyExists.
func (r *Registry) Register(name string) error {
	canonical, err := Canonicalize(name)
	if err != nil {
		return err
	}
	if _, exists := r.m.Get(canonical); exists {
		return ErrAlreadyExists
	}
	reg := &Registration{Name: canonical}
	r.orderMu.Lock()
	defer r.orderMu.Unlock()
	// Re-check under orderMu to close the race between the Get above and
	// this Set: two concurrent Register calls for the same name must
	// agree on exactly one winner.
	if _, exists := r.m.Get(canonical); exists {
		return ErrAlreadyExists
	}
	r.m.Set(canonical, reg)
	r.order = append(r.order, canonical)
	r.logger.Debug("tracepoint registered", zap.String("name", canonical))
	return nil
}

// IsEnabled reports whether name is registered and enabled. It returns
// false for any input that fails canonicalisation or is not registered,
// so callers never need to check an error on this path.
func (r *Registry) IsEnabled(name string) bool {
	canonical, err := Canonicalize(name)
	if err != nil {
		return false
	}
	reg, ok := r.m.Get(canonical)
	if !ok {
		return false
	}
	return reg.isEnabled()
}

// SetEnabled canonicalises each name in names and, if registered, sets its
// enabled flag to value. It returns one bool per input name reporting
// whether that name was found. Used only by the session worker.
func (r *Registry) SetEnabled(names []string, value bool) []bool {
	results := make([]bool, len(names))
	for i, name := range names {
		canonical, err := Canonicalize(name)
		if err != nil {
			continue
		}
		reg, ok := r.m.Get(canonical)
		if !ok {
			continue
		}
		reg.setEnabled(value)
		results[i] = true
	}
	return results
}

// SnapshotNames returns every registered canonical name in insertion order.
func (r *Registry) SnapshotNames() []string {
	r.orderMu.Lock()
	defer r.orderMu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ClearEnabledFlags sets every registration's enabled flag to false. It is
// invoked by the session worker on any transition out of Connected.
func (r *Registry) ClearEnabledFlags() {
	r.m.ForEach(func(_ string, reg *Registration) bool {
		reg.setEnabled(false)
		return true
	})
}

// Len reports the number of registered tracepoints.
func (r *Registry) Len() int {
	return int(r.m.Len())
}

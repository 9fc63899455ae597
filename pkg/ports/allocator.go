// Package ports implements the Port Allocator (spec §4.3): a bounded,
// strictly serialized pool of TCP ports vended by randomized sampling with a
// deterministic scan fallback.
package ports

import (
	"crypto/rand"
	"math/big"
	"sync"

	"github.com/otturnaut/agent/pkg/errs"
)

// sampleAttempts is N in spec §4.3: the number of uniformly-random samples
// tried before falling back to a deterministic scan.
const sampleAttempts = 10

// Allocator vends unique TCP ports from a closed range [Low, High]. All
// operations are strictly serialized behind a single mutex; none ever holds
// the lock across I/O.
type Allocator struct {
	mu        sync.Mutex
	low, high int
	allocated map[int]struct{}
}

// New constructs an Allocator over the closed range [low, high].
func New(low, high int) *Allocator {
	return &Allocator{
		low:       low,
		high:      high,
		allocated: make(map[int]struct{}),
	}
}

// Allocate reserves and returns a free port. It first tries sampleAttempts
// uniformly-random samples (cache-friendly, avoids clustering after
// sequential restarts), then falls back to a deterministic scan (guarantees
// forward progress when the range is nearly full).
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.high - a.low + 1

	for i := 0; i < sampleAttempts; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
		if err != nil {
			break // fall through to the deterministic scan
		}
		candidate := a.low + int(n.Int64())
		if _, used := a.allocated[candidate]; !used {
			a.allocated[candidate] = struct{}{}
			return candidate, nil
		}
	}

	for p := a.low; p <= a.high; p++ {
		if _, used := a.allocated[p]; !used {
			a.allocated[p] = struct{}{}
			return p, nil
		}
	}

	return 0, errs.ErrPortExhausted
}

// Release returns port to the pool. Releasing an unallocated or
// out-of-range port succeeds silently (idempotent).
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, port)
}

// MarkInUse forces port into the allocated set, used during startup
// reconciliation when the runtime reports containers bound to ports the
// allocator has no record of.
func (a *Allocator) MarkInUse(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if port < a.low || port > a.high {
		return errs.ErrOutOfRange
	}
	a.allocated[port] = struct{}{}
	return nil
}

// InUse reports whether port is currently allocated.
func (a *Allocator) InUse(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.allocated[port]
	return ok
}

// ListAllocated returns a snapshot of every currently-allocated port.
func (a *Allocator) ListAllocated() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.allocated))
	for p := range a.allocated {
		out = append(out, p)
	}
	return out
}

// Range returns the allocator's configured [low, high] bounds.
func (a *Allocator) Range() (low, high int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.low, a.high
}

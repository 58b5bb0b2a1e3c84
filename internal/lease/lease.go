package lease

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrHeld is returned by Acquire when another owner holds the lease.
var ErrHeld = errors.New("lease held")

// Lease is an exclusive ownership token over a singleton resource
// (positioner, radio, schedule runner). Acquire either succeeds immediately
// or fails; it never queues.
type Lease struct {
	name string

	mu    sync.Mutex
	owner string
	since time.Time
	gen   uint64
}

// New returns a free lease for the named resource.
func New(name string) *Lease { return &Lease{name: name} }

// Name returns the resource name.
func (l *Lease) Name() string { return l.name }

// Acquire takes the lease for owner. The returned release func is safe to
// call more than once and from any exit path; only the first call releases,
// and a stale release never frees a lease re-acquired by someone else.
func (l *Lease) Acquire(owner string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != "" {
		return nil, fmt.Errorf("%w: %s owned by %s since %s", ErrHeld, l.name, l.owner, l.since.Format(time.RFC3339))
	}
	if owner == "" {
		owner = "anonymous"
	}
	l.owner = owner
	l.since = time.Now()
	l.gen++
	gen := l.gen
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.gen == gen {
				l.owner = ""
				l.since = time.Time{}
			}
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether the lease is currently owned.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner != ""
}

// Owner returns the current owner, if any.
func (l *Lease) Owner() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner, l.owner != ""
}

// Package clock provides the reference clock all expiration arithmetic is
// anchored to. Every instant the system computes or compares lives in one
// fixed civil timezone, never the machine's local zone, so lease expiry does
// not drift across daylight-savings changes or differently-configured hosts.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Clock yields the current instant in the reference timezone.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// Reference is the production clock, pinned to a fixed timezone.
type Reference struct {
	loc *time.Location
}

// NewReference loads the named timezone and returns a clock pinned to it.
func NewReference(tz string) (*Reference, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load reference timezone %q: %w", tz, err)
	}
	return &Reference{loc: loc}, nil
}

func (r *Reference) Now() time.Time {
	return time.Now().In(r.loc)
}

func (r *Reference) Location() *time.Location {
	return r.loc
}

// Frozen is a test clock that only moves when told to.
type Frozen struct {
	mu  sync.Mutex
	now time.Time
}

// NewFrozen returns a clock stopped at t.
func NewFrozen(t time.Time) *Frozen {
	return &Frozen{now: t}
}

func (f *Frozen) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Frozen) Location() *time.Location {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now.Location()
}

// Advance moves the frozen clock forward by d.
func (f *Frozen) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set moves the frozen clock to t.
func (f *Frozen) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

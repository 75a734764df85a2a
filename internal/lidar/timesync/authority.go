package timesync

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrHandshakeFailed wraps any error returned by a TimeAuthority.
	ErrHandshakeFailed = errors.New("pps handshake failed")
	// ErrHandshakeTimeout is returned when the authority did not answer
	// within the translator's maximum sample age.
	ErrHandshakeTimeout = errors.New("pps handshake timed out")
	// ErrStaleReference is returned when an answer arrived, but later than
	// the maximum sample age.
	ErrStaleReference = errors.New("pps reference sample too old")
	// ErrAuthorityUnavailable is returned when the authority reports it is
	// not reachable, so no request was sent.
	ErrAuthorityUnavailable = errors.New("pps time authority unavailable")
)

// TimeAuthority resets the external PPS second counter and reports the
// reference time, in ns, at which the reset took effect.
type TimeAuthority interface {
	RequestTimeReference(ctx context.Context) (int64, error)
}

// Availability is optionally implemented by a TimeAuthority that can tell
// cheaply whether a request has any chance of succeeding.
type Availability interface {
	Available(ctx context.Context) bool
}

// AuthorityFunc adapts a function to TimeAuthority.
type AuthorityFunc func(ctx context.Context) (int64, error)

// RequestTimeReference implements TimeAuthority.
func (f AuthorityFunc) RequestTimeReference(ctx context.Context) (int64, error) { return f(ctx) }

// StaticAuthority answers every request with a fixed reference, optionally
// after a delay, and counts calls. It stands in for the vehicle interface on
// the bench and in tests.
type StaticAuthority struct {
	mu        sync.Mutex
	reference int64
	delay     time.Duration
	err       error
	calls     int
}

// NewStaticAuthority creates an authority that returns reference.
func NewStaticAuthority(reference int64) *StaticAuthority {
	return &StaticAuthority{reference: reference}
}

// SetReference changes the reference returned by later calls.
func (a *StaticAuthority) SetReference(ref int64) {
	a.mu.Lock()
	a.reference = ref
	a.mu.Unlock()
}

// SetError makes later calls fail with err; nil restores success.
func (a *StaticAuthority) SetError(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

// SetDelay makes later calls block for d or until ctx is done.
func (a *StaticAuthority) SetDelay(d time.Duration) {
	a.mu.Lock()
	a.delay = d
	a.mu.Unlock()
}

// Calls returns the number of requests received.
func (a *StaticAuthority) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// RequestTimeReference implements TimeAuthority.
func (a *StaticAuthority) RequestTimeReference(ctx context.Context) (int64, error) {
	a.mu.Lock()
	a.calls++
	ref, delay, err := a.reference, a.delay, a.err
	a.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return 0, err
	}
	return ref, nil
}

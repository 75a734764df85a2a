package timesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/scanbridge/internal/monitoring"
	"github.com/banshee-data/scanbridge/internal/timeutil"
)

// Outcome classifies a handshake attempt.
type Outcome string

const (
	OutcomeSynced      Outcome = "synced"
	OutcomeFailed      Outcome = "failed"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeStale       Outcome = "stale"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeRearmed     Outcome = "rearmed"
)

// SyncEvent describes one handshake attempt or re-arm.
type SyncEvent struct {
	At              time.Time     `json:"at"`
	Outcome         Outcome       `json:"outcome"`
	DeviceTimestamp int64         `json:"device_timestamp"`
	Reference       int64         `json:"reference"`
	Offset          int64         `json:"offset"`
	Latency         time.Duration `json:"latency"`
	Error           string        `json:"error,omitempty"`
}

// SyncRecorder receives handshake events. Implementations must not block.
type SyncRecorder interface {
	RecordSync(ev SyncEvent)
}

// CoordinatorConfig holds the handshake window.
type CoordinatorConfig struct {
	// Handshakes run only when the scan's phase within the device epoch
	// lies strictly inside (WindowStart, WindowEnd).
	WindowStart time.Duration
	WindowEnd   time.Duration
}

// DefaultCoordinatorConfig returns the (300ms, 500ms) window.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		WindowStart: 300 * time.Millisecond,
		WindowEnd:   500 * time.Millisecond,
	}
}

// Coordinator runs at most one successful handshake per arm cycle.
//
// For every completed scan it checks whether the scan timestamp falls inside
// the safe window, well clear of the PPS edge, and if it has not synced since
// it was last armed, asks the TimeAuthority for a reference and re-anchors
// the Translator. A failed attempt changes nothing and the next in-window
// scan tries again.
type Coordinator struct {
	cfg        CoordinatorConfig
	translator *Translator
	authority  TimeAuthority
	recorder   SyncRecorder
	clock      timeutil.Clock

	hasSyncedSinceArm bool
	attempts          int
}

// NewCoordinator creates an armed coordinator. authority may be nil, in
// which case no handshake is ever attempted.
func NewCoordinator(cfg CoordinatorConfig, translator *Translator, authority TimeAuthority, recorder SyncRecorder, clock timeutil.Clock) *Coordinator {
	if cfg.WindowEnd <= cfg.WindowStart {
		cfg = DefaultCoordinatorConfig()
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Coordinator{
		cfg:        cfg,
		translator: translator,
		authority:  authority,
		recorder:   recorder,
		clock:      clock,
	}
}

// SyncedSinceArm reports whether a handshake has succeeded since the last arm.
func (c *Coordinator) SyncedSinceArm() bool { return c.hasSyncedSinceArm }

// Attempts is the number of handshake requests sent so far.
func (c *Coordinator) Attempts() int { return c.attempts }

// Rearm makes the next in-window scan eligible for a handshake. The current
// translation is left untouched.
func (c *Coordinator) Rearm() {
	c.hasSyncedSinceArm = false
	c.record(SyncEvent{At: c.clock.Now(), Outcome: OutcomeRearmed})
	monitoring.Logf("PPS re-arm requested; next in-window scan will handshake")
}

// InWindow reports whether a device timestamp is safely away from the PPS
// edge, measured modulo the translator's epoch period.
func (c *Coordinator) InWindow(device uint64) bool {
	phase := time.Duration(device)
	if period := c.translator.Config().EpochPeriod; period > 0 {
		phase %= period
	}
	return phase > c.cfg.WindowStart && phase < c.cfg.WindowEnd
}

// OnScan is called once per completed scan with the timestamp of its first
// populated column. It reports whether a handshake was attempted and the
// attempt's error, if any.
func (c *Coordinator) OnScan(ctx context.Context, device uint64) (bool, error) {
	if c.hasSyncedSinceArm || c.authority == nil || !c.InWindow(device) {
		return false, nil
	}

	ev := SyncEvent{At: c.clock.Now(), DeviceTimestamp: int64(device)}
	if a, ok := c.authority.(Availability); ok && !a.Available(ctx) {
		ev.Outcome = OutcomeUnavailable
		ev.Error = ErrAuthorityUnavailable.Error()
		c.record(ev)
		monitoring.Debugf("PPS handshake skipped: authority unavailable")
		return false, ErrAuthorityUnavailable
	}

	ref, err := c.handshake(ctx, &ev)
	if err != nil {
		ev.Error = err.Error()
		c.record(ev)
		monitoring.Debugf("PPS handshake at device ts %d failed: %v", device, err)
		return true, err
	}

	c.translator.ApplyReset(int64(device), ref)
	c.hasSyncedSinceArm = true
	ev.Outcome = OutcomeSynced
	ev.Reference = ref
	ev.Offset = c.translator.Snapshot().Offset
	c.record(ev)
	monitoring.Logf("PPS second counter reset successful (reference=%d, latency=%s)", ref, ev.Latency)
	return true, nil
}

func (c *Coordinator) handshake(ctx context.Context, ev *SyncEvent) (int64, error) {
	maxAge := c.translator.Config().MaxSampleAge
	hctx, cancel := context.WithTimeout(ctx, maxAge)
	defer cancel()

	c.attempts++
	start := c.clock.Now()
	ref, err := c.authority.RequestTimeReference(hctx)
	ev.Latency = c.clock.Since(start)

	switch {
	case err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded):
		ev.Outcome = OutcomeTimeout
		return 0, fmt.Errorf("%w after %s: %v", ErrHandshakeTimeout, maxAge, err)
	case err != nil:
		ev.Outcome = OutcomeFailed
		return 0, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	case ev.Latency > maxAge:
		ev.Outcome = OutcomeStale
		return 0, fmt.Errorf("%w: answered after %s (max %s)", ErrStaleReference, ev.Latency, maxAge)
	}
	return ref, nil
}

func (c *Coordinator) record(ev SyncEvent) {
	if c.recorder != nil {
		c.recorder.RecordSync(ev)
	}
}

package timesync

import (
	"fmt"
	"time"

	"github.com/banshee-data/scanbridge/internal/timeutil"
)

// SyncState is whether a reference mapping has been established.
type SyncState int

const (
	Unsynced SyncState = iota
	Synced
)

func (s SyncState) String() string {
	if s == Synced {
		return "synced"
	}
	return "unsynced"
}

// MarshalText renders the state by name in JSON diagnostics.
func (s SyncState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText accepts the names MarshalText produces.
func (s *SyncState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "synced":
		*s = Synced
	case "unsynced":
		*s = Unsynced
	default:
		return fmt.Errorf("unknown sync state %q", b)
	}
	return nil
}

// FallbackPolicy decides what unsynced timestamps are good for.
type FallbackPolicy int

const (
	// FallbackPassThrough publishes raw device time while unsynced.
	FallbackPassThrough FallbackPolicy = iota
	// FallbackWithhold suppresses output until the first sync.
	FallbackWithhold
)

// ParseFallbackPolicy maps "pass_through" or "withhold" onto a policy.
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch s {
	case "", "pass_through":
		return FallbackPassThrough, nil
	case "withhold":
		return FallbackWithhold, nil
	}
	return FallbackPassThrough, fmt.Errorf("unknown unsynced policy %q", s)
}

func (p FallbackPolicy) String() string {
	if p == FallbackWithhold {
		return "withhold"
	}
	return "pass_through"
}

// TranslatorConfig holds the translator's construction parameters.
type TranslatorConfig struct {
	// MaxSampleAge bounds how old a reference sample may be when accepted.
	// The coordinator uses it as the handshake deadline. Default 2s.
	MaxSampleAge time.Duration
	// MinSamples is how many accepted resets are needed before translations
	// are trusted. Default 1.
	MinSamples int
	// EpochPeriod is the device counter rollover period. Each stamp is
	// resolved to the epoch nearest the previous one. Zero disables
	// unwrapping.
	EpochPeriod time.Duration
	// Fallback is the unsynced behaviour.
	Fallback FallbackPolicy
}

// DefaultTranslatorConfig returns the standard PPS-to-system-clock settings.
func DefaultTranslatorConfig() TranslatorConfig {
	return TranslatorConfig{
		MaxSampleAge: 2 * time.Second,
		MinSamples:   1,
		EpochPeriod:  time.Second,
		Fallback:     FallbackPassThrough,
	}
}

// Snapshot is a read-only view of the translator for diagnostics.
type Snapshot struct {
	State          SyncState `json:"state"`
	ReferenceEpoch int64     `json:"reference_epoch"`
	DeviceAtSync   int64     `json:"device_at_sync"`
	Offset         int64     `json:"offset"`
	Samples        int       `json:"samples"`
	Rollovers      int64     `json:"rollovers"`
	LastReset      time.Time `json:"last_reset"`
	Fallback       string    `json:"fallback"`
}

// Translator converts device timestamps to reference time.
//
// While Unsynced, Translate returns its input unchanged. Once Synced,
// host = device + (referenceEpoch - deviceAtSync), where device is the
// rollover-corrected counter.
type Translator struct {
	cfg   TranslatorConfig
	clock timeutil.Clock

	state        SyncState
	refEpoch     int64
	deviceAtSync int64
	samples      int
	lastReset    time.Time

	// cursor is the last resolved device time. Lidar and IMU stamps both
	// move it, in whatever order the queues deliver them.
	seen   bool
	cursor int64
	wraps  int64
}

// NewTranslator creates an unsynced translator. Zero config fields take
// their defaults.
func NewTranslator(cfg TranslatorConfig, clock timeutil.Clock) *Translator {
	def := DefaultTranslatorConfig()
	if cfg.MaxSampleAge <= 0 {
		cfg.MaxSampleAge = def.MaxSampleAge
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.EpochPeriod < 0 {
		cfg.EpochPeriod = 0
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Translator{cfg: cfg, clock: clock}
}

// Config returns the construction parameters after defaults.
func (t *Translator) Config() TranslatorConfig { return t.cfg }

// State returns the current sync state.
func (t *Translator) State() SyncState { return t.state }

// Withholding reports whether output should be suppressed right now.
func (t *Translator) Withholding() bool {
	return t.state == Unsynced && t.cfg.Fallback == FallbackWithhold
}

// unwrap extends a wrapping device counter across rollovers. The stamp is
// placed in the epoch nearest the cursor, so a lidar frame stamped just
// before a rollover still resolves correctly after IMU stamps from the next
// epoch. Counters already past one period run free and are left alone.
// Gaps longer than half a period between stamps lose epochs.
func (t *Translator) unwrap(device int64) int64 {
	period := int64(t.cfg.EpochPeriod)
	if period <= 0 || device < 0 || device >= period {
		return device
	}
	if !t.seen {
		t.seen = true
		t.cursor = device
		return device
	}
	k := floorDiv(t.cursor-device+period/2, period)
	resolved := device + k*period
	t.cursor = resolved
	if k > t.wraps {
		t.wraps = k
	}
	return resolved
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Translate maps a device timestamp to reference time.
func (t *Translator) Translate(device int64) int64 {
	unwrapped := t.unwrap(device)
	if t.state != Synced {
		return device
	}
	return unwrapped + (t.refEpoch - t.deviceAtSync)
}

// ApplyReset anchors the mapping so that device maps to reference. It is
// idempotent: a later call simply re-anchors.
func (t *Translator) ApplyReset(device, reference int64) {
	t.deviceAtSync = t.unwrap(device)
	t.refEpoch = reference
	t.samples++
	t.lastReset = t.clock.Now()
	if t.samples >= t.cfg.MinSamples {
		t.state = Synced
	}
}

// Snapshot returns the current state for diagnostics.
func (t *Translator) Snapshot() Snapshot {
	return Snapshot{
		State:          t.state,
		ReferenceEpoch: t.refEpoch,
		DeviceAtSync:   t.deviceAtSync,
		Offset:         t.refEpoch - t.deviceAtSync,
		Samples:        t.samples,
		Rollovers:      t.wraps,
		LastReset:      t.lastReset,
		Fallback:       t.cfg.Fallback.String(),
	}
}

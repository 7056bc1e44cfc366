package obfuscate

import (
	"encoding/binary"
	"time"

	"github.com/wraith-project/wraith/internal/suite"
)

// TimingMode selects how send timing is shaped.
type TimingMode uint8

const (
	// TimingConstantRate emits a packet every Interval, using cover
	// traffic to fill gaps when the application has nothing to send:
	// maximum privacy, maximum overhead.
	TimingConstantRate TimingMode = iota
	// TimingJittered adds a random delay uniform in [0, MaxJitter]
	// before each send.
	TimingJittered
	// TimingBurstShaped aggregates packets into bursts of BurstSize
	// packets emitted every Interval.
	TimingBurstShaped
)

func (m TimingMode) String() string {
	switch m {
	case TimingConstantRate:
		return "constant-rate"
	case TimingJittered:
		return "jittered"
	case TimingBurstShaped:
		return "burst-shaped"
	default:
		return "unknown"
	}
}

// TimingConfig is a session's timing-shaping policy.
type TimingConfig struct {
	Mode      TimingMode
	Interval  time.Duration // ConstantRate's period, BurstShaped's cadence
	MaxJitter time.Duration // Jittered's delay bound
	BurstSize int           // BurstShaped's packets per burst
}

// DefaultTimingConfig returns Jittered shaping with a modest jitter
// bound: a reasonable default between ConstantRate's high overhead and
// sending with no shaping at all.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{Mode: TimingJittered, MaxJitter: 20 * time.Millisecond}
}

// Pacer schedules when the next packet (data or cover) should be sent,
// deriving jitter deterministically from the session's timing seed so
// both ends can reason about the same cadence without exchanging it.
type Pacer struct {
	cfg        TimingConfig
	timingSeed []byte
	burstCount int
}

// NewPacer creates a Pacer for cfg, keyed by the session's timing seed.
func NewPacer(cfg TimingConfig, timingSeed []byte) *Pacer {
	return &Pacer{cfg: cfg, timingSeed: timingSeed}
}

// NextDelay returns how long to wait before sending the packet at
// sequence, measured from the previous send.
func (p *Pacer) NextDelay(sequence uint64) time.Duration {
	switch p.cfg.Mode {
	case TimingConstantRate:
		return p.cfg.Interval

	case TimingJittered:
		if p.cfg.MaxJitter <= 0 {
			return 0
		}
		u := uniformFromSeed(p.timingSeed, sequence, "timing-jitter")
		return time.Duration(u * float64(p.cfg.MaxJitter))

	case TimingBurstShaped:
		p.burstCount++
		if p.cfg.BurstSize <= 0 {
			return 0
		}
		if p.burstCount < p.cfg.BurstSize {
			return 0
		}
		p.burstCount = 0
		return p.cfg.Interval

	default:
		return 0
	}
}

// NeedsCoverTraffic reports whether this pacer's mode uses cover packets,
// which is true only for ConstantRate. Only ConstantRate maintains a fixed packet rate; Jittered
// and BurstShaped shape the timing of whatever traffic already exists.
func (p *Pacer) NeedsCoverTraffic() bool {
	return p.cfg.Mode == TimingConstantRate
}

// sequenceSeed derives a distinct seed per virtual "cover clock" tick,
// used by the cover-traffic generator so repeated ticks don't collide
// with data-packet sequence numbers when deriving padding sizes.
func sequenceSeed(timingSeed []byte, tick uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], tick)
	return suite.KDF(timingSeed, buf[:], []byte("cover-tick"), 32)
}

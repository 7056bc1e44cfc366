// Package obfuscate implements WRAITH's traffic-analysis resistance
// layer: continuous padding-size distributions, timing shaping, cover
// traffic generation, entropy normalization for text-carrier mimicry, and
// dispatch to the uTLS/WebSocket mimicry transports.
//
// Padding size and send timing, values an observer could use to
// fingerprint the session, are derived deterministically from a seed both
// ends already share, rather than transmitted. The carrier is chosen by
// the Profile configuration, not by a seed.
package obfuscate

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/wraith-project/wraith/internal/suite"
)

// DistributionKind selects how a packet's on-wire size is sampled.
// Fixed size classes are avoided deliberately: every kind here
// samples continuously rather than snapping to a small set of buckets.
type DistributionKind uint8

const (
	DistUniform DistributionKind = iota
	DistHttpsEmpirical
	DistGaussian
	DistCustom
	DistNone
)

func (k DistributionKind) String() string {
	switch k {
	case DistUniform:
		return "uniform"
	case DistHttpsEmpirical:
		return "https-empirical"
	case DistGaussian:
		return "gaussian"
	case DistCustom:
		return "custom"
	case DistNone:
		return "none"
	default:
		return "unknown"
	}
}

// CDF is a piecewise-linear cumulative distribution over packet sizes:
// Sizes[i] is reached with cumulative probability Cumulative[i].
// Cumulative must be non-decreasing and end at 1.0.
type CDF struct {
	Sizes      []int
	Cumulative []float64
}

// Invert maps a uniform sample u in [0,1) to a packet size via linear
// interpolation between the CDF's bracketing points.
func (c CDF) Invert(u float64) int {
	if len(c.Sizes) == 0 {
		return 0
	}
	idx := sort.SearchFloat64s(c.Cumulative, u)
	if idx <= 0 {
		return c.Sizes[0]
	}
	if idx >= len(c.Sizes) {
		return c.Sizes[len(c.Sizes)-1]
	}
	lo, hi := idx-1, idx
	pLo, pHi := c.Cumulative[lo], c.Cumulative[hi]
	if pHi == pLo {
		return c.Sizes[hi]
	}
	frac := (u - pLo) / (pHi - pLo)
	return c.Sizes[lo] + int(frac*float64(c.Sizes[hi]-c.Sizes[lo]))
}

// DefaultHTTPSEmpiricalCDF is a coarse reference histogram over common
// HTTPS response-size buckets, hand-picked from well-known empirical
// studies of web object sizes (small JSON/API replies and tracking
// pixels cluster below 1KB, typical HTML/CSS/JS responses in the
// 1-50KB range, and a long tail of larger media payloads out past
// 500KB). This is a reasonable default, not a claim of current
// empirical accuracy — production deployments should measure their own
// target traffic and supply it as a Custom CDF instead.
var DefaultHTTPSEmpiricalCDF = CDF{
	Sizes:      []int{200, 600, 1500, 4000, 14000, 50000, 200000, 800000},
	Cumulative: []float64{0.10, 0.25, 0.45, 0.65, 0.82, 0.93, 0.98, 1.00},
}

// Config is a session's padding policy, derived once at handshake
// completion and held fixed for the session's lifetime.
type Config struct {
	Kind DistributionKind
	Min  int // Uniform's lower bound and the floor applied to every kind
	Max  int // Uniform's upper bound and the ceiling applied to every kind
	Mu   float64
	Sigma float64
	CDF  CDF // used by DistCustom (and overridable for DistHttpsEmpirical)
}

// DefaultConfig returns the HttpsEmpirical distribution bounded to a
// typical Ethernet-path MTU, a reasonable default weighting privacy
// against overhead.
func DefaultConfig(mtu int) Config {
	return Config{
		Kind: DistHttpsEmpirical,
		Min:  64,
		Max:  mtu,
		CDF:  DefaultHTTPSEmpiricalCDF,
	}
}

// SampleSize draws this packet's target on-wire size from cfg's
// distribution, keyed by paddingSeed and sequence so both ends of a
// session predict the same size for cover-traffic coordination
// without transmitting it.
func SampleSize(cfg Config, paddingSeed []byte, sequence uint64) int {
	if cfg.Kind == DistNone {
		return 0
	}
	u := uniformFromSeed(paddingSeed, sequence, "padding-sample")

	var size int
	switch cfg.Kind {
	case DistUniform:
		size = cfg.Min + int(u*float64(cfg.Max-cfg.Min))
	case DistHttpsEmpirical:
		cdf := cfg.CDF
		if len(cdf.Sizes) == 0 {
			cdf = DefaultHTTPSEmpiricalCDF
		}
		size = cdf.Invert(u)
	case DistGaussian:
		u2 := uniformFromSeed(paddingSeed, sequence, "padding-sample-2")
		z := boxMuller(u, u2)
		size = int(cfg.Mu + cfg.Sigma*z)
	case DistCustom:
		size = cfg.CDF.Invert(u)
	default:
		size = cfg.Min
	}
	return clamp(size, cfg.Min, cfg.Max)
}

// uniformFromSeed derives a float64 in [0,1) from KDF(seed, sequence,
// info, 8), the same "packet-sequence-keyed derivation" idiom the wire
// layer uses for dummy filler, so a packet's padded size and its filler
// bytes are both unpredictable to an observer without the seed but
// reproducible by both session endpoints.
func uniformFromSeed(seed []byte, sequence uint64, info string) float64 {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], sequence)
	raw := suite.KDF(seed, seqBuf[:], []byte(info), 8)
	v := binary.BigEndian.Uint64(raw)
	return float64(v) / float64(math.MaxUint64)
}

// boxMuller transforms two independent uniform samples into one
// standard-normal sample via the Box-Muller transform.
func boxMuller(u1, u2 float64) float64 {
	if u1 <= 0 {
		u1 = 1e-12
	}
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

func clamp(v, min, max int) int {
	if max > 0 && v > max {
		v = max
	}
	if v < min {
		v = min
	}
	return v
}

// Package congestion implements a BBR-style congestion controller for
// WRAITH's datagram transport: bottleneck bandwidth and
// round-trip-propagation-time estimation drive a pacing rate and
// congestion window instead of loss-triggered multiplicative decrease.
//
// Grounded on the classical BBR state machine (STARTUP, DRAIN, PROBE_BW's
// eight-phase gain cycle, PROBE_RTT) since none of the example repos ship
// a congestion controller; the phase structure and gain cycle are
// standard BBR, not copied from any single implementation.
package congestion

import (
	"sync"
	"time"
)

// Phase names the BBR state machine's current mode.
type Phase int

const (
	PhaseStartup Phase = iota
	PhaseDrain
	PhaseProbeBW
	PhaseProbeRTT
)

func (p Phase) String() string {
	switch p {
	case PhaseStartup:
		return "STARTUP"
	case PhaseDrain:
		return "DRAIN"
	case PhaseProbeBW:
		return "PROBE_BW"
	case PhaseProbeRTT:
		return "PROBE_RTT"
	default:
		return "UNKNOWN"
	}
}

// probeBWGainCycle is BBR's eight-phase pacing gain cycle: one phase of
// 1.25x to probe for more bandwidth, one of 0.75x to drain any queue that
// probe built, then six phases at 1.0x.
var probeBWGainCycle = [8]float64{1.25, 0.75, 1, 1, 1, 1, 1, 1}

const (
	startupGain      = 2.885 // 2/ln(2), BBR's high-gain startup pacing multiplier
	drainGain        = 1 / 2.885
	probeRTTInterval = 10 * time.Second
	probeRTTDuration = 200 * time.Millisecond
	minPacingGainCWndGain = 2.0
)

// sample is one acknowledged-delivery observation used to update the
// bandwidth and RTT filters.
type sample struct {
	ackTime     time.Time
	sendTime    time.Time
	bytesAcked  int64
	rttSample   time.Duration
}

// Controller estimates BtlBw (bottleneck bandwidth) and RTprop (minimum
// observed round-trip time) from acknowledged deliveries and derives a
// pacing rate and congestion window from them. Not goroutine-safe on its
// own beyond the internal mutex guarding field access; callers serialize
// OnAck/OnLoss/OnSent through the session's single send/receive loop.
type Controller struct {
	mu sync.Mutex

	phase Phase

	btlBwFilter   [10]float64 // windowed max-filter over recent delivery rate samples
	btlBwIdx      int
	rtPropFilter  time.Duration
	rtPropStamp   time.Time
	rtPropExpired bool

	cycleIndex     int
	cycleStart     time.Time
	probeRTTStart  time.Time
	probeRTTActive bool

	inFlight   int64
	bytesInFlightAtLoss int64

	reliable bool // true when the underlying transport is already reliable/ordered
}

// NewController creates a BBR controller. reliable should be set from
// transport.Characteristics.Reliable: when the carrier is a reliable
// stream (WebSocket/HTTP2 mimicry), loss-based signals are meaningless
// and OnLoss is ignored.
func NewController(reliable bool) *Controller {
	return &Controller{
		phase:       PhaseStartup,
		rtPropFilter: time.Hour, // sentinel "not yet measured"
		reliable:    reliable,
	}
}

// Phase returns the controller's current BBR state.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// OnSent records that bytes have been sent, for in-flight accounting.
func (c *Controller) OnSent(bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight += bytes
}

// OnAck updates the bandwidth and RTT filters from one acknowledged
// delivery and advances the phase state machine.
func (c *Controller) OnAck(sendTime, ackTime time.Time, bytesAcked int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight -= bytesAcked
	if c.inFlight < 0 {
		c.inFlight = 0
	}

	rtt := ackTime.Sub(sendTime)
	if rtt <= 0 {
		return
	}
	deliveryRate := float64(bytesAcked) / rtt.Seconds()

	c.btlBwFilter[c.btlBwIdx%len(c.btlBwFilter)] = deliveryRate
	c.btlBwIdx++

	if rtt < c.rtPropFilter || time.Since(c.rtPropStamp) > 10*time.Second {
		c.rtPropFilter = rtt
		c.rtPropStamp = ackTime
	}

	c.advancePhase(ackTime)
}

// OnLoss signals a detected loss. On a reliable carrier this is a no-op:
// TCP-backed transports never surface loss to this layer, since the
// carrier already retransmitted before WRAITH ever saw a gap.
func (c *Controller) OnLoss(bytesLost int64) {
	if c.reliable {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesInFlightAtLoss = c.inFlight
	// A loss while probing for more bandwidth ends STARTUP's high-gain
	// phase early: persistent queueing growth, not just one spike.
	if c.phase == PhaseStartup && c.btlBwIdx > len(c.btlBwFilter) {
		c.phase = PhaseDrain
		c.cycleStart = time.Now()
	}
}

// BtlBw returns the current bottleneck bandwidth estimate in bytes/sec.
func (c *Controller) BtlBw() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.btlBwMax()
}

func (c *Controller) btlBwMax() float64 {
	max := 0.0
	for _, v := range c.btlBwFilter {
		if v > max {
			max = v
		}
	}
	return max
}

// RTProp returns the minimum observed round-trip time.
func (c *Controller) RTProp() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rtPropFilter == time.Hour {
		return 0
	}
	return c.rtPropFilter
}

// PacingRate returns the current send pacing rate in bytes/sec.
func (c *Controller) PacingRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	btlBw := c.btlBwMax()
	if btlBw == 0 {
		return 0
	}
	switch c.phase {
	case PhaseStartup:
		return btlBw * startupGain
	case PhaseDrain:
		return btlBw * drainGain
	case PhaseProbeBW:
		return btlBw * probeBWGainCycle[c.cycleIndex%len(probeBWGainCycle)]
	case PhaseProbeRTT:
		return btlBw * 1.0
	default:
		return btlBw
	}
}

// CongestionWindow returns the send window in bytes: BtlBw * RTprop,
// scaled by minPacingGainCWndGain during STARTUP only; every other phase
// uses a gain of 1.
func (c *Controller) CongestionWindow() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	btlBw := c.btlBwMax()
	rtProp := c.rtPropFilter
	if btlBw == 0 || rtProp == time.Hour {
		return 4096 // initial window before any signal exists
	}
	bdp := btlBw * rtProp.Seconds()
	gain := 1.0
	if c.phase == PhaseStartup {
		gain = minPacingGainCWndGain
	}
	return int64(bdp * gain)
}

// advancePhase runs the BBR state machine, called with mu held.
func (c *Controller) advancePhase(now time.Time) {
	switch c.phase {
	case PhaseStartup:
		if c.btlBwIdx > len(c.btlBwFilter)*2 && c.bandwidthPlateaued() {
			c.phase = PhaseDrain
			c.cycleStart = now
		}
	case PhaseDrain:
		if c.inFlight <= int64(c.btlBwMax()*c.rtPropFilter.Seconds()) {
			c.phase = PhaseProbeBW
			c.cycleIndex = 0
			c.cycleStart = now
		}
	case PhaseProbeBW:
		if now.Sub(c.cycleStart) >= c.rtPropFilter {
			c.cycleIndex++
			c.cycleStart = now
		}
		if !c.probeRTTActive && !c.rtPropStamp.IsZero() && now.Sub(c.rtPropStamp) > probeRTTInterval {
			c.phase = PhaseProbeRTT
			c.probeRTTActive = true
			c.probeRTTStart = now
		}
	case PhaseProbeRTT:
		if now.Sub(c.probeRTTStart) >= probeRTTDuration {
			c.phase = PhaseProbeBW
			c.probeRTTActive = false
			c.cycleIndex = 0
			c.cycleStart = now
		}
	}
}

// bandwidthPlateaued reports whether the last three bandwidth samples
// failed to grow by at least 25%, BBR's STARTUP exit condition.
func (c *Controller) bandwidthPlateaued() bool {
	n := len(c.btlBwFilter)
	if c.btlBwIdx < n+3 {
		return false
	}
	latest := c.btlBwFilter[(c.btlBwIdx-1)%n]
	threeAgo := c.btlBwFilter[(c.btlBwIdx-4)%n]
	if threeAgo == 0 {
		return false
	}
	return latest < threeAgo*1.25
}

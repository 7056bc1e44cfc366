package obfuscate

import (
	"context"
	"time"

	"github.com/wraith-project/wraith/internal/wireframe"
)

// CoverGenerator emits PAD-only inner frames on the schedule a
// ConstantRate Pacer requires, so the wire timing profile holds steady
// even when the application has nothing to send. Cover packets are
// encrypted, framed, and sized identically to data packets (the caller
// seals and sends the frame this generates through the same path as any
// other inner frame), so they blend into steady packet flow,
// indistinguishable on the wire from real data.
type CoverGenerator struct {
	pacer       *Pacer
	paddingCfg  Config
	paddingSeed []byte
	send        func(*wireframe.InnerFrame) error
}

// NewCoverGenerator creates a generator that calls send with a freshly
// built PAD frame each time the pacer's interval elapses without a signal
// on the activity channel passed to Run.
func NewCoverGenerator(pacer *Pacer, paddingCfg Config, paddingSeed []byte, send func(*wireframe.InnerFrame) error) *CoverGenerator {
	return &CoverGenerator{pacer: pacer, paddingCfg: paddingCfg, paddingSeed: paddingSeed, send: send}
}

// Run drives the cover-traffic loop until ctx is canceled. activity
// should be written to by the caller's send path every time a real data
// packet goes out; Run resets its own timer on activity so cover packets
// only fill genuine gaps instead of racing every real send.
func (g *CoverGenerator) Run(ctx context.Context, activity <-chan struct{}) error {
	if !g.pacer.NeedsCoverTraffic() || g.pacer.cfg.Interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	timer := time.NewTimer(g.pacer.cfg.Interval)
	defer timer.Stop()

	var tick uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-activity:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(g.pacer.cfg.Interval)

		case <-timer.C:
			seed := sequenceSeed(g.paddingSeed, tick)
			size := SampleSize(g.paddingCfg, seed, tick)
			frame := wireframe.NewPadFrame(tick, size)
			tick++
			if err := g.send(frame); err != nil {
				return err
			}
			timer.Reset(g.pacer.cfg.Interval)
		}
	}
}

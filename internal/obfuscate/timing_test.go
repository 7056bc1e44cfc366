package obfuscate

import (
	"testing"
	"time"
)

func testSeed(b byte) []byte {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = b
	}
	return seed
}

func TestPacerConstantRateReturnsFixedInterval(t *testing.T) {
	cfg := TimingConfig{Mode: TimingConstantRate, Interval: 50 * time.Millisecond}
	p := NewPacer(cfg, testSeed(0x01))

	for seq := uint64(0); seq < 5; seq++ {
		if d := p.NextDelay(seq); d != cfg.Interval {
			t.Errorf("NextDelay(%d) = %v, want %v", seq, d, cfg.Interval)
		}
	}
	if !p.NeedsCoverTraffic() {
		t.Error("NeedsCoverTraffic() should be true for ConstantRate")
	}
}

func TestPacerJitteredBoundedByMaxJitter(t *testing.T) {
	cfg := TimingConfig{Mode: TimingJittered, MaxJitter: 20 * time.Millisecond}
	p := NewPacer(cfg, testSeed(0x02))

	for seq := uint64(0); seq < 30; seq++ {
		d := p.NextDelay(seq)
		if d < 0 || d > cfg.MaxJitter {
			t.Errorf("NextDelay(%d) = %v, want within [0, %v]", seq, d, cfg.MaxJitter)
		}
	}
	if p.NeedsCoverTraffic() {
		t.Error("NeedsCoverTraffic() should be false for Jittered")
	}
}

func TestPacerJitteredZeroWhenNoBound(t *testing.T) {
	cfg := TimingConfig{Mode: TimingJittered, MaxJitter: 0}
	p := NewPacer(cfg, testSeed(0x03))
	if d := p.NextDelay(1); d != 0 {
		t.Errorf("NextDelay() = %v, want 0 when MaxJitter is 0", d)
	}
}

func TestPacerBurstShapedOnlyDelaysAtBurstBoundary(t *testing.T) {
	cfg := TimingConfig{Mode: TimingBurstShaped, Interval: 100 * time.Millisecond, BurstSize: 3}
	p := NewPacer(cfg, testSeed(0x04))

	var delays []time.Duration
	for i := 0; i < 6; i++ {
		delays = append(delays, p.NextDelay(uint64(i)))
	}
	for i, d := range delays {
		want := time.Duration(0)
		if (i+1)%3 == 0 {
			want = cfg.Interval
		}
		if d != want {
			t.Errorf("delays[%d] = %v, want %v", i, d, want)
		}
	}
	if p.NeedsCoverTraffic() {
		t.Error("NeedsCoverTraffic() should be false for BurstShaped")
	}
}

func TestPacerBurstShapedZeroBurstSizeNeverDelays(t *testing.T) {
	cfg := TimingConfig{Mode: TimingBurstShaped, Interval: 100 * time.Millisecond, BurstSize: 0}
	p := NewPacer(cfg, testSeed(0x05))
	for i := 0; i < 5; i++ {
		if d := p.NextDelay(uint64(i)); d != 0 {
			t.Errorf("NextDelay(%d) = %v, want 0 when BurstSize is 0", i, d)
		}
	}
}

func TestSequenceSeedDiffersByTick(t *testing.T) {
	seed := testSeed(0x06)
	a := sequenceSeed(seed, 0)
	b := sequenceSeed(seed, 1)
	if string(a) == string(b) {
		t.Error("sequenceSeed() should differ across ticks")
	}
}

func TestDefaultTimingConfigIsJittered(t *testing.T) {
	cfg := DefaultTimingConfig()
	if cfg.Mode != TimingJittered {
		t.Errorf("DefaultTimingConfig().Mode = %v, want Jittered", cfg.Mode)
	}
	if cfg.MaxJitter <= 0 {
		t.Error("DefaultTimingConfig().MaxJitter should be positive")
	}
}

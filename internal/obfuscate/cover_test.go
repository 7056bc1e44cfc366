package obfuscate

import (
	"context"
	"testing"
	"time"

	"github.com/wraith-project/wraith/internal/wireframe"
)

func TestCoverGeneratorEmitsPadFramesOnSchedule(t *testing.T) {
	pacer := NewPacer(TimingConfig{Mode: TimingConstantRate, Interval: 10 * time.Millisecond}, testSeed(0x07))
	cfg := DefaultConfig(1452)

	frames := make(chan *wireframe.InnerFrame, 8)
	gen := NewCoverGenerator(pacer, cfg, testSeed(0x08), func(f *wireframe.InnerFrame) error {
		frames <- f
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	activity := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- gen.Run(ctx, activity) }()

	count := 0
	for {
		select {
		case f := <-frames:
			if f.Type != wireframe.Pad {
				t.Errorf("frame type = %v, want Pad", f.Type)
			}
			count++
		case <-done:
			if count < 2 {
				t.Errorf("expected at least 2 cover frames over 55ms at 10ms interval, got %d", count)
			}
			return
		}
	}
}

func TestCoverGeneratorSkipsWhenNotConstantRate(t *testing.T) {
	pacer := NewPacer(TimingConfig{Mode: TimingJittered, MaxJitter: 10 * time.Millisecond}, testSeed(0x09))
	cfg := DefaultConfig(1452)

	gen := NewCoverGenerator(pacer, cfg, testSeed(0x0A), func(*wireframe.InnerFrame) error {
		t.Fatal("send should never be called when pacer does not need cover traffic")
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := gen.Run(ctx, make(chan struct{})); err != context.DeadlineExceeded {
		t.Errorf("Run() error = %v, want DeadlineExceeded", err)
	}
}

func TestCoverGeneratorActivityResetsTimer(t *testing.T) {
	pacer := NewPacer(TimingConfig{Mode: TimingConstantRate, Interval: 20 * time.Millisecond}, testSeed(0x0B))
	cfg := DefaultConfig(1452)

	frames := make(chan *wireframe.InnerFrame, 8)
	gen := NewCoverGenerator(pacer, cfg, testSeed(0x0C), func(f *wireframe.InnerFrame) error {
		frames <- f
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()

	activity := make(chan struct{}, 4)
	activity <- struct{}{}
	activity <- struct{}{}

	if err := gen.Run(ctx, activity); err != context.DeadlineExceeded {
		t.Errorf("Run() error = %v, want DeadlineExceeded", err)
	}
	select {
	case <-frames:
		t.Error("no cover frame should have been emitted before the interval elapsed")
	default:
	}
}

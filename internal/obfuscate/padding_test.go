package obfuscate

import "testing"

func TestCDFInvertMonotonic(t *testing.T) {
	cdf := DefaultHTTPSEmpiricalCDF
	prev := -1.0
	for _, p := range cdf.Cumulative {
		if p < prev {
			t.Fatalf("DefaultHTTPSEmpiricalCDF.Cumulative not non-decreasing: %v", cdf.Cumulative)
		}
		prev = p
	}
	if cdf.Cumulative[len(cdf.Cumulative)-1] != 1.0 {
		t.Errorf("DefaultHTTPSEmpiricalCDF.Cumulative should end at 1.0, got %v", cdf.Cumulative[len(cdf.Cumulative)-1])
	}

	if got := cdf.Invert(0); got != cdf.Sizes[0] {
		t.Errorf("Invert(0) = %d, want %d", got, cdf.Sizes[0])
	}
	if got := cdf.Invert(0.999999); got < cdf.Sizes[len(cdf.Sizes)-2] {
		t.Errorf("Invert(~1) = %d, want near %d", got, cdf.Sizes[len(cdf.Sizes)-1])
	}
}

func TestSampleSizeDeterministicForSameSeedAndSequence(t *testing.T) {
	cfg := DefaultConfig(1452)
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = 0x11
	}

	a := SampleSize(cfg, seed, 42)
	b := SampleSize(cfg, seed, 42)
	if a != b {
		t.Errorf("SampleSize() not deterministic: %d != %d", a, b)
	}
}

func TestSampleSizeVariesAcrossSequence(t *testing.T) {
	cfg := DefaultConfig(1452)
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = 0x22
	}

	sizes := make(map[int]bool)
	for seq := uint64(0); seq < 20; seq++ {
		sizes[SampleSize(cfg, seed, seq)] = true
	}
	if len(sizes) < 2 {
		t.Error("SampleSize() should vary across sequence numbers")
	}
}

func TestSampleSizeRespectsBounds(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = 0x33
	}

	for _, kind := range []DistributionKind{DistUniform, DistHttpsEmpirical, DistGaussian, DistCustom} {
		cfg := Config{
			Kind:  kind,
			Min:   100,
			Max:   200,
			Mu:    150,
			Sigma: 500, // deliberately wide, to exercise clamping
			CDF:   DefaultHTTPSEmpiricalCDF,
		}
		for seq := uint64(0); seq < 10; seq++ {
			size := SampleSize(cfg, seed, seq)
			if size < cfg.Min || size > cfg.Max {
				t.Errorf("SampleSize(%v, seq=%d) = %d, want within [%d,%d]", kind, seq, size, cfg.Min, cfg.Max)
			}
		}
	}
}

func TestSampleSizeDistNoneReturnsZero(t *testing.T) {
	cfg := Config{Kind: DistNone}
	if got := SampleSize(cfg, []byte{0x01}, 1); got != 0 {
		t.Errorf("SampleSize(DistNone) = %d, want 0", got)
	}
}

func TestUniformFromSeedInRange(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = 0x44
	}
	for seq := uint64(0); seq < 50; seq++ {
		u := uniformFromSeed(seed, seq, "test-info")
		if u < 0 || u >= 1 {
			t.Errorf("uniformFromSeed(seq=%d) = %f, want within [0,1)", seq, u)
		}
	}
}

func TestUniformFromSeedDiffersByInfo(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = 0x55
	}
	a := uniformFromSeed(seed, 0, "info-a")
	b := uniformFromSeed(seed, 0, "info-b")
	if a == b {
		t.Error("uniformFromSeed() should differ when info differs")
	}
}

package analysis

import (
	"math"
	"testing"
)

// rampSample builds 0.1s of silence, a 0.05s linear ramp to full scale,
// then a 0.05s hold, at the given rate.
func rampSample(rate int) []float32 {
	silence := rate / 10
	ramp := rate / 20
	hold := rate / 20

	out := make([]float32, silence+ramp+hold)
	for i := 0; i < ramp; i++ {
		out[silence+i] = float32(i) / float32(ramp)
	}
	for i := 0; i < hold; i++ {
		out[silence+ramp+i] = 1.0
	}
	return out
}

func TestAnalyzeEnvelope_OnsetAfterSilence(t *testing.T) {
	got, err := AnalyzeEnvelope(rampSample(8000), 8000, 10)
	if err != nil {
		t.Fatal(err)
	}

	// the sound starts 0.1s in; the first window at 5% of peak sits there
	if got.Onset < 0.08 || got.Onset > 0.13 {
		t.Fatalf("expected onset near 0.1s, got %f", got.Onset)
	}
}

func TestAnalyzeEnvelope_OrderingAndOverlap(t *testing.T) {
	got, err := AnalyzeEnvelope(rampSample(8000), 8000, 10)
	if err != nil {
		t.Fatal(err)
	}

	if got.Onset > got.PreUtterance {
		t.Fatalf("expected onset <= preUtterance, got %f > %f", got.Onset, got.PreUtterance)
	}
	if got.Overlap != got.PreUtterance/2 {
		t.Fatalf("expected overlap exactly preUtterance/2, got %f vs %f", got.Overlap, got.PreUtterance)
	}
	// the steepest rise lives inside the ramp region
	if got.PreUtterance < 0.08 || got.PreUtterance > 0.16 {
		t.Fatalf("expected preUtterance inside the ramp, got %f", got.PreUtterance)
	}
}

func TestAnalyzeEnvelope_SilentSampleFails(t *testing.T) {
	if _, err := AnalyzeEnvelope(make([]float32, 8000), 8000, 10); err == nil {
		t.Fatal("expected error for all-silent sample")
	}
}

func TestAnalyzeEnvelope_EmptySampleFails(t *testing.T) {
	if _, err := AnalyzeEnvelope(nil, 8000, 10); err == nil {
		t.Fatal("expected error for empty sample")
	}
}

func TestAnalyzeEnvelope_ImmediateSoundHasZeroOnset(t *testing.T) {
	rate := 8000
	samples := make([]float32, rate/4)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * 220 * float64(i) / float64(rate)))
	}

	got, err := AnalyzeEnvelope(samples, rate, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got.Onset != 0 {
		t.Fatalf("expected onset 0 for sound from the first sample, got %f", got.Onset)
	}
}

func TestWindowRMS_ShortTailMergesIntoLastWindow(t *testing.T) {
	// 25 samples at window size 10: two windows, the last covering 15
	samples := make([]float32, 25)
	for i := range samples {
		samples[i] = 1.0
	}
	rms := windowRMS(samples, 10)
	if len(rms) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(rms))
	}
	for i, v := range rms {
		if math.Abs(v-1.0) > 1e-9 {
			t.Errorf("window %d: expected RMS 1.0, got %f", i, v)
		}
	}
}

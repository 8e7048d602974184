package engine

import (
	"math"
	"testing"
)

func TestSineBackend_Lifecycle(t *testing.T) {
	s := NewSineBackend(1.0)

	if _, err := s.RenderFull(testRequest("a")); err == nil {
		t.Fatal("render before init should fail")
	}
	if err := s.Init("aria", "/voices/aria"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := s.Init("other", "/voices/other"); err == nil {
		t.Fatal("double init without terminate should fail")
	}
	s.Terminate()
	if err := s.Init("other", "/voices/other"); err != nil {
		t.Fatalf("Init after Terminate failed: %v", err)
	}
}

func TestSineBackend_BufferSpansNotesPlusTail(t *testing.T) {
	s := NewSineBackend(1.0)
	if err := s.Init("aria", ""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	req := &Request{
		Notes: []NoteRecord{
			{NoteNumber: 60, Start: 0, Duration: 0.5, Velocity: 100, Phonemes: []string{"a"}},
			{NoteNumber: 64, Start: 0.5, Duration: 0.5, Velocity: 100, Phonemes: []string{"i"}},
		},
		SampleRate: 44100,
	}
	buf, err := s.RenderFull(req)
	if err != nil {
		t.Fatalf("RenderFull failed: %v", err)
	}
	defer buf.Release()

	// Last note ends at 1.0s, plus a 1.0s tail.
	want := int(2.0 * 44100)
	if got := len(buf.Samples()); got != want {
		t.Errorf("buffer length: got %d, want %d", got, want)
	}
}

func TestSineBackend_VelocityScalesAmplitude(t *testing.T) {
	s := NewSineBackend(0.1)
	if err := s.Init("aria", ""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	render := func(velocity int) float64 {
		req := &Request{
			Notes:      []NoteRecord{{NoteNumber: 69, Start: 0, Duration: 0.2, Velocity: velocity, Phonemes: []string{"a"}}},
			SampleRate: 44100,
		}
		buf, err := s.RenderFull(req)
		if err != nil {
			t.Fatalf("RenderFull failed: %v", err)
		}
		defer buf.Release()

		var peak float64
		for _, v := range buf.Samples() {
			if a := math.Abs(float64(v)); a > peak {
				peak = a
			}
		}
		return peak
	}

	full := render(127)
	half := render(64)

	if math.Abs(full-0.5) > 0.01 {
		t.Errorf("full velocity peak: got %f, want ~0.5", full)
	}
	if half >= full {
		t.Errorf("half velocity (%f) should be quieter than full (%f)", half, full)
	}
	if zero := render(0); zero > 1e-6 {
		t.Errorf("zero velocity should be silent, peak %f", zero)
	}
}

func TestSineBackend_PhonemeEdgesFade(t *testing.T) {
	s := NewSineBackend(0.1)
	if err := s.Init("aria", ""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	req := &Request{
		Notes:      []NoteRecord{{NoteNumber: 69, Start: 0, Duration: 0.5, Velocity: 127, Phonemes: []string{"a"}}},
		SampleRate: 44100,
	}
	buf, err := s.RenderFull(req)
	if err != nil {
		t.Fatalf("RenderFull failed: %v", err)
	}
	defer buf.Release()

	samples := buf.Samples()
	if samples[0] != 0 {
		t.Errorf("first sample should be faded to zero, got %f", samples[0])
	}
	// Probe inside the first 5ms ramp: amplitude is attenuated there.
	ramp := int(0.005 * 44100)
	var rampPeak float64
	for _, v := range samples[:ramp] {
		if a := math.Abs(float64(v)); a > rampPeak {
			rampPeak = a
		}
	}
	if rampPeak >= 0.5 {
		t.Errorf("ramp region should stay below full amplitude, peak %f", rampPeak)
	}
}

func TestGoBuffer_ReleaseDropsSamples(t *testing.T) {
	g := &goBuffer{samples: make([]float32, 8)}
	if len(g.Samples()) != 8 {
		t.Fatalf("expected 8 samples before release")
	}
	g.Release()
	if g.Samples() != nil {
		t.Error("samples should be unreachable after release")
	}
	// A second release stays harmless.
	g.Release()
}

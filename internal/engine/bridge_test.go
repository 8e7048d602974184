package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stubBackend is an instrumented in-memory backend. It records the order
// of init/terminate calls, counts buffer releases, and can be told to fail
// or stall on demand.
type stubBackend struct {
	mu     sync.Mutex
	events []string

	samplesPerCall int
	renderDelay    time.Duration
	failInit       bool
	failRender     bool

	renderCalls atomic.Int32
	releases    atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	lastPhonemes []string
}

func newStubBackend(samples int) *stubBackend {
	return &stubBackend{samplesPerCall: samples}
}

func (s *stubBackend) event(e string) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *stubBackend) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *stubBackend) Init(voiceName, voicePath string) error {
	s.event("init:" + voiceName)
	if s.failInit {
		return &BackendInitError{Voice: voiceName, Status: -1}
	}
	return nil
}

func (s *stubBackend) Terminate() {
	s.event("terminate")
}

func (s *stubBackend) RenderFull(req *Request) (NativeBuffer, error) {
	if cur := s.inFlight.Add(1); cur > s.maxInFlight.Load() {
		s.maxInFlight.Store(cur)
	}
	defer s.inFlight.Add(-1)

	s.renderCalls.Add(1)
	if s.renderDelay > 0 {
		time.Sleep(s.renderDelay)
	}

	// The request must still hold its phoneme name buffers while the
	// call is in flight.
	s.mu.Lock()
	s.lastPhonemes = nil
	for _, b := range req.NameBuffers() {
		if len(b) == 0 || b[len(b)-1] != 0 {
			s.mu.Unlock()
			return nil, &BackendCallError{Reason: "phoneme name buffer not NUL-terminated"}
		}
		s.lastPhonemes = append(s.lastPhonemes, string(b[:len(b)-1]))
	}
	s.mu.Unlock()

	if s.failRender {
		return nil, &BackendCallError{Reason: "injected failure"}
	}

	samples := make([]float32, s.samplesPerCall)
	for i := range samples {
		samples[i] = float32(i%100) / 100
	}
	return &stubBuffer{samples: samples, releases: &s.releases}, nil
}

type stubBuffer struct {
	samples  []float32
	releases *atomic.Int32
}

func (b *stubBuffer) Samples() []float32 { return b.samples }
func (b *stubBuffer) Release()           { b.releases.Add(1); b.samples = nil }

func testRequest(phonemes ...string) *Request {
	req := &Request{
		Notes: []NoteRecord{{
			NoteNumber: 60,
			Start:      0,
			Duration:   0.5,
			Velocity:   100,
			Phonemes:   phonemes,
		}},
		SampleRate: 44100,
	}
	for _, ph := range phonemes {
		req.names = append(req.names, nulTerminated(ph))
	}
	return req
}

func loadTestVoice(t *testing.T, b *Bridge) {
	t.Helper()
	if err := b.LoadVoice(context.Background(), "test", "/tmp/voice"); err != nil {
		t.Fatalf("LoadVoice failed: %v", err)
	}
}

func TestBridge_RenderReleasesBufferExactlyOnce(t *testing.T) {
	stub := newStubBackend(1024)
	b := New(stub)
	defer b.Close()
	loadTestVoice(t, b)

	buf, err := b.Render(context.Background(), testRequest("a"))
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got := stub.releases.Load(); got != 1 {
		t.Errorf("native buffer releases: got %d, want exactly 1", got)
	}
	if len(buf.Samples) != 1024 {
		t.Errorf("sample count: got %d, want 1024", len(buf.Samples))
	}

	// Repeat renders keep the one-release-per-call invariant.
	for i := 0; i < 3; i++ {
		if _, err := b.Render(context.Background(), testRequest("a")); err != nil {
			t.Fatalf("Render %d failed: %v", i, err)
		}
	}
	if got, calls := stub.releases.Load(), stub.renderCalls.Load(); got != calls {
		t.Errorf("releases (%d) should equal render calls (%d)", got, calls)
	}
}

func TestBridge_RenderReturnsIndependentCopy(t *testing.T) {
	stub := newStubBackend(16)
	b := New(stub)
	defer b.Close()
	loadTestVoice(t, b)

	buf, err := b.Render(context.Background(), testRequest("a"))
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	// The stub nils its slice on release; a caller holding a view into
	// native memory would observe that.
	if buf.Samples == nil {
		t.Fatal("returned samples must survive the native release")
	}
	if buf.Samples[1] != 0.01 {
		t.Errorf("sample content: got %f, want 0.01", buf.Samples[1])
	}
}

func TestBridge_FailedRenderReleasesNothing(t *testing.T) {
	stub := newStubBackend(64)
	stub.failRender = true
	b := New(stub)
	defer b.Close()
	loadTestVoice(t, b)

	_, err := b.Render(context.Background(), testRequest("a"))
	var callErr *BackendCallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected BackendCallError, got %v", err)
	}
	if got := stub.releases.Load(); got != 0 {
		t.Errorf("failed call produced no buffer, releases should be 0, got %d", got)
	}
}

func TestBridge_RenderRealtimeIdempotentSampleCount(t *testing.T) {
	stub := newStubBackend(10000)
	b := New(stub)
	defer b.Close()
	loadTestVoice(t, b)

	var counts []int
	for i := 0; i < 3; i++ {
		buf, err := b.RenderRealtime(context.Background(), testRequest("a"), 4096)
		if err != nil {
			t.Fatalf("RenderRealtime %d failed: %v", i, err)
		}
		counts = append(counts, len(buf.Samples))
	}
	for i, c := range counts {
		if c != 4096 {
			t.Errorf("call %d: got %d samples, want 4096 (frame budget)", i, c)
		}
	}
	if got := stub.releases.Load(); got != 3 {
		t.Errorf("releases: got %d, want 3", got)
	}
}

func TestBridge_RenderRealtimeZeroBudgetKeepsAll(t *testing.T) {
	stub := newStubBackend(500)
	b := New(stub)
	defer b.Close()
	loadTestVoice(t, b)

	buf, err := b.RenderRealtime(context.Background(), testRequest("a"), 0)
	if err != nil {
		t.Fatalf("RenderRealtime failed: %v", err)
	}
	if len(buf.Samples) != 500 {
		t.Errorf("zero budget should keep all samples: got %d, want 500", len(buf.Samples))
	}
}

func TestBridge_SerializesNativeCalls(t *testing.T) {
	stub := newStubBackend(16)
	stub.renderDelay = 10 * time.Millisecond
	b := New(stub)
	defer b.Close()
	loadTestVoice(t, b)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Render(context.Background(), testRequest("a")); err != nil {
				t.Errorf("concurrent Render failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := stub.maxInFlight.Load(); got != 1 {
		t.Errorf("at most one native call may be in flight, observed %d", got)
	}
	if got := stub.renderCalls.Load(); got != 5 {
		t.Errorf("render calls: got %d, want 5", got)
	}
}

func TestBridge_VoiceSwitchUnloadsPreviousFirst(t *testing.T) {
	stub := newStubBackend(16)
	b := New(stub)
	loadTestVoice(t, b)

	if err := b.LoadVoice(context.Background(), "second", "/tmp/second"); err != nil {
		t.Fatalf("voice switch failed: %v", err)
	}
	b.Close()

	want := []string{"init:test", "terminate", "init:second", "terminate"}
	got := stub.Events()
	if len(got) != len(want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestBridge_InitFailureIsFatalForVoiceOnly(t *testing.T) {
	stub := newStubBackend(16)
	stub.failInit = true
	b := New(stub)
	defer b.Close()

	err := b.LoadVoice(context.Background(), "broken", "/tmp/broken")
	var initErr *BackendInitError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected BackendInitError, got %v", err)
	}
	if initErr.Voice != "broken" {
		t.Errorf("error voice: got %q, want %q", initErr.Voice, "broken")
	}

	// No voice is loaded, so rendering reports that instead of crashing.
	if _, err := b.Render(context.Background(), testRequest("a")); !errors.Is(err, ErrNoVoice) {
		t.Fatalf("expected ErrNoVoice, got %v", err)
	}

	// The bridge itself stays usable for the next voice.
	stub.failInit = false
	if err := b.LoadVoice(context.Background(), "good", "/tmp/good"); err != nil {
		t.Fatalf("loading a healthy voice after a failure should work: %v", err)
	}
	if _, err := b.Render(context.Background(), testRequest("a")); err != nil {
		t.Fatalf("Render after recovery failed: %v", err)
	}
}

func TestBridge_RenderWithoutVoice(t *testing.T) {
	b := New(newStubBackend(16))
	defer b.Close()

	if _, err := b.Render(context.Background(), testRequest("a")); !errors.Is(err, ErrNoVoice) {
		t.Fatalf("expected ErrNoVoice, got %v", err)
	}
}

func TestBridge_ContextCancelBeforeDispatch(t *testing.T) {
	stub := newStubBackend(16)
	stub.renderDelay = 50 * time.Millisecond
	b := New(stub)
	defer b.Close()
	loadTestVoice(t, b)

	// Occupy the worker so the next submit cannot dispatch immediately.
	go b.Render(context.Background(), testRequest("a"))
	deadline := time.Now().Add(time.Second)
	for stub.renderCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Render(ctx, testRequest("a")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled before dispatch, got %v", err)
	}
}

func TestBridge_CloseIsIdempotentAndTerminates(t *testing.T) {
	stub := newStubBackend(16)
	b := New(stub)
	loadTestVoice(t, b)

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	events := stub.Events()
	if events[len(events)-1] != "terminate" {
		t.Errorf("closing must terminate the loaded voice, events: %v", events)
	}

	if _, err := b.Render(context.Background(), testRequest("a")); !errors.Is(err, ErrBridgeClosed) {
		t.Fatalf("expected ErrBridgeClosed after Close, got %v", err)
	}
}

func TestBridge_SplitNotePhonemeOrderReachesBackend(t *testing.T) {
	stub := newStubBackend(256)
	b := New(stub)
	defer b.Close()
	loadTestVoice(t, b)

	phonemes := []string{"k", "o", "n", "n", "i", "ch", "i", "w", "a", "a"}
	req := testRequest(phonemes...)
	if _, err := b.Render(context.Background(), req); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	stub.mu.Lock()
	got := append([]string(nil), stub.lastPhonemes...)
	stub.mu.Unlock()
	if len(got) != len(phonemes) {
		t.Fatalf("phoneme count at backend: got %d, want %d", len(got), len(phonemes))
	}
	for i := range phonemes {
		if got[i] != phonemes[i] {
			t.Errorf("phoneme %d: got %q, want %q", i, got[i], phonemes[i])
		}
	}
}

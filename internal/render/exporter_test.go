package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sekoia29/vose/internal/audio"
	"github.com/sekoia29/vose/internal/engine"
	"github.com/sekoia29/vose/internal/score"
	"github.com/sekoia29/vose/internal/store"
)

// fakeBackend renders flat buffers spanning the request timeline and can
// fail a chosen note index.
type fakeBackend struct {
	rate      int
	tail      float64
	failIndex int
	delay     time.Duration
	renders   atomic.Int32
}

func newFakeBackend(rate int, tail float64) *fakeBackend {
	return &fakeBackend{rate: rate, tail: tail, failIndex: -1}
}

func (f *fakeBackend) Init(name, path string) error { return nil }

func (f *fakeBackend) Terminate() {}

func (f *fakeBackend) RenderFull(req *engine.Request) (engine.NativeBuffer, error) {
	f.renders.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	var lastEnd float64
	for _, rec := range req.Notes {
		if rec.NoteIndex == f.failIndex {
			return nil, &engine.BackendCallError{Reason: "injected failure"}
		}
		if end := rec.Start + rec.Duration; end > lastEnd {
			lastEnd = end
		}
	}
	total := int((lastEnd + f.tail) * float64(f.rate))
	if total < 1 {
		total = 1
	}
	samples := make([]float32, total)
	for i := range samples {
		samples[i] = 0.1
	}
	return &fakeBuffer{samples: samples}, nil
}

type fakeBuffer struct{ samples []float32 }

func (b *fakeBuffer) Samples() []float32 { return b.samples }
func (b *fakeBuffer) Release()           { b.samples = nil }

func newTestBridge(t *testing.T, backend engine.Backend) *engine.Bridge {
	t.Helper()
	b := engine.New(backend)
	t.Cleanup(func() { b.Close() })
	if err := b.LoadVoice(context.Background(), "test", "/tmp/voice"); err != nil {
		t.Fatalf("LoadVoice failed: %v", err)
	}
	return b
}

func exportNotes(n int) []score.Note {
	notes := make([]score.Note, n)
	for i := range notes {
		notes[i] = score.Note{
			NoteNumber: 60 + i,
			StartTime:  float64(i) * 0.2,
			Duration:   0.15,
			Lyric:      fmt.Sprintf("n%d", i),
			Phonemes:   []string{"a"},
			Velocity:   100,
		}
	}
	return notes
}

func noTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestExporter_SuccessWritesWav(t *testing.T) {
	bridge := newTestBridge(t, newFakeBackend(8000, 0.05))
	e := NewExporter(bridge, 8000, nil)

	dir := t.TempDir()
	out := filepath.Join(dir, "song.wav")

	var percents []int
	var labels []string
	err := e.Export(context.Background(), exportNotes(3), out, func(percent int, label string) {
		percents = append(percents, percent)
		labels = append(labels, label)
	})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if e.State() != StateCompleted {
		t.Fatalf("expected Completed, got %s", e.State())
	}

	samples, rate, err := audio.ReadWavMono(out)
	if err != nil {
		t.Fatalf("output not readable: %v", err)
	}
	if rate != 8000 {
		t.Fatalf("expected 8000 Hz output, got %d", rate)
	}
	if len(samples) == 0 {
		t.Fatal("expected non-empty output")
	}

	if len(percents) != 3 || percents[2] != 100 {
		t.Fatalf("expected progress ending at 100, got %v", percents)
	}
	if labels[0] != "n0" || labels[2] != "n2" {
		t.Fatalf("expected note lyrics as labels, got %v", labels)
	}
	noTempFiles(t, dir)
}

func TestExporter_MixesNotesAdditively(t *testing.T) {
	// every per-note buffer is flat 0.1 from t=0, so two notes sum to 0.2
	// at the start of the master mix
	bridge := newTestBridge(t, newFakeBackend(8000, 0.05))
	e := NewExporter(bridge, 8000, nil)

	out := filepath.Join(t.TempDir(), "mix.wav")
	if err := e.Export(context.Background(), exportNotes(2), out, nil); err != nil {
		t.Fatal(err)
	}

	samples, _, err := audio.ReadWavMono(out)
	if err != nil {
		t.Fatal(err)
	}
	if diff := float64(samples[0]) - 0.2; diff > 1e-3 || diff < -1e-3 {
		t.Fatalf("expected first sample ≈ 0.2, got %f", samples[0])
	}
}

func TestExporter_FailingNoteAbortsAndLeavesNoFile(t *testing.T) {
	backend := newFakeBackend(8000, 0.05)
	backend.failIndex = 2
	bridge := newTestBridge(t, backend)
	e := NewExporter(bridge, 8000, nil)

	dir := t.TempDir()
	out := filepath.Join(dir, "song.wav")

	err := e.Export(context.Background(), exportNotes(3), out, nil)
	if err == nil {
		t.Fatal("expected export error, got nil")
	}
	if !strings.Contains(err.Error(), "音符 2") {
		t.Fatalf("expected error to name note 2, got %v", err)
	}
	var callErr *engine.BackendCallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected BackendCallError in chain, got %v", err)
	}
	if e.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", e.State())
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatal("partial output file must not exist after failure")
	}
	noTempFiles(t, dir)
}

func TestExporter_CancelBetweenNotes(t *testing.T) {
	backend := newFakeBackend(8000, 0.05)
	backend.delay = 20 * time.Millisecond
	bridge := newTestBridge(t, backend)
	e := NewExporter(bridge, 8000, nil)

	dir := t.TempDir()
	out := filepath.Join(dir, "song.wav")

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Export(context.Background(), exportNotes(5), out, func(percent int, label string) {
			if percent >= 20 {
				e.Cancel()
			}
		})
	}()

	err := <-errCh
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if e.State() != StateCancelled {
		t.Fatalf("expected Cancelled, got %s", e.State())
	}
	if got := backend.renders.Load(); got >= 5 {
		t.Fatalf("expected cancellation to skip remaining notes, rendered %d", got)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatal("cancelled export must not leave an output file")
	}
	noTempFiles(t, dir)
}

func TestExporter_EmptySnapshotFails(t *testing.T) {
	bridge := newTestBridge(t, newFakeBackend(8000, 0.05))
	e := NewExporter(bridge, 8000, nil)

	out := filepath.Join(t.TempDir(), "song.wav")
	err := e.Export(context.Background(), nil, out, nil)
	if err == nil {
		t.Fatal("expected error for empty snapshot, got nil")
	}
	if e.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", e.State())
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatal("no output file expected")
	}
}

func TestExporter_RecordsHistoryAcrossJobs(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "vose.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(); err != nil {
		t.Fatal(err)
	}

	backend := newFakeBackend(8000, 0.05)
	bridge := newTestBridge(t, backend)
	e := NewExporter(bridge, 8000, st)

	dir := t.TempDir()
	okPath := filepath.Join(dir, "ok.wav")
	if err := e.Export(context.Background(), exportNotes(3), okPath, nil); err != nil {
		t.Fatalf("first export failed: %v", err)
	}

	backend.failIndex = 1
	if err := e.Export(context.Background(), exportNotes(3), filepath.Join(dir, "bad.wav"), nil); err == nil {
		t.Fatal("expected second export to fail")
	}

	recent, err := st.RecentRenders(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(recent))
	}
	if recent[0].Status != store.StatusFailed || !strings.Contains(recent[0].Detail, "音符 1") {
		t.Fatalf("expected newest row failed naming note 1, got %+v", recent[0])
	}
	if recent[1].Status != store.StatusCompleted || recent[1].OutputPath != okPath {
		t.Fatalf("expected completed row for %s, got %+v", okPath, recent[1])
	}
	if recent[1].NoteCount != 3 {
		t.Fatalf("expected note count 3, got %d", recent[1].NoteCount)
	}
}

func TestExporter_RejectsConcurrentJobs(t *testing.T) {
	backend := newFakeBackend(8000, 0.05)
	backend.delay = 30 * time.Millisecond
	bridge := newTestBridge(t, backend)
	e := NewExporter(bridge, 8000, nil)

	dir := t.TempDir()
	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Export(context.Background(), exportNotes(3), filepath.Join(dir, "a.wav"), func(int, string) {
			select {
			case started <- struct{}{}:
			default:
			}
		})
	}()

	<-started
	if err := e.Export(context.Background(), exportNotes(1), filepath.Join(dir, "b.wav"), nil); err == nil {
		t.Fatal("expected concurrent export to be rejected")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("first export should still succeed, got %v", err)
	}
}

func TestExporter_ContextCancelStopsJob(t *testing.T) {
	backend := newFakeBackend(8000, 0.05)
	backend.delay = 20 * time.Millisecond
	bridge := newTestBridge(t, backend)
	e := NewExporter(bridge, 8000, nil)

	ctx, cancel := context.WithCancel(context.Background())
	dir := t.TempDir()
	out := filepath.Join(dir, "song.wav")

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Export(ctx, exportNotes(5), out, func(percent int, label string) {
			if percent >= 20 {
				cancel()
			}
		})
	}()

	if err := <-errCh; !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled via context, got %v", err)
	}
	noTempFiles(t, dir)
}

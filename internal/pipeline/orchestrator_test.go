package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lamim/voxsheet/internal/checkpoint"
	"github.com/lamim/voxsheet/internal/config"
	"github.com/lamim/voxsheet/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(batchSize, workers, ttsConcurrency int) *config.Config {
	return &config.Config{
		Job: config.JobConfig{
			AudioColumn: "B",
			BatchSize:   batchSize,
			Workers:     workers,
		},
		TTS: config.TTSConfig{
			Concurrency:   ttsConcurrency,
			MinAudioBytes: 4,
		},
	}
}

func testStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	return checkpoint.NewStore(filepath.Join(t.TempDir(), "checkpoint.json"), testLogger())
}

// fakeConverter records calls and tracks peak concurrency.
type fakeConverter struct {
	mu          sync.Mutex
	calls       []string
	inflight    atomic.Int32
	maxInflight atomic.Int32
	delay       time.Duration
	failFor     map[string]bool // text -> fail
	shortFor    map[string]bool // text -> return implausibly small blob
	onConvert   func(text string)
}

func (f *fakeConverter) Convert(_ context.Context, text string) ([]byte, error) {
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxInflight.Load()
		if cur <= m || f.maxInflight.CompareAndSwap(m, cur) {
			break
		}
	}

	if f.onConvert != nil {
		f.onConvert(text)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()

	if f.failFor[text] {
		return nil, errors.New("synthesis exploded")
	}
	if f.shortFor[text] {
		return []byte("x"), nil
	}
	return []byte("audio-" + text), nil
}

func (f *fakeConverter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeConverter) called(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == text {
			return true
		}
	}
	return false
}

// fakeArtifactStore uploads succeed unless the blob carries a poisoned text.
type fakeArtifactStore struct {
	mu       sync.Mutex
	calls    int
	failData string // fail when the blob contains this substring
}

func (f *fakeArtifactStore) Store(_ context.Context, data []byte, name string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.failData != "" && strings.Contains(string(data), f.failData) {
		return "", errors.New("drive rejected upload")
	}
	return "https://example.com/" + name, nil
}

func (f *fakeArtifactStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type cellWrite struct {
	addr  models.CellAddress
	value string
}

// fakeRowSink records grouped and per-cell writes.
type fakeRowSink struct {
	mu         sync.Mutex
	batchCalls []map[models.CellAddress]string
	cellCalls  []cellWrite
	failBatch  bool
	failCells  map[string]bool // addr string -> fail
	flushed    atomic.Bool
}

func (f *fakeRowSink) WriteCells(_ context.Context, updates map[models.CellAddress]string) error {
	f.mu.Lock()
	copied := make(map[models.CellAddress]string, len(updates))
	for k, v := range updates {
		copied[k] = v
	}
	f.batchCalls = append(f.batchCalls, copied)
	f.mu.Unlock()
	if f.failBatch {
		return errors.New("batch update rejected")
	}
	f.flushed.Store(true)
	return nil
}

func (f *fakeRowSink) WriteCell(_ context.Context, addr models.CellAddress, value string) error {
	f.mu.Lock()
	f.cellCalls = append(f.cellCalls, cellWrite{addr: addr, value: value})
	f.mu.Unlock()
	if f.failCells[addr.String()] {
		return errors.New("cell update rejected")
	}
	return nil
}

func (f *fakeRowSink) writtenCells() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for _, batch := range f.batchCalls {
		for addr, v := range batch {
			out[addr.String()] = v
		}
	}
	for _, cw := range f.cellCalls {
		out[cw.addr.String()] = cw.value
	}
	return out
}

func makeRows(n int) []models.WorkItem {
	rows := make([]models.WorkItem, n)
	for i := range rows {
		rows[i] = models.WorkItem{Index: i + 1, Text: fmt.Sprintf("row-%d", i+1)}
	}
	return rows
}

func TestRunScenario(t *testing.T) {
	// rows [{1,"Hello"}, {2,""}, {3,"World"}], batchSize=2, outer=2, inner=1:
	// window 1 checkpoints the empty row with no adapter calls and writes
	// one cell; window 2 processes row 3 alone.
	rows := []models.WorkItem{
		{Index: 1, Text: "Hello"},
		{Index: 2, Text: ""},
		{Index: 3, Text: "World"},
	}
	conv := &fakeConverter{}
	store := &fakeArtifactStore{}
	sink := &fakeRowSink{}
	cps := testStore(t)

	orch := New(testConfig(2, 2, 1), conv, store, sink, cps, testLogger())
	stats, err := orch.Run(context.Background(), rows)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stats.SuccessCount != 2 || stats.FailureCount != 0 || stats.SkippedCount != 1 {
		t.Errorf("stats = %d success, %d failed, %d skipped; want 2/0/1",
			stats.SuccessCount, stats.FailureCount, stats.SkippedCount)
	}
	if conv.callCount() != 2 {
		t.Errorf("expected 2 conversion calls, got %d", conv.callCount())
	}
	for _, idx := range []int{1, 2, 3} {
		if !cps.Contains(idx) {
			t.Errorf("expected row %d in checkpoint", idx)
		}
	}

	sink.mu.Lock()
	batches := len(sink.batchCalls)
	sink.mu.Unlock()
	if batches != 2 {
		t.Fatalf("expected 2 grouped writes, got %d", batches)
	}
	if _, ok := sink.batchCalls[0][models.CellAddress{Column: "B", Row: 1}]; !ok {
		t.Error("window 1 grouped write missing cell B1")
	}
	if len(sink.batchCalls[0]) != 1 {
		t.Errorf("window 1 grouped write has %d cells, want 1", len(sink.batchCalls[0]))
	}
	if _, ok := sink.batchCalls[1][models.CellAddress{Column: "B", Row: 3}]; !ok {
		t.Error("window 2 grouped write missing cell B3")
	}
}

func TestIdempotentSkip(t *testing.T) {
	cps := testStore(t)
	cps.Add(1)
	cps.Add(3)

	conv := &fakeConverter{}
	store := &fakeArtifactStore{}
	sink := &fakeRowSink{}

	orch := New(testConfig(10, 4, 2), conv, store, sink, cps, testLogger())
	stats, err := orch.Run(context.Background(), makeRows(3))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if conv.callCount() != 1 || !conv.called("row-2") {
		t.Errorf("expected exactly one conversion for row-2, got calls %v", conv.calls)
	}
	if store.callCount() != 1 {
		t.Errorf("expected 1 upload, got %d", store.callCount())
	}
	if stats.SkippedCount != 2 {
		t.Errorf("expected 2 skipped rows, got %d", stats.SkippedCount)
	}
}

func TestInnerGateLimit(t *testing.T) {
	conv := &fakeConverter{delay: 10 * time.Millisecond}
	store := &fakeArtifactStore{}
	sink := &fakeRowSink{}

	orch := New(testConfig(12, 8, 2), conv, store, sink, testStore(t), testLogger())
	if _, err := orch.Run(context.Background(), makeRows(12)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := conv.maxInflight.Load(); got > 2 {
		t.Errorf("conversion concurrency reached %d, limit is 2", got)
	}
}

func TestWindowOrdering(t *testing.T) {
	// No row of window 2 may start converting before window 1 was
	// flushed (flush implies every window-1 worker reported an outcome).
	sink := &fakeRowSink{}
	var violated atomic.Bool
	conv := &fakeConverter{delay: 5 * time.Millisecond}
	conv.onConvert = func(text string) {
		if (text == "row-3" || text == "row-4") && !sink.flushed.Load() {
			violated.Store(true)
		}
	}
	store := &fakeArtifactStore{}

	orch := New(testConfig(2, 4, 4), conv, store, sink, testStore(t), testLogger())
	if _, err := orch.Run(context.Background(), makeRows(4)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if violated.Load() {
		t.Error("a window 2 row started before window 1 finished")
	}
}

func TestUploadFailureNotCheckpointed(t *testing.T) {
	conv := &fakeConverter{}
	store := &fakeArtifactStore{failData: "row-2"}
	sink := &fakeRowSink{}
	cps := testStore(t)

	orch := New(testConfig(5, 3, 3), conv, store, sink, cps, testLogger())
	stats, err := orch.Run(context.Background(), makeRows(3))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if cps.Contains(2) {
		t.Error("failed row 2 must not be checkpointed")
	}
	if !cps.Contains(1) || !cps.Contains(3) {
		t.Error("successful rows 1 and 3 must be checkpointed")
	}
	if _, ok := sink.writtenCells()["B2"]; ok {
		t.Error("failed row 2 must not appear in any write")
	}
	if stats.FailureCount != 1 || stats.SuccessCount != 2 {
		t.Errorf("stats = %d success, %d failed; want 2/1", stats.SuccessCount, stats.FailureCount)
	}
}

func TestShortAudioIsConversionFailure(t *testing.T) {
	conv := &fakeConverter{shortFor: map[string]bool{"row-1": true}}
	store := &fakeArtifactStore{}
	sink := &fakeRowSink{}
	cps := testStore(t)

	orch := New(testConfig(5, 2, 2), conv, store, sink, cps, testLogger())
	stats, err := orch.Run(context.Background(), makeRows(1))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if store.callCount() != 0 {
		t.Error("truncated audio must not be uploaded")
	}
	if cps.Contains(1) {
		t.Error("truncated row must not be checkpointed")
	}
	if stats.FailureCount != 1 {
		t.Errorf("expected 1 failure, got %d", stats.FailureCount)
	}
}

func TestEmptyRowsNoAdapterCalls(t *testing.T) {
	rows := []models.WorkItem{
		{Index: 1, Text: ""},
		{Index: 2, Text: "   \t"},
	}
	conv := &fakeConverter{}
	store := &fakeArtifactStore{}
	sink := &fakeRowSink{}
	cps := testStore(t)

	orch := New(testConfig(2, 2, 2), conv, store, sink, cps, testLogger())
	stats, err := orch.Run(context.Background(), rows)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if conv.callCount() != 0 || store.callCount() != 0 {
		t.Error("empty rows must not touch any adapter")
	}
	if len(sink.batchCalls) != 0 {
		t.Error("empty window must not produce a grouped write")
	}
	if !cps.Contains(1) || !cps.Contains(2) {
		t.Error("empty rows must be checkpointed")
	}
	if stats.SkippedCount != 2 {
		t.Errorf("expected 2 skipped, got %d", stats.SkippedCount)
	}
}

func TestGroupedWriteFallback(t *testing.T) {
	// Grouped write fails as a whole; 10 individual writes are
	// attempted, 2 fail. The failing rows stay checkpointed: write
	// failure does not roll back checkpoint state.
	conv := &fakeConverter{}
	store := &fakeArtifactStore{}
	sink := &fakeRowSink{
		failBatch: true,
		failCells: map[string]bool{"B3": true, "B7": true},
	}
	cps := testStore(t)

	orch := New(testConfig(10, 4, 4), conv, store, sink, cps, testLogger())
	stats, err := orch.Run(context.Background(), makeRows(10))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	sink.mu.Lock()
	cellAttempts := len(sink.cellCalls)
	sink.mu.Unlock()
	if cellAttempts != 10 {
		t.Errorf("expected 10 per-cell fallback writes, got %d", cellAttempts)
	}
	for i := 1; i <= 10; i++ {
		if !cps.Contains(i) {
			t.Errorf("row %d must remain checkpointed despite write outcome", i)
		}
	}
	if stats.SuccessCount != 10 {
		t.Errorf("expected 10 successes, got %d", stats.SuccessCount)
	}
}

func TestInterruptStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	conv := &fakeConverter{delay: 5 * time.Millisecond}
	conv.onConvert = func(text string) {
		// Interrupt arrives while window 1 is in flight.
		cancel()
	}
	store := &fakeArtifactStore{}
	sink := &fakeRowSink{}
	cps := testStore(t)

	orch := New(testConfig(2, 2, 2), conv, store, sink, cps, testLogger())
	stats, err := orch.Run(ctx, makeRows(6))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// In-flight window drains, later windows never start.
	if conv.called("row-3") || conv.called("row-5") {
		t.Errorf("rows beyond window 1 must not be dispatched, calls: %v", conv.calls)
	}
	if stats.SuccessCount != 2 {
		t.Errorf("expected window 1 to complete with 2 successes, got %d", stats.SuccessCount)
	}
	if !cps.Contains(1) || !cps.Contains(2) {
		t.Error("window 1 rows must be checkpointed before termination")
	}
}

func TestResumeSkipsPersistedWork(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")

	// First run is interrupted after window 1.
	ctx, cancel := context.WithCancel(context.Background())
	conv := &fakeConverter{}
	conv.onConvert = func(string) { cancel() }
	cps := checkpoint.NewStore(path, testLogger())
	orch := New(testConfig(2, 2, 2), conv, &fakeArtifactStore{}, &fakeRowSink{}, cps, testLogger())
	if _, err := orch.Run(ctx, makeRows(4)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interrupt, got %v", err)
	}

	// Second run reloads from disk and only touches the remainder.
	conv2 := &fakeConverter{}
	cps2 := checkpoint.NewStore(path, testLogger())
	if n := cps2.Load(); n != 2 {
		t.Fatalf("expected 2 rows persisted, loaded %d", n)
	}
	orch2 := New(testConfig(2, 2, 2), conv2, &fakeArtifactStore{}, &fakeRowSink{}, cps2, testLogger())
	stats, err := orch2.Run(context.Background(), makeRows(4))
	if err != nil {
		t.Fatalf("resumed run failed: %v", err)
	}
	if conv2.called("row-1") || conv2.called("row-2") {
		t.Errorf("resumed run must not reprocess completed rows, calls: %v", conv2.calls)
	}
	if stats.SuccessCount != 2 || stats.SkippedCount != 2 {
		t.Errorf("stats = %d success, %d skipped; want 2/2", stats.SuccessCount, stats.SkippedCount)
	}
}

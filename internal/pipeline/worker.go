package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/voxsheet/internal/metrics"
	"github.com/lamim/voxsheet/pkg/models"
)

// Row-scoped failure classes. All are non-fatal: a single row's failure
// never aborts the window or the run.
var (
	ErrConversionFailed = errors.New("conversion failed")
	ErrArtifactUpload   = errors.New("artifact upload failed")
	ErrEmptyText        = errors.New("empty or missing text")
)

// rowOutcome is what a worker reports back to the window collector.
type rowOutcome struct {
	index int
	err   error
}

// batchResult accumulates cell updates from concurrent workers within
// one window. Flushed and discarded after the window's grouped write.
type batchResult struct {
	mu    sync.Mutex
	cells map[models.CellAddress]string
}

func newBatchResult() *batchResult {
	return &batchResult{cells: make(map[models.CellAddress]string)}
}

func (b *batchResult) set(addr models.CellAddress, link string) {
	b.mu.Lock()
	b.cells[addr] = link
	b.mu.Unlock()
}

func (b *batchResult) snapshot() map[models.CellAddress]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[models.CellAddress]string, len(b.cells))
	for addr, link := range b.cells {
		out[addr] = link
	}
	return out
}

// processRow runs one row end to end: convert, upload, checkpoint,
// record the cell update. Conversion happens under the inner gate, the
// whole row under the outer gate; a row may hold its outer slot while
// waiting for an inner one, which is intentional backpressure.
func (o *Orchestrator) processRow(ctx context.Context, item models.WorkItem, batch *batchResult) rowOutcome {
	// Idempotent skip: already known complete.
	if o.checkpoints.Contains(item.Index) {
		return rowOutcome{index: item.Index}
	}
	if strings.TrimSpace(item.Text) == "" {
		return rowOutcome{index: item.Index, err: ErrEmptyText}
	}

	waitStart := time.Now()
	if err := o.outer.Acquire(ctx); err != nil {
		return rowOutcome{index: item.Index, err: err}
	}
	metrics.ObserveGateWait("outer", time.Since(waitStart))
	defer o.outer.Release()

	audio, err := o.convert(ctx, item.Text)
	if err != nil {
		return rowOutcome{index: item.Index, err: err}
	}

	name := fmt.Sprintf("audio_%s.mp3", uuid.New().String())
	link, err := o.store.Store(ctx, audio, name)
	if err != nil {
		return rowOutcome{index: item.Index, err: fmt.Errorf("%w: %v", ErrArtifactUpload, err)}
	}
	if link == "" {
		return rowOutcome{index: item.Index, err: fmt.Errorf("%w: no reference returned", ErrArtifactUpload)}
	}

	// Durability before the link becomes visible: checkpoint first,
	// then stage the cell update for the window flush.
	if err := o.checkpoints.MarkComplete(item.Index); err != nil {
		o.logger.Warn("Failed to persist checkpoint", "row", item.Index, "error", err)
	}
	batch.set(models.CellAddress{Column: o.audioColumn, Row: item.Index}, link)

	o.logger.Debug("Processed row", "row", item.Index, "artifact", name)
	return rowOutcome{index: item.Index}
}

// convert invokes the conversion adapter under the inner gate. The gate
// is released as soon as the call returns; it bounds only the
// API-limited operation, not the rest of the row lifecycle.
func (o *Orchestrator) convert(ctx context.Context, text string) ([]byte, error) {
	waitStart := time.Now()
	if err := o.inner.Acquire(ctx); err != nil {
		return nil, err
	}
	metrics.ObserveGateWait("inner", time.Since(waitStart))

	audio, err := o.converter.Convert(ctx, text)
	o.inner.Release()

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	if len(audio) < o.minAudioBytes {
		return nil, fmt.Errorf("%w: audio implausibly small (%d bytes, need %d)",
			ErrConversionFailed, len(audio), o.minAudioBytes)
	}
	return audio, nil
}

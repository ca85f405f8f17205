// Package pipeline contains the checkpointed concurrent batch
// orchestrator: rows are partitioned into fixed-size windows, windows
// run strictly in order, rows within a window run concurrently under
// two nested gates, and each window ends with one grouped sheet write
// and a checkpoint save.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/lamim/voxsheet/internal/checkpoint"
	"github.com/lamim/voxsheet/internal/config"
	"github.com/lamim/voxsheet/internal/metrics"
	"github.com/lamim/voxsheet/pkg/models"
)

// Converter turns one text unit into one audio byte blob. Stateless and
// retryable; retry policy belongs to the implementation.
type Converter interface {
	Convert(ctx context.Context, text string) ([]byte, error)
}

// ArtifactStore stores an audio blob under the suggested name and
// returns a durable, shareable reference.
type ArtifactStore interface {
	Store(ctx context.Context, data []byte, name string) (string, error)
}

// RowSink accepts grouped or individual cell writes with the same
// semantics.
type RowSink interface {
	WriteCells(ctx context.Context, updates map[models.CellAddress]string) error
	WriteCell(ctx context.Context, addr models.CellAddress, value string) error
}

// Orchestrator drives the batch pipeline over a snapshot of rows.
type Orchestrator struct {
	converter     Converter
	store         ArtifactStore
	sink          RowSink
	checkpoints   *checkpoint.Store
	outer         *Gate // rows in flight across the run
	inner         *Gate // conversion calls in flight
	batchSize     int
	audioColumn   string
	minAudioBytes int
	logger        *slog.Logger
}

// New creates an orchestrator. The inner gate is clamped to the outer
// limit; config validation already enforces the same bound.
func New(
	cfg *config.Config,
	converter Converter,
	store ArtifactStore,
	sink RowSink,
	checkpoints *checkpoint.Store,
	logger *slog.Logger,
) *Orchestrator {
	innerLimit := cfg.TTS.Concurrency
	if innerLimit > cfg.Job.Workers {
		logger.Warn("Conversion concurrency exceeds worker count, clamping",
			"tts_concurrency", cfg.TTS.Concurrency, "workers", cfg.Job.Workers)
		innerLimit = cfg.Job.Workers
	}

	return &Orchestrator{
		converter:     converter,
		store:         store,
		sink:          sink,
		checkpoints:   checkpoints,
		outer:         NewGate(cfg.Job.Workers),
		inner:         NewGate(innerLimit),
		batchSize:     cfg.Job.BatchSize,
		audioColumn:   cfg.Job.AudioColumn,
		minAudioBytes: cfg.TTS.MinAudioBytes,
		logger:        logger,
	}
}

// Run processes every row in fixed-size windows. Windows are strictly
// sequential; an interrupt stops dispatch of further windows but lets
// the current window's workers drain. Returns context.Canceled (via
// ctx.Err()) when interrupted so the caller can print a resume hint.
func (o *Orchestrator) Run(ctx context.Context, rows []models.WorkItem) (*models.RunStats, error) {
	stats := &models.RunStats{
		StartTime: time.Now(),
		TotalRows: len(rows),
	}

	numWindows := (len(rows) + o.batchSize - 1) / o.batchSize
	o.logger.Info("Starting pipeline",
		"total_rows", len(rows),
		"windows", numWindows,
		"batch_size", o.batchSize,
		"workers", o.outer.Limit(),
		"conversion_concurrency", o.inner.Limit(),
		"already_completed", o.checkpoints.Count())

	bar := progressbar.Default(int64(len(rows)), "Processing rows")

	// Workers run detached from the interrupt signal: dispatched rows
	// are allowed to finish, only window dispatch observes cancellation.
	workerCtx := context.WithoutCancel(ctx)

	for start := 0; start < len(rows); start += o.batchSize {
		select {
		case <-ctx.Done():
			o.finish(stats)
			o.logger.Warn("Interrupted, checkpoint saved",
				"highest_completed_row", o.checkpoints.Highest(),
				"completed_rows", o.checkpoints.Count())
			return stats, ctx.Err()
		default:
		}

		end := start + o.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		windowNum := start/o.batchSize + 1

		eligible := o.filterEligible(rows[start:end], stats, bar)
		if len(eligible) == 0 {
			o.saveCheckpoint() // persists empty rows marked trivially done
			o.logger.Debug("Window already complete, skipping",
				"window", windowNum, "rows", end-start)
			continue
		}

		o.logger.Info("Processing window",
			"window", windowNum,
			"windows", numWindows,
			"first_row", start+1,
			"last_row", end,
			"pending", len(eligible))

		batch := newBatchResult()
		outcomes := o.dispatch(workerCtx, eligible, batch)

		for _, out := range outcomes {
			_ = bar.Add(1)
			if out.err != nil {
				stats.FailureCount++
				metrics.IncRow("failed")
				o.logger.Error("Row failed", "row", out.index, "error", out.err)
			} else {
				stats.SuccessCount++
				metrics.IncRow("success")
			}
		}

		o.flush(workerCtx, batch)
		o.saveCheckpoint()

		o.logger.Info("Window complete",
			"window", windowNum,
			"succeeded", stats.SuccessCount,
			"failed", stats.FailureCount)
	}

	o.finish(stats)
	o.logger.Info("Pipeline complete",
		"total_rows", stats.TotalRows,
		"succeeded", stats.SuccessCount,
		"failed", stats.FailureCount,
		"skipped", stats.SkippedCount,
		"duration", stats.Duration)
	return stats, nil
}

// filterEligible returns the window's rows that still need work. Rows
// already checkpointed are skipped; rows with empty or all-whitespace
// text are checkpointed on the spot and never retried.
func (o *Orchestrator) filterEligible(window []models.WorkItem, stats *models.RunStats, bar *progressbar.ProgressBar) []models.WorkItem {
	var eligible []models.WorkItem
	for _, item := range window {
		if o.checkpoints.Contains(item.Index) {
			stats.SkippedCount++
			metrics.IncRow("skipped")
			_ = bar.Add(1)
			continue
		}
		if strings.TrimSpace(item.Text) == "" {
			o.checkpoints.Add(item.Index)
			stats.SkippedCount++
			metrics.IncRow("skipped")
			o.logger.Debug("Skipping empty row", "row", item.Index)
			_ = bar.Add(1)
			continue
		}
		eligible = append(eligible, item)
	}
	return eligible
}

// dispatch fans out one worker per eligible row and waits for all of
// them. Completion order within the window is unspecified.
func (o *Orchestrator) dispatch(ctx context.Context, eligible []models.WorkItem, batch *batchResult) []rowOutcome {
	results := make(chan rowOutcome, len(eligible))

	var wg sync.WaitGroup
	wg.Add(len(eligible))
	for _, item := range eligible {
		go func(item models.WorkItem) {
			defer wg.Done()
			results <- o.processRow(ctx, item, batch)
		}(item)
	}
	wg.Wait()
	close(results)

	outcomes := make([]rowOutcome, 0, len(eligible))
	for out := range results {
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// flush issues the window's grouped write, falling back to per-cell
// writes when the grouped call fails. A failing cell is logged and
// left: its row is already checkpointed, which is the documented
// at-least-once gap, not a rollback trigger.
func (o *Orchestrator) flush(ctx context.Context, batch *batchResult) {
	cells := batch.snapshot()
	if len(cells) == 0 {
		return
	}

	start := time.Now()
	err := o.sink.WriteCells(ctx, cells)
	if err == nil {
		metrics.ObserveFlush("batch", time.Since(start))
		return
	}

	o.logger.Error("Grouped write failed, falling back to per-cell writes",
		"cells", len(cells), "error", err)
	for addr, link := range cells {
		if err := o.sink.WriteCell(ctx, addr, link); err != nil {
			o.logger.Error("Cell write failed", "cell", addr.String(), "error", err)
		}
	}
	metrics.ObserveFlush("fallback", time.Since(start))
}

func (o *Orchestrator) saveCheckpoint() {
	if err := o.checkpoints.Save(); err != nil {
		o.logger.Error("Failed to save checkpoint", "error", err)
	}
}

func (o *Orchestrator) finish(stats *models.RunStats) {
	o.saveCheckpoint()
	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
}

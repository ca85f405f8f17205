package models

import (
	"fmt"
	"time"
)

// WorkItem is one unit of work: one source row and its text.
// Index is the 1-based row position in the sheet and is stable across
// runs, so it doubles as the checkpoint identity.
type WorkItem struct {
	Index int
	Text  string
}

// CellAddress identifies a single target cell as a column letter plus a
// 1-based row number, e.g. {Column: "B", Row: 12} -> "B12".
type CellAddress struct {
	Column string
	Row    int
}

// String renders the address in A1 notation.
func (c CellAddress) String() string {
	return fmt.Sprintf("%s%d", c.Column, c.Row)
}

// RunStats tracks statistics for a pipeline run.
type RunStats struct {
	StartTime    time.Time
	EndTime      time.Time
	TotalRows    int
	SuccessCount int
	FailureCount int
	SkippedCount int // already checkpointed or empty rows
	Duration     time.Duration
}

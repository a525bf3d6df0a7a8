package schema

import (
	"fmt"
	"time"
)

// Run columns known to the local store. Columns outside this set are kept in
// the run's extra JSON blob.
const (
	ColTitle             = "title"
	ColPrompt            = "prompt"
	ColNegative          = "negative"
	ColCFG               = "cfg"
	ColSteps             = "steps"
	ColSampler           = "sampler"
	ColScheduler         = "scheduler"
	ColSeed              = "seed"
	ColWidth             = "width"
	ColHeight            = "height"
	ColBatchSize         = "batch_size"
	ColStatus            = "status"
	ColNotes             = "notes"
	ColSource            = "source"
	ColComfyUIWorkflowID = "comfyui_workflow_id"

	// Relations, flattened to names.
	ColModel = "model" // checkpoint name
	ColLoRAs = "loras" // LoRA model names
	ColTags  = "tags"  // tag names
)

// RunColumns lists the native run columns in storage order.
var RunColumns = []string{
	ColTitle, ColPrompt, ColNegative, ColCFG, ColSteps, ColSampler,
	ColScheduler, ColSeed, ColWidth, ColHeight, ColBatchSize, ColStatus,
	ColNotes, ColSource, ColComfyUIWorkflowID, ColModel, ColLoRAs, ColTags,
}

// IsRunColumn reports whether name is a native run column.
func IsRunColumn(name string) bool {
	for _, c := range RunColumns {
		if c == name {
			return true
		}
	}
	return false
}

// RunRow is one generation run as stored locally.
//
// Column values use the driver-level types: string, int64, float64,
// []string for relations, nil for NULL. Keys that are not native columns
// are persisted in the extra JSON column.
type RunRow struct {
	ID           string // local key (runs.run_id)
	NotionPageID string // link hint; SyncState is authoritative
	Columns      map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks the row has the columns the database requires.
func (r *RunRow) Validate() error {
	title, _ := r.Columns[ColTitle].(string)
	if title == "" {
		return fmt.Errorf("title is required")
	}
	if len(title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(title))
	}
	return nil
}

package models

import "time"

// Checkpoint records when a collection was last checked for remote changes.
type Checkpoint struct {
	Collection  string  `json:"collection"`
	LastChecked float64 `json:"last_checked"` // seconds
}

// LastCheckedTime returns the checkpoint as a time.
func (c *Checkpoint) LastCheckedTime() time.Time {
	return SecondsToTime(c.LastChecked)
}

// CheckpointSchema is the table holding one checkpoint per collection,
// keyed by the collection name as row uuid.
func CheckpointSchema() Schema {
	return Schema{
		Table:   "sync_checkpoints",
		Version: "1",
		Columns: map[string]ColumnType{
			"collection":   ColumnText,
			"last_checked": ColumnNumeric,
		},
	}
}

// SyncTask is one chunk of record ids waiting to be fetched and stored.
type SyncTask struct {
	BatchUUID    string   `json:"batch_uuid"`
	BatchIndex   int      `json:"batch_index"`
	BatchTotal   int      `json:"batch_total"`
	BatchCreated int64    `json:"batch_created"` // unix milliseconds
	Collection   string   `json:"collection"`
	Chunk        []string `json:"chunk"`
	Processed    *int64   `json:"processed"` // unix milliseconds
}

// IsProcessed reports whether the task has been drained.
func (t *SyncTask) IsProcessed() bool {
	return t.Processed != nil
}

// TaskSchema is the durable task queue table.
func TaskSchema() Schema {
	return Schema{
		Table:   "sync_tasks",
		Version: "1",
		Columns: map[string]ColumnType{
			"batch_uuid":    ColumnText,
			"batch_index":   ColumnNumeric,
			"batch_total":   ColumnNumeric,
			"batch_created": ColumnNumeric,
			"collection":    ColumnText,
			"processed":     ColumnNumeric,
		},
	}
}

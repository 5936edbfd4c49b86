package models

import "time"

// Job statuses persisted in the job table.
const (
	StatusTodo      = "todo"
	StatusDoing     = "doing"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusAborting  = "aborting"
)

// Sentinels for the derived dataset and batch columns.
const (
	SystemDataset = "__system__"
	DefaultBatch  = "default"
)

// ValidStatus reports whether s is a status the job table can hold.
func ValidStatus(s string) bool {
	switch s {
	case StatusTodo, StatusDoing, StatusSucceeded, StatusFailed, StatusCancelled, StatusAborting:
		return true
	}
	return false
}

// JobRow is a persisted job as read back from the job table.
type JobRow struct {
	ID             int64     `json:"id"`
	Queue          string    `json:"queue"`
	Task           string    `json:"task"`
	Status         string    `json:"status"`
	Priority       int       `json:"priority"`
	Args           []byte    `json:"-"`
	Dataset        string    `json:"dataset"`
	Batch          string    `json:"batch"`
	Attempts       int       `json:"attempts"`
	AbortRequested bool      `json:"abort_requested"`
	LastError      *string   `json:"last_error,omitempty"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

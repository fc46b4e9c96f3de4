package models

import "time"

const TaskCompletionsTableName = "task_completions"

// TaskMetadata carries the per-day counter for repeatable tasks.
type TaskMetadata struct {
	CountToday int    `json:"countToday"`
	LastDate   string `json:"lastDate"` // YYYY-MM-DD in the claim timezone
}

// TaskCompletion is unique per (AccountID, TaskID).
type TaskCompletion struct {
	AccountID   string       `json:"userId"`
	TaskID      string       `json:"taskId"`
	CompletedAt time.Time    `json:"completedAt"`
	Metadata    TaskMetadata `json:"metadata"`
}

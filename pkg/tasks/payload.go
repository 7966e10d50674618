// Package tasks distributes fit ranks over an asynq queue: a submitter
// enqueues one task per rank and long-running workers consume them.
package tasks

import (
	"fmt"
	"time"
)

const (
	// TypeFitRank is the task type for one rank of a distributed fit
	TypeFitRank = "fit:rank"
	// QueueFit is the queue fit tasks are enqueued on
	QueueFit = "deltafit:fit"
)

// FitPayload carries everything a worker needs to run one rank of a fit run.
type FitPayload struct {
	RunID      string    `json:"run_id"`
	Rank       int       `json:"rank"`
	Size       int       `json:"size"`
	ConfigPath string    `json:"config_path"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// UniqueID returns a unique identifier for this task, one per run and rank.
func (p FitPayload) UniqueID() string {
	return fmt.Sprintf("%s:%d", p.RunID, p.Rank)
}

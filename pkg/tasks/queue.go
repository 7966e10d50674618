package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// QueueManager enqueues fit runs.
type QueueManager struct {
	client *asynq.Client
}

// NewQueueManager creates a queue manager on the given Redis.
func NewQueueManager(redisOpt *asynq.RedisClientOpt) *QueueManager {
	return &QueueManager{client: asynq.NewClient(*redisOpt)}
}

// Close releases the underlying client.
func (q *QueueManager) Close() error {
	return q.client.Close()
}

// EnqueueRun enqueues one fit task per rank. Tasks never retry: a rank that
// died mid-run has already broken the run's collective alignment, so the
// whole run must be resubmitted under a fresh run ID instead.
func (q *QueueManager) EnqueueRun(runID, configPath string, size int, timeout time.Duration) error {
	for rank := 0; rank < size; rank++ {
		payload := FitPayload{
			RunID:      runID,
			Rank:       rank,
			Size:       size,
			ConfigPath: configPath,
			EnqueuedAt: time.Now(),
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}

		task := asynq.NewTask(TypeFitRank, data)
		opts := []asynq.Option{
			asynq.TaskID(payload.UniqueID()),
			asynq.Queue(QueueFit),
			asynq.MaxRetry(0),
			asynq.Timeout(timeout),
		}
		if _, err := q.client.Enqueue(task, opts...); err != nil {
			return fmt.Errorf("failed to enqueue rank %d: %w", rank, err)
		}
	}

	return nil
}

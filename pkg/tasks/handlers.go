package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// RunFunc executes one rank of a fit run.
type RunFunc func(ctx context.Context, payload *FitPayload) error

// Handler routes fit tasks to the worker's run function.
type Handler struct {
	log   logrus.FieldLogger
	runFn RunFunc
}

// NewHandler creates a task handler.
func NewHandler(log logrus.FieldLogger, runFn RunFunc) *Handler {
	return &Handler{
		log:   log.WithField("component", "task-handler"),
		runFn: runFn,
	}
}

// Routes returns the task type to handler mapping.
func (h *Handler) Routes() map[string]asynq.HandlerFunc {
	return map[string]asynq.HandlerFunc{
		TypeFitRank: h.HandleFitRank,
	}
}

// HandleFitRank handles one rank of a distributed fit.
func (h *Handler) HandleFitRank(ctx context.Context, t *asynq.Task) error {
	var payload FitPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal fit payload: %w", err)
	}

	log := h.log.WithFields(logrus.Fields{
		"run_id": payload.RunID,
		"rank":   payload.Rank,
		"size":   payload.Size,
	})
	log.WithField("queued_for", time.Since(payload.EnqueuedAt).Round(time.Second)).
		Info("Starting fit rank")

	if err := h.runFn(ctx, &payload); err != nil {
		log.WithError(err).Error("Fit rank failed")
		return err
	}

	log.Info("Fit rank finished")
	return nil
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/vinylatlas/api/internal/service"
)

// AnalyzeWorker adapts the pipeline to asynq task delivery.
type AnalyzeWorker struct {
	pipeline *Pipeline
	log      *slog.Logger
}

func NewAnalyzeWorker(pipeline *Pipeline, log *slog.Logger) *AnalyzeWorker {
	if log == nil {
		log = slog.Default()
	}
	return &AnalyzeWorker{pipeline: pipeline, log: log}
}

// ProcessTask handles one delivery of an analyze task. asynq redelivers on
// error, which is exactly what resumes a crashed run from its checkpoint.
func (w *AnalyzeWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.AnalyzeTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		// A malformed payload never gets better; don't retry it.
		return fmt.Errorf("unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	w.log.Info("starting analysis run", "job_id", payload.JobID, "username", payload.Username)
	return w.pipeline.Run(ctx, &payload)
}

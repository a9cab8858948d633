package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/vinylatlas/api/internal/model"
	"github.com/vinylatlas/api/internal/store"
)

// TaskTypeAnalyze is the asynq task type carrying one collection analysis run.
const TaskTypeAnalyze = "analyze:collection"

// ErrNotCompleted is returned when a result is requested before the run ends.
var ErrNotCompleted = errors.New("job not completed")

// TaskEnqueuer is the slice of asynq.Client the service needs; tests inject
// a fake.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AnalyzeTaskPayload travels inside the asynq task. The token rides here
// and only here, so the job record itself never holds credentials.
type AnalyzeTaskPayload struct {
	JobID    string               `json:"jobId"`
	Username string               `json:"username"`
	Token    string               `json:"token,omitempty"`
	Options  model.AnalyzeOptions `json:"options"`
}

// AnalyzeService owns job creation and the read-only status/result
// projections. Once a run starts, the pipeline is the record's only writer.
type AnalyzeService struct {
	store     store.Store
	enqueuer  TaskEnqueuer
	retention time.Duration
	log       *slog.Logger
}

func NewAnalyzeService(st store.Store, enqueuer TaskEnqueuer, retention time.Duration, log *slog.Logger) *AnalyzeService {
	if retention <= 0 {
		retention = store.DefaultRetention
	}
	if log == nil {
		log = slog.Default()
	}
	return &AnalyzeService{
		store:     st,
		enqueuer:  enqueuer,
		retention: retention,
		log:       log,
	}
}

// StartAnalysis creates a pending job and enqueues the pipeline task, then
// returns immediately. The task id equals the job id, so a duplicate trigger
// for the same job cannot start a second concurrent run.
func (s *AnalyzeService) StartAnalysis(ctx context.Context, req *model.AnalyzeRequest) (*model.AnalyzeResponse, error) {
	jobID := uuid.New().String()
	now := time.Now().UTC()

	job := &model.Job{
		ID:       jobID,
		Username: req.Username,
		Status:   model.JobStatusPending,
		Progress: model.Progress{
			Message: "Job created",
		},
		CreatedAt: now,
	}

	if err := s.store.Set(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	payload := AnalyzeTaskPayload{
		JobID:    jobID,
		Username: req.Username,
		Token:    req.Token,
		Options: model.AnalyzeOptions{
			AllLabels:  req.AllLabels,
			SampleSize: req.SampleSize,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}

	_, err = s.enqueuer.Enqueue(asynq.NewTask(TaskTypeAnalyze, data),
		asynq.TaskID(jobID),
		asynq.Queue("analyze"),
		asynq.MaxRetry(3),
		asynq.Retention(s.retention),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.log.Info("analysis run queued", "job_id", jobID, "username", req.Username,
		"all_labels", req.AllLabels, "sample_size", req.SampleSize)

	return &model.AnalyzeResponse{
		RunID:     jobID,
		Status:    model.JobStatusPending,
		CreatedAt: now,
	}, nil
}

// GetStatus returns the poll projection of a job. It only reads the store
// and never waits on in-flight pipeline work.
func (s *AnalyzeService) GetStatus(ctx context.Context, jobID string) (*model.StatusResponse, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &model.StatusResponse{
		ID:        job.ID,
		Username:  job.Username,
		Status:    job.Status,
		Progress:  job.Progress,
		Result:    job.Result,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
	}, nil
}

// GetResult returns the aggregates of a completed job.
func (s *AnalyzeService) GetResult(ctx context.Context, jobID string) (*model.Result, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted {
		return nil, ErrNotCompleted
	}
	return job.Result, nil
}

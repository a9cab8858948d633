package model

import "time"

// AnalyzeRequest starts an analysis run for a Discogs username. Token is an
// optional personal access token forwarded to Discogs for private collections;
// it travels in the task payload only and is never written to the job record.
type AnalyzeRequest struct {
	Username   string `json:"username" validate:"required,min=1,max=100"`
	Token      string `json:"token,omitempty"`
	AllLabels  bool   `json:"allLabels,omitempty"`
	SampleSize int    `json:"sampleSize,omitempty" validate:"omitempty,min=1"`
}

// AnalyzeOptions mirror the request flags inside the task payload.
type AnalyzeOptions struct {
	AllLabels  bool `json:"allLabels,omitempty"`
	SampleSize int  `json:"sampleSize,omitempty"`
}

// AnalyzeResponse acknowledges an accepted run. The run itself progresses
// asynchronously and is observed via the status endpoint.
type AnalyzeResponse struct {
	RunID     string    `json:"runId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusResponse is the read-only projection of a job returned to pollers.
// The checkpoint stays internal.
type StatusResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Status    JobStatus `json:"status"`
	Progress  Progress  `json:"progress"`
	Result    *Result   `json:"result,omitempty"`
	Error     *string   `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

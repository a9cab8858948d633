package model

import "time"

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status can no longer transition.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is the durable record tracking one collection analysis run. The whole
// record is overwritten on every store write; the pipeline is the only writer
// once a run starts, pollers only read.
type Job struct {
	ID         string      `json:"id"`
	Username   string      `json:"username"`
	Status     JobStatus   `json:"status"`
	Progress   Progress    `json:"progress"`
	Result     *Result     `json:"result,omitempty"`
	Error      *string     `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
}

// Progress carries the poll-visible metrics. Percent is monotonically
// non-decreasing within a run and hits exactly 100 only on completion.
type Progress struct {
	Message        string  `json:"message"`
	Percent        float64 `json:"percent"`
	PagesFetched   int     `json:"pagesFetched"`
	TotalPages     int     `json:"totalPages"`
	ItemsProcessed int     `json:"itemsProcessed"`
	TotalItems     int     `json:"totalItems"`
}

// Result holds the final aggregates, present only on completed jobs.
type Result struct {
	CountryCounts map[string]int `json:"countryCounts"`
	LabelRows     []LabelRow     `json:"labelRows"`
}

// LabelRow is one aggregation bucket for a (label, country) pair.
type LabelRow struct {
	Key          string `json:"key"`
	LabelID      int64  `json:"labelId"`
	LabelName    string `json:"labelName"`
	Country      string `json:"country"`
	ReleaseCount int    `json:"releaseCount"`
}

// LabelRef identifies one label attribution on a collection item.
type LabelRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// CollectionItem is the slice of a collection release the pipeline needs:
// the release id for the detail fetch and its label attributions.
type CollectionItem struct {
	ReleaseID int64      `json:"releaseId"`
	Labels    []LabelRef `json:"labels,omitempty"`
}

// Step names the pipeline stages, checkpointed so a redelivered task
// resumes where the previous invocation stopped.
type Step string

const (
	StepCollect  Step = "collect"
	StepSample   Step = "sample"
	StepAnalyze  Step = "analyze"
	StepFinalize Step = "finalize"
)

// Checkpoint is the resume point persisted inside the job record. Cursor
// positions and running aggregates land in the same store write, so a re-run
// never double-applies an increment: at worst it refetches the items after
// the last persisted cursor.
type Checkpoint struct {
	Step          Step                 `json:"step"`
	NextPage      int                  `json:"nextPage"`
	Items         []CollectionItem     `json:"items,omitempty"`
	NextItem      int                  `json:"nextItem"`
	CountryCounts map[string]int       `json:"countryCounts,omitempty"`
	Rows          map[string]*LabelRow `json:"rows,omitempty"`
	RowOrder      []string             `json:"rowOrder,omitempty"`
}

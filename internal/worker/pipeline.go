package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/vinylatlas/api/internal/analysis"
	"github.com/vinylatlas/api/internal/client"
	"github.com/vinylatlas/api/internal/config"
	"github.com/vinylatlas/api/internal/model"
	"github.com/vinylatlas/api/internal/service"
	"github.com/vinylatlas/api/internal/store"
	"github.com/vinylatlas/api/internal/websocket"
)

// Pipeline executes one analysis run as a sequence of checkpointed steps:
// collect pages, sample, analyze items, finalize. Every persisted write
// carries both the poll-visible progress and the checkpoint, so a redelivered
// task resumes from the last write without double-counting anything. Pages
// and items are processed strictly sequentially: the upstream rate limit is
// one global budget and the client's pacer spaces every call against it.
type Pipeline struct {
	store   store.Store
	discogs client.CollectionAPI
	hub     *websocket.Hub
	archive client.StorageClient
	log     *slog.Logger

	pageSize         int
	progressInterval int

	// newRand yields a fresh source per run; tests swap in a seeded one.
	newRand func() *rand.Rand
}

func NewPipeline(
	st store.Store,
	discogs client.CollectionAPI,
	cfg *config.AnalysisConfig,
	hub *websocket.Hub,
	archive client.StorageClient,
	log *slog.Logger,
) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	interval := cfg.ProgressInterval
	if interval <= 0 {
		interval = 5
	}
	return &Pipeline{
		store:            st,
		discogs:          discogs,
		hub:              hub,
		archive:          archive,
		log:              log,
		pageSize:         pageSize,
		progressInterval: interval,
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
}

// Run drives a job from its current checkpoint to a terminal state. A missing
// job aborts silently; there is no record to report the failure into, so
// callers must verify the job exists before triggering. Redelivery of an
// already-terminal job is a no-op.
func (p *Pipeline) Run(ctx context.Context, payload *service.AnalyzeTaskPayload) error {
	job, err := p.store.Get(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.log.Warn("no job record for task, aborting", "job_id", payload.JobID)
			return nil
		}
		return fmt.Errorf("load job %s: %w", payload.JobID, err)
	}
	if job.Status.Terminal() {
		return nil
	}

	if job.Checkpoint == nil {
		job.Checkpoint = &model.Checkpoint{Step: model.StepCollect, NextPage: 1}
	}
	if job.Status != model.JobStatusProcessing {
		job.Status = model.JobStatusProcessing
		job.Progress.Message = "Fetching collection..."
		job.Progress.Percent = 5
		p.persist(ctx, job)
	}

	cp := job.Checkpoint

	if cp.Step == model.StepCollect {
		if err := p.collect(ctx, job, payload); err != nil {
			return p.fail(ctx, job, err)
		}
		cp.Step = model.StepSample
		p.persist(ctx, job)
	}

	if cp.Step == model.StepSample {
		p.sample(job, payload.Options.SampleSize)
		cp.Step = model.StepAnalyze
		p.persist(ctx, job)
	}

	if cp.Step == model.StepAnalyze {
		if err := p.analyze(ctx, job, payload); err != nil {
			return p.fail(ctx, job, err)
		}
		cp.Step = model.StepFinalize
	}

	p.finalize(ctx, job)
	return nil
}

// collect retrieves every page of the collection listing in page order. Page
// one also reports the totals. Each page is persisted before the next fetch,
// so a resumed run re-requests at most one page. Any page failure is fatal to
// the run: a partial listing would skew every aggregate.
func (p *Pipeline) collect(ctx context.Context, job *model.Job, payload *service.AnalyzeTaskPayload) error {
	cp := job.Checkpoint

	for cp.NextPage == 1 || cp.NextPage <= job.Progress.TotalPages {
		pageNum := cp.NextPage
		page, err := p.discogs.GetCollectionPage(ctx, payload.Username, pageNum, p.pageSize, payload.Token)
		if err != nil {
			return fmt.Errorf("fetch collection page %d: %w", pageNum, err)
		}

		if pageNum == 1 {
			job.Progress.TotalPages = page.Pagination.Pages
			job.Progress.TotalItems = page.Pagination.Items
			cp.Items = cp.Items[:0]
		}
		for _, release := range page.Releases {
			item := model.CollectionItem{ReleaseID: release.ID}
			for _, label := range release.BasicInformation.Labels {
				item.Labels = append(item.Labels, model.LabelRef{ID: label.ID, Name: label.Name})
			}
			cp.Items = append(cp.Items, item)
		}

		job.Progress.PagesFetched = pageNum
		cp.NextPage = pageNum + 1
		job.Progress.Percent = collectPercent(pageNum, job.Progress.TotalPages)
		job.Progress.Message = fmt.Sprintf("Fetching page %d of %d", pageNum, job.Progress.TotalPages)
		p.persist(ctx, job)
	}
	return nil
}

// sample optionally narrows the item list to a uniform random subset to
// bound the per-item fetch cost of large collections.
func (p *Pipeline) sample(job *model.Job, sampleSize int) {
	cp := job.Checkpoint
	if sampleSize <= 0 || sampleSize >= len(cp.Items) {
		return
	}
	job.Progress.Message = fmt.Sprintf("Sampling %d of %d items...", sampleSize, len(cp.Items))
	cp.Items = analysis.Sample(cp.Items, sampleSize, p.newRand())
	job.Progress.TotalItems = len(cp.Items)
}

// analyze resolves each item's country through the detail endpoint and feeds
// the aggregates. A detail fetch that fails even after retries degrades that
// item to Unknown instead of aborting, since one unresolvable item must not sink
// the batch. Cursor and aggregates are snapshotted into the checkpoint in the
// same write, at the configured interval and on the final item.
func (p *Pipeline) analyze(ctx context.Context, job *model.Job, payload *service.AnalyzeTaskPayload) error {
	cp := job.Checkpoint
	agg := analysis.Restore(cp)
	total := len(cp.Items)

	for i := cp.NextItem; i < total; i++ {
		item := cp.Items[i]

		country := analysis.BucketUnknown
		release, err := p.discogs.GetRelease(ctx, item.ReleaseID, payload.Token)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("release detail fetch failed, counting as Unknown",
				"job_id", job.ID, "release_id", item.ReleaseID, "error", err)
		} else {
			country = analysis.NormalizeCountry(release.Country)
		}

		agg.Add(country, item.Labels, payload.Options.AllLabels)

		done := i + 1
		if done%p.progressInterval == 0 || done == total {
			cp.NextItem = done
			agg.Snapshot(cp)
			job.Progress.ItemsProcessed = done
			job.Progress.Percent = analyzePercent(done, total)
			job.Progress.Message = fmt.Sprintf("Analyzing release %d of %d", done, total)
			p.persist(ctx, job)
		}
	}

	// Covers the empty-list case, where the loop never snapshots.
	cp.NextItem = total
	agg.Snapshot(cp)
	job.Progress.ItemsProcessed = total
	return nil
}

// finalize attaches the sorted aggregates and closes the run. Percent is
// exactly 100 here and nowhere else.
func (p *Pipeline) finalize(ctx context.Context, job *model.Job) {
	agg := analysis.Restore(job.Checkpoint)
	job.Result = &model.Result{
		CountryCounts: agg.CountryCounts(),
		LabelRows:     agg.SortedRows(),
	}
	job.Checkpoint = nil
	job.Status = model.JobStatusCompleted
	job.Progress.Percent = 100
	job.Progress.Message = "Complete"
	p.persist(ctx, job)

	if p.archive != nil {
		if url, err := p.archive.ArchiveResult(ctx, job.ID, job.Result); err != nil {
			p.log.Error("result archive failed", "job_id", job.ID, "error", err)
		} else {
			p.log.Info("result archived", "job_id", job.ID, "url", url)
		}
	}
	if p.hub != nil {
		p.hub.BroadcastComplete(job.ID, job.Result)
	}
	p.log.Info("analysis run completed", "job_id", job.ID,
		"items", job.Progress.TotalItems, "countries", len(job.Result.CountryCounts))
}

// fail closes the run with the underlying message. Progress stays at its last
// persisted value. A context cancellation is not a run failure: the error is
// returned without touching the record so a redelivery resumes from the
// checkpoint instead.
func (p *Pipeline) fail(ctx context.Context, job *model.Job, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}

	msg := cause.Error()
	job.Status = model.JobStatusFailed
	job.Error = &msg
	p.persist(ctx, job)
	if p.hub != nil {
		p.hub.BroadcastError(job.ID, "ANALYZE_FAILED", msg)
	}
	p.log.Error("analysis run failed", "job_id", job.ID, "error", cause)
	return cause
}

// persist writes the whole record and pushes a progress frame to any live
// subscribers. Store degradation is logged by the store itself; a residual
// write error must not kill the run.
func (p *Pipeline) persist(ctx context.Context, job *model.Job) {
	if err := p.store.Set(ctx, job); err != nil {
		p.log.Error("persist job state", "job_id", job.ID, "error", err)
	}
	if p.hub != nil {
		p.hub.BroadcastProgress(job.ID, job.Status, job.Progress)
	}
}

// Percent bands: 5-15 while collecting pages, 15-99 while analyzing items.
// Only finalize writes 100.
func collectPercent(fetched, total int) float64 {
	if total <= 0 {
		return 15
	}
	return 5 + float64(fetched)/float64(total)*10
}

func analyzePercent(done, total int) float64 {
	if total <= 0 {
		return 99
	}
	pct := 15 + float64(done)/float64(total)*85
	if pct > 99 {
		pct = 99
	}
	return pct
}

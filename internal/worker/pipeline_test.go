package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinylatlas/api/internal/analysis"
	"github.com/vinylatlas/api/internal/client"
	"github.com/vinylatlas/api/internal/config"
	"github.com/vinylatlas/api/internal/model"
	"github.com/vinylatlas/api/internal/service"
	"github.com/vinylatlas/api/internal/store"
)

// fakeDiscogs serves a canned collection without any pacing delays.
type fakeDiscogs struct {
	pages      []client.CollectionPage
	countries  map[int64]string
	failDetail map[int64]bool
	failPage   int // page number that always errors, 0 = never

	pageCalls   int32
	detailCalls int32
}

func (f *fakeDiscogs) GetCollectionPage(ctx context.Context, username string, page, perPage int, token string) (*client.CollectionPage, error) {
	atomic.AddInt32(&f.pageCalls, 1)
	if page == f.failPage {
		return nil, &client.APIError{StatusCode: http.StatusBadGateway, Body: "upstream error"}
	}
	if page < 1 || page > len(f.pages) {
		return nil, fmt.Errorf("no such page %d", page)
	}
	p := f.pages[page-1]
	return &p, nil
}

func (f *fakeDiscogs) GetRelease(ctx context.Context, releaseID int64, token string) (*client.Release, error) {
	atomic.AddInt32(&f.detailCalls, 1)
	if f.failDetail[releaseID] {
		return nil, &client.APIError{StatusCode: http.StatusTooManyRequests, Body: "throttled"}
	}
	return &client.Release{ID: releaseID, Country: f.countries[releaseID]}, nil
}

func release(id int64, labels ...client.Label) client.CollectionRelease {
	return client.CollectionRelease{
		ID:               id,
		BasicInformation: client.BasicInformation{Labels: labels},
	}
}

// twoPageScenario is the end-to-end fixture: 4 releases over 2 pages with
// countries US, GB, US, unknown and primary labels L1, L2, L1, L3.
func twoPageScenario() *fakeDiscogs {
	return &fakeDiscogs{
		pages: []client.CollectionPage{
			{
				Pagination: client.Pagination{Page: 1, Pages: 2, PerPage: 2, Items: 4},
				Releases: []client.CollectionRelease{
					release(1, client.Label{ID: 11, Name: "L1"}),
					release(2, client.Label{ID: 12, Name: "L2"}),
				},
			},
			{
				Pagination: client.Pagination{Page: 2, Pages: 2, PerPage: 2, Items: 4},
				Releases: []client.CollectionRelease{
					release(3, client.Label{ID: 11, Name: "L1"}),
					release(4, client.Label{ID: 13, Name: "L3"}),
				},
			},
		},
		countries: map[int64]string{1: "USA", 2: "UK", 3: "United States", 4: ""},
	}
}

func newTestPipeline(st store.Store, api client.CollectionAPI) *Pipeline {
	p := NewPipeline(st, api, &config.AnalysisConfig{PageSize: 2, ProgressInterval: 5}, nil, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.newRand = func() *rand.Rand { return rand.New(rand.NewSource(1)) }
	return p
}

func seedJob(t *testing.T, st store.Store, id string) {
	t.Helper()
	err := st.Set(context.Background(), &model.Job{
		ID:        id,
		Username:  "collector",
		Status:    model.JobStatusPending,
		Progress:  model.Progress{Message: "Job created"},
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func runPayload(id string) *service.AnalyzeTaskPayload {
	return &service.AnalyzeTaskPayload{JobID: id, Username: "collector"}
}

func TestPipeline_EndToEnd(t *testing.T) {
	st := store.NewMemoryStore()
	api := twoPageScenario()
	seedJob(t, st, "job1")

	if err := newTestPipeline(st, api).Run(context.Background(), runPayload("job1")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, err := st.Get(context.Background(), "job1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if job.Status != model.JobStatusCompleted {
		t.Fatalf("status = %s, want completed (error: %v)", job.Status, job.Error)
	}
	if job.Progress.Percent != 100 {
		t.Errorf("percent = %v, want 100", job.Progress.Percent)
	}
	if job.Progress.PagesFetched != 2 || job.Progress.ItemsProcessed != 4 {
		t.Errorf("progress = %+v", job.Progress)
	}
	if job.Checkpoint != nil {
		t.Error("checkpoint should be cleared on completion")
	}
	if job.Error != nil {
		t.Errorf("error = %v, want nil", *job.Error)
	}

	wantCounts := map[string]int{"US": 2, "GB": 1, analysis.BucketUnknown: 1}
	for country, n := range wantCounts {
		if job.Result.CountryCounts[country] != n {
			t.Errorf("countryCounts[%s] = %d, want %d", country, job.Result.CountryCounts[country], n)
		}
	}
	if len(job.Result.CountryCounts) != len(wantCounts) {
		t.Errorf("countryCounts = %v", job.Result.CountryCounts)
	}

	rows := job.Result.LabelRows
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3: %+v", len(rows), rows)
	}
	if rows[0].LabelID != 11 || rows[0].Country != "US" || rows[0].ReleaseCount != 2 {
		t.Errorf("rows[0] = %+v, want L1/US count 2", rows[0])
	}
	if rows[1].LabelID != 12 || rows[2].LabelID != 13 {
		t.Errorf("tie order = [%d %d], want [12 13]", rows[1].LabelID, rows[2].LabelID)
	}
}

func TestPipeline_CollectConcatenatesAllPages(t *testing.T) {
	st := store.NewMemoryStore()
	var pages []client.CollectionPage
	countries := map[int64]string{}
	nextID := int64(1)
	// 2 full pages of 2 plus a final page of 1, upstream total 5.
	for p := 1; p <= 3; p++ {
		size := 2
		if p == 3 {
			size = 1
		}
		page := client.CollectionPage{
			Pagination: client.Pagination{Page: p, Pages: 3, PerPage: 2, Items: 5},
		}
		for i := 0; i < size; i++ {
			page.Releases = append(page.Releases, release(nextID, client.Label{ID: 100 + nextID, Name: "L"}))
			countries[nextID] = "France"
			nextID++
		}
		pages = append(pages, page)
	}
	api := &fakeDiscogs{pages: pages, countries: countries}
	seedJob(t, st, "job1")

	if err := newTestPipeline(st, api).Run(context.Background(), runPayload("job1")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := st.Get(context.Background(), "job1")
	if job.Progress.TotalItems != 5 || job.Progress.ItemsProcessed != 5 {
		t.Errorf("progress = %+v, want all 5 items processed", job.Progress)
	}
	if job.Progress.PagesFetched != 3 {
		t.Errorf("pagesFetched = %d, want 3", job.Progress.PagesFetched)
	}
	if job.Result.CountryCounts["France"] != 5 {
		t.Errorf("France count = %d, want 5 (one per concatenated item)", job.Result.CountryCounts["France"])
	}
}

func TestPipeline_MissingJobAbortsSilently(t *testing.T) {
	st := store.NewMemoryStore()
	api := twoPageScenario()

	if err := newTestPipeline(st, api).Run(context.Background(), runPayload("ghost")); err != nil {
		t.Fatalf("Run on missing job should return nil, got %v", err)
	}
	if atomic.LoadInt32(&api.pageCalls) != 0 {
		t.Error("no upstream calls expected for a missing job")
	}
}

func TestPipeline_TerminalJobIsNoop(t *testing.T) {
	st := store.NewMemoryStore()
	api := twoPageScenario()
	ctx := context.Background()

	msg := "already done"
	st.Set(ctx, &model.Job{ID: "done", Status: model.JobStatusFailed, Error: &msg})

	if err := newTestPipeline(st, api).Run(ctx, runPayload("done")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if atomic.LoadInt32(&api.pageCalls) != 0 {
		t.Error("redelivery of a terminal job must not refetch anything")
	}
}

func TestPipeline_PageFailureFailsRun(t *testing.T) {
	st := store.NewMemoryStore()
	api := twoPageScenario()
	api.failPage = 2
	seedJob(t, st, "job1")

	err := newTestPipeline(st, api).Run(context.Background(), runPayload("job1"))
	if err == nil {
		t.Fatal("Run should surface the page failure")
	}

	job, _ := st.Get(context.Background(), "job1")
	if job.Status != model.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.Error == nil || !strings.Contains(*job.Error, "page 2") {
		t.Errorf("error = %v, want mention of page 2", job.Error)
	}
	// Progress stays at the last persisted value, page 1.
	if job.Progress.PagesFetched != 1 {
		t.Errorf("pagesFetched = %d, want 1", job.Progress.PagesFetched)
	}
	if job.Result != nil {
		t.Error("failed job must not carry a result")
	}
}

func TestPipeline_DetailFailureDegradesToUnknown(t *testing.T) {
	st := store.NewMemoryStore()
	api := twoPageScenario()
	api.failDetail = map[int64]bool{2: true}
	seedJob(t, st, "job1")

	if err := newTestPipeline(st, api).Run(context.Background(), runPayload("job1")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := st.Get(context.Background(), "job1")
	if job.Status != model.JobStatusCompleted {
		t.Fatalf("status = %s, want completed despite the bad item", job.Status)
	}
	// Release 2 (GB) degraded to Unknown.
	if job.Result.CountryCounts[analysis.BucketUnknown] != 2 {
		t.Errorf("Unknown count = %d, want 2: %v",
			job.Result.CountryCounts[analysis.BucketUnknown], job.Result.CountryCounts)
	}
	if job.Result.CountryCounts["GB"] != 0 {
		t.Errorf("GB count = %d, want 0", job.Result.CountryCounts["GB"])
	}
}

func TestPipeline_ResumesFromCheckpointWithoutDoubleCounting(t *testing.T) {
	st := store.NewMemoryStore()
	api := twoPageScenario()
	ctx := context.Background()

	// A run interrupted mid-analysis: pages collected, first two items
	// already counted and persisted.
	cp := &model.Checkpoint{
		Step: model.StepAnalyze,
		Items: []model.CollectionItem{
			{ReleaseID: 1, Labels: []model.LabelRef{{ID: 11, Name: "L1"}}},
			{ReleaseID: 2, Labels: []model.LabelRef{{ID: 12, Name: "L2"}}},
			{ReleaseID: 3, Labels: []model.LabelRef{{ID: 11, Name: "L1"}}},
			{ReleaseID: 4, Labels: []model.LabelRef{{ID: 13, Name: "L3"}}},
		},
		NextItem: 2,
	}
	agg := analysis.NewAggregate()
	agg.Add("US", cp.Items[0].Labels, false)
	agg.Add("GB", cp.Items[1].Labels, false)
	agg.Snapshot(cp)

	st.Set(ctx, &model.Job{
		ID:       "job1",
		Username: "collector",
		Status:   model.JobStatusProcessing,
		Progress: model.Progress{
			Message: "Analyzing release 2 of 4", Percent: 57.5,
			PagesFetched: 2, TotalPages: 2, ItemsProcessed: 2, TotalItems: 4,
		},
		Checkpoint: cp,
		CreatedAt:  time.Now().UTC(),
	})

	if err := newTestPipeline(st, api).Run(ctx, runPayload("job1")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := atomic.LoadInt32(&api.pageCalls); n != 0 {
		t.Errorf("page calls = %d, want 0 (listing already checkpointed)", n)
	}
	if n := atomic.LoadInt32(&api.detailCalls); n != 2 {
		t.Errorf("detail calls = %d, want 2 (items 3 and 4 only)", n)
	}

	job, _ := st.Get(ctx, "job1")
	if job.Status != model.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	wantCounts := map[string]int{"US": 2, "GB": 1, analysis.BucketUnknown: 1}
	for country, n := range wantCounts {
		if job.Result.CountryCounts[country] != n {
			t.Errorf("countryCounts[%s] = %d, want %d", country, job.Result.CountryCounts[country], n)
		}
	}
	for _, row := range job.Result.LabelRows {
		if row.LabelID == 11 && row.ReleaseCount != 2 {
			t.Errorf("L1 row count = %d, want 2 (no double counting)", row.ReleaseCount)
		}
	}
}

func TestPipeline_SamplingBoundsItemWork(t *testing.T) {
	st := store.NewMemoryStore()
	releases := make([]client.CollectionRelease, 10)
	countries := make(map[int64]string, 10)
	for i := range releases {
		id := int64(i + 1)
		releases[i] = release(id, client.Label{ID: 100 + id, Name: fmt.Sprintf("L%d", id)})
		countries[id] = "Germany"
	}
	api := &fakeDiscogs{
		pages: []client.CollectionPage{{
			Pagination: client.Pagination{Page: 1, Pages: 1, PerPage: 50, Items: 10},
			Releases:   releases,
		}},
		countries: countries,
	}
	seedJob(t, st, "job1")

	payload := runPayload("job1")
	payload.Options.SampleSize = 3
	if err := newTestPipeline(st, api).Run(context.Background(), payload); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := st.Get(context.Background(), "job1")
	if job.Progress.TotalItems != 3 || job.Progress.ItemsProcessed != 3 {
		t.Errorf("progress = %+v, want 3 sampled items", job.Progress)
	}
	if n := atomic.LoadInt32(&api.detailCalls); n != 3 {
		t.Errorf("detail calls = %d, want 3", n)
	}
	if job.Result.CountryCounts["Germany"] != 3 {
		t.Errorf("Germany count = %d, want 3", job.Result.CountryCounts["Germany"])
	}
}

// percentRecorder captures every persisted percent value.
type percentRecorder struct {
	store.Store
	percents []float64
}

func (r *percentRecorder) Set(ctx context.Context, job *model.Job) error {
	r.percents = append(r.percents, job.Progress.Percent)
	return r.Store.Set(ctx, job)
}

func TestPipeline_PercentMonotonicAndHundredOnlyOnCompletion(t *testing.T) {
	rec := &percentRecorder{Store: store.NewMemoryStore()}
	api := twoPageScenario()
	seedJob(t, rec, "job1")

	p := newTestPipeline(rec, api)
	p.progressInterval = 1
	if err := p.Run(context.Background(), runPayload("job1")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	last := float64(-1)
	for i, pct := range rec.percents {
		if pct < last {
			t.Fatalf("percent regressed at write %d: %v -> %v (%v)", i, last, pct, rec.percents)
		}
		last = pct
	}
	if last != 100 {
		t.Fatalf("final percent = %v, want 100", last)
	}
	for _, pct := range rec.percents[:len(rec.percents)-1] {
		if pct >= 100 {
			t.Fatalf("percent hit %v before completion: %v", pct, rec.percents)
		}
	}
}

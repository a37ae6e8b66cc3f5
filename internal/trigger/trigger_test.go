package trigger_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	dbfs "github.com/garnizeh/volunteer-match/db"
	"github.com/garnizeh/volunteer-match/internal/audit"
	"github.com/garnizeh/volunteer-match/internal/db"
	"github.com/garnizeh/volunteer-match/internal/errs"
	"github.com/garnizeh/volunteer-match/internal/jobs"
	"github.com/garnizeh/volunteer-match/internal/lifecycle"
	"github.com/garnizeh/volunteer-match/internal/models"
	"github.com/garnizeh/volunteer-match/internal/oracle"
	"github.com/garnizeh/volunteer-match/internal/repository/sqlite"
	"github.com/garnizeh/volunteer-match/internal/scoring"
	"github.com/garnizeh/volunteer-match/internal/trigger"
	"github.com/garnizeh/volunteer-match/pkg/repository/mock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

type fakeRescorer struct {
	mu            sync.Mutex
	resumes       []int64
	opportunities []int64
	skipped       int
	err           error
}

func (f *fakeRescorer) RescoreForResume(ctx context.Context, id int64) (*scoring.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes = append(f.resumes, id)
	return &scoring.Report{EntityKind: models.EntityResume, EntityID: id, Skipped: f.skipped}, f.err
}

func (f *fakeRescorer) RescoreForOpportunity(ctx context.Context, id int64) (*scoring.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opportunities = append(f.opportunities, id)
	return &scoring.Report{EntityKind: models.EntityOpportunity, EntityID: id, Skipped: f.skipped}, f.err
}

type staticScorer struct{}

func (staticScorer) Score(ctx context.Context, resume, opp string) (*oracle.Result, error) {
	return &oracle.Result{Overall: 81, Skills: 80, Experience: 82, Education: 70}, nil
}

func (staticScorer) Model() string { return "static" }

// gateScorer holds the first call until release is closed.
type gateScorer struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newGateScorer() *gateScorer {
	return &gateScorer{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateScorer) Score(ctx context.Context, resume, opp string) (*oracle.Result, error) {
	first := false
	g.once.Do(func() {
		first = true
		close(g.started)
	})
	if first {
		<-g.release
	}
	return &oracle.Result{Overall: 70, Skills: 70, Experience: 70, Education: 70}, nil
}

func (g *gateScorer) Model() string { return "gate" }

func TestInline_Guards(t *testing.T) {
	st := mock.NewStore()
	rs := &fakeRescorer{}
	obs := trigger.NewInline(st, rs, nil)
	ctx := context.Background()

	empty := st.PutResume(models.Resume{OwnerID: 1, Active: true})
	inactiveResume := st.PutResume(models.Resume{OwnerID: 2, Active: false, ExtractedText: "old"})
	ready := st.PutResume(models.Resume{OwnerID: 3, Active: true, ExtractedText: "ready"})
	closed := st.PutOpportunity(models.Opportunity{OrgID: 1, Title: "Closed"})
	open := st.PutOpportunity(models.Opportunity{OrgID: 1, Title: "Open", Active: true})

	for _, id := range []int64{empty, inactiveResume, ready} {
		if err := obs.OnResumeTextReady(ctx, id); err != nil {
			t.Fatalf("OnResumeTextReady(%d) error: %v", id, err)
		}
	}
	for _, id := range []int64{closed, open} {
		if err := obs.OnOpportunityActivated(ctx, id); err != nil {
			t.Fatalf("OnOpportunityActivated(%d) error: %v", id, err)
		}
	}

	if len(rs.resumes) != 1 || rs.resumes[0] != ready {
		t.Fatalf("expected only the ready resume to trigger, got %v", rs.resumes)
	}
	if len(rs.opportunities) != 1 || rs.opportunities[0] != open {
		t.Fatalf("expected only the open opportunity to trigger, got %v", rs.opportunities)
	}

	if err := obs.OnResumeTextReady(ctx, 999); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestInline_ErrorsSurface(t *testing.T) {
	st := mock.NewStore()
	boom := errors.New("store down")
	obs := trigger.NewInline(st, &fakeRescorer{err: boom}, nil)
	opp := st.PutOpportunity(models.Opportunity{OrgID: 1, Title: "Open", Active: true})

	if err := obs.OnOpportunityActivated(context.Background(), opp); !errors.Is(err, boom) {
		t.Fatalf("expected rescorer error got %v", err)
	}
}

func TestQueued_EnqueuesJobs(t *testing.T) {
	st := mock.NewStore()
	pool := jobs.NewWorkerPool(st, nil, nil, 1)
	obs := trigger.NewQueued(st, pool, 4, nil)
	ctx := context.Background()

	r := st.PutResume(models.Resume{OwnerID: 1, Active: true, ExtractedText: "text"})
	o := st.PutOpportunity(models.Opportunity{OrgID: 1, Title: "Open", Active: true})
	if err := obs.OnResumeTextReady(ctx, r); err != nil {
		t.Fatalf("OnResumeTextReady error: %v", err)
	}
	if err := obs.OnOpportunityActivated(ctx, o); err != nil {
		t.Fatalf("OnOpportunityActivated error: %v", err)
	}

	queued := st.Jobs()
	if len(queued) != 2 {
		t.Fatalf("expected 2 jobs got %d", len(queued))
	}
	if queued[0].Type != trigger.JobRescoreResume || queued[0].MaxAttempts != 4 {
		t.Fatalf("unexpected resume job %+v", queued[0])
	}
	var p map[string]int64
	if err := json.Unmarshal(queued[1].Payload, &p); err != nil || p["opportunity_id"] != o {
		t.Fatalf("unexpected opportunity payload %s", queued[1].Payload)
	}
}

func TestQueued_ProcessedByWorkerPool(t *testing.T) {
	st := mock.NewStore()
	orch := scoring.New(st, staticScorer{}, audit.NewRecorder(st, nil), nil, scoring.Options{Backoff: time.Millisecond})

	pool := jobs.NewWorkerPool(st, nil, nil, 1)
	pool.SetIdleWait(10 * time.Millisecond)
	trigger.RegisterHandlers(pool, orch, nil)

	svc := lifecycle.New(st, audit.NewRecorder(st, nil), nil)
	svc.Subscribe(trigger.NewQueued(st, pool, 3, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	org := models.Principal{ID: 9, Role: models.RoleOrganization}
	vol := models.Principal{ID: 4, Role: models.RoleVolunteer}
	if _, err := svc.CreateOpportunity(ctx, org, &models.Opportunity{OrgID: 9, Title: "Medic", Active: true}); err != nil {
		t.Fatalf("CreateOpportunity error: %v", err)
	}
	if _, err := svc.UploadResume(ctx, vol, lifecycle.ResumeUpload{OwnerID: 4, OriginalFilename: "cv.pdf", ExtractedText: "paramedic"}); err != nil {
		t.Fatalf("UploadResume error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		done := 0
		for _, j := range st.Jobs() {
			if j.Status == jobs.StatusDone {
				done++
			}
		}
		if done == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	scores := st.Scores()
	if len(scores) != 1 {
		t.Fatalf("expected a single score record for the pair, got %d", len(scores))
	}
	if scores[0].Grade != "B" || scores[0].Model != "static" {
		t.Fatalf("unexpected record %+v", scores[0])
	}
	if n := len(st.DeadLetters()); n != 0 {
		t.Fatalf("expected no dead letters got %d", n)
	}
}

func TestHandlers_BadPayloadIsPermanent(t *testing.T) {
	st := mock.NewStore()
	pool := jobs.NewWorkerPool(st, nil, nil, 1)
	pool.SetIdleWait(10 * time.Millisecond)
	trigger.RegisterHandlers(pool, &fakeRescorer{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := pool.Enqueue(ctx, trigger.JobRescoreResume, map[string]string{"resume_id": "x"}, 0, 5); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	pool.Start(ctx)
	defer pool.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for len(st.DeadLetters()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(st.DeadLetters()) != 1 {
		t.Fatalf("expected malformed payload to be dead-lettered")
	}
}

func TestHandlers_MissingEntityCompletes(t *testing.T) {
	st := mock.NewStore()
	pool := jobs.NewWorkerPool(st, nil, nil, 1)
	pool.SetIdleWait(10 * time.Millisecond)
	rs := &fakeRescorer{err: errs.ErrNotFound}
	trigger.RegisterHandlers(pool, rs, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id, err := pool.Enqueue(ctx, trigger.JobRescoreOpportunity, map[string]int64{"opportunity_id": 42}, 0, 5)
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	pool.Start(ctx)
	defer pool.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, j := range st.Jobs() {
			if j.ID == id && j.Status == jobs.StatusDone {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job for a deleted opportunity should complete")
}

func TestHandlers_SkippedPairsAreRetried(t *testing.T) {
	st := mock.NewStore()
	pool := jobs.NewWorkerPool(st, nil, nil, 1)
	pool.SetIdleWait(10 * time.Millisecond)
	trigger.RegisterHandlers(pool, &fakeRescorer{skipped: 2}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id, err := pool.Enqueue(ctx, trigger.JobRescoreResume, map[string]int64{"resume_id": 3}, 0, 5)
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	pool.Start(ctx)
	defer pool.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, j := range st.Jobs() {
			if j.ID != id || j.Status != jobs.StatusRetry {
				continue
			}
			if j.Attempts != 1 || !strings.Contains(j.LastError, "2 of 2 pairs skipped") {
				t.Fatalf("unexpected retry state %+v", j)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("fan-out with skipped pairs must be scheduled for retry")
}

func TestQueued_ShutdownRequeuesInterruptedFanOut(t *testing.T) {
	ctx := context.Background()
	d, err := db.New(ctx, ":memory:", nil)
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	defer d.Close()
	if err := db.Migrate(ctx, d, dbfs.Migrations); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := sqlite.New(d, nil)

	res, err := repo.ReplaceResume(ctx, &models.Resume{OwnerID: 5, OriginalFilename: "cv.pdf", ExtractedText: "first aid, night shifts"})
	if err != nil {
		t.Fatalf("ReplaceResume error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := repo.CreateOpportunity(ctx, &models.Opportunity{OrgID: 2, Title: fmt.Sprintf("Shift %d", i), Description: "help", Active: true}); err != nil {
			t.Fatalf("CreateOpportunity error: %v", err)
		}
	}

	gate := newGateScorer()
	orch := scoring.New(repo, gate, audit.NewRecorder(repo, nil), nil, scoring.Options{Concurrency: 1, Backoff: time.Millisecond})
	pool := jobs.NewWorkerPool(repo, nil, nil, 1)
	pool.SetIdleWait(10 * time.Millisecond)
	trigger.RegisterHandlers(pool, orch, nil)

	id, err := pool.Enqueue(ctx, trigger.JobRescoreResume, map[string]int64{"resume_id": res.ID}, 0, 3)
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	// Shut down the way the server does: cancel the run context, then stop.
	runCtx, cancel := context.WithCancel(ctx)
	pool.Start(runCtx)
	select {
	case <-gate.started:
	case <-time.After(3 * time.Second):
		cancel()
		pool.Stop()
		t.Fatalf("job was not picked up")
	}
	cancel()
	close(gate.release)
	pool.Stop()

	scores, err := repo.ListScores(ctx)
	if err != nil {
		t.Fatalf("ListScores error: %v", err)
	}
	if len(scores) != 1 {
		t.Fatalf("expected only the in-flight pair stored before shutdown, got %d", len(scores))
	}

	// The job went back to the queue without spending an attempt. Claiming it
	// here leaves it running, as a process killed mid-job would.
	j, err := repo.FetchNext(ctx)
	if err != nil || j == nil {
		t.Fatalf("interrupted job must be claimable again, got %v, %v", j, err)
	}
	if j.ID != id || j.Attempts != 0 || !strings.Contains(j.LastError, "skipped") {
		t.Fatalf("unexpected requeued job %+v", j)
	}

	restarted := jobs.NewWorkerPool(repo, nil, nil, 1)
	restarted.SetIdleWait(10 * time.Millisecond)
	trigger.RegisterHandlers(restarted, orch, nil)
	restartCtx, stopRestarted := context.WithCancel(ctx)
	defer stopRestarted()
	restarted.Start(restartCtx)
	defer restarted.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var status string
		if err := d.QueryRow(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status); err != nil {
			t.Fatalf("read job status: %v", err)
		}
		if status == jobs.StatusDone {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	scores, err = repo.ListScores(ctx)
	if err != nil {
		t.Fatalf("ListScores error: %v", err)
	}
	if len(scores) != 3 {
		t.Fatalf("expected every pair scored after restart, got %d", len(scores))
	}
}

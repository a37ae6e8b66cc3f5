package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	dbfs "github.com/garnizeh/volunteer-match/db"
	dbpkg "github.com/garnizeh/volunteer-match/internal/db"
	"github.com/garnizeh/volunteer-match/internal/errs"
	"github.com/garnizeh/volunteer-match/internal/models"
	sqlite "github.com/garnizeh/volunteer-match/internal/repository/sqlite"
)

func setupRepo(t *testing.T) (*sqlite.SQLiteRepo, func()) {
	t.Helper()
	ctx := context.Background()
	d, err := dbpkg.New(ctx, ":memory:", nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := dbpkg.Migrate(ctx, d, dbfs.Migrations); err != nil {
		d.Close()
		t.Fatalf("failed to migrate: %v", err)
	}

	repo := sqlite.New(d, nil)
	return repo, func() { d.Close() }
}

func mustResume(t *testing.T, repo *sqlite.SQLiteRepo, owner int64, text string) int64 {
	t.Helper()
	out, err := repo.ReplaceResume(context.Background(), &models.Resume{OwnerID: owner, OriginalFilename: "cv.pdf", ExtractedText: text})
	if err != nil {
		t.Fatalf("ReplaceResume error: %v", err)
	}
	return out.ID
}

func mustOpportunity(t *testing.T, repo *sqlite.SQLiteRepo, org int64, active bool) int64 {
	t.Helper()
	id, err := repo.CreateOpportunity(context.Background(), &models.Opportunity{OrgID: org, Title: "Tutor", Description: "teach kids", RequiredSkills: "math", Active: active})
	if err != nil {
		t.Fatalf("CreateOpportunity error: %v", err)
	}
	return id
}

func mustScore(t *testing.T, repo *sqlite.SQLiteRepo, resumeID, oppID int64, overall float64, at time.Time) int64 {
	t.Helper()
	res, err := repo.UpsertScore(context.Background(), &models.ScoreRecord{ResumeID: resumeID, OpportunityID: oppID, Overall: overall, ComputedAt: at})
	if err != nil {
		t.Fatalf("UpsertScore error: %v", err)
	}
	return res.ID
}

func TestResumeReplaceSupersedes(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := repo.ReplaceResume(ctx, nil); err == nil {
		t.Fatalf("expected error when replacing with nil resume")
	}

	got, err := repo.GetResume(ctx, 9999)
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil for missing resume got %#v, %v", got, err)
	}

	first := mustResume(t, repo, 7, "go developer")
	opp := mustOpportunity(t, repo, 1, true)
	scoreID := mustScore(t, repo, first, opp, 80, time.Now())

	out, err := repo.ReplaceResume(ctx, &models.Resume{OwnerID: 7, OriginalFilename: "cv2.pdf"})
	if err != nil {
		t.Fatalf("ReplaceResume error: %v", err)
	}
	if out.SupersededID != first {
		t.Fatalf("expected superseded id %d got %d", first, out.SupersededID)
	}
	if len(out.RemovedScoreIDs) != 1 || out.RemovedScoreIDs[0] != scoreID {
		t.Fatalf("expected removed score %d got %v", scoreID, out.RemovedScoreIDs)
	}

	old, err := repo.GetResume(ctx, first)
	if err != nil || old != nil {
		t.Fatalf("expected superseded resume gone got %#v, %v", old, err)
	}

	cur, err := repo.GetActiveResumeByOwner(ctx, 7)
	if err != nil {
		t.Fatalf("GetActiveResumeByOwner error: %v", err)
	}
	if cur == nil || cur.ID != out.ID || cur.HasText() {
		t.Fatalf("unexpected current resume: %#v", cur)
	}
}

func TestResumeTextAndScorableList(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	withText := mustResume(t, repo, 1, "nurse")
	blank := mustResume(t, repo, 2, "")
	mustResume(t, repo, 3, "   ")

	list, err := repo.ListScorableResumes(ctx)
	if err != nil {
		t.Fatalf("ListScorableResumes error: %v", err)
	}
	if len(list) != 1 || list[0].ID != withText {
		t.Fatalf("expected only resume %d to be scorable got %#v", withText, list)
	}

	if err := repo.UpdateResumeText(ctx, blank, "carpenter"); err != nil {
		t.Fatalf("UpdateResumeText error: %v", err)
	}
	list, err = repo.ListScorableResumes(ctx)
	if err != nil {
		t.Fatalf("ListScorableResumes error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 scorable resumes got %d", len(list))
	}

	if err := repo.UpdateResumeText(ctx, 9999, "x"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestOpportunityCRUDAndExpiry(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := repo.CreateOpportunity(ctx, nil); err == nil {
		t.Fatalf("expected error when creating nil opportunity")
	}

	past := time.Now().Add(-48 * time.Hour)
	future := time.Now().Add(48 * time.Hour)
	expired := &models.Opportunity{OrgID: 1, Title: "Old", Active: true, EndDate: &past}
	current := &models.Opportunity{OrgID: 1, Title: "New", Active: true, EndDate: &future}
	inactive := &models.Opportunity{OrgID: 1, Title: "Off", Active: false}
	for _, o := range []*models.Opportunity{expired, current, inactive} {
		if _, err := repo.CreateOpportunity(ctx, o); err != nil {
			t.Fatalf("CreateOpportunity error: %v", err)
		}
	}

	active, err := repo.ListActiveOpportunities(ctx)
	if err != nil {
		t.Fatalf("ListActiveOpportunities error: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active opportunities got %d", len(active))
	}

	exp, err := repo.ListExpiredOpportunities(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListExpiredOpportunities error: %v", err)
	}
	if len(exp) != 1 || exp[0].ID != expired.ID {
		t.Fatalf("expected only %d expired got %#v", expired.ID, exp)
	}

	got, err := repo.GetOpportunity(ctx, current.ID)
	if err != nil || got == nil {
		t.Fatalf("GetOpportunity error: %v", err)
	}
	got.Description = "changed"
	got.Active = false
	if err := repo.UpdateOpportunity(ctx, got); err != nil {
		t.Fatalf("UpdateOpportunity error: %v", err)
	}
	after, _ := repo.GetOpportunity(ctx, current.ID)
	if after.Active || after.Description != "changed" || after.EndDate == nil {
		t.Fatalf("update not persisted: %#v", after)
	}

	if err := repo.UpdateOpportunity(ctx, &models.Opportunity{ID: 9999}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestUpsertScore_IdempotentAndPreservesStatus(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	rid := mustResume(t, repo, 1, "text")
	oid := mustOpportunity(t, repo, 1, true)
	t1 := time.Now().UTC()

	rec := &models.ScoreRecord{ResumeID: rid, OpportunityID: oid, Overall: 88, Skills: 90, Experience: 80, Education: 70, ComputedAt: t1}
	first, err := repo.UpsertScore(ctx, rec)
	if err != nil {
		t.Fatalf("UpsertScore error: %v", err)
	}
	if !first.Created || !first.Applied {
		t.Fatalf("expected created+applied got %#v", first)
	}
	if rec.Grade != "B+" {
		t.Fatalf("expected grade derived from overall got %q", rec.Grade)
	}

	again := &models.ScoreRecord{ResumeID: rid, OpportunityID: oid, Overall: 88, Skills: 90, Experience: 80, Education: 70, ComputedAt: t1}
	second, err := repo.UpsertScore(ctx, again)
	if err != nil {
		t.Fatalf("second UpsertScore error: %v", err)
	}
	if second.Created || second.ID != first.ID {
		t.Fatalf("expected update of same row got %#v", second)
	}

	if err := repo.UpdateCandidateStatus(ctx, first.ID, models.StatusAccepted, 1, time.Now()); err != nil {
		t.Fatalf("UpdateCandidateStatus error: %v", err)
	}

	t2 := t1.Add(time.Second)
	if _, err := repo.UpsertScore(ctx, &models.ScoreRecord{ResumeID: rid, OpportunityID: oid, Overall: 95, ComputedAt: t2, Status: models.StatusPending}); err != nil {
		t.Fatalf("rescore error: %v", err)
	}

	got, err := repo.GetScoreByPair(ctx, rid, oid)
	if err != nil || got == nil {
		t.Fatalf("GetScoreByPair error: %v", err)
	}
	if got.Status != models.StatusAccepted {
		t.Fatalf("expected status accepted to survive rescoring got %q", got.Status)
	}
	if got.Overall != 95 || got.Grade != "A" {
		t.Fatalf("expected refreshed score fields got %v %q", got.Overall, got.Grade)
	}
	if got.StatusBy == nil || *got.StatusBy != 1 || got.StatusUpdated == nil {
		t.Fatalf("expected status metadata preserved got %#v", got)
	}

	var count int
	stats, err := repo.ScoringStats(ctx)
	if err != nil {
		t.Fatalf("ScoringStats error: %v", err)
	}
	count = int(stats.ScoreRecords)
	if count != 1 {
		t.Fatalf("expected exactly one score record got %d", count)
	}
}

func TestUpsertScore_StaleWriteRejected(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	rid := mustResume(t, repo, 1, "text")
	oid := mustOpportunity(t, repo, 1, true)
	newer := time.Now().UTC()
	older := newer.Add(-time.Minute)

	mustScore(t, repo, rid, oid, 60, newer)

	res, err := repo.UpsertScore(ctx, &models.ScoreRecord{ResumeID: rid, OpportunityID: oid, Overall: 99, ComputedAt: older})
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected ErrConflict got %v", err)
	}
	if res.Applied {
		t.Fatalf("stale write must not be applied")
	}

	got, _ := repo.GetScoreByPair(ctx, rid, oid)
	if got.Overall != 60 {
		t.Fatalf("stale write overwrote score: %v", got.Overall)
	}
}

func TestUpsertScore_MissingParent(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()

	_, err := repo.UpsertScore(context.Background(), &models.ScoreRecord{ResumeID: 1, OpportunityID: 2, Overall: 50, ComputedAt: time.Now()})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestListTopForResume_Ordering(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	rid := mustResume(t, repo, 1, "text")
	base := time.Now().UTC()
	o72 := mustOpportunity(t, repo, 1, true)
	o91old := mustOpportunity(t, repo, 1, true)
	o91new := mustOpportunity(t, repo, 1, true)
	o40 := mustOpportunity(t, repo, 1, true)
	oInactive := mustOpportunity(t, repo, 1, false)

	mustScore(t, repo, rid, o72, 72, base)
	mustScore(t, repo, rid, o91old, 91, base.Add(time.Second))
	mustScore(t, repo, rid, o91new, 91, base.Add(2*time.Second))
	mustScore(t, repo, rid, o40, 40, base)
	mustScore(t, repo, rid, oInactive, 99, base)

	top, err := repo.ListTopForResume(ctx, rid, 3)
	if err != nil {
		t.Fatalf("ListTopForResume error: %v", err)
	}
	want := []int64{o91new, o91old, o72}
	if len(top) != len(want) {
		t.Fatalf("expected %d results got %d", len(want), len(top))
	}
	for i, id := range want {
		if top[i].OpportunityID != id {
			t.Fatalf("position %d: expected opportunity %d got %d", i, id, top[i].OpportunityID)
		}
	}
}

func TestListTopForOpportunity_MinScoreAndPlacedElsewhere(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	oid := mustOpportunity(t, repo, 1, true)
	other := mustOpportunity(t, repo, 2, true)
	r1 := mustResume(t, repo, 10, "a")
	r2 := mustResume(t, repo, 11, "b")
	r3 := mustResume(t, repo, 12, "c")
	now := time.Now()

	mustScore(t, repo, r1, oid, 90, now)
	mustScore(t, repo, r2, oid, 70, now)
	mustScore(t, repo, r3, oid, 50, now)
	placed := mustScore(t, repo, r2, other, 80, now)
	if err := repo.UpdateCandidateStatus(ctx, placed, models.StatusAccepted, 2, now); err != nil {
		t.Fatalf("UpdateCandidateStatus error: %v", err)
	}

	cands, err := repo.ListTopForOpportunity(ctx, oid, 10, 65)
	if err != nil {
		t.Fatalf("ListTopForOpportunity error: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates above 65 got %d", len(cands))
	}
	if cands[0].ResumeID != r1 || cands[0].ResumeOwnerID != 10 || cands[0].PlacedElsewhere {
		t.Fatalf("unexpected first candidate %#v", cands[0])
	}
	if cands[1].ResumeID != r2 || !cands[1].PlacedElsewhere {
		t.Fatalf("expected second candidate placed elsewhere %#v", cands[1])
	}
}

func TestDeleteOpportunity_CascadesScores(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	oid := mustOpportunity(t, repo, 1, true)
	keep := mustOpportunity(t, repo, 1, true)
	r1 := mustResume(t, repo, 1, "a")
	r2 := mustResume(t, repo, 2, "b")
	s1 := mustScore(t, repo, r1, oid, 10, time.Now())
	s2 := mustScore(t, repo, r2, oid, 20, time.Now())
	kept := mustScore(t, repo, r1, keep, 30, time.Now())

	removed, err := repo.DeleteOpportunity(ctx, oid)
	if err != nil {
		t.Fatalf("DeleteOpportunity error: %v", err)
	}
	if len(removed) != 2 || removed[0] != s1 || removed[1] != s2 {
		t.Fatalf("unexpected removed ids %v", removed)
	}
	if got, _ := repo.GetScore(ctx, s1); got != nil {
		t.Fatalf("expected score %d deleted", s1)
	}
	if got, _ := repo.GetScore(ctx, kept); got == nil {
		t.Fatalf("expected unrelated score %d kept", kept)
	}

	if _, err := repo.DeleteOpportunity(ctx, oid); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete got %v", err)
	}

	removed, err = repo.DeleteResume(ctx, r1)
	if err != nil {
		t.Fatalf("DeleteResume error: %v", err)
	}
	if len(removed) != 1 || removed[0] != kept {
		t.Fatalf("unexpected removed ids %v", removed)
	}
}

func TestGradeRepairAndStats(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	rid := mustResume(t, repo, 1, "a")
	mustResume(t, repo, 2, "b")
	oid := mustOpportunity(t, repo, 1, true)
	sid := mustScore(t, repo, rid, oid, 91, time.Now())

	if err := repo.UpdateGrade(ctx, sid, "F"); err != nil {
		t.Fatalf("UpdateGrade error: %v", err)
	}
	all, err := repo.ListScores(ctx)
	if err != nil {
		t.Fatalf("ListScores error: %v", err)
	}
	if len(all) != 1 || all[0].Grade != "F" {
		t.Fatalf("expected stored grade F got %#v", all)
	}

	st, err := repo.ScoringStats(ctx)
	if err != nil {
		t.Fatalf("ScoringStats error: %v", err)
	}
	if st.ResumesWithText != 2 || st.ActiveOpportunities != 1 || st.UnscoredPairs != 1 {
		t.Fatalf("unexpected stats %#v", st)
	}
	if st.ByStatus[models.StatusPending] != 1 {
		t.Fatalf("expected one pending got %v", st.ByStatus)
	}
}

func TestAuditAppendAndList(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := repo.AppendAudit(ctx, nil); err == nil {
		t.Fatalf("expected error when appending nil entry")
	}

	entries := []models.AuditEntry{
		{EventID: "e1", EntityKind: models.EntityResume, EntityID: 1, Action: models.ActionCreated, Actor: "volunteer:1"},
		{EventID: "e2", EntityKind: models.EntityOpportunity, EntityID: 1, Action: models.ActionDeleted, Actor: "organization:2"},
		{EventID: "e3", EntityKind: models.EntityResume, EntityID: 1, Action: models.ActionUpdated, Actor: "system", Summary: "extracted_text"},
	}
	for i := range entries {
		if _, err := repo.AppendAudit(ctx, &entries[i]); err != nil {
			t.Fatalf("AppendAudit error: %v", err)
		}
	}

	if _, err := repo.AppendAudit(ctx, &models.AuditEntry{EventID: "e1", EntityKind: models.EntityResume, Action: models.ActionCreated}); err == nil {
		t.Fatalf("expected duplicate event id to be rejected")
	}

	got, err := repo.ListAudit(ctx, models.AuditFilter{EntityKind: models.EntityResume, EntityID: 1})
	if err != nil {
		t.Fatalf("ListAudit error: %v", err)
	}
	if len(got) != 2 || got[0].EventID != "e3" || got[1].EventID != "e1" {
		t.Fatalf("unexpected audit listing %#v", got)
	}

	all, err := repo.ListAudit(ctx, models.AuditFilter{})
	if err != nil {
		t.Fatalf("ListAudit error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries got %d", len(all))
	}
}

func TestJobQueue(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	none, err := repo.FetchNext(ctx)
	if err != nil || none != nil {
		t.Fatalf("expected empty queue got %#v, %v", none, err)
	}

	j := &models.BackgroundJob{Type: "scoring.resume", Payload: []byte(`{"resume_id":1}`)}
	id, err := repo.Enqueue(ctx, j)
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if j.MaxAttempts != 5 {
		t.Fatalf("expected default max attempts 5 got %d", j.MaxAttempts)
	}

	got, err := repo.FetchNext(ctx)
	if err != nil || got == nil {
		t.Fatalf("FetchNext error: %v", err)
	}
	if got.ID != id || got.Status != "running" || string(got.Payload) != `{"resume_id":1}` {
		t.Fatalf("unexpected job %#v", got)
	}

	again, err := repo.FetchNext(ctx)
	if err != nil || again != nil {
		t.Fatalf("claimed job must not be fetched twice got %#v", again)
	}

	future := time.Now().Add(time.Hour)
	got.Status = "retry"
	got.Attempts = 1
	got.NextTryAt = &future
	got.LastError = "boom"
	if err := repo.UpdateJob(ctx, got); err != nil {
		t.Fatalf("UpdateJob error: %v", err)
	}
	if j, _ := repo.FetchNext(ctx); j != nil {
		t.Fatalf("job scheduled in the future must not be fetched")
	}

	if err := repo.MoveToDeadLetter(ctx, got); err != nil {
		t.Fatalf("MoveToDeadLetter error: %v", err)
	}
}

func TestRequeueRunning(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := repo.Enqueue(ctx, &models.BackgroundJob{Type: "scoring.resume", Payload: []byte(`{"resume_id":1}`)}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if _, err := repo.Enqueue(ctx, &models.BackgroundJob{Type: "scoring.resume", Payload: []byte(`{"resume_id":2}`)}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	claimed, err := repo.FetchNext(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("FetchNext error: %v", err)
	}

	n, err := repo.RequeueRunning(ctx)
	if err != nil {
		t.Fatalf("RequeueRunning error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one running job requeued got %d", n)
	}

	seen := map[int64]bool{}
	for i := 0; i < 2; i++ {
		j, err := repo.FetchNext(ctx)
		if err != nil || j == nil {
			t.Fatalf("FetchNext %d error: %v", i, err)
		}
		seen[j.ID] = true
	}
	if !seen[claimed.ID] {
		t.Fatalf("requeued job %d was not fetched again", claimed.ID)
	}
	if n, _ := repo.RequeueRunning(ctx); n != 2 {
		t.Fatalf("expected both claimed jobs requeued got %d", n)
	}
}

func TestListUnscoredPairs(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	r1 := mustResume(t, repo, 1, "nurse")
	r2 := mustResume(t, repo, 2, "driver")
	mustResume(t, repo, 3, "")
	o1 := mustOpportunity(t, repo, 10, true)
	o2 := mustOpportunity(t, repo, 10, true)
	mustOpportunity(t, repo, 10, false)
	mustScore(t, repo, r1, o1, 60, time.Now())

	got, err := repo.ListUnscoredPairs(ctx)
	if err != nil {
		t.Fatalf("ListUnscoredPairs error: %v", err)
	}
	want := []models.PairRef{{ResumeID: r1, OpportunityID: o2}, {ResumeID: r2, OpportunityID: o1}, {ResumeID: r2, OpportunityID: o2}}
	if len(got) != len(want) {
		t.Fatalf("expected %d pairs got %#v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pair %d: got %+v want %+v", i, got[i], want[i])
		}
	}

	st, err := repo.ScoringStats(ctx)
	if err != nil {
		t.Fatalf("ScoringStats error: %v", err)
	}
	if st.UnscoredPairs != int64(len(want)) {
		t.Fatalf("stats disagree with listing: %d vs %d", st.UnscoredPairs, len(want))
	}
}

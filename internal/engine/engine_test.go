package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"keel/internal/config"
	"keel/internal/db"
	"keel/internal/domain"
	"keel/internal/engine"
	"keel/internal/migrate"
	"keel/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

var testActor = engine.Actor{ID: "tester", Role: "founder"}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return clock }
	eng.Ledger.Now = eng.Now
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: &clock}
}

func (env testEnv) createDecision(t *testing.T, title string) domain.Decision {
	t.Helper()
	d, err := env.Engine.CreateDecision(env.Ctx, engine.DecisionCreateOptions{Title: title, Actor: testActor})
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	return d
}

func (env testEnv) submit(t *testing.T, decisionID, payload string) domain.ArtifactVersion {
	t.Helper()
	v, err := env.Engine.SubmitArtifact(env.Ctx, decisionID, json.RawMessage(payload), testActor)
	if err != nil {
		t.Fatalf("submit artifact: %v", err)
	}
	return v
}

func TestArtifactVersionNumbering(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, "Raise bridge round")

	v1 := env.submit(t, d.ID, `{"decision":{"statement":"raise"}}`)
	if v1.Version != 1 {
		t.Fatalf("first version = %d, want 1", v1.Version)
	}
	v2 := env.submit(t, d.ID, `{"decision":{"statement":"raise more"}}`)
	if v2.Version != 2 {
		t.Fatalf("second version = %d, want 2", v2.Version)
	}
	// prior version is untouched
	prev, err := env.Engine.Repo.GetArtifactVersion(env.Ctx, d.ID, 1)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if prev.Hash != v1.Hash {
		t.Fatalf("v1 hash changed")
	}
	got, err := env.Engine.Repo.GetDecision(env.Ctx, d.ID)
	if err != nil || got.ArtifactVersion == nil || *got.ArtifactVersion != 2 {
		t.Fatalf("decision artifact_version not tracking latest: %+v err=%v", got, err)
	}
}

func TestArtifactHashStableAcrossKeyOrder(t *testing.T) {
	env := newTestEnv(t)
	a := env.createDecision(t, "a")
	b := env.createDecision(t, "b")

	va := env.submit(t, a.ID, `{"x":1,"y":2}`)
	vb := env.submit(t, b.ID, `{"y":2,"x":1}`)
	if va.Hash != vb.Hash {
		t.Fatalf("equivalent payloads hashed differently: %s vs %s", va.Hash, vb.Hash)
	}
}

func TestPatchPreservesUnknownKeys(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, "patch target")
	env.submit(t, d.ID, `{"a":{"x":1},"b":[1,2],"custom":{"keep":true}}`)

	v, err := env.Engine.PatchArtifact(env.Ctx, d.ID, json.RawMessage(`{"a":{"y":2}}`), testActor)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(v.PayloadJSON), &doc); err != nil {
		t.Fatal(err)
	}
	a := doc["a"].(map[string]any)
	if a["x"] != float64(1) || a["y"] != float64(2) {
		t.Fatalf("merge result wrong: %v", a)
	}
	if doc["custom"].(map[string]any)["keep"] != true {
		t.Fatalf("unknown key dropped")
	}
	if len(doc["b"].([]any)) != 2 {
		t.Fatalf("array not carried over")
	}
}

func TestPatchWithoutArtifactIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, "empty")
	_, err := env.Engine.PatchArtifact(env.Ctx, d.ID, json.RawMessage(`{"a":1}`), testActor)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestGovernanceTransitions(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, "ship it")

	// finalize with no artifact fails
	if _, err := env.Engine.Finalize(env.Ctx, d.ID, testActor); err == nil {
		t.Fatalf("expected precondition failure")
	} else if _, ok := err.(engine.PreconditionError); !ok {
		t.Fatalf("want PreconditionError, got %T", err)
	}

	// sign off before finalize fails
	if _, err := env.Engine.SignOff(env.Ctx, d.ID, testActor); err == nil {
		t.Fatalf("expected sign-off precondition failure")
	}

	env.submit(t, d.ID, `{"decision":{"statement":"go"}}`)
	d2, err := env.Engine.Finalize(env.Ctx, d.ID, testActor)
	if err != nil || d2.Status != domain.StatusFinalized {
		t.Fatalf("finalize: %v status=%s", err, d2.Status)
	}
	// double finalize fails
	if _, err := env.Engine.Finalize(env.Ctx, d.ID, testActor); err == nil {
		t.Fatalf("expected repeat finalize to fail")
	}
	d3, err := env.Engine.SignOff(env.Ctx, d.ID, testActor)
	if err != nil || d3.Status != domain.StatusSignedOff {
		t.Fatalf("sign off: %v status=%s", err, d3.Status)
	}
	// no backward moves
	if _, err := env.Engine.Finalize(env.Ctx, d.ID, testActor); err == nil {
		t.Fatalf("expected finalize after sign-off to fail")
	}
}

func TestSubmitAfterFinalizeKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, "amendable")
	env.submit(t, d.ID, `{"v":1}`)
	if _, err := env.Engine.Finalize(env.Ctx, d.ID, testActor); err != nil {
		t.Fatal(err)
	}
	env.submit(t, d.ID, `{"v":2}`)
	got, err := env.Engine.Repo.GetDecision(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFinalized {
		t.Fatalf("amendment reverted status to %s", got.Status)
	}
	if *got.ArtifactVersion != 2 {
		t.Fatalf("amendment not recorded")
	}
}

func TestSignOffRequiresActor(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, "attributable")
	env.submit(t, d.ID, `{"v":1}`)
	if _, err := env.Engine.Finalize(env.Ctx, d.ID, testActor); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SignOff(env.Ctx, d.ID, engine.Actor{}); err == nil {
		t.Fatalf("expected sign-off without actor to fail")
	}
}

func TestLedgerEventOrderAndAtomicity(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, "ordered")
	env.submit(t, d.ID, `{"v":1}`)
	*env.Clock = env.Clock.Add(time.Hour)
	if _, err := env.Engine.Finalize(env.Ctx, d.ID, testActor); err != nil {
		t.Fatal(err)
	}
	*env.Clock = env.Clock.Add(time.Hour)
	if _, err := env.Engine.SignOff(env.Ctx, d.ID, testActor); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.ListLedgerEvents(env.Ctx, d.ID, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	wantTypes := []string{domain.EventDecisionCreated, domain.EventArtifactAdded, domain.EventFinalized, domain.EventSignedOff}
	if len(events) != len(wantTypes) {
		t.Fatalf("event count = %d, want %d", len(events), len(wantTypes))
	}
	for i, ev := range events {
		if ev.Type != wantTypes[i] {
			t.Fatalf("event[%d] = %s, want %s", i, ev.Type, wantTypes[i])
		}
		if i > 0 && events[i-1].TS > ev.TS {
			t.Fatalf("events out of timestamp order")
		}
	}
	// the artifact_added event references the version it recorded
	added := events[1]
	if added.ArtifactVersion == nil || *added.ArtifactVersion != 1 || added.ArtifactHash == nil {
		t.Fatalf("artifact_added missing version reference: %+v", added)
	}
}

func TestCommitExecutionPlan(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, "plan me")
	env.submit(t, d.ID, `{"emr":{"milestones":[{"id":"m1","title":"first"},{"id":"m2","title":"second"}]}}`)

	// four must-dos rejected
	_, err := env.Engine.CommitExecutionPlan(env.Ctx, d.ID, []string{"m1", "m2", "m1", "m2"}, "", testActor)
	if _, ok := err.(engine.PreconditionError); !ok {
		t.Fatalf("want PreconditionError for 4 ids, got %v", err)
	}
	// unknown id rejected
	_, err = env.Engine.CommitExecutionPlan(env.Ctx, d.ID, []string{"nope"}, "", testActor)
	if _, ok := err.(engine.ValidationError); !ok {
		t.Fatalf("want ValidationError for unknown id, got %v", err)
	}

	v, err := env.Engine.CommitExecutionPlan(env.Ctx, d.ID, []string{"m1", "m2"}, "focus on m1", testActor)
	if err != nil {
		t.Fatalf("commit plan: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(v.PayloadJSON), &doc); err != nil {
		t.Fatal(err)
	}
	if doc["plan_committed"] != true {
		t.Fatalf("plan_committed not set")
	}
	if len(doc["must_do_ids"].([]any)) != 2 {
		t.Fatalf("must_do_ids wrong: %v", doc["must_do_ids"])
	}
	events, err := env.Engine.Repo.ListLedgerEvents(env.Ctx, d.ID, domain.EventPlanCommitted, 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("plan_committed event missing: %v", err)
	}
}

func TestCommitPlanWithoutMilestonesFails(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, "no milestones")
	env.submit(t, d.ID, `{"emr":{"milestones":[]}}`)
	_, err := env.Engine.CommitExecutionPlan(env.Ctx, d.ID, []string{}, "", testActor)
	if _, ok := err.(engine.PreconditionError); !ok {
		t.Fatalf("want PreconditionError, got %v", err)
	}
}

func TestRecordOutcomeReview(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, "review me")
	env.submit(t, d.ID, `{"decision":{"statement":"x"}}`)
	if _, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{DecisionID: d.ID, Name: "done one", Status: "done"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{DecisionID: d.ID, Name: "open one"}); err != nil {
		t.Fatal(err)
	}

	rv, err := env.Engine.RecordOutcomeReview(env.Ctx, engine.OutcomeReviewOptions{
		DecisionID:     d.ID,
		Summary:        "first cycle done",
		ReadinessDelta: "plus_one",
		NextCycleFocus: "sales",
		Actor:          testActor,
	})
	if err != nil {
		t.Fatalf("record review: %v", err)
	}
	if rv.FollowUp != "keep" {
		t.Fatalf("follow_up default not applied")
	}
	events, err := env.Engine.Repo.ListLedgerEvents(env.Ctx, d.ID, domain.EventOutcomeReviewAdded, 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("outcome_review_added event missing: %v", err)
	}
	// last cycle summary denormalized onto the artifact
	latest, err := env.Engine.Repo.LatestArtifactVersion(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(latest.PayloadJSON), &doc); err != nil {
		t.Fatal(err)
	}
	summary, ok := doc["last_cycle_summary"].(map[string]any)
	if !ok {
		t.Fatalf("last_cycle_summary missing")
	}
	if summary["milestones_completed"] != float64(1) || summary["milestones_total"] != float64(2) {
		t.Fatalf("summary counts wrong: %v", summary)
	}
}

func TestOutcomeReviewRejectsInvalidEnums(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, "strict review")
	env.submit(t, d.ID, `{"decision":{"statement":"x"}}`)

	_, err := env.Engine.RecordOutcomeReview(env.Ctx, engine.OutcomeReviewOptions{
		DecisionID:     d.ID,
		Summary:        "cycle done",
		ReadinessDelta: "plus_two",
		Actor:          testActor,
	})
	if _, ok := err.(engine.ValidationError); !ok {
		t.Fatalf("want ValidationError for readiness delta, got %v", err)
	}
	_, err = env.Engine.RecordOutcomeReview(env.Ctx, engine.OutcomeReviewOptions{
		DecisionID: d.ID,
		Summary:    "cycle done",
		FollowUp:   "escalate",
		Actor:      testActor,
	})
	if _, ok := err.(engine.ValidationError); !ok {
		t.Fatalf("want ValidationError for follow-up, got %v", err)
	}
	reviews, err := env.Engine.Repo.ListOutcomeReviews(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(reviews) != 0 {
		t.Fatalf("rejected reviews were stored: %v", reviews)
	}
}

func TestOutcomeReviewSurvivesSummaryPatchFailure(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, "odd artifact")
	// an array payload hashes fine but cannot take an object patch
	env.submit(t, d.ID, `["not","an","object"]`)

	rv, err := env.Engine.RecordOutcomeReview(env.Ctx, engine.OutcomeReviewOptions{
		DecisionID: d.ID,
		Summary:    "cycle done",
		Actor:      testActor,
	})
	if err != nil {
		t.Fatalf("record review: %v", err)
	}
	reviews, err := env.Engine.Repo.ListOutcomeReviews(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(reviews) != 1 || reviews[0].ID != rv.ID {
		t.Fatalf("review not stored: %v", reviews)
	}
	latest, err := env.Engine.Repo.LatestArtifactVersion(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Version != 1 {
		t.Fatalf("failed summary patch appended version %d", latest.Version)
	}
}

func TestConcurrentSubmissionsKeepVersionsGapFree(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, "contended")

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := fmt.Sprintf(`{"decision":{"statement":"attempt %d"}}`, i)
			if _, err := env.Engine.SubmitArtifact(env.Ctx, d.ID, json.RawMessage(payload), testActor); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("submit: %v", err)
	}

	versions, err := env.Engine.Repo.ListArtifactVersions(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != writers {
		t.Fatalf("got %d versions, want %d", len(versions), writers)
	}
	for i, v := range versions {
		if v.Version != i+1 {
			t.Fatalf("version at index %d = %d, want %d", i, v.Version, i+1)
		}
	}
	got, err := env.Engine.Repo.GetDecision(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ArtifactVersion == nil || *got.ArtifactVersion != writers {
		t.Fatalf("decision pointer = %v, want %d", got.ArtifactVersion, writers)
	}
}

func TestConcurrentPatchesMergeAllChanges(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, "patched from all sides")
	env.submit(t, d.ID, `{"base":true}`)

	keys := []string{"alpha", "beta", "gamma"}
	var wg sync.WaitGroup
	errs := make(chan error, len(keys))
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			patch := fmt.Sprintf(`{"%s":"set"}`, k)
			if _, err := env.Engine.PatchArtifact(env.Ctx, d.ID, json.RawMessage(patch), testActor); err != nil {
				errs <- err
			}
		}(k)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("patch: %v", err)
	}

	latest, err := env.Engine.Repo.LatestArtifactVersion(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Version != len(keys)+1 {
		t.Fatalf("latest version = %d, want %d", latest.Version, len(keys)+1)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(latest.PayloadJSON), &doc); err != nil {
		t.Fatal(err)
	}
	// no patch may be lost to a stale merge, whichever order they landed in
	for _, k := range keys {
		if doc[k] != "set" {
			t.Fatalf("patch %q missing from final payload: %s", k, latest.PayloadJSON)
		}
	}
	if doc["base"] != true {
		t.Fatalf("base key lost: %s", latest.PayloadJSON)
	}
}

func TestMilestoneCRUD(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, "tracked")
	m, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{DecisionID: d.ID, Name: "hire CTO", Responsible: "ana"})
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}
	if m.Status != "pending" {
		t.Fatalf("default status = %s", m.Status)
	}
	status := "completed"
	m, err = env.Engine.UpdateMilestone(env.Ctx, engine.MilestoneUpdateOptions{ID: m.ID, Status: &status})
	if err != nil || m.Status != "completed" {
		t.Fatalf("update: %v status=%s", err, m.Status)
	}
	bad := "bogus"
	if _, err := env.Engine.UpdateMilestone(env.Ctx, engine.MilestoneUpdateOptions{ID: m.ID, Status: &bad}); err == nil {
		t.Fatalf("expected invalid status rejection")
	}
	if err := env.Engine.DeleteMilestone(env.Ctx, m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := env.Engine.DeleteMilestone(env.Ctx, m.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestReadinessDeterministic(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, "scored")
	env.submit(t, d.ID, `{"v":1}`)
	if _, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{DecisionID: d.ID, Name: "m", Status: "done"}); err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.DecisionReadiness(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.DecisionReadiness(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("readiness not deterministic: %+v vs %+v", first, second)
	}
}

func TestEnterpriseScoresAndTrend(t *testing.T) {
	env := newTestEnv(t)
	ent, err := env.Engine.CreateEnterprise(env.Ctx, "Acme")
	if err != nil {
		t.Fatal(err)
	}
	d, err := env.Engine.CreateDecision(env.Ctx, engine.DecisionCreateOptions{EnterpriseID: ent.ID, Title: "expand", Actor: testActor})
	if err != nil {
		t.Fatal(err)
	}
	env.submit(t, d.ID, `{"emr":{"milestones":[{"id":"m1"}]}}`)

	first, err := env.Engine.EnterpriseHealth(env.Ctx, ent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Trend != nil {
		t.Fatalf("first computation should have no trend")
	}

	// improve the enterprise, trend should move up
	if _, err := env.Engine.CommitExecutionPlan(env.Ctx, d.ID, []string{"m1"}, "", testActor); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Finalize(env.Ctx, d.ID, testActor); err != nil {
		t.Fatal(err)
	}
	*env.Clock = env.Clock.Add(10 * 24 * time.Hour)
	if _, err := env.Engine.SignOff(env.Ctx, d.ID, testActor); err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.EnterpriseHealth(env.Ctx, ent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.Total <= first.Total {
		t.Fatalf("health did not improve: %f -> %f", first.Total, second.Total)
	}
	if second.Trend == nil || *second.Trend != "up" {
		t.Fatalf("trend = %v, want up", second.Trend)
	}

	velocity, err := env.Engine.EnterpriseVelocity(env.Ctx, ent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if velocity.Score != 100 {
		t.Fatalf("10-day cycle should score 100, got %f", velocity.Score)
	}

	activation, err := env.Engine.EnterpriseActivation(env.Ctx, ent.ID)
	if err != nil {
		t.Fatal(err)
	}
	// workspace, decision, plan committed; no tracked milestone or review yet
	if activation.Percent != 60 {
		t.Fatalf("activation percent = %f, want 60", activation.Percent)
	}

	index, err := env.Engine.EnterpriseReadinessIndex(env.Ctx, ent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if index.Total <= 0 || index.Band == "" {
		t.Fatalf("index empty: %+v", index)
	}

	portfolio, err := env.Engine.Portfolio(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(portfolio) != 1 || portfolio[0].SignedOff != 1 {
		t.Fatalf("portfolio wrong: %+v", portfolio)
	}
}

func TestTimelineOldestFirst(t *testing.T) {
	env := newTestEnv(t)
	ent, err := env.Engine.CreateEnterprise(env.Ctx, "Acme")
	if err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.CreateDecision(env.Ctx, engine.DecisionCreateOptions{EnterpriseID: ent.ID, Title: "one", Actor: testActor})
	if err != nil {
		t.Fatal(err)
	}
	*env.Clock = env.Clock.Add(time.Hour)
	if _, err := env.Engine.CreateDecision(env.Ctx, engine.DecisionCreateOptions{EnterpriseID: ent.ID, Title: "two", Actor: testActor}); err != nil {
		t.Fatal(err)
	}
	timeline, err := env.Engine.EnterpriseTimeline(env.Ctx, ent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(timeline) != 2 || timeline[0].Decision.ID != first.ID {
		t.Fatalf("timeline not oldest first: %+v", timeline)
	}
	if timeline[0].Readiness == "" {
		t.Fatalf("timeline missing readiness band")
	}
}

package export_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"keel/internal/config"
	"keel/internal/db"
	"keel/internal/domain"
	"keel/internal/engine"
	"keel/internal/export"
	"keel/internal/migrate"
)

func seed(t *testing.T) (engine.Engine, domain.Enterprise, domain.Decision) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	eng.Ledger.Now = eng.Now
	ctx := context.Background()
	actor := engine.Actor{ID: "tester"}

	ent, err := eng.CreateEnterprise(ctx, "Acme")
	if err != nil {
		t.Fatal(err)
	}
	d, err := eng.CreateDecision(ctx, engine.DecisionCreateOptions{EnterpriseID: ent.ID, Title: "export me", Actor: actor})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SubmitArtifact(ctx, d.ID, json.RawMessage(`{"decision":{"statement":"x"}}`), actor); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateMilestone(ctx, engine.MilestoneCreateOptions{DecisionID: d.ID, Name: "first"}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.RecordOutcomeReview(ctx, engine.OutcomeReviewOptions{DecisionID: d.ID, Summary: "done", Actor: actor}); err != nil {
		t.Fatal(err)
	}
	return eng, ent, d
}

func TestDecisionExportRoundTrip(t *testing.T) {
	eng, _, d := seed(t)
	ex := export.Exporter{Repo: eng.Repo}
	bundle, err := ex.Decision(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(bundle.ArtifactVersions) == 0 || len(bundle.LedgerEvents) == 0 {
		t.Fatalf("bundle incomplete: %+v", bundle)
	}

	var buf bytes.Buffer
	if err := export.WriteJSON(&buf, bundle); err != nil {
		t.Fatal(err)
	}
	var decoded export.DecisionBundle
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Decision.ID != d.ID {
		t.Fatalf("round trip lost decision id")
	}
	if len(decoded.ArtifactVersions) != len(bundle.ArtifactVersions) {
		t.Fatalf("round trip lost versions")
	}
	if decoded.ArtifactVersions[0].Hash != bundle.ArtifactVersions[0].Hash {
		t.Fatalf("round trip changed hash")
	}
}

func TestDecisionExportCSV(t *testing.T) {
	eng, _, d := seed(t)
	ex := export.Exporter{Repo: eng.Repo}
	bundle, err := ex.Decision(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := export.WriteDecisionCSV(&buf, bundle); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if rows[0][0] != "record_type" {
		t.Fatalf("missing header row")
	}
	// header + decision + versions + events + milestones + reviews
	want := 1 + 1 + len(bundle.ArtifactVersions) + len(bundle.LedgerEvents) + len(bundle.Milestones) + len(bundle.OutcomeReviews)
	if len(rows) != want {
		t.Fatalf("row count = %d, want %d", len(rows), want)
	}
	types := map[string]bool{}
	for _, row := range rows[1:] {
		types[row[0]] = true
	}
	for _, rt := range []string{"decision", "artifact_version", "ledger_event", "milestone", "outcome_review"} {
		if !types[rt] {
			t.Fatalf("record type %s missing from tabular export", rt)
		}
	}
}

func TestEnterpriseExport(t *testing.T) {
	eng, ent, _ := seed(t)
	ex := export.Exporter{Repo: eng.Repo}
	bundle, err := ex.Enterprise(context.Background(), ent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if bundle.Enterprise.ID != ent.ID || len(bundle.Decisions) != 1 {
		t.Fatalf("enterprise bundle wrong: %+v", bundle)
	}

	var buf bytes.Buffer
	if err := export.WriteEnterpriseCSV(&buf, bundle); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if rows[1][0] != "enterprise" {
		t.Fatalf("enterprise row missing")
	}
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"keel/internal/config"
	"keel/internal/domain"

	"gopkg.in/yaml.v3"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertEnterprise(ctx context.Context, e domain.Enterprise) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO enterprises(id,name,created_at) VALUES (?,?,?)`,
		e.ID, e.Name, e.CreatedAt)
	return err
}

func (r Repo) GetEnterprise(ctx context.Context, id string) (domain.Enterprise, error) {
	var e domain.Enterprise
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM enterprises WHERE id=?`, id).
		Scan(&e.ID, &e.Name, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) ListEnterprises(ctx context.Context) ([]domain.Enterprise, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM enterprises ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Enterprise
	for rows.Next() {
		var e domain.Enterprise
		if err := rows.Scan(&e.ID, &e.Name, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

const decisionColumns = `id,enterprise_id,title,status,artifact_version,COALESCE(owner,'') AS owner,COALESCE(expected_outcome,'') AS expected_outcome,review_reminder,COALESCE(review_notes,'') AS review_notes,created_at,updated_at`

func scanDecision(scan func(dest ...any) error) (domain.Decision, error) {
	var d domain.Decision
	var enterpriseID sql.NullString
	var artifactVersion sql.NullInt64
	err := scan(&d.ID, &enterpriseID, &d.Title, &d.Status, &artifactVersion,
		&d.Owner, &d.ExpectedOutcome, &d.ReviewReminder, &d.ReviewNotes, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if enterpriseID.Valid {
		d.EnterpriseID = &enterpriseID.String
	}
	if artifactVersion.Valid {
		v := int(artifactVersion.Int64)
		d.ArtifactVersion = &v
	}
	return d, err
}

func (r Repo) InsertDecisionTx(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decisions(id,enterprise_id,title,status,artifact_version,owner,expected_outcome,review_reminder,review_notes,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, nullableStringPtr(d.EnterpriseID), d.Title, d.Status, nullableIntPtr(d.ArtifactVersion),
		nullable(d.Owner), nullable(d.ExpectedOutcome), d.ReviewReminder, nullable(d.ReviewNotes), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDecision(ctx context.Context, id string) (domain.Decision, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id=?`, id)
	return scanDecision(row.Scan)
}

func (r Repo) GetDecisionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Decision, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id=?`, id)
	return scanDecision(row.Scan)
}

// ListDecisions returns decisions, optionally filtered by enterprise and status.
func (r Repo) ListDecisions(ctx context.Context, enterpriseID, status string) ([]domain.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions`
	var (
		clauses []string
		args    []any
	)
	if enterpriseID != "" {
		clauses = append(clauses, "enterprise_id=?")
		args = append(args, enterpriseID)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) UpdateDecisionStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE decisions SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateDecisionArtifactVersionTx(ctx context.Context, tx *sql.Tx, id string, version int, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE decisions SET artifact_version=?, updated_at=? WHERE id=?`, version, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDecisionExecutionTx patches the free-text execution fields. Nil
// pointers leave the corresponding column untouched.
func (r Repo) UpdateDecisionExecutionTx(ctx context.Context, tx *sql.Tx, id string, owner, expectedOutcome, reviewNotes *string, reviewReminder *bool, updatedAt string) error {
	fields := []string{"updated_at=?"}
	args := []any{updatedAt}
	if owner != nil {
		fields = append(fields, "owner=?")
		args = append(args, nullable(*owner))
	}
	if expectedOutcome != nil {
		fields = append(fields, "expected_outcome=?")
		args = append(args, nullable(*expectedOutcome))
	}
	if reviewNotes != nil {
		fields = append(fields, "review_notes=?")
		args = append(args, nullable(*reviewNotes))
	}
	if reviewReminder != nil {
		fields = append(fields, "review_reminder=?")
		args = append(args, *reviewReminder)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE decisions SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertArtifactVersionTx(ctx context.Context, tx *sql.Tx, v domain.ArtifactVersion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifact_versions(decision_id,version,payload_json,hash,created_at) VALUES (?,?,?,?,?)`,
		v.DecisionID, v.Version, v.PayloadJSON, v.Hash, v.CreatedAt)
	return err
}

func (r Repo) GetArtifactVersion(ctx context.Context, decisionID string, version int) (domain.ArtifactVersion, error) {
	var v domain.ArtifactVersion
	err := r.DB.QueryRowContext(ctx, `SELECT decision_id,version,payload_json,hash,created_at FROM artifact_versions WHERE decision_id=? AND version=?`, decisionID, version).
		Scan(&v.DecisionID, &v.Version, &v.PayloadJSON, &v.Hash, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) LatestArtifactVersion(ctx context.Context, decisionID string) (domain.ArtifactVersion, error) {
	var v domain.ArtifactVersion
	err := r.DB.QueryRowContext(ctx, `SELECT decision_id,version,payload_json,hash,created_at FROM artifact_versions WHERE decision_id=? ORDER BY version DESC LIMIT 1`, decisionID).
		Scan(&v.DecisionID, &v.Version, &v.PayloadJSON, &v.Hash, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) LatestArtifactVersionTx(ctx context.Context, tx *sql.Tx, decisionID string) (domain.ArtifactVersion, error) {
	var v domain.ArtifactVersion
	err := tx.QueryRowContext(ctx, `SELECT decision_id,version,payload_json,hash,created_at FROM artifact_versions WHERE decision_id=? ORDER BY version DESC LIMIT 1`, decisionID).
		Scan(&v.DecisionID, &v.Version, &v.PayloadJSON, &v.Hash, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) ListArtifactVersions(ctx context.Context, decisionID string) ([]domain.ArtifactVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT decision_id,version,payload_json,hash,created_at FROM artifact_versions WHERE decision_id=? ORDER BY version ASC`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArtifactVersion
	for rows.Next() {
		var v domain.ArtifactVersion
		if err := rows.Scan(&v.DecisionID, &v.Version, &v.PayloadJSON, &v.Hash, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

const eventColumns = `id,decision_id,type,artifact_version,artifact_hash,supersedes_id,reason_code,actor_id,COALESCE(actor_role,'') AS actor_role,ts,payload_json`

func scanEvent(scan func(dest ...any) error) (domain.LedgerEvent, error) {
	var ev domain.LedgerEvent
	var artifactVersion sql.NullInt64
	var artifactHash, reasonCode sql.NullString
	var supersedesID sql.NullInt64
	err := scan(&ev.ID, &ev.DecisionID, &ev.Type, &artifactVersion, &artifactHash,
		&supersedesID, &reasonCode, &ev.ActorID, &ev.ActorRole, &ev.TS, &ev.PayloadJSON)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if artifactVersion.Valid {
		v := int(artifactVersion.Int64)
		ev.ArtifactVersion = &v
	}
	if artifactHash.Valid {
		ev.ArtifactHash = &artifactHash.String
	}
	if supersedesID.Valid {
		ev.SupersedesID = &supersedesID.Int64
	}
	if reasonCode.Valid {
		ev.ReasonCode = &reasonCode.String
	}
	return ev, err
}

func (r Repo) GetLedgerEvent(ctx context.Context, id int64) (domain.LedgerEvent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM ledger_events WHERE id=?`, id)
	return scanEvent(row.Scan)
}

// ListLedgerEvents returns a decision's events in ledger order (timestamp,
// then insertion id for same-timestamp events).
func (r Repo) ListLedgerEvents(ctx context.Context, decisionID string, eventType string, limit int) ([]domain.LedgerEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM ledger_events WHERE decision_id=?`
	args := []any{decisionID}
	if eventType != "" {
		query += " AND type=?"
		args = append(args, eventType)
	}
	query += " ORDER BY ts ASC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEvent
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// ListEnterpriseEvents returns events across all of an enterprise's
// decisions, oldest first, optionally filtered by event type.
func (r Repo) ListEnterpriseEvents(ctx context.Context, enterpriseID, eventType string) ([]domain.LedgerEvent, error) {
	query := `SELECT e.id,e.decision_id,e.type,e.artifact_version,e.artifact_hash,e.supersedes_id,e.reason_code,e.actor_id,COALESCE(e.actor_role,'') AS actor_role,e.ts,e.payload_json
FROM ledger_events e JOIN decisions d ON d.id=e.decision_id WHERE d.enterprise_id=?`
	args := []any{enterpriseID}
	if eventType != "" {
		query += " AND e.type=?"
		args = append(args, eventType)
	}
	query += " ORDER BY e.ts ASC, e.id ASC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEvent
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with id greater than cursor, across
// every decision, in insertion order. Used by the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.LedgerEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM ledger_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEvent
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM ledger_events`).Scan(&id)
	return id, err
}

func (r Repo) CountLedgerEvents(ctx context.Context, decisionID, eventType string) (int, error) {
	query := `SELECT COUNT(*) FROM ledger_events WHERE decision_id=?`
	args := []any{decisionID}
	if eventType != "" {
		query += " AND type=?"
		args = append(args, eventType)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (r Repo) InsertMilestone(ctx context.Context, m domain.Milestone) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO milestones(id,decision_id,name,responsible,due_date,status,notes,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.DecisionID, m.Name, nullable(m.Responsible), nullableStringPtr(m.DueDate), m.Status, nullable(m.Notes), m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	var m domain.Milestone
	var responsible, notes sql.NullString
	var dueDate sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,decision_id,name,responsible,due_date,status,notes,created_at,updated_at FROM milestones WHERE id=?`, id).
		Scan(&m.ID, &m.DecisionID, &m.Name, &responsible, &dueDate, &m.Status, &notes, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if responsible.Valid {
		m.Responsible = responsible.String
	}
	if dueDate.Valid {
		m.DueDate = &dueDate.String
	}
	if notes.Valid {
		m.Notes = notes.String
	}
	return m, err
}

func (r Repo) ListMilestones(ctx context.Context, decisionID string) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,decision_id,name,COALESCE(responsible,''),due_date,status,COALESCE(notes,''),created_at,updated_at FROM milestones WHERE decision_id=? ORDER BY created_at ASC, id ASC`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		var m domain.Milestone
		var dueDate sql.NullString
		if err := rows.Scan(&m.ID, &m.DecisionID, &m.Name, &m.Responsible, &dueDate, &m.Status, &m.Notes, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if dueDate.Valid {
			m.DueDate = &dueDate.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UpdateMilestone applies a partial update; nil pointers leave fields as-is.
func (r Repo) UpdateMilestone(ctx context.Context, id string, name, responsible, status, notes *string, dueDate **string, updatedAt string) error {
	fields := []string{"updated_at=?"}
	args := []any{updatedAt}
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if responsible != nil {
		fields = append(fields, "responsible=?")
		args = append(args, nullable(*responsible))
	}
	if status != nil {
		fields = append(fields, "status=?")
		args = append(args, *status)
	}
	if notes != nil {
		fields = append(fields, "notes=?")
		args = append(args, nullable(*notes))
	}
	if dueDate != nil {
		fields = append(fields, "due_date=?")
		args = append(args, nullableStringPtr(*dueDate))
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE milestones SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteMilestone(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM milestones WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertOutcomeReviewTx(ctx context.Context, tx *sql.Tx, rv domain.OutcomeReview) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO outcome_reviews(id,decision_id,summary,what_worked,what_did_not,learnings,assumptions,readiness_delta,follow_up,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rv.ID, rv.DecisionID, rv.Summary, nullable(rv.WhatWorked), nullable(rv.WhatDidNot), nullable(rv.Learnings),
		nullable(rv.Assumptions), rv.ReadinessDelta, rv.FollowUp, rv.CreatedAt)
	return err
}

func (r Repo) ListOutcomeReviews(ctx context.Context, decisionID string) ([]domain.OutcomeReview, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,decision_id,summary,COALESCE(what_worked,''),COALESCE(what_did_not,''),COALESCE(learnings,''),COALESCE(assumptions,''),readiness_delta,follow_up,created_at
FROM outcome_reviews WHERE decision_id=? ORDER BY created_at ASC, id ASC`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutcomeReview
	for rows.Next() {
		var rv domain.OutcomeReview
		if err := rows.Scan(&rv.ID, &rv.DecisionID, &rv.Summary, &rv.WhatWorked, &rv.WhatDidNot, &rv.Learnings, &rv.Assumptions, &rv.ReadinessDelta, &rv.FollowUp, &rv.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}

func (r Repo) CountOutcomeReviews(ctx context.Context, decisionID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM outcome_reviews WHERE decision_id=?`, decisionID).Scan(&n)
	return n, err
}

// ListEnterpriseReviews returns outcome reviews across all of an
// enterprise's decisions, oldest first.
func (r Repo) ListEnterpriseReviews(ctx context.Context, enterpriseID string) ([]domain.OutcomeReview, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT r.id,r.decision_id,r.summary,COALESCE(r.what_worked,''),COALESCE(r.what_did_not,''),COALESCE(r.learnings,''),COALESCE(r.assumptions,''),r.readiness_delta,r.follow_up,r.created_at
FROM outcome_reviews r JOIN decisions d ON d.id=r.decision_id WHERE d.enterprise_id=? ORDER BY r.created_at ASC, r.id ASC`, enterpriseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutcomeReview
	for rows.Next() {
		var rv domain.OutcomeReview
		if err := rows.Scan(&rv.ID, &rv.DecisionID, &rv.Summary, &rv.WhatWorked, &rv.WhatDidNot, &rv.Learnings, &rv.Assumptions, &rv.ReadinessDelta, &rv.FollowUp, &rv.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}

func (r Repo) InsertScoreSnapshot(ctx context.Context, s domain.ScoreSnapshot) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO score_snapshots(enterprise_id,kind,total,computed_at) VALUES (?,?,?,?)`,
		s.EnterpriseID, s.Kind, s.Total, s.ComputedAt)
	return err
}

// PrevScoreSnapshot returns the most recent stored snapshot for the
// enterprise and kind, or ErrNotFound if none has been recorded yet.
func (r Repo) PrevScoreSnapshot(ctx context.Context, enterpriseID, kind string) (domain.ScoreSnapshot, error) {
	var s domain.ScoreSnapshot
	err := r.DB.QueryRowContext(ctx, `SELECT id,enterprise_id,kind,total,computed_at FROM score_snapshots WHERE enterprise_id=? AND kind=? ORDER BY id DESC LIMIT 1`, enterpriseID, kind).
		Scan(&s.ID, &s.EnterpriseID, &s.Kind, &s.Total, &s.ComputedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) UpsertScoringConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO scoring_configs(id,config_json,created_at,updated_at) VALUES ('default',?,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, string(payload), now, now)
	return err
}

// GetScoringConfig returns the stored policy table, or the built-in
// defaults when none has been imported.
func (r Repo) GetScoringConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM scoring_configs WHERE id='default'`).Scan(&payload)
	if err == sql.ErrNoRows {
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(payload))
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

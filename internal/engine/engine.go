package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"keel/internal/artifact"
	"keel/internal/config"
	"keel/internal/domain"
	"keel/internal/ledger"
	"keel/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Actor identifies who performed a state-changing operation.
type Actor struct {
	ID   string
	Role string
}

func (e Engine) CreateEnterprise(ctx context.Context, name string) (domain.Enterprise, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Enterprise{}, ValidationError{Reason: "name is required"}
	}
	ent := domain.Enterprise{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: e.nowStr(),
	}
	if err := e.Repo.InsertEnterprise(ctx, ent); err != nil {
		return domain.Enterprise{}, err
	}
	return ent, nil
}

// DecisionCreateOptions are parameters for creating a decision.
type DecisionCreateOptions struct {
	ID              string
	EnterpriseID    string
	Title           string
	Owner           string
	ExpectedOutcome string
	Actor           Actor
}

func (e Engine) CreateDecision(ctx context.Context, opts DecisionCreateOptions) (domain.Decision, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Decision{}, ValidationError{Reason: "title is required"}
	}
	if opts.Actor.ID == "" {
		return domain.Decision{}, ValidationError{Reason: "actor is required"}
	}
	if opts.EnterpriseID != "" {
		if _, err := e.Repo.GetEnterprise(ctx, opts.EnterpriseID); err != nil {
			return domain.Decision{}, err
		}
	}
	now := e.nowStr()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	d := domain.Decision{
		ID:              id,
		EnterpriseID:    optionalString(opts.EnterpriseID),
		Title:           opts.Title,
		Status:          domain.StatusDraft,
		Owner:           opts.Owner,
		ExpectedOutcome: opts.ExpectedOutcome,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDecisionTx(ctx, tx, d); err != nil {
		return d, err
	}
	if _, err := e.Ledger.Append(ctx, tx, ledger.Entry{
		DecisionID: d.ID,
		Type:       domain.EventDecisionCreated,
		ActorID:    opts.Actor.ID,
		ActorRole:  opts.Actor.Role,
		Payload:    ledger.EventPayload{"title": d.Title},
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

const maxAppendRetries = 3

// SubmitArtifact appends a new artifact version and its ledger event as one
// atomic write. Allowed in any status: submitting after finalize records an
// amendment without reverting status.
func (e Engine) SubmitArtifact(ctx context.Context, decisionID string, payload json.RawMessage, actor Actor) (domain.ArtifactVersion, error) {
	if actor.ID == "" {
		return domain.ArtifactVersion{}, ValidationError{Reason: "actor is required"}
	}
	if _, err := e.Repo.GetDecision(ctx, decisionID); err != nil {
		return domain.ArtifactVersion{}, err
	}
	hash, err := artifact.Hash(payload)
	if err != nil {
		return domain.ArtifactVersion{}, ValidationError{Reason: err.Error()}
	}
	var v domain.ArtifactVersion
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		v, err = e.appendVersion(ctx, decisionID, payload, hash, actor)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return v, err
	}
	return v, err
}

func (e Engine) appendVersion(ctx context.Context, decisionID string, payload json.RawMessage, hash string, actor Actor) (domain.ArtifactVersion, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	defer tx.Rollback()

	version := 1
	prev, err := e.Repo.LatestArtifactVersionTx(ctx, tx, decisionID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.ArtifactVersion{}, err
	}
	if err == nil {
		version = prev.Version + 1
	}
	v, err := e.insertVersionTx(ctx, tx, decisionID, payload, hash, version)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	if _, err := e.Ledger.Append(ctx, tx, ledger.Entry{
		DecisionID:      decisionID,
		Type:            domain.EventArtifactAdded,
		ArtifactVersion: &version,
		ArtifactHash:    &hash,
		ActorID:         actor.ID,
		ActorRole:       actor.Role,
	}); err != nil {
		return domain.ArtifactVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		if isVersionConflict(err) {
			return domain.ArtifactVersion{}, ErrVersionConflict
		}
		return domain.ArtifactVersion{}, err
	}
	return v, nil
}

func (e Engine) insertVersionTx(ctx context.Context, tx *sql.Tx, decisionID string, payload json.RawMessage, hash string, version int) (domain.ArtifactVersion, error) {
	now := e.nowStr()
	v := domain.ArtifactVersion{
		DecisionID:  decisionID,
		Version:     version,
		PayloadJSON: string(payload),
		Hash:        hash,
		CreatedAt:   now,
	}
	if err := e.Repo.InsertArtifactVersionTx(ctx, tx, v); err != nil {
		if isVersionConflict(err) {
			return domain.ArtifactVersion{}, ErrVersionConflict
		}
		return domain.ArtifactVersion{}, err
	}
	if err := e.Repo.UpdateDecisionArtifactVersionTx(ctx, tx, decisionID, version, now); err != nil {
		return domain.ArtifactVersion{}, err
	}
	return v, nil
}

func isVersionConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: artifact_versions")
}

// PatchArtifact deep-merges partialPayload onto the latest version and
// appends the result as a new version. Fails if no version exists yet.
// The latest version is re-read inside each attempt so a concurrent append
// never causes a stale merge to win the retry.
func (e Engine) PatchArtifact(ctx context.Context, decisionID string, partialPayload json.RawMessage, actor Actor) (domain.ArtifactVersion, error) {
	if actor.ID == "" {
		return domain.ArtifactVersion{}, ValidationError{Reason: "actor is required"}
	}
	var v domain.ArtifactVersion
	var err error
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		v, err = e.patchVersion(ctx, decisionID, partialPayload, actor)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return v, err
	}
	return v, err
}

func (e Engine) patchVersion(ctx context.Context, decisionID string, partialPayload json.RawMessage, actor Actor) (domain.ArtifactVersion, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	defer tx.Rollback()

	latest, err := e.Repo.LatestArtifactVersionTx(ctx, tx, decisionID)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	merged, err := artifact.Merge(json.RawMessage(latest.PayloadJSON), partialPayload)
	if err != nil {
		return domain.ArtifactVersion{}, ValidationError{Reason: err.Error()}
	}
	hash, err := artifact.Hash(merged)
	if err != nil {
		return domain.ArtifactVersion{}, ValidationError{Reason: err.Error()}
	}
	version := latest.Version + 1
	v, err := e.insertVersionTx(ctx, tx, decisionID, merged, hash, version)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	if _, err := e.Ledger.Append(ctx, tx, ledger.Entry{
		DecisionID:      decisionID,
		Type:            domain.EventArtifactAdded,
		ArtifactVersion: &version,
		ArtifactHash:    &hash,
		ActorID:         actor.ID,
		ActorRole:       actor.Role,
	}); err != nil {
		return domain.ArtifactVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		if isVersionConflict(err) {
			return domain.ArtifactVersion{}, ErrVersionConflict
		}
		return domain.ArtifactVersion{}, err
	}
	return v, nil
}

func ensureDecisionTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StatusDraft:
		if newStatus == domain.StatusFinalized {
			return nil
		}
	case domain.StatusFinalized:
		if newStatus == domain.StatusSignedOff {
			return nil
		}
	}
	return PreconditionError{Reason: fmt.Sprintf("invalid status transition %s -> %s", oldStatus, newStatus)}
}

// Finalize moves a draft decision with at least one artifact version to
// finalized.
func (e Engine) Finalize(ctx context.Context, decisionID string, actor Actor) (domain.Decision, error) {
	if actor.ID == "" {
		return domain.Decision{}, ValidationError{Reason: "actor is required"}
	}
	d, err := e.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return d, err
	}
	if err := ensureDecisionTransition(d.Status, domain.StatusFinalized); err != nil {
		return d, err
	}
	if d.ArtifactVersion == nil {
		return d, PreconditionError{Reason: "cannot finalize a decision with no artifact"}
	}
	latest, err := e.Repo.LatestArtifactVersion(ctx, decisionID)
	if err != nil {
		return d, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := e.Repo.UpdateDecisionStatusTx(ctx, tx, decisionID, domain.StatusFinalized, now); err != nil {
		return d, err
	}
	if _, err := e.Ledger.Append(ctx, tx, ledger.Entry{
		DecisionID:      decisionID,
		Type:            domain.EventFinalized,
		ArtifactVersion: &latest.Version,
		ArtifactHash:    &latest.Hash,
		ActorID:         actor.ID,
		ActorRole:       actor.Role,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	d.Status = domain.StatusFinalized
	d.UpdatedAt = now
	return d, nil
}

// SignOff moves a finalized decision to signed_off. The actor is recorded on
// the ledger event so every sign-off is attributable.
func (e Engine) SignOff(ctx context.Context, decisionID string, actor Actor) (domain.Decision, error) {
	if actor.ID == "" {
		return domain.Decision{}, ValidationError{Reason: "actor is required for sign-off"}
	}
	d, err := e.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return d, err
	}
	if err := ensureDecisionTransition(d.Status, domain.StatusSignedOff); err != nil {
		return d, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := e.Repo.UpdateDecisionStatusTx(ctx, tx, decisionID, domain.StatusSignedOff, now); err != nil {
		return d, err
	}
	entry := ledger.Entry{
		DecisionID: decisionID,
		Type:       domain.EventSignedOff,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
	}
	if d.ArtifactVersion != nil {
		latest, err := e.Repo.LatestArtifactVersion(ctx, decisionID)
		if err != nil {
			return d, err
		}
		entry.ArtifactVersion = &latest.Version
		entry.ArtifactHash = &latest.Hash
	}
	if _, err := e.Ledger.Append(ctx, tx, entry); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	d.Status = domain.StatusSignedOff
	d.UpdatedAt = now
	return d, nil
}

type embeddedMilestone struct {
	ID string `json:"id"`
}

type emrBlock struct {
	Milestones []embeddedMilestone `json:"milestones"`
}

// CommitExecutionPlan marks the artifact's plan as committed with up to three
// chosen must-do milestone ids from the artifact's embedded milestone list.
func (e Engine) CommitExecutionPlan(ctx context.Context, decisionID string, mustDoIDs []string, note string, actor Actor) (domain.ArtifactVersion, error) {
	if actor.ID == "" {
		return domain.ArtifactVersion{}, ValidationError{Reason: "actor is required"}
	}
	if len(mustDoIDs) > 3 {
		return domain.ArtifactVersion{}, PreconditionError{Reason: fmt.Sprintf("at most 3 must-do milestones allowed, got %d", len(mustDoIDs))}
	}
	ids := mustDoIDs
	if ids == nil {
		ids = []string{}
	}
	var v domain.ArtifactVersion
	var err error
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		v, err = e.commitPlanVersion(ctx, decisionID, ids, note, actor)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return v, err
	}
	return v, err
}

func (e Engine) commitPlanVersion(ctx context.Context, decisionID string, mustDoIDs []string, note string, actor Actor) (domain.ArtifactVersion, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	defer tx.Rollback()

	latest, err := e.Repo.LatestArtifactVersionTx(ctx, tx, decisionID)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	var doc struct {
		EMR emrBlock `json:"emr"`
	}
	if err := json.Unmarshal([]byte(latest.PayloadJSON), &doc); err != nil {
		return domain.ArtifactVersion{}, ValidationError{Reason: fmt.Sprintf("artifact payload: %v", err)}
	}
	if len(doc.EMR.Milestones) == 0 {
		return domain.ArtifactVersion{}, PreconditionError{Reason: "artifact has no milestones to commit"}
	}
	known := map[string]bool{}
	for _, m := range doc.EMR.Milestones {
		known[m.ID] = true
	}
	for _, id := range mustDoIDs {
		if !known[id] {
			return domain.ArtifactVersion{}, ValidationError{Reason: fmt.Sprintf("must-do id %s not among artifact milestones", id)}
		}
	}
	patch := map[string]any{
		"plan_committed": true,
		"must_do_ids":    mustDoIDs,
	}
	if note != "" {
		patch["plan_note"] = note
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	merged, err := artifact.Merge(json.RawMessage(latest.PayloadJSON), patchJSON)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	hash, err := artifact.Hash(merged)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	version := latest.Version + 1
	v, err := e.insertVersionTx(ctx, tx, decisionID, merged, hash, version)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	if _, err := e.Ledger.Append(ctx, tx, ledger.Entry{
		DecisionID:      decisionID,
		Type:            domain.EventPlanCommitted,
		ArtifactVersion: &version,
		ArtifactHash:    &hash,
		ActorID:         actor.ID,
		ActorRole:       actor.Role,
		Payload:         ledger.EventPayload{"must_do_ids": mustDoIDs, "note": note},
	}); err != nil {
		return domain.ArtifactVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		if isVersionConflict(err) {
			return domain.ArtifactVersion{}, ErrVersionConflict
		}
		return domain.ArtifactVersion{}, err
	}
	return v, nil
}

// OutcomeReviewOptions are parameters for recording an outcome review.
type OutcomeReviewOptions struct {
	DecisionID     string
	Summary        string
	WhatWorked     string
	WhatDidNot     string
	Learnings      string
	Assumptions    string
	ReadinessDelta string
	FollowUp       string
	NextCycleFocus string
	Actor          Actor
}

var reviewDeltas = map[string]bool{
	"minus_one": true,
	"zero":      true,
	"plus_one":  true,
}

var reviewFollowUps = map[string]bool{
	"keep":   true,
	"raise":  true,
	"reduce": true,
	"stop":   true,
}

// RecordOutcomeReview persists a review row and its ledger event, then
// denormalizes a last-cycle summary onto the artifact when one exists. The
// summary patch is best-effort bookkeeping; the review itself is the record.
func (e Engine) RecordOutcomeReview(ctx context.Context, opts OutcomeReviewOptions) (domain.OutcomeReview, error) {
	if opts.Actor.ID == "" {
		return domain.OutcomeReview{}, ValidationError{Reason: "actor is required"}
	}
	if strings.TrimSpace(opts.Summary) == "" {
		return domain.OutcomeReview{}, ValidationError{Reason: "summary is required"}
	}
	if opts.ReadinessDelta == "" {
		opts.ReadinessDelta = "zero"
	}
	if opts.FollowUp == "" {
		opts.FollowUp = "keep"
	}
	if !reviewDeltas[opts.ReadinessDelta] {
		return domain.OutcomeReview{}, ValidationError{Reason: "invalid readiness delta " + opts.ReadinessDelta}
	}
	if !reviewFollowUps[opts.FollowUp] {
		return domain.OutcomeReview{}, ValidationError{Reason: "invalid follow-up " + opts.FollowUp}
	}
	if _, err := e.Repo.GetDecision(ctx, opts.DecisionID); err != nil {
		return domain.OutcomeReview{}, err
	}
	milestones, err := e.Repo.ListMilestones(ctx, opts.DecisionID)
	if err != nil {
		return domain.OutcomeReview{}, err
	}
	rv := domain.OutcomeReview{
		ID:             uuid.New().String(),
		DecisionID:     opts.DecisionID,
		Summary:        opts.Summary,
		WhatWorked:     opts.WhatWorked,
		WhatDidNot:     opts.WhatDidNot,
		Learnings:      opts.Learnings,
		Assumptions:    opts.Assumptions,
		ReadinessDelta: opts.ReadinessDelta,
		FollowUp:       opts.FollowUp,
		CreatedAt:      e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rv, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertOutcomeReviewTx(ctx, tx, rv); err != nil {
		return rv, err
	}
	if _, err := e.Ledger.Append(ctx, tx, ledger.Entry{
		DecisionID: opts.DecisionID,
		Type:       domain.EventOutcomeReviewAdded,
		ActorID:    opts.Actor.ID,
		ActorRole:  opts.Actor.Role,
		Payload:    ledger.EventPayload{"review_id": rv.ID, "readiness_delta": rv.ReadinessDelta, "follow_up": rv.FollowUp},
	}); err != nil {
		return rv, err
	}
	if err := tx.Commit(); err != nil {
		return rv, err
	}

	if _, err := e.Repo.LatestArtifactVersion(ctx, opts.DecisionID); err == nil {
		completed := 0
		for _, m := range milestones {
			if milestoneCompleted(m.Status) {
				completed++
			}
		}
		summary := map[string]any{
			"last_cycle_summary": map[string]any{
				"milestones_completed": completed,
				"milestones_total":     len(milestones),
				"readiness_delta":      rv.ReadinessDelta,
				"next_cycle_focus":     opts.NextCycleFocus,
				"reviewed_at":          rv.CreatedAt,
			},
		}
		patchJSON, err := json.Marshal(summary)
		if err != nil {
			return rv, err
		}
		// The review and its event are already committed; a failed summary
		// patch must not surface as a failed review.
		if _, err := e.PatchArtifact(ctx, opts.DecisionID, patchJSON, opts.Actor); err != nil {
			log.Printf("outcome review %s: last_cycle_summary patch failed: %v", rv.ID, err)
		}
	}
	return rv, nil
}

func milestoneCompleted(status string) bool {
	return status == "done" || status == "completed"
}

// ExecutionUpdateOptions patch the decision's free-text execution fields.
type ExecutionUpdateOptions struct {
	DecisionID      string
	Owner           *string
	ExpectedOutcome *string
	ReviewNotes     *string
	ReviewReminder  *bool
	Actor           Actor
}

func (e Engine) UpdateExecution(ctx context.Context, opts ExecutionUpdateOptions) (domain.Decision, error) {
	if opts.Actor.ID == "" {
		return domain.Decision{}, ValidationError{Reason: "actor is required"}
	}
	if _, err := e.Repo.GetDecision(ctx, opts.DecisionID); err != nil {
		return domain.Decision{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := e.Repo.UpdateDecisionExecutionTx(ctx, tx, opts.DecisionID, opts.Owner, opts.ExpectedOutcome, opts.ReviewNotes, opts.ReviewReminder, now); err != nil {
		return domain.Decision{}, err
	}
	if _, err := e.Ledger.Append(ctx, tx, ledger.Entry{
		DecisionID: opts.DecisionID,
		Type:       domain.EventExecutionUpdated,
		ActorID:    opts.Actor.ID,
		ActorRole:  opts.Actor.Role,
	}); err != nil {
		return domain.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Decision{}, err
	}
	return e.Repo.GetDecision(ctx, opts.DecisionID)
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

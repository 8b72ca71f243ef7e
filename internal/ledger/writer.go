package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends events to the governance ledger. Rows are never updated
// or deleted; corrections reference the entry they supersede.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry describes one ledger append.
type Entry struct {
	DecisionID      string
	Type            string
	ArtifactVersion *int
	ArtifactHash    *string
	SupersedesID    *int64
	ReasonCode      *string
	ActorID         string
	ActorRole       string
	Payload         EventPayload
}

// ErrBadReference reports an append whose artifact-version or supersedes
// reference points at a row that does not exist.
type ErrBadReference struct {
	Field string
	Value string
}

func (e ErrBadReference) Error() string {
	return fmt.Sprintf("ledger event references unknown %s %s", e.Field, e.Value)
}

// Append writes one event inside the caller's transaction and returns its
// id. Artifact-version and supersedes references are checked against the
// same transaction, so an event and the version it records commit together
// or not at all.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (int64, error) {
	if e.DecisionID == "" {
		return 0, fmt.Errorf("decision id required")
	}
	if e.Type == "" {
		return 0, fmt.Errorf("event type required")
	}
	if e.ActorID == "" {
		return 0, fmt.Errorf("actor id required")
	}
	if e.ArtifactVersion != nil {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM artifact_versions WHERE decision_id=? AND version=?`, e.DecisionID, *e.ArtifactVersion).Scan(&one)
		if err == sql.ErrNoRows {
			return 0, ErrBadReference{Field: "artifact version", Value: fmt.Sprintf("%d", *e.ArtifactVersion)}
		}
		if err != nil {
			return 0, err
		}
	}
	if e.SupersedesID != nil {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM ledger_events WHERE id=? AND decision_id=?`, *e.SupersedesID, e.DecisionID).Scan(&one)
		if err == sql.ErrNoRows {
			return 0, ErrBadReference{Field: "superseded event", Value: fmt.Sprintf("%d", *e.SupersedesID)}
		}
		if err != nil {
			return 0, err
		}
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = EventPayload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO ledger_events(decision_id,type,artifact_version,artifact_hash,supersedes_id,reason_code,actor_id,actor_role,ts,payload_json)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.DecisionID, e.Type, nullableIntPtr(e.ArtifactVersion), nullableStringPtr(e.ArtifactHash),
		nullableInt64Ptr(e.SupersedesID), nullableStringPtr(e.ReasonCode), e.ActorID, nullable(e.ActorRole), ts, string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
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

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

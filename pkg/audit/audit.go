// Package audit persists admission decisions to Postgres.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	// Redact collapses identifiers in paths and hashes sensitive detail keys.
	Redact bool
}

// Record is one row of admission_audit. ClientID is never stored; Append
// replaces it with ClientHash.
type Record struct {
	DecisionID        string
	ClientID          string
	ClientHash        string
	Tenant            string
	Category          string
	Method            string
	Path              string
	Outcome           string
	Kind              string
	Reason            string
	Stage             string
	TrustLevel        string
	RateOverride      bool
	AuditRequirements []string
	Details           json.RawMessage
	CreatedAt         time.Time
}

const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeOverride = "override"
	OutcomeBypassed = "bypassed"
)

const selectColumns = `decision_id, client_hash, tenant, category, method, path, outcome, kind, reason, stage, trust_level, rate_override, audit_requirements, details, created_at`

func (w *Writer) Append(ctx context.Context, rec Record) error {
	rec = prepare(rec, w.HashSalt)
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	if rec.AuditRequirements == nil {
		rec.AuditRequirements = []string{}
	}
	if len(rec.Details) == 0 {
		rec.Details = json.RawMessage(`{}`)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO admission_audit
		(decision_id, client_hash, tenant, category, method, path, outcome, kind, reason, stage, trust_level, rate_override, audit_requirements, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (decision_id) DO NOTHING
	`, rec.DecisionID, rec.ClientHash, rec.Tenant, rec.Category, rec.Method, rec.Path, rec.Outcome, rec.Kind, rec.Reason, rec.Stage, rec.TrustLevel, rec.RateOverride, rec.AuditRequirements, rec.Details, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID, tenant string) (Record, error) {
	var row pgx.Row
	if tenant != "" {
		row = w.DB.QueryRow(ctx, `SELECT `+selectColumns+` FROM admission_audit WHERE tenant=$1 AND decision_id=$2`, tenant, decisionID)
	} else {
		row = w.DB.QueryRow(ctx, `SELECT `+selectColumns+` FROM admission_audit WHERE decision_id=$1`, decisionID)
	}
	var rec Record
	var details json.RawMessage
	if err := row.Scan(&rec.DecisionID, &rec.ClientHash, &rec.Tenant, &rec.Category, &rec.Method, &rec.Path, &rec.Outcome, &rec.Kind, &rec.Reason, &rec.Stage, &rec.TrustLevel, &rec.RateOverride, &rec.AuditRequirements, &details, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Details = details
	return rec, nil
}

// Prune deletes records older than before and returns how many went.
func (w *Writer) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := w.DB.Exec(ctx, `DELETE FROM admission_audit WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func prepare(rec Record, salt []byte) Record {
	if rec.ClientHash == "" && rec.ClientID != "" {
		rec.ClientHash = hashString(rec.ClientID, salt)
	}
	rec.ClientID = ""
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return rec
}

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// recordingDB captures the last statement and serves a single stored row.
type recordingDB struct {
	sql      string
	args     []any
	stored   *Record
	failExec error
	failScan error
}

func (db *recordingDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.sql, db.args = sql, args
	if db.failExec != nil {
		return pgconn.CommandTag{}, db.failExec
	}
	if strings.Contains(sql, "DELETE") {
		return pgconn.NewCommandTag("DELETE 3"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (db *recordingDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.sql, db.args = sql, args
	return storedRow{rec: db.stored, err: db.failScan}
}

type storedRow struct {
	rec *Record
	err error
}

func (r storedRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.rec == nil {
		return pgx.ErrNoRows
	}
	src := r.rec
	cols := []any{src.DecisionID, src.ClientHash, src.Tenant, src.Category, src.Method, src.Path,
		src.Outcome, src.Kind, src.Reason, src.Stage, src.TrustLevel, src.RateOverride,
		src.AuditRequirements, src.Details, src.CreatedAt}
	if len(dest) != len(cols) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = cols[i].(string)
		case *bool:
			*p = cols[i].(bool)
		case *[]string:
			*p = cols[i].([]string)
		case *json.RawMessage:
			*p = cols[i].(json.RawMessage)
		case *time.Time:
			*p = cols[i].(time.Time)
		default:
			return errors.New("unexpected scan target")
		}
	}
	return nil
}

func argString(t *testing.T, args []any, i int) string {
	t.Helper()
	if len(args) <= i {
		t.Fatalf("only %d args, want index %d", len(args), i)
	}
	switch v := args[i].(type) {
	case string:
		return v
	case json.RawMessage:
		return string(v)
	}
	t.Fatalf("arg %d is %T", i, args[i])
	return ""
}

func TestAppendStoresHashedClient(t *testing.T) {
	db := &recordingDB{}
	w := &Writer{DB: db, HashSalt: []byte("salt")}
	at := time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC)

	err := w.Append(context.Background(), Record{
		DecisionID: "d-1",
		ClientID:   "user:alice",
		Tenant:     "tenant-a",
		Category:   "PHI_OPERATION",
		Method:     "GET",
		Path:       "/api/patients/123",
		Outcome:    OutcomeDenied,
		Kind:       "RATE_LIMIT_EXCEEDED",
		Stage:      "window",
		CreatedAt:  at,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !strings.Contains(db.sql, "INSERT INTO admission_audit") || !strings.Contains(db.sql, "ON CONFLICT (decision_id) DO NOTHING") {
		t.Fatalf("unexpected sql: %s", db.sql)
	}
	if len(db.args) != 15 {
		t.Fatalf("expected 15 args, got %d", len(db.args))
	}
	if got := argString(t, db.args, 1); got != hashString("user:alice", []byte("salt")) {
		t.Fatalf("client hash = %q", got)
	}
	for i := range db.args {
		if s, ok := db.args[i].(string); ok && s == "user:alice" {
			t.Fatalf("raw client id in column %d", i)
		}
	}
	if got := argString(t, db.args, 5); got != "/api/patients/123" {
		t.Fatalf("path = %q", got)
	}
	if got, ok := db.args[12].([]string); !ok || len(got) != 0 || got == nil {
		t.Fatalf("audit requirements = %#v, want empty slice", db.args[12])
	}
	if got := argString(t, db.args, 13); got != "{}" {
		t.Fatalf("details = %s", got)
	}
	if db.args[14] != at {
		t.Fatalf("created_at = %v", db.args[14])
	}
}

func TestAppendRedacts(t *testing.T) {
	db := &recordingDB{}
	w := &Writer{DB: db, HashSalt: []byte("salt-1"), Redact: true}

	err := w.Append(context.Background(), Record{
		DecisionID: "d-2",
		ClientID:   "ip:10.0.0.1",
		Path:       "/api/patients/550e8400-e29b-41d4-a716-446655440000/notes",
		Details:    json.RawMessage(`{"remote_ip":"10.0.0.1","patterns":[{"type":"ddos","subject":"ip:10.0.0.1"}]}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := argString(t, db.args, 5); got != "/api/patients/:id/notes" {
		t.Fatalf("path not redacted: %q", got)
	}
	details := argString(t, db.args, 13)
	if strings.Contains(details, "10.0.0.1") {
		t.Fatalf("address leaked into details: %s", details)
	}
	if !strings.Contains(details, "remote_ip_hash") || !strings.Contains(details, "subject_hash") {
		t.Fatalf("hashed fields missing: %s", details)
	}
	if created, ok := db.args[14].(time.Time); !ok || created.IsZero() {
		t.Fatalf("created_at not defaulted: %v", db.args[14])
	}
}

func TestGetScopesByTenant(t *testing.T) {
	at := time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC)
	want := Record{
		DecisionID:        "d-1",
		ClientHash:        "client-hash",
		Tenant:            "tenant-a",
		Category:          "PHI_OPERATION",
		Method:            "GET",
		Path:              "/api/patients/:id",
		Outcome:           OutcomeOverride,
		Kind:              "RATE_LIMIT_EXCEEDED",
		Reason:            "crisis override",
		Stage:             "window",
		TrustLevel:        "HIGH",
		RateOverride:      true,
		AuditRequirements: []string{"crisis_override"},
		Details:           json.RawMessage(`{"limit":10}`),
		CreatedAt:         at,
	}
	db := &recordingDB{stored: &want}
	w := &Writer{DB: db}

	tests := []struct {
		name     string
		tenant   string
		wantArgs []any
		wantSQL  string
	}{
		{"tenant scoped", "tenant-a", []any{"tenant-a", "d-1"}, "tenant=$1 AND decision_id=$2"},
		{"global", "", []any{"d-1"}, "WHERE decision_id=$1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := w.Get(context.Background(), "d-1", tt.tenant)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("record mismatch:\n got %+v\nwant %+v", got, want)
			}
			if !reflect.DeepEqual(db.args, tt.wantArgs) {
				t.Fatalf("args = %v, want %v", db.args, tt.wantArgs)
			}
			if !strings.Contains(db.sql, tt.wantSQL) {
				t.Fatalf("sql %q lacks %q", db.sql, tt.wantSQL)
			}
		})
	}
}

func TestWriterErrors(t *testing.T) {
	boom := errors.New("connection refused")
	w := &Writer{DB: &recordingDB{failExec: boom, failScan: boom}}
	ctx := context.Background()

	if err := w.Append(ctx, Record{DecisionID: "d-3"}); !errors.Is(err, boom) {
		t.Fatalf("append: %v", err)
	}
	n, err := w.Prune(ctx, time.Now())
	if !errors.Is(err, boom) || n != 0 {
		t.Fatalf("prune: n=%d err=%v", n, err)
	}
	if _, err := w.Get(ctx, "d-3", "tenant-a"); !errors.Is(err, boom) {
		t.Fatalf("get: %v", err)
	}
	if _, err := (&Writer{DB: &recordingDB{}}).Get(ctx, "missing", ""); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("missing record: %v", err)
	}
}

func TestPruneReportsDeletedRows(t *testing.T) {
	db := &recordingDB{}
	cutoff := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	n, err := (&Writer{DB: db}).Prune(context.Background(), cutoff)
	if err != nil || n != 3 {
		t.Fatalf("prune: n=%d err=%v", n, err)
	}
	if !strings.Contains(db.sql, "created_at < $1") {
		t.Fatalf("unexpected sql: %s", db.sql)
	}
	if !reflect.DeepEqual(db.args, []any{cutoff}) {
		t.Fatalf("args = %v", db.args)
	}
}

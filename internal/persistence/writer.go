package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"PerpClient/internal/orchestrator"
)

// OperationRow is a row of client.operations.
type OperationRow struct {
	ID          uuid.UUID
	Instance    string
	Op          string
	State       string
	Fingerprint string
	Signature   sql.NullString
	Slot        sql.NullInt64
	ErrorCode   sql.NullInt64
	Error       sql.NullString
	Touches     []byte // JSON array of account refs
	CreatedAt   time.Time
	SettledAt   time.Time
}

// RowFromRecord flattens a settled operation for storage.
func RowFromRecord(rec orchestrator.Record) (OperationRow, error) {
	encoded := []byte("[]")
	if len(rec.Touches) > 0 {
		var err error
		if encoded, err = json.Marshal(rec.Touches); err != nil {
			return OperationRow{}, fmt.Errorf("marshal touches: %w", err)
		}
	}
	row := OperationRow{
		ID:          rec.ID,
		Instance:    rec.Instance,
		Op:          rec.Op,
		State:       rec.State,
		Fingerprint: rec.Fingerprint,
		Signature:   sql.NullString{String: rec.Signature, Valid: rec.Signature != ""},
		Slot:        sql.NullInt64{Int64: int64(rec.Slot), Valid: rec.Slot != 0},
		Error:       sql.NullString{String: rec.Error, Valid: rec.Error != ""},
		Touches:     encoded,
		CreatedAt:   rec.CreatedAt,
		SettledAt:   rec.SettledAt,
	}
	if rec.ErrorCode != nil {
		row.ErrorCode = sql.NullInt64{Int64: int64(*rec.ErrorCode), Valid: true}
	}
	return row, nil
}

// Record rebuilds the settled operation a row was written from.
func (r OperationRow) Record() (orchestrator.Record, error) {
	rec := orchestrator.Record{
		ID:          r.ID,
		Instance:    r.Instance,
		Op:          r.Op,
		State:       r.State,
		Fingerprint: r.Fingerprint,
		Signature:   r.Signature.String,
		Slot:        uint64(r.Slot.Int64),
		Error:       r.Error.String,
		CreatedAt:   r.CreatedAt,
		SettledAt:   r.SettledAt,
	}
	if r.ErrorCode.Valid {
		code := uint32(r.ErrorCode.Int64)
		rec.ErrorCode = &code
	}
	if len(r.Touches) > 0 {
		if err := json.Unmarshal(r.Touches, &rec.Touches); err != nil {
			return orchestrator.Record{}, fmt.Errorf("operation %s touches: %w", r.ID, err)
		}
		if len(rec.Touches) == 0 {
			rec.Touches = nil
		}
	}
	return rec, nil
}

// OperationWriter writes operation rows to Postgres using batch inserts.
type OperationWriter struct {
	db *sql.DB
}

func NewOperationWriter(db *sql.DB) *OperationWriter {
	return &OperationWriter{db: db}
}

const operationColumns = 12

// WriteBatch inserts rows with a single multi-row INSERT. Rows already
// present are left as they are, so replays are harmless.
func (w *OperationWriter) WriteBatch(ctx context.Context, rows []OperationRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO client.operations
		(id, instance, op, state, fingerprint, signature, slot, error_code, error, touches, created_at, settled_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*operationColumns)
	for i, r := range rows {
		placeholders := make([]string, operationColumns)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", i*operationColumns+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			r.ID, r.Instance, r.Op, r.State, r.Fingerprint,
			r.Signature, r.Slot, r.ErrorCode, r.Error, string(r.Touches),
			r.CreatedAt, r.SettledAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (id) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

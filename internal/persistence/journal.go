package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"PerpClient/internal/orchestrator"
)

var ErrOperationNotFound = errors.New("operation not found")

// OperationFilter narrows a journal listing. Zero fields match everything.
type OperationFilter struct {
	Op     string
	State  string
	Before time.Time
	Limit  int
}

// OperationLog reads the operation journal.
type OperationLog struct {
	db *sql.DB
}

func NewOperationLog(db *sql.DB) *OperationLog {
	return &OperationLog{db: db}
}

const selectOperations = `
	SELECT id, instance, op, state, fingerprint, signature, slot, error_code, error, touches, created_at, settled_at
	FROM client.operations`

// Recent lists settled operations, newest first.
func (l *OperationLog) Recent(ctx context.Context, f OperationFilter) ([]orchestrator.Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Op != "" {
		add("op = $%d", f.Op)
	}
	if f.State != "" {
		add("state = $%d", f.State)
	}
	if !f.Before.IsZero() {
		add("settled_at < $%d", f.Before)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := selectOperations
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY settled_at DESC LIMIT $%d", len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.Record
	for rows.Next() {
		rec, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// BySignature finds the operation that submitted a transaction.
func (l *OperationLog) BySignature(ctx context.Context, sig string) (orchestrator.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	row := l.db.QueryRowContext(ctx, selectOperations+` WHERE signature = $1 ORDER BY settled_at DESC LIMIT 1`, sig)
	rec, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return orchestrator.Record{}, fmt.Errorf("signature %s: %w", sig, ErrOperationNotFound)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(s scanner) (orchestrator.Record, error) {
	var (
		r       OperationRow
		touches string
	)
	err := s.Scan(&r.ID, &r.Instance, &r.Op, &r.State, &r.Fingerprint,
		&r.Signature, &r.Slot, &r.ErrorCode, &r.Error, &touches, &r.CreatedAt, &r.SettledAt)
	if err != nil {
		return orchestrator.Record{}, err
	}
	r.Touches = []byte(touches)
	return r.Record()
}

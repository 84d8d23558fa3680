package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
	"PerpClient/internal/cache"
	"PerpClient/internal/observability"
)

// Snapshot is one stored version of a program account.
type Snapshot struct {
	Seq       int64
	AccountID address.Pubkey
	Kind      account.Kind
	Slot      uint64
	Data      []byte
	FetchedAt time.Time
}

// Entity decodes the stored account data.
func (s Snapshot) Entity() (account.Entity, error) {
	return account.Decode(s.Kind, s.Data)
}

// SnapshotStore keeps an append-only history of the account states the
// cache has fetched. A fetch that returns the same bytes as the last stored
// version of that account is not stored again.
type SnapshotStore struct {
	db      *sql.DB
	metrics *observability.Metrics

	mu   sync.Mutex
	last map[address.Pubkey][32]byte
}

var _ cache.SnapshotSink = (*SnapshotStore)(nil)

func NewSnapshotStore(db *sql.DB, metrics *observability.Metrics) *SnapshotStore {
	return &SnapshotStore{db: db, metrics: metrics, last: make(map[address.Pubkey][32]byte)}
}

// RecordSnapshot implements cache.SnapshotSink.
func (s *SnapshotStore) RecordSnapshot(ctx context.Context, e cache.Entry, data []byte) error {
	id := e.Ref.ID
	hash := sha256.Sum256(data)

	s.mu.Lock()
	if prev, ok := s.last[id]; ok && prev == hash {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client.account_snapshots (account_id, kind, slot, data, data_hash, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id.String(), e.Ref.Kind.String(), int64(e.Slot), data, hash[:], e.FetchedAt)
	if err != nil {
		if s.metrics != nil {
			s.metrics.PersistErrors.WithLabelValues("write_snapshot").Inc()
		}
		return fmt.Errorf("store snapshot %s: %w", e.Ref, err)
	}

	s.mu.Lock()
	s.last[id] = hash
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SnapshotsWritten.WithLabelValues(e.Ref.Kind.String()).Inc()
	}
	return nil
}

// History returns up to limit stored versions of an account, newest first.
func (s *SnapshotStore) History(ctx context.Context, id address.Pubkey, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, slot, data, fetched_at
		FROM client.account_snapshots
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, id.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("snapshot history %s: %w", id, err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap Snapshot
			kind string
			slot int64
		)
		if err := rows.Scan(&snap.Seq, &kind, &slot, &snap.Data, &snap.FetchedAt); err != nil {
			return nil, err
		}
		if snap.Kind, err = account.ParseKind(kind); err != nil {
			return nil, err
		}
		snap.AccountID = id
		snap.Slot = uint64(slot)
		out = append(out, snap)
	}
	return out, rows.Err()
}

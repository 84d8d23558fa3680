package persistence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpClient/internal/account"
	"PerpClient/internal/cache"
	"PerpClient/internal/observability"
	"PerpClient/internal/orchestrator"
	"PerpClient/internal/persistence"
	tu "PerpClient/internal/testutil"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]persistence.OperationRow
	failN   int
}

func (f *fakeWriter) WriteBatch(_ context.Context, rows []persistence.OperationRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errors.New("connection refused")
	}
	f.batches = append(f.batches, append([]persistence.OperationRow(nil), rows...))
	return nil
}

func (f *fakeWriter) sizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.batches))
	for i, b := range f.batches {
		out[i] = len(b)
	}
	return out
}

func (f *fakeWriter) total() int {
	n := 0
	for _, s := range f.sizes() {
		n += s
	}
	return n
}

func record(op, state string) orchestrator.Record {
	code := uint32(6005)
	rec := orchestrator.Record{
		ID:          uuid.New(),
		Instance:    "test",
		Op:          op,
		State:       state,
		Fingerprint: "fp-" + op,
		CreatedAt:   tu.Epoch,
		SettledAt:   tu.Epoch.Add(time.Second),
	}
	switch state {
	case orchestrator.StateConfirmed.String():
		rec.Signature = "sig-" + rec.ID.String()
		rec.Slot = 42
		rec.Touches = []account.Ref{{Kind: account.KindPool, ID: tu.Key("pool")}}
	case orchestrator.StateFailed.String():
		rec.ErrorCode = &code
		rec.Error = "InvalidPositionState"
	}
	return rec
}

// ===========================================================================
// Rows
// ===========================================================================

func TestRowFromRecord_RoundTrip(t *testing.T) {
	for _, state := range []string{"confirmed", "failed"} {
		t.Run(state, func(t *testing.T) {
			rec := record("open_position", state)
			row, err := persistence.RowFromRecord(rec)
			require.NoError(t, err)

			back, err := row.Record()
			require.NoError(t, err)
			assert.Equal(t, rec, back)
		})
	}
}

func TestRowFromRecord_NullableColumns(t *testing.T) {
	row, err := persistence.RowFromRecord(record("add_pool", "failed"))
	require.NoError(t, err)

	assert.False(t, row.Signature.Valid)
	assert.False(t, row.Slot.Valid)
	assert.True(t, row.ErrorCode.Valid)
	assert.Equal(t, int64(6005), row.ErrorCode.Int64)
	assert.Equal(t, "[]", string(row.Touches))
}

// ===========================================================================
// Migrations
// ===========================================================================

func TestMigrations_Embedded(t *testing.T) {
	ups, err := persistence.ListMigrations(persistence.Migrations(), ".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_operations.up.sql", "000002_account_snapshots.up.sql"}, ups)

	downs, err := persistence.ListMigrations(persistence.Migrations(), ".down.sql")
	require.NoError(t, err)
	assert.Len(t, downs, len(ups))
}

// ===========================================================================
// Journal worker
// ===========================================================================

func startWorker(t *testing.T, w *persistence.JournalWorker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestJournalWorker_FlushesFullBatch(t *testing.T) {
	writer := &fakeWriter{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	w := persistence.NewJournalWorker(writer, 3, time.Hour, persistence.WithWorkerMetrics(metrics))
	startWorker(t, w)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Record(context.Background(), record("update_price", "confirmed")))
	}

	require.Eventually(t, func() bool { return writer.total() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{3}, writer.sizes())
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.PersistRecordsWritten))
}

func TestJournalWorker_FlushesOnTimeout(t *testing.T) {
	writer := &fakeWriter{}
	w := persistence.NewJournalWorker(writer, 100, 20*time.Millisecond)
	startWorker(t, w)

	require.NoError(t, w.Record(context.Background(), record("add_custody", "confirmed")))
	require.Eventually(t, func() bool { return writer.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestJournalWorker_RetriesFailedFlush(t *testing.T) {
	writer := &fakeWriter{failN: 2}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	w := persistence.NewJournalWorker(writer, 1, time.Hour,
		persistence.WithBackoff(time.Millisecond, 5*time.Millisecond),
		persistence.WithWorkerMetrics(metrics),
		persistence.WithWorkerLogger(zerolog.Nop()))
	startWorker(t, w)

	require.NoError(t, w.Record(context.Background(), record("close_position", "confirmed")))

	require.Eventually(t, func() bool { return writer.total() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PersistRetry))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PersistErrors.WithLabelValues("write_operations")))
}

func TestJournalWorker_FlushesPendingOnShutdown(t *testing.T) {
	writer := &fakeWriter{}
	w := persistence.NewJournalWorker(writer, 100, time.Hour)
	cancel, done := startWorker(t, w)

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Record(context.Background(), record("open_position", "confirmed")))
	}
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 5, writer.total())
}

func TestJournalWorker_RecordHonoursContext(t *testing.T) {
	// Not running: the buffer fills and Record must give up with ctx.
	w := persistence.NewJournalWorker(&fakeWriter{}, 1, time.Hour)
	for i := 0; i < 4; i++ {
		require.NoError(t, w.Record(context.Background(), record("update_price", "confirmed")))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := w.Record(ctx, record("update_price", "confirmed"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ===========================================================================
// Integration
// ===========================================================================

func setupDB(t *testing.T) (*persistence.OperationLog, *persistence.OperationWriter, *persistence.SnapshotStore) {
	t.Helper()
	tu.RequireIntegration(t)
	db, cleanup := tu.SetupTestDB(t)
	t.Cleanup(cleanup)

	_, err := persistence.NewMigrator(db, nil, zerolog.Nop()).Up(context.Background())
	require.NoError(t, err)
	return persistence.NewOperationLog(db), persistence.NewOperationWriter(db), persistence.NewSnapshotStore(db, nil)
}

func TestOperationLog_Integration(t *testing.T) {
	log, writer, _ := setupDB(t)
	ctx := context.Background()

	ok := record("open_position", "confirmed")
	bad := record("open_position", "failed")
	bad.SettledAt = ok.SettledAt.Add(time.Second)

	var rows []persistence.OperationRow
	for _, rec := range []orchestrator.Record{ok, bad} {
		row, err := persistence.RowFromRecord(rec)
		require.NoError(t, err)
		rows = append(rows, row)
	}
	require.NoError(t, writer.WriteBatch(ctx, rows))
	require.NoError(t, writer.WriteBatch(ctx, rows), "replayed batch is ignored")

	recent, err := log.Recent(ctx, persistence.OperationFilter{Op: "open_position"})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, bad.ID, recent[0].ID)

	failed, err := log.Recent(ctx, persistence.OperationFilter{State: "failed"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].ErrorCode)
	assert.Equal(t, uint32(6005), *failed[0].ErrorCode)

	found, err := log.BySignature(ctx, ok.Signature)
	require.NoError(t, err)
	assert.Equal(t, ok.Touches, found.Touches)

	_, err = log.BySignature(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrOperationNotFound)
}

func TestSnapshotStore_Integration(t *testing.T) {
	_, _, store := setupDB(t)
	ctx := context.Background()

	id := tu.Key("pool")
	pool := &account.Pool{Name: "alpha"}
	entry := cache.Entry{Ref: account.Ref{Kind: account.KindPool, ID: id}, Entity: pool, Slot: 7, FetchedAt: tu.Epoch}
	data := account.MustEncode(pool)

	require.NoError(t, store.RecordSnapshot(ctx, entry, data))
	require.NoError(t, store.RecordSnapshot(ctx, entry, data), "unchanged data is not stored twice")

	pool2 := &account.Pool{Name: "alpha", AumUSD: 1_000_000}
	entry.Slot = 8
	require.NoError(t, store.RecordSnapshot(ctx, entry, account.MustEncode(pool2)))

	history, err := store.History(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(8), history[0].Slot)

	decoded, err := history[1].Entity()
	require.NoError(t, err)
	assert.Equal(t, "alpha", decoded.(*account.Pool).Name)
}

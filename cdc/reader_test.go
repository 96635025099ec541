package cdc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/sqlite-cdc/db"
)

// seedCapturedChanges mirrors the insert/update/delete lifecycle of one row,
// producing audit ids 1..3.
func seedCapturedChanges(t *testing.T) db.Database {
	conn, dbo := makeSourceConn(t, "users")
	ctx := context.Background()

	_, err := conn.Exec(ctx, "INSERT INTO users (name) VALUES ('a')")
	require.NoError(t, err)
	_, err = conn.Exec(ctx, "UPDATE users SET name='b' WHERE id=1")
	require.NoError(t, err)
	_, err = conn.Exec(ctx, "DELETE FROM users WHERE id=1")
	require.NoError(t, err)

	return dbo
}

func newTestReader(dbo db.Database, batchSize int) *Reader {
	return NewReader(dbo, ReaderConfig{
		BatchSize:    batchSize,
		PollInterval: 10 * time.Millisecond,
	})
}

func TestReaderFetchOrdering(t *testing.T) {
	dbo := seedCapturedChanges(t)
	ctx := context.Background()

	r := newTestReader(dbo, 10)
	r.Start(0)

	events, err := r.FetchBatch(ctx)
	require.NoError(t, err)
	require.Len(t, events, 3)

	require.Equal(t, int64(1), events[0].AuditID)
	require.Equal(t, OperationInsert, events[0].Operation)
	require.Equal(t, int64(2), events[1].AuditID)
	require.Equal(t, OperationUpdate, events[1].Operation)
	require.Equal(t, int64(3), events[2].AuditID)
	require.Equal(t, OperationDelete, events[2].Operation)

	for i := range events {
		require.NoError(t, events[i].Validate())
		require.Equal(t, "users", events[i].TableName)
		require.Equal(t, "1", events[i].RowID)
		require.False(t, events[i].Timestamp.IsZero())
	}

	require.Equal(t, int64(3), r.LastAuditID())

	require.NoError(t, r.MarkConsumed(ctx, []int64{1, 2, 3}))

	events, err = r.FetchBatch(ctx)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestReaderRoundTrip(t *testing.T) {
	dbo := seedCapturedChanges(t)

	r := newTestReader(dbo, 10)
	r.Start(0)

	events, err := r.FetchBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 3)

	require.Nil(t, events[0].Before)
	require.Equal(t, map[string]interface{}{"id": float64(1), "name": "a"}, events[0].After)

	require.Equal(t, map[string]interface{}{"id": float64(1), "name": "a"}, events[1].Before)
	require.Equal(t, map[string]interface{}{"id": float64(1), "name": "b"}, events[1].After)

	require.Equal(t, map[string]interface{}{"id": float64(1), "name": "b"}, events[2].Before)
	require.Nil(t, events[2].After)

	require.Equal(t, "1:users:1", events[0].EventID())
	require.Equal(t, int64(1), events[0].RowKey())
}

func TestReaderBatchWindow(t *testing.T) {
	dbo := seedCapturedChanges(t)
	ctx := context.Background()

	r := newTestReader(dbo, 2)
	r.Start(0)

	events, err := r.FetchBatch(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(2), events[1].AuditID)

	events, err = r.FetchBatch(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, int64(3), events[0].AuditID)
}

func TestReaderStartOffset(t *testing.T) {
	dbo := seedCapturedChanges(t)

	r := newTestReader(dbo, 10)
	r.Start(2)

	events, err := r.FetchBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, int64(3), events[0].AuditID)
}

func TestReaderEmptyAuditTable(t *testing.T) {
	_, dbo := makeSourceConn(t)

	r := newTestReader(dbo, 10)
	r.Start(0)

	events, err := r.FetchBatch(context.Background())
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestReaderNotRunning(t *testing.T) {
	dbo := seedCapturedChanges(t)
	ctx := context.Background()

	r := newTestReader(dbo, 10)

	events, err := r.FetchBatch(ctx)
	require.NoError(t, err)
	require.Empty(t, events)
	require.False(t, r.IsRunning())

	r.Start(0)
	require.True(t, r.IsRunning())
	r.Stop()

	events, err = r.FetchBatch(ctx)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestReaderMarkConsumedEmpty(t *testing.T) {
	dbo := seedCapturedChanges(t)

	r := newTestReader(dbo, 10)
	require.NoError(t, r.MarkConsumed(context.Background(), nil))
}

func TestReaderStats(t *testing.T) {
	dbo := seedCapturedChanges(t)
	ctx := context.Background()

	r := newTestReader(dbo, 10)
	r.Start(0)

	stats := r.Stats(ctx)
	require.Equal(t, int64(3), stats.Total)
	require.Equal(t, int64(3), stats.Unconsumed)
	require.Equal(t, int64(3), stats.MaxID)
	require.Equal(t, int64(0), stats.LastReadID)
	require.Equal(t, int64(3), stats.Pending)

	events, err := r.FetchBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, r.MarkConsumed(ctx, []int64{events[0].AuditID, events[1].AuditID, events[2].AuditID}))

	stats = r.Stats(ctx)
	require.Equal(t, int64(3), stats.Total)
	require.Equal(t, int64(0), stats.Unconsumed)
	require.Equal(t, int64(3), stats.LastReadID)
	require.Equal(t, int64(0), stats.Pending)
}

func TestReaderPollHonorsContext(t *testing.T) {
	_, dbo := makeSourceConn(t)

	r := NewReader(dbo, ReaderConfig{BatchSize: 10, PollInterval: time.Minute})
	r.Start(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := r.FetchBatch(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)
}

package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

type memBucket struct {
	objects map[string][]byte
	putErr  error
}

func newMemBucket() *memBucket { return &memBucket{objects: map[string][]byte{}} }

func (b *memBucket) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if b.putErr != nil {
		return b.putErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.objects[path] = raw
	return nil
}

func (b *memBucket) Exists(_ context.Context, path string) (bool, error) {
	_, ok := b.objects[path]
	return ok, nil
}

type memResults struct {
	rows []domain.TradeResult
}

func (m *memResults) ListBefore(_ context.Context, before time.Time, _ int) ([]domain.TradeResult, error) {
	var out []domain.TradeResult
	for _, r := range m.rows {
		if r.Timestamp.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memResults) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	var kept []domain.TradeResult
	var n int64
	for _, r := range m.rows {
		if r.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.rows = kept
	return n, nil
}

type memAudit struct {
	events []domain.AuditEvent
}

func (m *memAudit) Record(_ context.Context, ev domain.AuditEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memAudit) List(context.Context, domain.AuditFilter) ([]domain.AuditEvent, error) {
	return m.events, nil
}

func result(id uint64, at time.Time) domain.TradeResult {
	return domain.TradeResult{
		ID:          id,
		ExecutionID: "exec",
		Success:     true,
		LoanAmount:  big.NewInt(1_000),
		Timestamp:   at,
	}
}

func TestArchivePath(t *testing.T) {
	cutoff := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "archive/trade_results/2025-01/20250115T000000Z.jsonl", archivePath(cutoff, 0))
	assert.Equal(t, "archive/trade_results/2025-01/20250115T000000Z-2.jsonl", archivePath(cutoff, 2))
}

func TestArchiveTradeResultsMovesOldRows(t *testing.T) {
	ctx := context.Background()
	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &memResults{rows: []domain.TradeResult{
		result(1, cutoff.Add(-48*time.Hour)),
		result(2, cutoff.Add(-time.Hour)),
		result(3, cutoff.Add(time.Hour)),
	}}
	bucket := newMemBucket()

	n, err := NewArchiver(bucket, bucket, store, nil).ArchiveTradeResults(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.Len(t, store.rows, 1)
	assert.Equal(t, uint64(3), store.rows[0].ID)

	raw, ok := bucket.objects[archivePath(cutoff, 0)]
	require.True(t, ok)

	var ids []uint64
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		var r domain.TradeResult
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []uint64{1, 2}, ids)
}

func TestArchiveTradeResultsRecordsAuditEvent(t *testing.T) {
	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &memResults{rows: []domain.TradeResult{
		result(4, cutoff.Add(-2*time.Hour)),
		result(5, cutoff.Add(-time.Hour)),
	}}
	audit := &memAudit{}

	_, err := NewArchiver(newMemBucket(), nil, store, audit).ArchiveTradeResults(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, audit.events, 1)
	ev := audit.events[0]
	assert.Equal(t, domain.AuditArchiveTradeResults, ev.Action)
	assert.True(t, ev.System())
	assert.Equal(t, archivePath(cutoff, 0), ev.Detail["path"])
	assert.Equal(t, int64(2), ev.Detail["deleted"])
	assert.Equal(t, uint64(4), ev.Detail["first_id"])
	assert.Equal(t, uint64(5), ev.Detail["last_id"])
}

func TestArchiveTradeResultsDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	bucket := newMemBucket()
	bucket.objects[archivePath(cutoff, 0)] = []byte("earlier run\n")
	store := &memResults{rows: []domain.TradeResult{result(7, cutoff.Add(-time.Minute))}}

	_, err := NewArchiver(bucket, bucket, store, nil).ArchiveTradeResults(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []byte("earlier run\n"), bucket.objects[archivePath(cutoff, 0)])
	assert.Contains(t, bucket.objects, archivePath(cutoff, 1))
}

func TestArchiveTradeResultsKeepsRowsOnUploadFailure(t *testing.T) {
	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	bucket := newMemBucket()
	bucket.putErr = errors.New("bucket gone")
	store := &memResults{rows: []domain.TradeResult{result(1, cutoff.Add(-time.Minute))}}

	_, err := NewArchiver(bucket, nil, store, nil).ArchiveTradeResults(context.Background(), cutoff)
	require.Error(t, err)
	assert.Len(t, store.rows, 1)
}

func TestArchiveTradeResultsNothingToDo(t *testing.T) {
	bucket := newMemBucket()
	n, err := NewArchiver(bucket, nil, &memResults{}, nil).ArchiveTradeResults(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, bucket.objects)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000", true))
}

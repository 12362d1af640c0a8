package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// ArchivePrefix is the key prefix under which trade history is archived.
const ArchivePrefix = "archive/trade_results/"

const jsonlContentType = "application/x-ndjson"

// TradeResultArchiveStore is the part of domain.TradeResultStore the
// archiver needs.
type TradeResultArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.TradeResult, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

type blobExister interface {
	Exists(ctx context.Context, path string) (bool, error)
}

type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// Archiver implements domain.Archiver. Results older than the cutoff are
// written to one JSONL object and removed from the store only after the
// upload succeeds.
type Archiver struct {
	writer  domain.BlobWriter
	exister blobExister
	results TradeResultArchiveStore
	audit   domain.AuditStore
}

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver. exister and audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	exister blobExister,
	results TradeResultArchiveStore,
	audit domain.AuditStore,
) *Archiver {
	return &Archiver{
		writer:  writer,
		exister: exister,
		results: results,
		audit:   audit,
	}
}

// ArchiveTradeResults moves every result recorded before the cutoff into
// the bucket and returns how many rows were deleted from the store.
func (a *Archiver) ArchiveTradeResults(ctx context.Context, before time.Time) (int64, error) {
	results, err := a.results.ListBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(results) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(results)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	path, err := a.freePath(ctx, before)
	if err != nil {
		return 0, err
	}
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	deleted, err := a.results.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive delete: %w", err)
	}

	if a.audit != nil {
		ev := domain.AuditEvent{
			Action: domain.AuditArchiveTradeResults,
			Detail: map[string]any{
				"path":     path,
				"count":    len(results),
				"deleted":  deleted,
				"before":   before.UTC().Format(time.RFC3339),
				"first_id": results[0].ID,
				"last_id":  results[len(results)-1].ID,
			},
		}
		if err := a.audit.Record(ctx, ev); err != nil {
			return deleted, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return deleted, nil
}

func (a *Archiver) upload(ctx context.Context, path string, buf []byte) error {
	if mw, ok := a.writer.(multipartWriter); ok && int64(len(buf)) > 2*minPartSize {
		return mw.PutMultipart(ctx, path, bytes.NewReader(buf), jsonlContentType, minPartSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
}

// freePath returns the first archivePath for the cutoff not yet in the
// bucket.
func (a *Archiver) freePath(ctx context.Context, before time.Time) (string, error) {
	if a.exister == nil {
		return archivePath(before, 0), nil
	}
	for n := 0; ; n++ {
		path := archivePath(before, n)
		ok, err := a.exister.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive path: %w", err)
		}
		if !ok {
			return path, nil
		}
	}
}

// archivePath partitions archives by the month of the cutoff. A non-zero
// seq disambiguates repeated runs with the same cutoff:
//
//	archive/trade_results/2025-01/20250115T000000Z.jsonl
//	archive/trade_results/2025-01/20250115T000000Z-1.jsonl
func archivePath(before time.Time, seq int) string {
	before = before.UTC()
	name := before.Format("20060102T150405Z")
	if seq > 0 {
		name = fmt.Sprintf("%s-%d", name, seq)
	}
	return fmt.Sprintf("%s%s/%s.jsonl", ArchivePrefix, before.Format("2006-01"), name)
}

// marshalJSONL encodes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

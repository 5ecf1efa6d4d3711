package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dwellogo/dealdesk/internal/domain"
)

const defaultArchiveBatch = 500

// NegotiationSource is the slice of the negotiation store the archiver reads
// from.
type NegotiationSource interface {
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]*domain.Negotiation, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// NegotiationArchiver implements domain.Archiver. Each batch of closed
// negotiations becomes one JSONL object; rows are flagged as archived only
// after the upload succeeds, so a failed run is retried in full next time.
type NegotiationArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	source NegotiationSource
	audit  domain.AuditStore
	batch  int
	now    func() time.Time
}

var _ domain.Archiver = (*NegotiationArchiver)(nil)

// NewNegotiationArchiver creates an archiver. A batch of zero or less uses
// the default of 500 negotiations per object.
func NewNegotiationArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	source NegotiationSource,
	audit domain.AuditStore,
	batch int,
) *NegotiationArchiver {
	if batch <= 0 {
		batch = defaultArchiveBatch
	}
	return &NegotiationArchiver{
		writer: writer,
		reader: reader,
		source: source,
		audit:  audit,
		batch:  batch,
		now:    time.Now,
	}
}

// ArchiveNegotiations uploads every terminal negotiation whose last activity
// precedes before and returns how many were archived.
func (a *NegotiationArchiver) ArchiveNegotiations(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for seq := 0; ; seq++ {
		items, err := a.source.ListTerminalBefore(ctx, before, a.batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive negotiations query: %w", err)
		}
		if len(items) == 0 {
			return total, nil
		}

		path, err := a.archiveBatch(ctx, before, seq, items)
		if err != nil {
			return total, err
		}

		count := int64(len(items))
		total += count

		if err := a.audit.Log(ctx, "archive.negotiations", map[string]any{
			"path":   path,
			"count":  count,
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return total, fmt.Errorf("s3blob: archive negotiations audit log: %w", err)
		}

		if len(items) < a.batch {
			return total, nil
		}
	}
}

func (a *NegotiationArchiver) archiveBatch(ctx context.Context, before time.Time, seq int, items []*domain.Negotiation) (string, error) {
	buf, err := marshalJSONL(items)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive negotiations marshal: %w", err)
	}

	now := a.now().UTC()
	path := archivePath("negotiations", before, "")
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive negotiations: %w", err)
	}
	if exists {
		path = archivePath("negotiations", before, fmt.Sprintf("%s-%03d", now.Format("20060102T150405Z"), seq))
	}

	err = a.writer.PutArchive(ctx, domain.ArchiveObject{
		Path:   path,
		Body:   buf,
		Count:  len(items),
		Before: before,
	})
	if err != nil {
		return "", fmt.Errorf("s3blob: archive negotiations upload: %w", err)
	}

	ids := make([]string, len(items))
	for i, n := range items {
		ids[i] = n.ID
	}
	if err := a.source.MarkArchived(ctx, ids, now); err != nil {
		return "", fmt.Errorf("s3blob: archive negotiations mark: %w", err)
	}
	return path, nil
}

// archivePath builds the object key, partitioned by the cutoff month.
//
//	archive/negotiations/2025-06.jsonl
//	archive/negotiations/2025-06-20250701T030000Z-000.jsonl
func archivePath(kind string, before time.Time, suffix string) string {
	month := before.UTC().Format("2006-01")
	if suffix != "" {
		month += "-" + suffix
	}
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, month)
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

package domain

import (
	"context"
	"time"
)

// ArchiveObject is one JSONL batch of closed negotiations bound for cold
// storage.
type ArchiveObject struct {
	Path   string
	Body   []byte
	Count  int       // negotiations in Body
	Before time.Time // cutoff the batch was selected with
}

// BlobWriter uploads archive objects.
type BlobWriter interface {
	PutArchive(ctx context.Context, obj ArchiveObject) error
}

// BlobReader checks object storage for existing objects.
type BlobReader interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver moves closed negotiations from the database to cold storage.
type Archiver interface {
	ArchiveNegotiations(ctx context.Context, before time.Time) (int64, error)
}

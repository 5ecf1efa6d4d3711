package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dwellogo/dealdesk/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"

	// Archives above this size go through the multipart uploader, split into
	// parts of this size (the S3 minimum).
	multipartThreshold = 5 * 1024 * 1024

	metaCount  = "negotiations"
	metaCutoff = "cutoff"
)

// ArchiveWriter implements domain.BlobWriter. Each object carries the
// batch size and cutoff as user metadata so a bucket listing can be
// reconciled against the archive audit log.
type ArchiveWriter struct {
	client   *s3.Client
	bucket   string
	uploader *manager.Uploader
}

var _ domain.BlobWriter = (*ArchiveWriter)(nil)

// NewArchiveWriter creates an ArchiveWriter for the client's bucket.
func NewArchiveWriter(c *Client) *ArchiveWriter {
	return &ArchiveWriter{
		client: c.S3(),
		bucket: c.Bucket(),
		uploader: manager.NewUploader(c.S3(), func(u *manager.Uploader) {
			u.PartSize = multipartThreshold
		}),
	}
}

// PutArchive uploads obj with one PutObject request, or in parts when it
// exceeds multipartThreshold.
func (w *ArchiveWriter) PutArchive(ctx context.Context, obj domain.ArchiveObject) error {
	input := archiveInput(w.bucket, obj)
	if usesMultipart(obj) {
		if _, err := w.uploader.Upload(ctx, input); err != nil {
			return fmt.Errorf("s3blob: multipart upload %s: %w", obj.Path, err)
		}
		return nil
	}
	input.ContentLength = aws.Int64(int64(len(obj.Body)))
	if _, err := w.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", obj.Path, err)
	}
	return nil
}

func usesMultipart(obj domain.ArchiveObject) bool {
	return len(obj.Body) > multipartThreshold
}

func archiveInput(bucket string, obj domain.ArchiveObject) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(obj.Path),
		Body:        bytes.NewReader(obj.Body),
		ContentType: aws.String(jsonlContentType),
		Metadata: map[string]string{
			metaCount:  strconv.Itoa(obj.Count),
			metaCutoff: obj.Before.UTC().Format(time.RFC3339),
		},
	}
}

package analytics

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"bizjournal/internal/types"
)

const (
	DefaultArchiveBatchSize = 5000
	DefaultArchiveRetention = 90 * 24 * time.Hour

	// maxArchivePages bounds a single run; the remainder is picked up next time.
	maxArchivePages = 20
)

// ArchiveStore pages and prunes delivery_analytics.
type ArchiveStore interface {
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.StoredEvent, error)
	DeleteThrough(ctx context.Context, maxID int64, cutoff time.Time) (int, error)
}

// ObjectPutter abstracts S3 PutObject for testability.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver moves analytics events older than the retention window to S3 as
// zstd-compressed JSON lines and deletes them once the upload succeeded.
type Archiver struct {
	events    ArchiveStore
	objects   ObjectPutter
	bucket    string
	retention time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewArchiver creates an Archiver. A zero retention selects
// DefaultArchiveRetention.
func NewArchiver(events ArchiveStore, objects ObjectPutter, bucket string, retention time.Duration, logger *slog.Logger) *Archiver {
	if retention <= 0 {
		retention = DefaultArchiveRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		events:    events,
		objects:   objects,
		bucket:    bucket,
		retention: retention,
		batchSize: DefaultArchiveBatchSize,
		logger:    logger,
	}
}

// ArchiveAnalytics archives and deletes events older than now-retention.
// It returns the number of deleted events.
func (a *Archiver) ArchiveAnalytics(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-a.retention)
	total := 0

	for page := 0; page < maxArchivePages; page++ {
		batch, err := a.events.ListBefore(ctx, cutoff, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("list analytics events: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		body, err := encodeJSONL(batch)
		if err != nil {
			return total, err
		}

		first, last := batch[0].ID, batch[len(batch)-1].ID
		key := archiveKey(now, first, last)
		_, err = a.objects.PutObject(ctx, &s3.PutObjectInput{
			Bucket:          aws.String(a.bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(body),
			ContentType:     aws.String("application/x-ndjson"),
			ContentEncoding: aws.String("zstd"),
		})
		if err != nil {
			return total, fmt.Errorf("upload %s: %w", key, err)
		}

		n, err := a.events.DeleteThrough(ctx, last, cutoff)
		if err != nil {
			return total, fmt.Errorf("delete archived events through %d: %w", last, err)
		}
		total += n

		a.logger.InfoContext(ctx, "archived analytics batch",
			"key", key,
			"events", len(batch),
			"deleted", n,
		)
		if len(batch) < a.batchSize {
			break
		}
	}
	return total, nil
}

func archiveKey(now time.Time, firstID, lastID int64) string {
	return fmt.Sprintf("analytics/%s/%020d-%020d.jsonl.zst", now.UTC().Format("2006/01/02"), firstID, lastID)
}

func encodeJSONL(events []types.StoredEvent) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}

	bw := bufio.NewWriter(zw)
	enc := json.NewEncoder(bw)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			zw.Close()
			return nil, fmt.Errorf("encode event %d: %w", e.ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		zw.Close()
		return nil, fmt.Errorf("flush archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zstd writer: %w", err)
	}
	return buf.Bytes(), nil
}

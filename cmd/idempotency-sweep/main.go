// Command idempotency-sweep reclaims expired idempotency records in batches.
// Reclaimed records can optionally be archived to a gzip-compressed NDJSON
// file before they are gone for good.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/ordercore/internal/domain/idempotency"
	"github.com/xenking/ordercore/internal/repository"
)

// archivedRecord is one NDJSON line in the archive file.
type archivedRecord struct {
	Key            string          `json:"key"`
	UserID         string          `json:"userId"`
	HTTPMethod     string          `json:"httpMethod,omitempty"`
	RequestPath    string          `json:"requestPath,omitempty"`
	ResponseStatus int             `json:"responseStatus"`
	ResponseBody   json.RawMessage `json:"responseBody,omitempty"`
	ResourceID     string          `json:"resourceId,omitempty"`
	ResourceType   string          `json:"resourceType,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
}

func main() {
	var (
		databaseURL string
		batchSize   int
		archivePath string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&batchSize, "batch-size", 1000, "records reclaimed per batch")
	flag.StringVar(&archivePath, "archive", "", "optional path for a gzip NDJSON archive of swept records")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, batchSize, archivePath); err != nil {
		slog.Error("sweep failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("sweep completed successfully")
}

func run(ctx context.Context, databaseURL string, batchSize int, archivePath string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	store := repository.NewIdempotencyStore(pool)

	records := make(chan idempotency.Record, batchSize)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(records)
		return sweep(ctx, store, batchSize, records)
	})
	g.Go(func() error {
		return archive(ctx, archivePath, records)
	})

	return g.Wait()
}

// sweep drains expired records batch by batch until none remain.
func sweep(ctx context.Context, store *repository.IdempotencyStore, batchSize int, out chan<- idempotency.Record) error {
	total := 0
	for {
		batch, err := store.SweepExpired(ctx, time.Now(), batchSize)
		if err != nil {
			return errors.Wrap(err, "sweep batch")
		}
		if len(batch) == 0 {
			break
		}

		total += len(batch)
		slog.Info("swept batch", slog.Int("records", len(batch)), slog.Int("total", total))

		for _, rec := range batch {
			select {
			case out <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	slog.Info("sweep drained", slog.Int("total", total))
	return nil
}

// archive writes records as gzip NDJSON to path. With no path it just drains
// the channel.
func archive(ctx context.Context, path string, records <-chan idempotency.Record) error {
	if path == "" {
		for range records {
		}
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create archive file")
	}
	defer f.Close()

	zw := pgzip.NewWriter(f)
	bw := bufio.NewWriter(zw)
	enc := json.NewEncoder(bw)

	count := 0
	for rec := range records {
		if err := enc.Encode(toArchived(rec)); err != nil {
			return errors.Wrap(err, "encode record")
		}
		count++

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "flush archive")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "close gzip writer")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close archive file")
	}

	slog.Info("archive written", slog.String("path", path), slog.Int("records", count))
	return nil
}

func toArchived(rec idempotency.Record) archivedRecord {
	a := archivedRecord{
		Key:            rec.Key,
		UserID:         rec.UserID,
		HTTPMethod:     rec.HTTPMethod,
		RequestPath:    rec.RequestPath,
		ResponseStatus: rec.ResponseStatus,
		ResourceID:     rec.ResourceID,
		ResourceType:   rec.ResourceType,
		CorrelationID:  rec.CorrelationID,
		CreatedAt:      rec.CreatedAt,
		ExpiresAt:      rec.ExpiresAt,
	}
	if json.Valid(rec.ResponseBody) {
		a.ResponseBody = json.RawMessage(rec.ResponseBody)
	}
	return a
}

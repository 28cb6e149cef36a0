package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	gcs "cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"xmonitor/pkg/notifier"
)

// GCS stores subscriber documents as objects in a Cloud Storage bucket.
// Object writes are atomic: a reader sees either the old or the new object.
type GCS struct {
	client *gcs.Client
	logger *slog.Logger
	bucket string
}

// NewGCS creates a client using Application Default Credentials.
func NewGCS(ctx context.Context, bucket string, logger *slog.Logger) (*GCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, logger: logger}, nil
}

// Save uploads the document, retrying transient failures.
func (g *GCS) Save(ctx context.Context, sub *notifier.Subscriber) error {
	data, err := encode(sub)
	if err != nil {
		return err
	}
	key := SubscriberKey(sub.ChatID)

	err = retry.Do(
		func() error {
			w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOpts(ctx, g.logger, "save", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	g.logger.Debug("Subscriber saved", "key", key, "chat_id", sub.ChatID, "watch_count", len(sub.Watches))
	return nil
}

func (g *GCS) load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, gcs.ErrObjectNotExist) {
					return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					g.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retryOpts(ctx, g.logger, "load", key)...,
	)
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// List iterates all subscriber objects in the bucket.
func (g *GCS) List(ctx context.Context) ([]*notifier.Subscriber, error) {
	var subs []*notifier.Subscriber

	it := g.client.Bucket(g.bucket).Objects(ctx, &gcs.Query{Prefix: "sub-"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if !isSubscriberKey(attrs.Name) {
			continue
		}

		data, err := g.load(ctx, attrs.Name)
		if err != nil {
			g.logger.Warn("Failed to load subscriber", "key", attrs.Name, "error", err)
			continue
		}
		sub, err := decode(data)
		if err != nil {
			g.logger.Warn("Skipping corrupt subscriber", "key", attrs.Name, "error", err)
			continue
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}

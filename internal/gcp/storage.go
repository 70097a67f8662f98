package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// An existing object is not a failure: archiving the same snapshot twice is a no-op.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content io.Reader) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)

	if _, err := io.Copy(writer, content); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("SKIPPING: Object already exists.", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("SKIPPING: Object already exists.", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// Archive keeps raw DBF snapshots in a bucket, one object per Drive revision.
type Archive struct {
	client *storage.Client
	bucket string
}

func NewArchive(ctx context.Context, bucket string, credentialsJSON []byte) (*Archive, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must be provided to create an archive")
	}
	var opts []option.ClientOption
	if len(credentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(credentialsJSON))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return &Archive{client: client, bucket: bucket}, nil
}

// Save stores content under objectName and returns its gs:// URI.
func (a *Archive) Save(ctx context.Context, objectName string, content []byte) (string, error) {
	if err := SaveToGCSAtomically(ctx, a.client.Bucket(a.bucket), objectName, bytes.NewReader(content)); err != nil {
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, objectName), nil
}

func (a *Archive) Close() error {
	return a.client.Close()
}

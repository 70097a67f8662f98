package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/Lllllllleong/dbfsync/internal/models"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// NewFirestoreClient initializes a Firebase Admin app from a service account
// JSON key and returns its Firestore client. An empty projectID lets the SDK
// take the project from the key.
func NewFirestoreClient(ctx context.Context, projectID string, credentialsJSON []byte) (*firestore.Client, error) {
	if len(credentialsJSON) == 0 {
		return nil, fmt.Errorf("credentials must be provided to create a firestore client")
	}

	var conf *firebase.Config
	if projectID != "" {
		conf = &firebase.Config{ProjectID: projectID}
	}
	app, err := firebase.NewApp(ctx, conf, option.WithCredentialsJSON(credentialsJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return client, nil
}

// ProjectIDFromCredentials extracts project_id from a service account key.
func ProjectIDFromCredentials(credentialsJSON []byte) string {
	var key struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(credentialsJSON, &key); err != nil {
		return ""
	}
	return key.ProjectID
}

// FirestoreStore reads change hashes and writes synchronized records.
type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

// FetchHashes returns the value of field for each existing document in ids.
// Missing documents and documents without a string hash are left out.
func (s *FirestoreStore) FetchHashes(ctx context.Context, collection string, ids []string, field string) (map[string]string, error) {
	col := s.client.Collection(collection)
	if col == nil {
		return nil, fmt.Errorf("invalid collection name %q", collection)
	}
	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		if ref := col.Doc(id); ref != nil {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return map[string]string{}, nil
	}

	snaps, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("failed to read existing documents: %w", err)
	}
	hashes := make(map[string]string, len(snaps))
	for _, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		v, err := snap.DataAt(field)
		if err != nil {
			continue
		}
		if h, ok := v.(string); ok {
			hashes[snap.Ref.ID] = h
		}
	}
	return hashes, nil
}

// Commit replaces every document of docs in a single write batch.
func (s *FirestoreStore) Commit(ctx context.Context, collection string, docs []models.Document) error {
	col := s.client.Collection(collection)
	if col == nil {
		return fmt.Errorf("invalid collection name %q", collection)
	}
	batch := s.client.Batch()
	for _, d := range docs {
		ref := col.Doc(d.ID)
		if ref == nil {
			return fmt.Errorf("invalid document id %q", d.ID)
		}
		batch.Set(ref, d.Data)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %d documents to %s: %w", len(docs), collection, err)
	}
	return nil
}

// SaveRun upserts the audit record of a sync run.
func (s *FirestoreStore) SaveRun(ctx context.Context, collection string, run *models.SyncRun) error {
	if _, err := s.client.Collection(collection).Doc(run.RunID).Set(ctx, run); err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.RunID, err)
	}
	return nil
}

// RecentRuns returns up to limit run records, newest first.
func (s *FirestoreStore) RecentRuns(ctx context.Context, collection string, limit int) ([]models.SyncRun, error) {
	it := s.client.Collection(collection).OrderBy("startedAt", firestore.Desc).Limit(limit).Documents(ctx)
	defer it.Stop()

	var runs []models.SyncRun
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list runs in %s: %w", collection, err)
		}
		var run models.SyncRun
		if err := snap.DataTo(&run); err != nil {
			return nil, fmt.Errorf("failed to decode run %s: %w", snap.Ref.ID, err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

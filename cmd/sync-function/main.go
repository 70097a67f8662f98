package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/dbfsync/internal/config"
	"github.com/Lllllllleong/dbfsync/internal/logging"
	"github.com/Lllllllleong/dbfsync/internal/models"
	"github.com/Lllllllleong/dbfsync/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	syncerInstance *services.SyncFunction
	once           sync.Once
	initErr        error
	// runMu keeps overlapping invocations on one instance from syncing twice.
	runMu sync.Mutex
)

func init() {
	logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	functions.HTTP("HandleSync", handleSync)
	functions.CloudEvent("HandleScheduledSync", handleScheduledSync)
}

// main is required by the Go Functions Framework.
func main() {}

func initSyncer() error {
	once.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			initErr = err
			return
		}
		syncerInstance, initErr = services.NewSyncer(context.Background(), cfg)
	})
	return initErr
}

// handleSync runs a sync on demand. The body is an optional SyncRequest.
func handleSync(w http.ResponseWriter, r *http.Request) {
	var req models.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if req.Window != "" {
		if _, err := services.ParseWindow(req.Window); err != nil {
			slog.Warn("Rejected sync request", "error", err)
			http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Trigger == "" {
		req.Trigger = "workflow_dispatch"
	}

	if err := initSyncer(); err != nil {
		slog.Error("Critical: sync initialization failed", "error", err)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	if !runMu.TryLock() {
		http.Error(w, "Conflict: a sync run is already in progress", http.StatusConflict)
		return
	}
	res, err := syncerInstance.Process(r.Context(), &req)
	runMu.Unlock()
	if res == nil {
		// Process already logged the failure.
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err, "runId", res.RunID)
	}
}

// pubSubMessage is the data of a google.cloud.pubsub.topic.v1.messagePublished event.
type pubSubMessage struct {
	Message struct {
		Data []byte `json:"data"`
	} `json:"message"`
}

// handleScheduledSync runs a sync for a Cloud Scheduler message. The message
// data may carry a SyncRequest; an empty message syncs with the defaults.
func handleScheduledSync(ctx context.Context, e cloudevents.Event) error {
	if err := initSyncer(); err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		return err
	}

	req, err := scheduledRequest(e)
	if err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "eventId", e.ID())
		return err
	}

	if !runMu.TryLock() {
		slog.Warn("Sync already running on this instance, skipping event.", "eventId", e.ID())
		return nil
	}
	defer runMu.Unlock()

	_, err = syncerInstance.Process(ctx, req)
	return err
}

func scheduledRequest(e cloudevents.Event) (*models.SyncRequest, error) {
	req := &models.SyncRequest{Trigger: "schedule"}
	if len(e.Data()) == 0 {
		return req, nil
	}
	var msg pubSubMessage
	if err := json.Unmarshal(e.Data(), &msg); err != nil {
		return nil, fmt.Errorf("json.Unmarshal: %w", err)
	}
	if len(msg.Message.Data) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(msg.Message.Data, req); err != nil {
		return nil, fmt.Errorf("failed to decode sync request from message: %w", err)
	}
	if req.Trigger == "" {
		req.Trigger = "schedule"
	}
	return req, nil
}

package models

import "time"

// Run statuses stored on SyncRun.Status.
const (
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusPartial   = "PARTIAL"
	StatusFailed    = "FAILED"
)

// DriveFile is a DBF file found in the watched Drive folder.
type DriveFile struct {
	ID           string    `json:"id" firestore:"id"`
	Name         string    `json:"name" firestore:"name"`
	ModifiedTime time.Time `json:"modifiedTime" firestore:"modifiedTime"`
	Size         int64     `json:"size,omitempty" firestore:"size,omitempty"`
	MD5          string    `json:"md5,omitempty" firestore:"md5,omitempty"`
}

// FileResult holds the outcome of loading one DBF file into its collection.
type FileResult struct {
	File       string `json:"file" firestore:"file"`
	Collection string `json:"collection" firestore:"collection"`
	Records    int    `json:"records" firestore:"records"`
	Written    int    `json:"written" firestore:"written"`
	Unchanged  int    `json:"unchanged" firestore:"unchanged"`
	Skipped    int    `json:"skipped" firestore:"skipped"`
	Empty      bool   `json:"empty,omitempty" firestore:"empty,omitempty"`
	ArchiveURI string `json:"archiveUri,omitempty" firestore:"archiveUri,omitempty"`
	Error      string `json:"error,omitempty" firestore:"error,omitempty"`
}

// SyncRun is the audit record of one pipeline execution in Firestore.
type SyncRun struct {
	RunID        string       `firestore:"runId"`
	Trigger      string       `firestore:"trigger,omitempty"`
	Status       string       `firestore:"status"`
	DryRun       bool         `firestore:"dryRun,omitempty"`
	Window       string       `firestore:"window,omitempty"`
	Files        []FileResult `firestore:"files"`
	ErrorDetails string       `firestore:"errorDetails,omitempty"`
	StartedAt    time.Time    `firestore:"startedAt"`
	FinishedAt   time.Time    `firestore:"finishedAt,omitempty"`
}

// Document is one DBF record shaped for Firestore. Data already carries the
// change hash under the configured hash field.
type Document struct {
	ID   string
	Hash string
	Data map[string]any
}

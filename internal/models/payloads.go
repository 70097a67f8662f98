package models

// These structs define the JSON payloads accepted and returned by the sync
// entry points (CLI, HTTP function, scheduled CloudEvent).

// SyncRequest is the input of one sync run. All fields are optional.
type SyncRequest struct {
	Trigger string   `json:"trigger,omitempty"`
	Files   []string `json:"files,omitempty"`
	// Window overrides the modification window, as a Go duration ("5h", "0" for all files).
	Window string `json:"window,omitempty"`
	DryRun bool   `json:"dryRun,omitempty"`
}

// SyncResponse is the output of one sync run.
type SyncResponse struct {
	Status string       `json:"status"`
	RunID  string       `json:"runId"`
	Files  []FileResult `json:"files"`
}

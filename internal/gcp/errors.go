package gcp

import (
	"errors"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IsQuotaExceeded reports whether err is a rate or quota rejection from
// Firestore (gRPC ResourceExhausted) or a REST API (HTTP 429).
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	if status.Code(err) == codes.ResourceExhausted {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests
}

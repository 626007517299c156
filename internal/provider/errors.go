package provider

import (
	"errors"
	"fmt"
)

// ErrRateLimited marks a 429 response. It is the only retryable failure
// under the default policy.
var ErrRateLimited = errors.New("rate limited")

const previewLimit = 500

// UpstreamError is a transport failure or non-success provider response.
type UpstreamError struct {
	Status   int
	Body     string
	Attempts int
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("provider request failed after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("provider returned status %d after %d attempt(s): %s", e.Status, e.Attempts, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// MalformedOutputError reports a response whose content is not JSON. It is
// never retried.
type MalformedOutputError struct {
	RawPreview     string
	CleanedPreview string
	Err            error
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed model output: %v (cleaned: %q)", e.Err, e.CleanedPreview)
}

func (e *MalformedOutputError) Unwrap() error { return e.Err }

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLimit {
		return s
	}
	return string(r[:previewLimit])
}

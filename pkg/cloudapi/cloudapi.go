// Package cloudapi defines the contracts guarded executors call into, plus
// plain HTTP implementations. Real cloud SDKs stay out of the core; anything
// satisfying these interfaces can be wired in.
package cloudapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrAuthFailed    = errors.New("upstream authentication failed")
	ErrForbidden     = errors.New("upstream access forbidden")
	ErrNotFound      = errors.New("upstream target not found")
	ErrRequestFailed = errors.New("upstream request failed")
)

// ResourceAPI reads a single cloud resource by its hierarchical id.
type ResourceAPI interface {
	GetResource(ctx context.Context, resourceID string) (json.RawMessage, error)
}

// QueryAPI runs a read-only query against a log workspace.
type QueryAPI interface {
	Query(ctx context.Context, workspaceID, query string, timespanMinutes int) (json.RawMessage, error)
}

// ClassifyStatus maps an HTTP status to the sentinel error callers classify
// on. 2xx maps to nil.
func ClassifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 401:
		return ErrAuthFailed
	case status == 403:
		return ErrForbidden
	case status == 404:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: status %d", ErrRequestFailed, status)
	}
}

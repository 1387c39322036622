// Package backuperr defines the failure kinds a backup run can end with.
//
// Each pipeline component wraps its errors with exactly one kind, so the
// orchestrator can classify a failure with errors.Is without inspecting
// provider-specific error types.
package backuperr

import (
	"errors"
	"fmt"
)

var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrArchiveBuildFailed  = errors.New("archive build failed")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrNotificationFailed  = errors.New("notification failed")
	ErrLocalCleanupFailed  = errors.New("local cleanup failed")
	ErrInvalidRequest      = errors.New("invalid backup request")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrUpstreamUnavailable, "upstream_unavailable"},
	{ErrArchiveBuildFailed, "archive_build_failed"},
	{ErrStorageUnavailable, "storage_unavailable"},
	{ErrNotificationFailed, "notification_failed"},
	{ErrLocalCleanupFailed, "local_cleanup_failed"},
	{ErrInvalidRequest, "invalid_request"},
}

// Wrap tags err with kind. The message reads "<kind>: <op>: <err>".
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", kind, op, err)
}

// KindOf returns the metric/log label for err's kind, or "unknown".
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "unknown"
}

// Known reports whether err carries one of the defined kinds.
func Known(err error) bool {
	return KindOf(err) != "unknown"
}

package backuperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWrapKeepsKindAndCause(t *testing.T) {
	err := Wrap(ErrStorageUnavailable, "upload archive", context.DeadlineExceeded)

	if !errors.Is(err, ErrStorageUnavailable) {
		t.Error("expected storage kind")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected cause to be preserved")
	}
	if want := "storage unavailable: upload archive: context deadline exceeded"; err.Error() != want {
		t.Errorf("message = %q, want %q", err.Error(), want)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(ErrUpstreamUnavailable, "fetch", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{Wrap(ErrUpstreamUnavailable, "x", errors.New("boom")), "upstream_unavailable"},
		{fmt.Errorf("outer: %w", Wrap(ErrNotificationFailed, "send", errors.New("502"))), "notification_failed"},
		{Wrap(ErrArchiveBuildFailed, "mkdir", errors.New("exists")), "archive_build_failed"},
		{errors.New("plain"), "unknown"},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
	if Known(errors.New("plain")) {
		t.Error("plain error should not be known")
	}
}

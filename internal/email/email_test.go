package email

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/expensebackup/internal/backuperr"
	"github.com/dukerupert/expensebackup/internal/model"
)

type recordingSender struct {
	sent []Message
	err  error
}

func (s *recordingSender) Send(ctx context.Context, msg Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("send called without deadline")
	}
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func TestNotifierSubject(t *testing.T) {
	n := NewNotifier(&recordingSender{}, "Fyle", time.Second)
	got := n.Subject(model.ObjectTypeExpenses)
	want := "The Expenses backup you requested from Fyle is ready for download"
	if got != want {
		t.Errorf("subject = %q, want %q", got, want)
	}
}

func TestNotify(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier(sender, "Fyle", time.Second)

	link := "https://bucket.s3.amazonaws.com/orA/a.zip?X-Amz-Expires=900&X-Amz-Signature=abc"
	if err := n.Notify(context.Background(), "alice@example.com", model.ObjectTypeExpenses, link); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.To != "alice@example.com" {
		t.Errorf("To = %q, want alice@example.com", msg.To)
	}
	if !strings.Contains(msg.TextBody, link) {
		t.Errorf("text body missing link: %q", msg.TextBody)
	}
	if !strings.Contains(msg.HTMLBody, "X-Amz-Expires=900&amp;X-Amz-Signature=abc") {
		t.Errorf("html body missing escaped link: %q", msg.HTMLBody)
	}
}

func TestNotifyProviderFailure(t *testing.T) {
	n := NewNotifier(&recordingSender{err: errors.New("status 500")}, "Fyle", time.Second)

	err := n.Notify(context.Background(), "alice@example.com", model.ObjectTypeExpenses, "https://x")
	if !errors.Is(err, backuperr.ErrNotificationFailed) {
		t.Fatalf("err = %v, want ErrNotificationFailed", err)
	}
}

func TestNotifyEmptyRecipient(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier(sender, "", 0)

	err := n.Notify(context.Background(), "", model.ObjectTypeExpenses, "https://x")
	if !errors.Is(err, backuperr.ErrNotificationFailed) {
		t.Fatalf("err = %v, want ErrNotificationFailed", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("sent %d messages, want 0", len(sender.sent))
	}
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/dukerupert/expensebackup/internal/database"
	"github.com/dukerupert/expensebackup/internal/model"
	"github.com/dukerupert/expensebackup/internal/secret"
)

func setupBackupTestDB(t *testing.T) *BackupStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sealer, err := secret.NewSealer("test-passphrase")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	return NewBackupStore(db, sealer)
}

func newRequest(tenant, name string) *model.BackupRequest {
	return &model.BackupRequest{
		TenantID:    tenant,
		Credential:  "refresh-" + tenant,
		ObjectType:  model.ObjectTypeExpenses,
		DisplayName: name,
		DataFormat:  model.DataFormatCSV,
		Filters:     json.RawMessage(`{"state":["PAID"],"download_attachments":false}`),
	}
}

func TestBackupCreate(t *testing.T) {
	bs := setupBackupTestDB(t)
	ctx := context.Background()

	b, err := bs.Create(ctx, newRequest("orA", "March"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.ID == "" {
		t.Error("expected non-empty ID")
	}
	if b.CurrentState != model.BackupStatePending {
		t.Errorf("state = %q, want %q", b.CurrentState, model.BackupStatePending)
	}

	got, err := bs.GetByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	cred, err := bs.OpenCredential(got)
	if err != nil {
		t.Fatalf("open credential: %v", err)
	}
	if cred != "refresh-orA" {
		t.Errorf("credential = %q, want %q", cred, "refresh-orA")
	}
	if got.DisplayName != "March" {
		t.Errorf("display_name = %q, want %q", got.DisplayName, "March")
	}
	f, err := got.ParsedFilters()
	if err != nil {
		t.Fatalf("parse filters: %v", err)
	}
	if len(f.State) != 1 || f.State[0] != model.ExpenseStatusPaid {
		t.Errorf("filters state = %v, want [PAID]", f.State)
	}
}

func TestBackupCredentialSealedAtRest(t *testing.T) {
	bs := setupBackupTestDB(t)
	ctx := context.Background()

	b, _ := bs.Create(ctx, newRequest("orA", "March"))

	var raw string
	if err := bs.db.QueryRow(`SELECT credential FROM backup_requests WHERE id = ?`, b.ID).Scan(&raw); err != nil {
		t.Fatalf("read raw credential: %v", err)
	}
	if raw == "refresh-orA" {
		t.Error("credential stored in plaintext")
	}
}

func TestBackupUnreadableCredentialIsIsolated(t *testing.T) {
	bs := setupBackupTestDB(t)
	ctx := context.Background()

	bad, _ := bs.Create(ctx, newRequest("orA", "March"))
	good, _ := bs.Create(ctx, newRequest("orB", "April"))
	if _, err := bs.db.Exec(`UPDATE backup_requests SET credential = 'garbage' WHERE id = ?`, bad.ID); err != nil {
		t.Fatalf("corrupt credential: %v", err)
	}

	pending, err := bs.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	got, err := bs.GetByID(ctx, bad.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := bs.OpenCredential(got); err == nil {
		t.Error("expected error opening corrupted credential")
	}

	got, _ = bs.GetByID(ctx, good.ID)
	cred, err := bs.OpenCredential(got)
	if err != nil {
		t.Fatalf("open healthy credential: %v", err)
	}
	if cred != "refresh-orB" {
		t.Errorf("credential = %q, want %q", cred, "refresh-orB")
	}
}

func TestBackupMarkFailedTruncatesOnRuneBoundary(t *testing.T) {
	bs := setupBackupTestDB(t)
	ctx := context.Background()
	b, _ := bs.Create(ctx, newRequest("orA", "March"))

	if err := bs.MarkFailed(ctx, b.ID, strings.Repeat("é", 550)); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, _ := bs.GetByID(ctx, b.ID)
	if len(got.ErrorMessage) > maxErrorMessage {
		t.Errorf("error message length = %d, want <= %d", len(got.ErrorMessage), maxErrorMessage)
	}
	if !utf8.ValidString(got.ErrorMessage) {
		t.Error("error message is not valid UTF-8")
	}
	if got.ErrorMessage != strings.Repeat("é", 512) {
		t.Errorf("error message has %d runes, want 512", utf8.RuneCountInString(got.ErrorMessage))
	}
}

func TestBackupCreateRejectsInvalid(t *testing.T) {
	bs := setupBackupTestDB(t)
	req := newRequest("orA", "March")
	req.Filters = json.RawMessage(`{"state":["UNKNOWN"]}`)

	if _, err := bs.Create(context.Background(), req); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestBackupGetMissing(t *testing.T) {
	bs := setupBackupTestDB(t)
	if _, err := bs.GetByID(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestBackupMarkReady(t *testing.T) {
	bs := setupBackupTestDB(t)
	ctx := context.Background()
	b, _ := bs.Create(ctx, newRequest("orA", "March"))

	if err := bs.MarkReady(ctx, b.ID, "orA/orA-March-Date--01-02-2024-10:00:00.zip"); err != nil {
		t.Fatalf("mark ready: %v", err)
	}

	got, _ := bs.GetByID(ctx, b.ID)
	if got.CurrentState != model.BackupStateReady {
		t.Errorf("state = %q, want %q", got.CurrentState, model.BackupStateReady)
	}
	if got.StoredObjectKey != "orA/orA-March-Date--01-02-2024-10:00:00.zip" {
		t.Errorf("stored_object_key = %q", got.StoredObjectKey)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error_message = %q, want empty", got.ErrorMessage)
	}
	if got.ModifiedAt.Before(got.CreatedAt) {
		t.Errorf("modified_at %v before created_at %v", got.ModifiedAt, got.CreatedAt)
	}
}

func TestBackupMarkFailed(t *testing.T) {
	bs := setupBackupTestDB(t)
	ctx := context.Background()
	b, _ := bs.Create(ctx, newRequest("orA", "March"))

	if err := bs.MarkFailed(ctx, b.ID, "storage unavailable: upload archive: denied"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, _ := bs.GetByID(ctx, b.ID)
	if got.CurrentState != model.BackupStateFailed {
		t.Errorf("state = %q, want %q", got.CurrentState, model.BackupStateFailed)
	}
	if got.ErrorMessage != "storage unavailable: upload archive: denied" {
		t.Errorf("error_message = %q", got.ErrorMessage)
	}
	if got.StoredObjectKey != "" {
		t.Errorf("stored_object_key = %q, want empty", got.StoredObjectKey)
	}
}

func TestBackupTerminalStatesAreFinal(t *testing.T) {
	bs := setupBackupTestDB(t)
	ctx := context.Background()
	b, _ := bs.Create(ctx, newRequest("orA", "March"))

	if err := bs.MarkNoData(ctx, b.ID); err != nil {
		t.Fatalf("mark no data: %v", err)
	}

	if err := bs.MarkReady(ctx, b.ID, "orA/x.zip"); !errors.Is(err, ErrNotPending) {
		t.Errorf("mark ready after terminal: err = %v, want ErrNotPending", err)
	}
	if err := bs.MarkFailed(ctx, b.ID, "late"); !errors.Is(err, ErrNotPending) {
		t.Errorf("mark failed after terminal: err = %v, want ErrNotPending", err)
	}

	got, _ := bs.GetByID(ctx, b.ID)
	if got.CurrentState != model.BackupStateNoDataFound {
		t.Errorf("state = %q, want %q", got.CurrentState, model.BackupStateNoDataFound)
	}
}

func TestBackupTransitionMissing(t *testing.T) {
	bs := setupBackupTestDB(t)
	if err := bs.MarkNoData(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestBackupListPendingAndTenant(t *testing.T) {
	bs := setupBackupTestDB(t)
	ctx := context.Background()

	a1, _ := bs.Create(ctx, newRequest("orA", "first"))
	time.Sleep(5 * time.Millisecond)
	bs.Create(ctx, newRequest("orA", "second"))
	time.Sleep(5 * time.Millisecond)
	bs.Create(ctx, newRequest("orB", "third"))

	bs.MarkNoData(ctx, a1.ID)

	pending, err := bs.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].DisplayName != "second" {
		t.Errorf("oldest pending = %q, want %q", pending[0].DisplayName, "second")
	}

	tenantA, err := bs.ListByTenant(ctx, "orA", 10)
	if err != nil {
		t.Fatalf("list by tenant: %v", err)
	}
	if len(tenantA) != 2 {
		t.Fatalf("tenant A = %d, want 2", len(tenantA))
	}
	if tenantA[0].DisplayName != "second" {
		t.Errorf("newest = %q, want %q", tenantA[0].DisplayName, "second")
	}

	n, err := bs.CountPendingByTenant(ctx, "orA")
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if n != 1 {
		t.Errorf("pending for orA = %d, want 1", n)
	}
}

func TestBackupTaskReferenceAndNotified(t *testing.T) {
	bs := setupBackupTestDB(t)
	ctx := context.Background()
	b, _ := bs.Create(ctx, newRequest("orA", "March"))

	if err := bs.SetTaskReference(ctx, b.ID, "job-42"); err != nil {
		t.Fatalf("set task reference: %v", err)
	}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := bs.SetNotified(ctx, b.ID, at); err != nil {
		t.Fatalf("set notified: %v", err)
	}

	got, _ := bs.GetByID(ctx, b.ID)
	if got.TaskReference != "job-42" {
		t.Errorf("task_reference = %q, want %q", got.TaskReference, "job-42")
	}
	if got.NotifiedAt == nil || !got.NotifiedAt.Equal(at) {
		t.Errorf("notified_at = %v, want %v", got.NotifiedAt, at)
	}

	if err := bs.SetTaskReference(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

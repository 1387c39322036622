package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dukerupert/expensebackup/internal/model"
	"github.com/dukerupert/expensebackup/internal/secret"
)

var (
	ErrNotFound   = errors.New("backup request not found")
	ErrNotPending = errors.New("backup request is no longer pending")
)

const maxErrorMessage = 1024

const backupColumns = `id, tenant_id, credential, object_type, display_name, task_reference, filters, data_format,
	current_state, stored_object_key, error_message, notified_at, created_at, modified_at`

// BackupStore persists backup requests. The credential column is sealed at rest.
type BackupStore struct {
	db     *sql.DB
	sealer *secret.Sealer
	now    func() time.Time
}

func NewBackupStore(db *sql.DB, sealer *secret.Sealer) *BackupStore {
	return &BackupStore{
		db:     db,
		sealer: sealer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create validates and inserts a new PENDING request, assigning its id.
func (s *BackupStore) Create(ctx context.Context, req *model.BackupRequest) (*model.BackupRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate backup request: %w", err)
	}

	sealed, err := s.sealer.Seal(req.Credential)
	if err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}

	filters := req.Filters
	if len(filters) == 0 {
		filters = json.RawMessage(`{}`)
	}

	now := s.now()
	b := *req
	b.ID = uuid.NewString()
	b.Filters = filters
	b.CurrentState = model.BackupStatePending
	b.StoredObjectKey = ""
	b.ErrorMessage = ""
	b.NotifiedAt = nil
	b.CreatedAt = now
	b.ModifiedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO backup_requests (id, tenant_id, credential, object_type, display_name, task_reference, filters,
		 data_format, current_state, created_at, modified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.TenantID, sealed, b.ObjectType, b.DisplayName, nullString(b.TaskReference), string(filters),
		b.DataFormat, b.CurrentState, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create backup request: %w", err)
	}
	return &b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *BackupStore) scan(row rowScanner) (*model.BackupRequest, error) {
	var (
		b                          model.BackupRequest
		sealed, filters            string
		taskRef, objectKey, errMsg sql.NullString
		notifiedAt                 sql.NullTime
	)
	err := row.Scan(&b.ID, &b.TenantID, &sealed, &b.ObjectType, &b.DisplayName, &taskRef, &filters, &b.DataFormat,
		&b.CurrentState, &objectKey, &errMsg, &notifiedAt, &b.CreatedAt, &b.ModifiedAt)
	if err != nil {
		return nil, err
	}

	b.SealedCredential = sealed
	b.Filters = json.RawMessage(filters)
	b.TaskReference = taskRef.String
	b.StoredObjectKey = objectKey.String
	b.ErrorMessage = errMsg.String
	if notifiedAt.Valid {
		b.NotifiedAt = &notifiedAt.Time
	}
	return &b, nil
}

// OpenCredential unseals the credential of a request read from the store.
// Rows are read without unsealing, so one undecryptable credential only
// affects its own request.
func (s *BackupStore) OpenCredential(b *model.BackupRequest) (string, error) {
	if b.Credential != "" {
		return b.Credential, nil
	}
	cred, err := s.sealer.Open(b.SealedCredential)
	if err != nil {
		return "", fmt.Errorf("open credential for %s: %w", b.ID, err)
	}
	return cred, nil
}

// GetByID returns the request with id, or ErrNotFound.
func (s *BackupStore) GetByID(ctx context.Context, id string) (*model.BackupRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backup_requests WHERE id = ?`, id)
	b, err := s.scan(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get backup request %s: %w", id, err)
	}
	return b, nil
}

func (s *BackupStore) list(ctx context.Context, query string, args ...any) ([]model.BackupRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backup requests: %w", err)
	}
	defer rows.Close()

	var out []model.BackupRequest
	for rows.Next() {
		b, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup request: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// ListByTenant returns the tenant's requests, newest first.
func (s *BackupStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]model.BackupRequest, error) {
	return s.list(ctx,
		`SELECT `+backupColumns+` FROM backup_requests WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`,
		tenantID, limit)
}

// ListPending returns PENDING requests, oldest first.
func (s *BackupStore) ListPending(ctx context.Context, limit int) ([]model.BackupRequest, error) {
	return s.list(ctx,
		`SELECT `+backupColumns+` FROM backup_requests WHERE current_state = ? ORDER BY created_at ASC LIMIT ?`,
		model.BackupStatePending, limit)
}

func (s *BackupStore) CountPendingByTenant(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM backup_requests WHERE tenant_id = ? AND current_state = ?`,
		tenantID, model.BackupStatePending,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending backup requests: %w", err)
	}
	return count, nil
}

// SetTaskReference records the external scheduler's job reference.
func (s *BackupStore) SetTaskReference(ctx context.Context, id, ref string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE backup_requests SET task_reference = ?, modified_at = ? WHERE id = ?`,
		nullString(ref), s.now(), id)
	if err != nil {
		return fmt.Errorf("set task reference: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkNoData moves a PENDING request to NO_DATA_FOUND.
func (s *BackupStore) MarkNoData(ctx context.Context, id string) error {
	return s.transition(ctx, id, model.BackupStateNoDataFound, nil, nil)
}

// MarkReady moves a PENDING request to READY with its stored object key.
func (s *BackupStore) MarkReady(ctx context.Context, id, objectKey string) error {
	if objectKey == "" {
		return fmt.Errorf("mark ready: empty object key")
	}
	return s.transition(ctx, id, model.BackupStateReady, &objectKey, nil)
}

// MarkFailed moves a PENDING request to FAILED with a reason.
func (s *BackupStore) MarkFailed(ctx context.Context, id, message string) error {
	if message == "" {
		message = "backup failed"
	}
	if len(message) > maxErrorMessage {
		n := maxErrorMessage
		for n > 0 && !utf8.RuneStart(message[n]) {
			n--
		}
		message = message[:n]
	}
	return s.transition(ctx, id, model.BackupStateFailed, nil, &message)
}

// transition applies a terminal state only while the row is still PENDING.
func (s *BackupStore) transition(ctx context.Context, id string, state model.BackupState, objectKey, errMsg *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE backup_requests SET current_state = ?, stored_object_key = ?, error_message = ?, modified_at = ?
		 WHERE id = ? AND current_state = ?`,
		state, objectKey, errMsg, s.now(), id, model.BackupStatePending,
	)
	if err != nil {
		return fmt.Errorf("update backup state to %s: %w", state, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update backup state to %s: %w", state, err)
	}
	if n == 1 {
		return nil
	}

	var current model.BackupState
	err = s.db.QueryRowContext(ctx, `SELECT current_state FROM backup_requests WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read backup state: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", ErrNotPending, id, current)
}

// SetNotified records when the requester was emailed.
func (s *BackupStore) SetNotified(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE backup_requests SET notified_at = ?, modified_at = ? WHERE id = ?`,
		at.UTC(), s.now(), id)
	if err != nil {
		return fmt.Errorf("set notified: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

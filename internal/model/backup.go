package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BackupState is the lifecycle state of a backup request.
type BackupState string

const (
	BackupStatePending     BackupState = "PENDING"
	BackupStateNoDataFound BackupState = "NO_DATA_FOUND"
	BackupStateReady       BackupState = "READY"
	BackupStateFailed      BackupState = "FAILED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s BackupState) Terminal() bool {
	return s == BackupStateNoDataFound || s == BackupStateReady || s == BackupStateFailed
}

// Succeeded reports whether s counts as a pipeline success for the job runner.
func (s BackupState) Succeeded() bool {
	return s == BackupStateNoDataFound || s == BackupStateReady
}

type ObjectType string

const ObjectTypeExpenses ObjectType = "expenses"

// Title returns the object type with its first letter upper-cased, as used in email subjects.
func (o ObjectType) Title() string {
	s := string(o)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

type DataFormat string

const DataFormatCSV DataFormat = "CSV"

// BackupRequest is one user-requested export job and its lifecycle state.
type BackupRequest struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	Credential string `json:"-"`
	// SealedCredential is the credential as stored; see store.OpenCredential.
	SealedCredential string          `json:"-"`
	ObjectType       ObjectType      `json:"object_type"`
	DisplayName      string          `json:"display_name"`
	TaskReference    string          `json:"task_reference,omitempty"`
	Filters          json.RawMessage `json:"filters"`
	DataFormat       DataFormat      `json:"data_format"`
	CurrentState     BackupState     `json:"current_state"`
	StoredObjectKey  string          `json:"stored_object_key,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	NotifiedAt       *time.Time      `json:"notified_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ModifiedAt       time.Time       `json:"modified_at"`
}

// ArchiveName is the display name with spaces removed, used to derive file names.
func (b *BackupRequest) ArchiveName() string {
	return strings.ReplaceAll(b.DisplayName, " ", "")
}

// Validate checks the fields an admission layer must supply before a request is persisted.
func (b *BackupRequest) Validate() error {
	if strings.TrimSpace(b.TenantID) == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if b.Credential == "" {
		return fmt.Errorf("credential is required")
	}
	if b.ObjectType != ObjectTypeExpenses {
		return fmt.Errorf("unsupported object_type %q", b.ObjectType)
	}
	if b.DataFormat != DataFormatCSV {
		return fmt.Errorf("unsupported data_format %q", b.DataFormat)
	}
	name := strings.TrimSpace(b.DisplayName)
	if name == "" {
		return fmt.Errorf("display_name is required")
	}
	if len(name) > 64 {
		return fmt.Errorf("display_name must be at most 64 characters")
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("display_name must not contain path separators")
	}
	_, err := b.ParsedFilters()
	return err
}

// ParsedFilters decodes and validates the serialized filters.
func (b *BackupRequest) ParsedFilters() (Filters, error) {
	return ParseFilters(string(b.Filters))
}

// ExpenseStatus is an upstream expense state usable as a filter.
type ExpenseStatus string

const (
	ExpenseStatusFyled           ExpenseStatus = "FYLED"
	ExpenseStatusPaid            ExpenseStatus = "PAID"
	ExpenseStatusApproved        ExpenseStatus = "APPROVED"
	ExpenseStatusDraft           ExpenseStatus = "DRAFT"
	ExpenseStatusApproverPending ExpenseStatus = "APPROVER_PENDING"
	ExpenseStatusComplete        ExpenseStatus = "COMPLETE"
)

var validStatuses = map[ExpenseStatus]bool{
	ExpenseStatusFyled:           true,
	ExpenseStatusPaid:            true,
	ExpenseStatusApproved:        true,
	ExpenseStatusDraft:           true,
	ExpenseStatusApproverPending: true,
	ExpenseStatusComplete:        true,
}

const dateLayout = "2006-01-02"

// DateRange is an inclusive date window. Either bound may be empty.
// Bounds are YYYY-MM-DD dates or RFC3339 timestamps.
type DateRange struct {
	GTE string `json:"gte,omitempty"`
	LTE string `json:"lte,omitempty"`
}

// IsZero reports whether neither bound is set.
func (r DateRange) IsZero() bool {
	return r.GTE == "" && r.LTE == ""
}

// Bounds parses both bounds. A date-only lower bound starts at midnight UTC,
// a date-only upper bound ends at the last millisecond of that day.
func (r DateRange) Bounds() (gte, lte *time.Time, err error) {
	if r.GTE != "" {
		t, _, err := parseBound(r.GTE)
		if err != nil {
			return nil, nil, fmt.Errorf("gte: %w", err)
		}
		gte = &t
	}
	if r.LTE != "" {
		t, dateOnly, err := parseBound(r.LTE)
		if err != nil {
			return nil, nil, fmt.Errorf("lte: %w", err)
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Millisecond)
		}
		lte = &t
	}
	if gte != nil && lte != nil && lte.Before(*gte) {
		return nil, nil, fmt.Errorf("lte %s is before gte %s", r.LTE, r.GTE)
	}
	return gte, lte, nil
}

func parseBound(s string) (time.Time, bool, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid date %q", s)
	}
	return t.UTC(), false, nil
}

// Filters is the structured predicate selecting which upstream records to export.
type Filters struct {
	State               []ExpenseStatus `json:"state"`
	ApprovedAt          DateRange       `json:"approved_at"`
	UpdatedAt           DateRange       `json:"updated_at"`
	DownloadAttachments bool            `json:"download_attachments"`
}

// Validate rejects unknown statuses and malformed date bounds.
func (f Filters) Validate() error {
	for _, s := range f.State {
		if !validStatuses[s] {
			return fmt.Errorf("unknown expense state %q", s)
		}
	}
	if _, _, err := f.ApprovedAt.Bounds(); err != nil {
		return fmt.Errorf("approved_at: %w", err)
	}
	if _, _, err := f.UpdatedAt.Bounds(); err != nil {
		return fmt.Errorf("updated_at: %w", err)
	}
	return nil
}

// ParseFilters decodes and validates the serialized filters column.
func ParseFilters(raw string) (Filters, error) {
	var f Filters
	if strings.TrimSpace(raw) == "" {
		return f, nil
	}
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return Filters{}, fmt.Errorf("decode filters: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Filters{}, err
	}
	return f, nil
}

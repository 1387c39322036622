package database

import "testing"

func TestOpenRunsMigrations(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'backup_requests'`).Scan(&name)
	if err != nil {
		t.Fatalf("backup_requests table missing: %v", err)
	}

	// Running again is a no-op.
	if err := Migrate(db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestStateInvariantsEnforced(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	_, err = db.Exec(`INSERT INTO backup_requests (id, tenant_id, credential, display_name, current_state, created_at, modified_at)
		VALUES ('a', 't', 'c', 'n', 'READY', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	if err == nil {
		t.Error("expected READY without stored_object_key to be rejected")
	}

	_, err = db.Exec(`INSERT INTO backup_requests (id, tenant_id, credential, display_name, current_state, created_at, modified_at)
		VALUES ('b', 't', 'c', 'n', 'FAILED', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	if err == nil {
		t.Error("expected FAILED without error_message to be rejected")
	}
}

package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sync status values written by the runner.
const (
	StatusIdle    = "IDLE"
	StatusSyncing = "SYNCING"
	StatusOK      = "OK"
	StatusError   = "ERROR"
)

// SyncStatus is the last known sync state of a mailbox.
type SyncStatus struct {
	Mailbox   string `db:"mailbox" json:"mailbox"`
	Status    string `db:"status" json:"status"`
	Mode      string `db:"mode" json:"mode"`
	LastError string `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// UpdateSyncStatus records the status of the latest pass for mailbox.
func (x *Index) UpdateSyncStatus(ctx context.Context, mailbox, status, mode, lastError string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	_, err := x.db.ExecContext(ctx, `
		INSERT INTO sync_status (mailbox, status, mode, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(mailbox) DO UPDATE SET
			status = excluded.status,
			mode = excluded.mode,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, mailbox, status, mode, lastError, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

// SyncStatus returns the recorded status for mailbox, IDLE if none.
func (x *Index) SyncStatus(ctx context.Context, mailbox string) (SyncStatus, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var st SyncStatus
	err := x.db.GetContext(ctx, &st, `
		SELECT mailbox, status, mode, last_error, updated_at
		FROM sync_status WHERE mailbox = ?
	`, mailbox)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncStatus{Mailbox: mailbox, Status: StatusIdle}, nil
	}
	if err != nil {
		return SyncStatus{}, fmt.Errorf("failed to load sync status: %w", err)
	}
	return st, nil
}

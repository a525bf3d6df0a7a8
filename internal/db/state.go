package db

import (
	"context"
	"fmt"

	"github.com/sdxl-assets/sam/internal/schema"
	"github.com/sdxl-assets/sam/internal/sync"
)

// LoadState returns every SyncState row. It implements sync.LocalStore.
func (db *DB) LoadState(ctx context.Context) ([]sync.StateEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT local_key, external_key, fingerprint, snapshot, synced_at
		FROM sync_state
		ORDER BY local_key`)
	if err != nil {
		return nil, retryable("load state", fmt.Errorf("failed to query sync state: %w", err))
	}
	defer rows.Close()

	var out []sync.StateEntry
	for rows.Next() {
		var (
			e              sync.StateEntry
			snap, syncedAt string
		)
		if err := rows.Scan(&e.LocalKey, &e.ExternalKey, &e.Fingerprint, &snap, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync state: %w", err)
		}
		if e.Snapshot, err = schema.DecodeSnapshot([]byte(snap)); err != nil {
			return nil, fmt.Errorf("sync state for %s: %w", e.LocalKey, err)
		}
		e.SyncedAt = parseTime(syncedAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync state: %w", err)
	}
	return out, nil
}

// PutState implements sync.LocalTx. A row that still claims the same
// external key under another local key is replaced.
func (t *Tx) PutState(ctx context.Context, e sync.StateEntry) error {
	if e.LocalKey == "" || e.ExternalKey == "" {
		return fmt.Errorf("sync state needs both keys, got %s", e.Pair())
	}
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM sync_state WHERE external_key = ? AND local_key != ?`,
		e.ExternalKey, e.LocalKey); err != nil {
		return fmt.Errorf("failed to clear stale state for %s: %w", e.ExternalKey, err)
	}

	syncedAt := e.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = t.now
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_state (local_key, external_key, fingerprint, snapshot, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(local_key) DO UPDATE SET
			external_key = excluded.external_key,
			fingerprint = excluded.fingerprint,
			snapshot = excluded.snapshot,
			synced_at = excluded.synced_at`,
		e.LocalKey, e.ExternalKey, e.Fingerprint, string(e.Snapshot.Encode()), formatTime(syncedAt))
	if err != nil {
		return fmt.Errorf("failed to write sync state for %s: %w", e.Pair(), err)
	}
	return nil
}

// DeleteState implements sync.LocalTx.
func (t *Tx) DeleteState(ctx context.Context, localKey string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM sync_state WHERE local_key = ?`, localKey); err != nil {
		return fmt.Errorf("failed to delete sync state for %s: %w", localKey, err)
	}
	return nil
}

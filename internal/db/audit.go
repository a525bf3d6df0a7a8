package db

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sdxl-assets/sam/internal/sync"
)

// AuditEntry is one row of sync_audit.
type AuditEntry struct {
	ID          string              `json:"id" yaml:"id"`
	PassID      string              `json:"pass_id" yaml:"pass_id"`
	Pair        sync.PairKey        `json:"pair" yaml:"pair"`
	Title       string              `json:"title,omitempty" yaml:"title,omitempty"`
	Policy      sync.Policy         `json:"policy" yaml:"policy"`
	Winner      sync.Side           `json:"winner,omitempty" yaml:"winner,omitempty"`
	Pending     bool                `json:"pending,omitempty" yaml:"pending,omitempty"`
	Conflicting []string            `json:"conflicting,omitempty" yaml:"conflicting,omitempty"`
	Record      sync.ConflictRecord `json:"record" yaml:"record"`
	CreatedAt   time.Time           `json:"created_at" yaml:"created_at"`
}

// RecordConflict appends a conflict to the audit table. It implements
// sync.AuditLog.
func (db *DB) RecordConflict(ctx context.Context, passID string, c sync.ConflictRecord) error {
	detail, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode conflict: %w", err)
	}
	conflicting, err := json.Marshal(c.Resolution.Conflicting)
	if err != nil {
		return fmt.Errorf("failed to encode conflicting fields: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO sync_audit (audit_id, pass_id, local_key, external_key, title,
			policy, winner, pending, conflicting, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), passID, c.Pair.Local, c.Pair.External, c.Title,
		string(c.Resolution.Policy), string(c.Resolution.Winner), c.Resolution.Pending,
		string(conflicting), string(detail), formatTime(db.now()))
	if err != nil {
		return retryable("record conflict", fmt.Errorf("failed to record conflict for %s: %w", c.Pair, err))
	}
	return nil
}

// ListAudit returns audit entries created at or after since, newest first.
// A zero since returns everything; limit <= 0 means no limit.
func (db *DB) ListAudit(ctx context.Context, since time.Time, limit int) ([]AuditEntry, error) {
	query := `
		SELECT audit_id, pass_id, local_key, external_key, title, policy, winner,
		       pending, conflicting, detail, created_at
		FROM sync_audit
		WHERE created_at >= ?
		ORDER BY created_at DESC, audit_id`
	args := []any{formatTime(since)}
	if since.IsZero() {
		args[0] = ""
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                            AuditEntry
			policy, winner               string
			conflicting, detail, created string
		)
		if err := rows.Scan(&e.ID, &e.PassID, &e.Pair.Local, &e.Pair.External, &e.Title,
			&policy, &winner, &e.Pending, &conflicting, &detail, &created); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Policy, e.Winner = sync.Policy(policy), sync.Side(winner)
		e.CreatedAt = parseTime(created)
		if conflicting != "" && conflicting != "null" {
			if err := json.Unmarshal([]byte(conflicting), &e.Conflicting); err != nil {
				return nil, fmt.Errorf("audit entry %s: bad conflicting list: %w", e.ID, err)
			}
		}
		if err := json.Unmarshal([]byte(detail), &e.Record); err != nil {
			// Old rows may predate a field rename; keep the summary columns.
			fmt.Fprintf(os.Stderr, "Warning: audit entry %s: %v\n", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats summarizes the local database.
type Stats struct {
	Path        string    `json:"path" yaml:"path"`
	SizeBytes   int64     `json:"size_bytes" yaml:"size_bytes"`
	Runs        int       `json:"runs" yaml:"runs"`
	Models      int       `json:"models" yaml:"models"`
	LoRAs       int       `json:"loras" yaml:"loras"`
	Tags        int       `json:"tags" yaml:"tags"`
	LinkedPairs int       `json:"linked_pairs" yaml:"linked_pairs"`
	Conflicts   int       `json:"audited_conflicts" yaml:"audited_conflicts"`
	LastSync    time.Time `json:"last_sync,omitempty" yaml:"last_sync,omitempty"`
}

// Stats returns row counts and the time of the most recent pair sync.
func (db *DB) Stats() (*Stats, error) {
	return db.StatsContext(context.Background())
}

// StatsContext returns the database stats with context support.
func (db *DB) StatsContext(ctx context.Context) (*Stats, error) {
	st := &Stats{Path: db.path}
	if fi, err := os.Stat(db.path); err == nil {
		st.SizeBytes = fi.Size()
	}

	counts := []struct {
		dest  *int
		query string
	}{
		{&st.Runs, `SELECT COUNT(*) FROM runs`},
		{&st.Models, `SELECT COUNT(*) FROM models WHERE type != 'lora'`},
		{&st.LoRAs, `SELECT COUNT(*) FROM models WHERE type = 'lora'`},
		{&st.Tags, `SELECT COUNT(*) FROM tags`},
		{&st.LinkedPairs, `SELECT COUNT(*) FROM sync_state`},
		{&st.Conflicts, `SELECT COUNT(*) FROM sync_audit`},
	}
	for _, c := range counts {
		if err := db.conn.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to count (%s): %w", c.query, err)
		}
	}

	var last string
	if err := db.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(synced_at), '') FROM sync_state`).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to read last sync time: %w", err)
	}
	st.LastSync = parseTime(last)
	return st, nil
}

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sdxl-assets/sam/internal/schema"
)

// Model types stored in models.type.
const (
	ModelCheckpoint = "checkpoint"
	ModelLoRA       = "lora"
)

// scalarColumns are the runs columns stored as-is. Order matches the
// SELECT and INSERT statements below.
var scalarColumns = []string{
	schema.ColTitle, schema.ColPrompt, schema.ColNegative, schema.ColCFG,
	schema.ColSteps, schema.ColSampler, schema.ColScheduler, schema.ColSeed,
	schema.ColWidth, schema.ColHeight, schema.ColBatchSize, schema.ColStatus,
	schema.ColNotes, schema.ColSource, schema.ColComfyUIWorkflowID,
}

// FetchAll returns every run with its model, LoRAs and tags flattened to
// names. It implements sync.LocalStore.
func (db *DB) FetchAll(ctx context.Context) ([]*schema.RunRow, error) {
	return fetchRuns(ctx, db.conn, "")
}

// GetRun returns one run, or nil if it does not exist.
func (db *DB) GetRun(ctx context.Context, id string) (*schema.RunRow, error) {
	rows, err := fetchRuns(ctx, db.conn, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// queryer is the part of *sql.DB and *sql.Tx the readers need.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func fetchRuns(ctx context.Context, q queryer, id string) ([]*schema.RunRow, error) {
	query := `
	SELECT r.run_id, r.` + strings.Join(scalarColumns, ", r.") + `,
	       m.name, r.notion_page_id, r.extra, r.created_at, r.updated_at
	FROM runs r
	LEFT JOIN models m ON m.model_id = r.model_id`
	var args []any
	if id != "" {
		query += ` WHERE r.run_id = ?`
		args = append(args, id)
	}
	query += ` ORDER BY r.run_id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, retryable("query runs", fmt.Errorf("failed to query runs: %w", err))
	}

	var (
		out  []*schema.RunRow
		byID = map[int64]*schema.RunRow{}
	)
	for rows.Next() {
		var (
			runID                int64
			model, page, extra   sql.NullString
			createdAt, updatedAt string
		)
		values := make([]any, len(scalarColumns))
		dest := []any{&runID}
		for i := range values {
			dest = append(dest, &values[i])
		}
		dest = append(dest, &model, &page, &extra, &createdAt, &updatedAt)
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		row := &schema.RunRow{
			ID:           strconv.FormatInt(runID, 10),
			NotionPageID: page.String,
			Columns:      make(map[string]any, len(schema.RunColumns)),
			CreatedAt:    parseTime(createdAt),
			UpdatedAt:    parseTime(updatedAt),
		}
		if extra.Valid && extra.String != "" {
			if err := json.Unmarshal([]byte(extra.String), &row.Columns); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to decode extra columns of run %d: %w", runID, err)
			}
		}
		for i, col := range scalarColumns {
			row.Columns[col] = scanned(values[i])
		}
		if model.Valid {
			row.Columns[schema.ColModel] = model.String
		} else {
			row.Columns[schema.ColModel] = nil
		}
		row.Columns[schema.ColLoRAs] = []string{}
		row.Columns[schema.ColTags] = []string{}

		out = append(out, row)
		byID[runID] = row
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	rows.Close()

	relations := []struct {
		col   string
		query string
	}{
		{schema.ColLoRAs, `SELECT rl.run_id, m.name FROM run_loras rl JOIN models m ON m.model_id = rl.lora_id ORDER BY rl.run_id, rl.position`},
		{schema.ColTags, `SELECT rt.run_id, t.name FROM run_tags rt JOIN tags t ON t.tag_id = rt.tag_id ORDER BY rt.run_id, rt.position`},
	}
	for _, rel := range relations {
		if err := fillRelation(ctx, q, rel.query, rel.col, byID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func fillRelation(ctx context.Context, q queryer, query, col string, byID map[int64]*schema.RunRow) error {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return retryable("query "+col, fmt.Errorf("failed to query %s: %w", col, err))
	}
	defer rows.Close()

	for rows.Next() {
		var runID int64
		var name string
		if err := rows.Scan(&runID, &name); err != nil {
			return fmt.Errorf("failed to scan %s: %w", col, err)
		}
		if row, ok := byID[runID]; ok {
			row.Columns[col] = append(row.Columns[col].([]string), name)
		}
	}
	return rows.Err()
}

// scanned normalizes a value scanned into an any destination.
func scanned(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Tx is the write side of one local transaction. It implements
// sync.LocalTx.
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

// Upsert implements sync.LocalTx. The model, LoRA and tag names are
// resolved to rows, creating them when missing.
func (t *Tx) Upsert(ctx context.Context, row *schema.RunRow) (string, error) {
	if err := row.Validate(); err != nil {
		return "", fmt.Errorf("invalid run: %w", err)
	}

	args := make([]any, 0, len(scalarColumns)+6)
	for _, col := range scalarColumns {
		v, err := bindable(col, row.Columns[col])
		if err != nil {
			return "", err
		}
		args = append(args, v)
	}

	var modelID any
	if name, ok := row.Columns[schema.ColModel].(string); ok && name != "" {
		id, err := t.modelID(ctx, name, ModelCheckpoint)
		if err != nil {
			return "", err
		}
		modelID = id
	} else if v := row.Columns[schema.ColModel]; v != nil && v != "" {
		return "", fmt.Errorf("column %s: want a model name, got %T", schema.ColModel, v)
	}

	extra, err := extraJSON(row.Columns)
	if err != nil {
		return "", err
	}
	var page any
	if row.NotionPageID != "" {
		page = row.NotionPageID
	}
	now := formatTime(t.now)
	args = append(args, modelID, page, extra, now, now)

	var runID int64
	if row.ID == "" {
		query := `INSERT INTO runs (` + strings.Join(scalarColumns, ", ") + `,
			model_id, notion_page_id, extra, created_at, updated_at)
			VALUES (` + placeholders(len(args)) + `)`
		res, err := t.tx.ExecContext(ctx, query, args...)
		if err != nil {
			return "", fmt.Errorf("failed to insert run: %w", err)
		}
		if runID, err = res.LastInsertId(); err != nil {
			return "", fmt.Errorf("failed to read run id: %w", err)
		}
	} else {
		if runID, err = strconv.ParseInt(row.ID, 10, 64); err != nil {
			return "", fmt.Errorf("invalid run id %q", row.ID)
		}
		sets := make([]string, 0, len(scalarColumns)+4)
		for _, col := range scalarColumns {
			sets = append(sets, col+" = excluded."+col)
		}
		sets = append(sets, "model_id = excluded.model_id", "notion_page_id = excluded.notion_page_id",
			"extra = excluded.extra", "updated_at = excluded.updated_at")
		query := `INSERT INTO runs (run_id, ` + strings.Join(scalarColumns, ", ") + `,
			model_id, notion_page_id, extra, created_at, updated_at)
			VALUES (` + placeholders(len(args)+1) + `)
			ON CONFLICT(run_id) DO UPDATE SET ` + strings.Join(sets, ", ")
		if _, err := t.tx.ExecContext(ctx, query, append([]any{runID}, args...)...); err != nil {
			return "", fmt.Errorf("failed to upsert run %d: %w", runID, err)
		}
	}

	if err := t.setLoRAs(ctx, runID, row.Columns[schema.ColLoRAs]); err != nil {
		return "", err
	}
	if err := t.setTags(ctx, runID, row.Columns[schema.ColTags]); err != nil {
		return "", err
	}
	return strconv.FormatInt(runID, 10), nil
}

// Delete implements sync.LocalTx. LoRA and tag links cascade.
func (t *Tx) Delete(ctx context.Context, localKey string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, localKey); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", localKey, err)
	}
	return nil
}

// Link implements sync.LocalTx. updated_at is left alone so the link does
// not count as a local edit.
func (t *Tx) Link(ctx context.Context, localKey, externalKey string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE runs SET notion_page_id = ? WHERE run_id = ?`, externalKey, localKey)
	if err != nil {
		return fmt.Errorf("failed to link run %s: %w", localKey, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", localKey)
	}
	return nil
}

func (t *Tx) setLoRAs(ctx context.Context, runID int64, v any) error {
	names, err := nameList(schema.ColLoRAs, v)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM run_loras WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to clear LoRAs of run %d: %w", runID, err)
	}
	for i, name := range names {
		id, err := t.modelID(ctx, name, ModelLoRA)
		if err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO run_loras (run_id, lora_id, weight, position) VALUES (?, ?, 1.0, ?)`,
			runID, id, i); err != nil {
			return fmt.Errorf("failed to link LoRA %q to run %d: %w", name, runID, err)
		}
	}
	return nil
}

func (t *Tx) setTags(ctx context.Context, runID int64, v any) error {
	names, err := nameList(schema.ColTags, v)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM run_tags WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to clear tags of run %d: %w", runID, err)
	}
	for i, name := range names {
		id, err := t.tagID(ctx, name)
		if err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO run_tags (run_id, tag_id, position) VALUES (?, ?, ?)`,
			runID, id, i); err != nil {
			return fmt.Errorf("failed to tag run %d with %q: %w", runID, name, err)
		}
	}
	return nil
}

// modelID returns the id of the named model, creating it with typ if it
// does not exist yet.
func (t *Tx) modelID(ctx context.Context, name, typ string) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `SELECT model_id FROM models WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to look up model %q: %w", name, err)
	}
	now := formatTime(t.now)
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO models (name, type, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		name, typ, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create model %q: %w", name, err)
	}
	return res.LastInsertId()
}

func (t *Tx) tagID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `SELECT tag_id FROM tags WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to look up tag %q: %w", name, err)
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO tags (name, created_at) VALUES (?, ?)`, name, formatTime(t.now))
	if err != nil {
		return 0, fmt.Errorf("failed to create tag %q: %w", name, err)
	}
	return res.LastInsertId()
}

// bindable converts a column value to a driver value. Scalars pass
// through; SQLite column affinity does the rest.
func bindable(col string, v any) (any, error) {
	switch x := v.(type) {
	case nil, string, int64, float64, bool:
		return x, nil
	case int:
		return int64(x), nil
	case time.Time:
		return formatTime(x), nil
	}
	return nil, fmt.Errorf("column %s: cannot store %T", col, v)
}

func nameList(col string, v any) ([]string, error) {
	var names []string
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []string:
		names = x
	case []any:
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("column %s: list items must be names, got %T", col, item)
			}
			names = append(names, s)
		}
	default:
		return nil, fmt.Errorf("column %s: want a list of names, got %T", col, v)
	}

	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "" {
			return nil, fmt.Errorf("column %s: empty name", col)
		}
		if seen[n] {
			return nil, fmt.Errorf("column %s: duplicate name %q", col, n)
		}
		seen[n] = true
	}
	return names, nil
}

// extraJSON encodes every column that has no place in the runs table.
func extraJSON(cols map[string]any) (any, error) {
	extra := map[string]any{}
	for k, v := range cols {
		if schema.IsRunColumn(k) || v == nil {
			continue
		}
		extra[k] = v
	}
	if len(extra) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("failed to encode extra columns: %w", err)
	}
	return string(b), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

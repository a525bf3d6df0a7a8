// Package memstore provides in-memory LocalStore and RemoteStore
// implementations. They back the engine's tests and dry experiments; every
// instance is independent, so there is no shared sync state between them.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/sdxl-assets/sam/internal/schema"
	"github.com/sdxl-assets/sam/internal/sync"
)

// Local is an in-memory sync.LocalStore.
type Local struct {
	mu     stdsync.Mutex
	rows   map[string]*schema.RunRow
	state  map[string]sync.StateEntry
	nextID int
	clock  func() time.Time

	// FailUpsert, when set, is consulted before every row write. Returning
	// an error aborts the surrounding transaction.
	FailUpsert func(row *schema.RunRow) error
}

// NewLocal creates an empty local store.
func NewLocal(clock func() time.Time) *Local {
	if clock == nil {
		clock = time.Now
	}
	return &Local{
		rows:  map[string]*schema.RunRow{},
		state: map[string]sync.StateEntry{},
		clock: clock,
	}
}

// Put inserts or replaces a row directly, outside any sync pass. A row
// without an ID gets one. Returns the row's ID.
func (l *Local) Put(row *schema.RunRow) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.put(l.rows, row)
}

func (l *Local) put(rows map[string]*schema.RunRow, row *schema.RunRow) string {
	cp := cloneRow(row)
	now := l.clock()
	if cp.ID == "" {
		l.nextID++
		cp.ID = strconv.Itoa(l.nextID)
		cp.CreatedAt = now
	} else if old, ok := rows[cp.ID]; ok {
		cp.CreatedAt = old.CreatedAt
	}
	cp.UpdatedAt = now
	rows[cp.ID] = cp
	return cp.ID
}

// Remove deletes a row directly.
func (l *Local) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rows, id)
}

// Get returns a copy of a row.
func (l *Local) Get(id string) (*schema.RunRow, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[id]
	if !ok {
		return nil, false
	}
	return cloneRow(row), true
}

// Len returns the number of rows.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

// State returns the SyncState entry of a local key.
func (l *Local) State(localKey string) (sync.StateEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.state[localKey]
	return s, ok
}

// FetchAll implements sync.LocalStore.
func (l *Local) FetchAll(ctx context.Context) ([]*schema.RunRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*schema.RunRow, 0, len(l.rows))
	for _, id := range sortedKeys(l.rows) {
		out = append(out, cloneRow(l.rows[id]))
	}
	return out, nil
}

// LoadState implements sync.LocalStore.
func (l *Local) LoadState(ctx context.Context) ([]sync.StateEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]sync.StateEntry, 0, len(l.state))
	for _, k := range sortedKeys(l.state) {
		out = append(out, l.state[k])
	}
	return out, nil
}

// Update implements sync.LocalStore. fn works on copies that replace the
// store's maps only if it succeeds.
func (l *Local) Update(ctx context.Context, fn func(tx sync.LocalTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &localTx{store: l, rows: make(map[string]*schema.RunRow, len(l.rows)), state: make(map[string]sync.StateEntry, len(l.state))}
	for k, v := range l.rows {
		tx.rows[k] = v
	}
	for k, v := range l.state {
		tx.state[k] = v
	}
	savedID := l.nextID
	if err := fn(tx); err != nil {
		l.nextID = savedID
		return err
	}
	l.rows, l.state = tx.rows, tx.state
	return nil
}

type localTx struct {
	store *Local
	rows  map[string]*schema.RunRow
	state map[string]sync.StateEntry
}

func (tx *localTx) Upsert(_ context.Context, row *schema.RunRow) (string, error) {
	if err := row.Validate(); err != nil {
		return "", err
	}
	if tx.store.FailUpsert != nil {
		if err := tx.store.FailUpsert(row); err != nil {
			return "", err
		}
	}
	return tx.store.put(tx.rows, row), nil
}

func (tx *localTx) Delete(_ context.Context, localKey string) error {
	delete(tx.rows, localKey)
	return nil
}

func (tx *localTx) Link(_ context.Context, localKey, externalKey string) error {
	row, ok := tx.rows[localKey]
	if !ok {
		return fmt.Errorf("run %s not found", localKey)
	}
	cp := cloneRow(row)
	cp.NotionPageID = externalKey
	tx.rows[localKey] = cp
	return nil
}

func (tx *localTx) PutState(_ context.Context, entry sync.StateEntry) error {
	for k, s := range tx.state {
		if k != entry.LocalKey && s.ExternalKey == entry.ExternalKey {
			return fmt.Errorf("page %s is already linked to run %s", entry.ExternalKey, k)
		}
	}
	tx.state[entry.LocalKey] = entry
	return nil
}

func (tx *localTx) DeleteState(_ context.Context, localKey string) error {
	delete(tx.state, localKey)
	return nil
}

// Remote is an in-memory sync.RemoteStore with Notion-like semantics:
// deletes archive, updates merge properties, and every write bumps the
// last edited time.
type Remote struct {
	mu     stdsync.Mutex
	pages  map[string]*schema.Page
	nextID int
	clock  func() time.Time

	// Fail, when set, is consulted before every call with the operation
	// name ("fetch", "upsert", "delete") and the page id.
	Fail func(op, id string) error

	// Calls counts calls per operation name.
	Calls map[string]int
}

// NewRemote creates an empty remote store.
func NewRemote(clock func() time.Time) *Remote {
	if clock == nil {
		clock = time.Now
	}
	return &Remote{pages: map[string]*schema.Page{}, clock: clock, Calls: map[string]int{}}
}

// Put stores a page directly, outside any sync pass. Returns its ID.
func (r *Remote) Put(page *schema.Page) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store(page, true)
}

func (r *Remote) store(page *schema.Page, replace bool) string {
	cp := clonePage(page)
	now := r.clock()
	if cp.ID == "" {
		r.nextID++
		cp.ID = fmt.Sprintf("page-%d", r.nextID)
		cp.CreatedTime = now
	}
	if old, ok := r.pages[cp.ID]; ok && !replace {
		merged := clonePage(old)
		for name, prop := range cp.Properties {
			merged.Properties[name] = prop
		}
		cp = merged
	}
	cp.LastEditedTime = now
	r.pages[cp.ID] = cp
	return cp.ID
}

// Get returns a copy of a page, archived ones included.
func (r *Remote) Get(id string) (*schema.Page, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pages[id]
	if !ok {
		return nil, false
	}
	return clonePage(p), true
}

// Archive marks a page archived directly.
func (r *Remote) Archive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pages[id]; ok {
		p.Archived = true
		p.LastEditedTime = r.clock()
	}
}

// Live returns the number of pages that are not archived.
func (r *Remote) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.pages {
		if !p.Archived {
			n++
		}
	}
	return n
}

func (r *Remote) fail(op, id string) error {
	r.Calls[op]++
	if r.Fail != nil {
		return r.Fail(op, id)
	}
	return nil
}

// FetchAll implements sync.RemoteStore.
func (r *Remote) FetchAll(ctx context.Context) ([]*schema.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("fetch", ""); err != nil {
		return nil, err
	}
	var out []*schema.Page
	for _, id := range sortedKeys(r.pages) {
		if p := r.pages[id]; !p.Archived {
			out = append(out, clonePage(p))
		}
	}
	return out, nil
}

// Upsert implements sync.RemoteStore. Read-only properties are dropped the
// way the Notion API ignores them.
func (r *Remote) Upsert(ctx context.Context, page *schema.Page) (*schema.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("upsert", page.ID); err != nil {
		return nil, err
	}
	if page.ID != "" {
		if old, ok := r.pages[page.ID]; !ok || old.Archived {
			return nil, fmt.Errorf("page %s not found", page.ID)
		}
	}
	cp := clonePage(page)
	for name, prop := range cp.Properties {
		if !prop.Writable() {
			delete(cp.Properties, name)
		}
	}
	id := r.store(cp, false)
	return clonePage(r.pages[id]), nil
}

// Delete implements sync.RemoteStore by archiving the page.
func (r *Remote) Delete(ctx context.Context, externalKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("delete", externalKey); err != nil {
		return err
	}
	if p, ok := r.pages[externalKey]; ok {
		p.Archived = true
		p.LastEditedTime = r.clock()
	}
	return nil
}

func cloneRow(row *schema.RunRow) *schema.RunRow {
	cp := *row
	cp.Columns = make(map[string]any, len(row.Columns))
	for k, v := range row.Columns {
		if list, ok := v.([]string); ok {
			v = append([]string(nil), list...)
		}
		cp.Columns[k] = v
	}
	return &cp
}

func clonePage(p *schema.Page) *schema.Page {
	cp := *p
	cp.Properties = make(map[string]schema.Property, len(p.Properties))
	for k, v := range p.Properties {
		v.Raw = append([]byte(nil), v.Raw...)
		cp.Properties[k] = v
	}
	return &cp
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

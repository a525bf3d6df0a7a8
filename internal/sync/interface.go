package sync

import (
	"context"
	"time"

	"github.com/sdxl-assets/sam/internal/schema"
)

// PairKey identifies a linked (or about to be linked) record pair.
type PairKey struct {
	Local    string `json:"local,omitempty" yaml:"local,omitempty"`
	External string `json:"external,omitempty" yaml:"external,omitempty"`
}

// String renders the pair as "local/external", with "-" for a missing key.
func (p PairKey) String() string {
	l, e := p.Local, p.External
	if l == "" {
		l = "-"
	}
	if e == "" {
		e = "-"
	}
	return l + "/" + e
}

// Matches reports whether key names either side of the pair.
func (p PairKey) Matches(key string) bool {
	return key != "" && (key == p.Local || key == p.External || key == p.String())
}

// StateEntry is one SyncState row: what both sides held after the last
// successful sync of a pair.
type StateEntry struct {
	LocalKey    string
	ExternalKey string
	Fingerprint string
	Snapshot    schema.Snapshot
	SyncedAt    time.Time
}

// Pair returns the entry's pair key.
func (s StateEntry) Pair() PairKey {
	return PairKey{Local: s.LocalKey, External: s.ExternalKey}
}

// LocalStore is the local relational store. SyncState lives in the same
// database so that a record write and its state update commit together.
type LocalStore interface {
	// FetchAll returns every run row.
	FetchAll(ctx context.Context) ([]*schema.RunRow, error)

	// LoadState returns every SyncState entry.
	LoadState(ctx context.Context) ([]StateEntry, error)

	// Update runs fn inside one transaction. If fn returns an error nothing
	// it did is kept.
	Update(ctx context.Context, fn func(tx LocalTx) error) error
}

// LocalTx is the write surface available inside LocalStore.Update.
type LocalTx interface {
	// Upsert inserts the row when row.ID is empty, otherwise updates it.
	// Returns the row's local key.
	Upsert(ctx context.Context, row *schema.RunRow) (string, error)

	// Delete removes a row. Deleting a missing row is not an error.
	Delete(ctx context.Context, localKey string) error

	// Link stores the Notion page id on a row without touching its content
	// or modification time.
	Link(ctx context.Context, localKey, externalKey string) error

	// PutState inserts or replaces the SyncState entry of entry.LocalKey.
	PutState(ctx context.Context, entry StateEntry) error

	// DeleteState removes the SyncState entry of localKey.
	DeleteState(ctx context.Context, localKey string) error
}

// RemoteStore is the external document database.
//
// Implementations signal throttling with *RateLimitedError and wrap other
// retryable failures in *TransientError.
type RemoteStore interface {
	// FetchAll returns every live page.
	FetchAll(ctx context.Context) ([]*schema.Page, error)

	// Upsert creates the page when page.ID is empty, otherwise updates it.
	// Returns the stored page (with its ID).
	Upsert(ctx context.Context, page *schema.Page) (*schema.Page, error)

	// Delete removes (archives) a page.
	Delete(ctx context.Context, externalKey string) error
}

// AuditLog optionally records conflicts seen during passes.
type AuditLog interface {
	RecordConflict(ctx context.Context, passID string, c ConflictRecord) error
}

// Observer receives pass progress. Calls may come from worker goroutines.
type Observer interface {
	PhaseChanged(passID string, phase Phase)
	RecordApplied(passID string, action PlannedAction, err error)
	PassFinished(report *Report)
}

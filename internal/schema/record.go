// Package schema provides the data structures shared by the local store,
// the Notion adapter and the sync engine.
package schema

import (
	"time"
)

// Fields maps a shared field name to its value.
//
// Values are one of: nil, string, float64, int64, bool, []string, time.Time.
// The mapper guarantees these types; Canonical normalizes anything else it
// recognizes (int, float32) and rejects the rest.
type Fields map[string]any

// Clone returns a copy of f. List values are copied so the clone can be
// mutated independently.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		if list, ok := v.([]string); ok {
			v = append([]string(nil), list...)
		}
		out[k] = v
	}
	return out
}

// Record is the logical unit of sync identity: one generation run as seen
// by one side (or both, once linked).
type Record struct {
	// ===== Identity =====
	LocalKey    string // local row id, empty until created locally
	ExternalKey string // Notion page id, empty until created remotely

	// ===== Content =====
	Fields Fields // shared fields only; these contribute to the fingerprint

	// ===== Unknown-field passthrough =====
	// Preserved verbatim on their native side and never copied across.
	LocalExtra  map[string]any
	RemoteExtra map[string]Property

	// ===== Sync bookkeeping =====
	SyncedFingerprint string // fingerprint at the last successful sync, if known
	LocalModified     time.Time
	RemoteModified    time.Time
}

// Linked reports whether the record carries both keys.
func (r *Record) Linked() bool {
	return r.LocalKey != "" && r.ExternalKey != ""
}

// Fingerprint returns the content fingerprint of the record's shared fields.
func (r *Record) Fingerprint() string {
	return Fingerprint(r.Fields)
}

// WithFields returns a copy of r whose shared fields are replaced by fields.
// Keys, passthrough data and timestamps are kept, which is how a winning
// side's content is written onto the other side without leaking extras.
func (r *Record) WithFields(fields Fields) *Record {
	out := *r
	out.Fields = fields.Clone()
	return &out
}

package sync

import (
	"sort"

	"github.com/sdxl-assets/sam/internal/schema"
)

// ChangeKind classifies one record pair for a pass.
type ChangeKind string

const (
	Unchanged     ChangeKind = "unchanged"
	LocalChanged  ChangeKind = "local_changed"
	RemoteChanged ChangeKind = "remote_changed"
	BothChanged   ChangeKind = "both_changed"
	NewLocal      ChangeKind = "new_local"
	NewRemote     ChangeKind = "new_remote"
	DeletedLocal  ChangeKind = "deleted_local"
	DeletedRemote ChangeKind = "deleted_remote"
	DeletedBoth   ChangeKind = "deleted_both"
)

// ChangeKinds lists every classification in report order.
var ChangeKinds = []ChangeKind{
	Unchanged, LocalChanged, RemoteChanged, BothChanged,
	NewLocal, NewRemote, DeletedLocal, DeletedRemote, DeletedBoth,
}

// Change is the classification of one pair together with everything the
// resolver and the apply step need.
type Change struct {
	Kind ChangeKind
	Pair PairKey

	Local  *schema.Record // nil when absent locally
	Remote *schema.Record // nil when absent remotely

	// Baseline is the pair's SyncState entry. Nil for records that were
	// never synced, including pairs being linked in this pass.
	Baseline *StateEntry

	LocalFingerprint  string
	RemoteFingerprint string
}

// Linking reports whether the change links two previously unlinked records.
func (c Change) Linking() bool {
	return c.Baseline == nil && c.Local != nil && c.Remote != nil
}

// BaselineSnapshot returns the last-synced field snapshot, empty if none.
func (c Change) BaselineSnapshot() schema.Snapshot {
	if c.Baseline == nil || c.Baseline.Snapshot == nil {
		return schema.Snapshot{}
	}
	return c.Baseline.Snapshot
}

// DetectInput is everything the detector looks at.
type DetectInput struct {
	State  []StateEntry
	Local  []*schema.Record
	Remote []*schema.Record

	// NaturalKey is the shared field used to pair unlinked records. Empty
	// disables natural key matching.
	NaturalKey string

	// SkipLocal and SkipRemote hold keys of records that exist but could not
	// be mapped. They are left alone rather than mistaken for deletions.
	SkipLocal  map[string]bool
	SkipRemote map[string]bool
}

// Detect classifies every pair.
//
// Linked pairs are compared against the stored baseline fingerprint, never
// against each other, except to spot convergent edits: when both sides moved
// away from the baseline to the same content the pair is Unchanged.
//
// Unlinked records are paired first through the local link hint (the stored
// Notion page id) and then by a natural key value that is unique on both
// sides. A freshly paired record is Unchanged when both fingerprints agree
// and BothChanged otherwise, since there is no baseline to tell which side
// moved.
//
// The result is sorted by pair key.
func Detect(in DetectInput) []Change {
	localByKey := make(map[string]*schema.Record, len(in.Local))
	for _, r := range in.Local {
		localByKey[r.LocalKey] = r
	}
	remoteByKey := make(map[string]*schema.Record, len(in.Remote))
	for _, r := range in.Remote {
		remoteByKey[r.ExternalKey] = r
	}

	claimedLocal := make(map[string]bool)
	claimedRemote := make(map[string]bool)
	var changes []Change

	state := append([]StateEntry(nil), in.State...)
	sort.Slice(state, func(i, j int) bool { return state[i].LocalKey < state[j].LocalKey })

	for i := range state {
		entry := state[i]
		claimedLocal[entry.LocalKey] = true
		claimedRemote[entry.ExternalKey] = true
		if in.SkipLocal[entry.LocalKey] || in.SkipRemote[entry.ExternalKey] {
			continue
		}
		changes = append(changes, classifyLinked(&entry, localByKey[entry.LocalKey], remoteByKey[entry.ExternalKey]))
	}

	// Unlinked records, in stable order.
	var locals, remotes []*schema.Record
	for _, r := range sortedRecords(in.Local, func(r *schema.Record) string { return r.LocalKey }) {
		if !claimedLocal[r.LocalKey] && !in.SkipLocal[r.LocalKey] {
			locals = append(locals, r)
		}
	}
	for _, r := range sortedRecords(in.Remote, func(r *schema.Record) string { return r.ExternalKey }) {
		if !claimedRemote[r.ExternalKey] && !in.SkipRemote[r.ExternalKey] {
			remotes = append(remotes, r)
		}
	}

	// Pass 1: link hints.
	var rest []*schema.Record
	for _, l := range locals {
		r, ok := remoteByKey[l.ExternalKey]
		if l.ExternalKey == "" || !ok || claimedRemote[r.ExternalKey] || in.SkipRemote[r.ExternalKey] {
			rest = append(rest, l)
			continue
		}
		claimedLocal[l.LocalKey] = true
		claimedRemote[r.ExternalKey] = true
		changes = append(changes, classifyLink(l, r))
	}
	locals = rest

	// Pass 2: natural key, only where the value is unique on both sides.
	if in.NaturalKey != "" {
		localIdx := naturalIndex(locals, in.NaturalKey, claimedLocal, func(r *schema.Record) string { return r.LocalKey })
		remoteIdx := naturalIndex(remotes, in.NaturalKey, claimedRemote, func(r *schema.Record) string { return r.ExternalKey })
		for _, l := range locals {
			val, ok := schema.CanonicalValue(l.Fields[in.NaturalKey])
			if !ok || len(localIdx[val]) != 1 || len(remoteIdx[val]) != 1 {
				continue
			}
			r := remoteIdx[val][0]
			claimedLocal[l.LocalKey] = true
			claimedRemote[r.ExternalKey] = true
			changes = append(changes, classifyLink(l, r))
		}
	}

	for _, l := range locals {
		if claimedLocal[l.LocalKey] {
			continue
		}
		changes = append(changes, Change{
			Kind:             NewLocal,
			Pair:             PairKey{Local: l.LocalKey},
			Local:            l,
			LocalFingerprint: l.Fingerprint(),
		})
	}
	for _, r := range remotes {
		if claimedRemote[r.ExternalKey] {
			continue
		}
		changes = append(changes, Change{
			Kind:              NewRemote,
			Pair:              PairKey{External: r.ExternalKey},
			Remote:            r,
			RemoteFingerprint: r.Fingerprint(),
		})
	}

	sort.Slice(changes, func(i, j int) bool { return pairLess(changes[i].Pair, changes[j].Pair) })
	return changes
}

// pairLess orders pairs by local key, then external key. Pairs without a
// local record sort last.
func pairLess(a, b PairKey) bool {
	if (a.Local == "") != (b.Local == "") {
		return b.Local == ""
	}
	if a.Local != b.Local {
		return a.Local < b.Local
	}
	return a.External < b.External
}

func classifyLinked(entry *StateEntry, local, remote *schema.Record) Change {
	c := Change{Pair: entry.Pair(), Local: local, Remote: remote, Baseline: entry}
	if local != nil {
		c.LocalFingerprint = local.Fingerprint()
	}
	if remote != nil {
		c.RemoteFingerprint = remote.Fingerprint()
	}

	switch {
	case local == nil && remote == nil:
		c.Kind = DeletedBoth
	case local == nil:
		c.Kind = DeletedLocal
	case remote == nil:
		c.Kind = DeletedRemote
	default:
		localMoved := c.LocalFingerprint != entry.Fingerprint
		remoteMoved := c.RemoteFingerprint != entry.Fingerprint
		switch {
		case localMoved && remoteMoved && c.LocalFingerprint != c.RemoteFingerprint:
			c.Kind = BothChanged
		case localMoved && remoteMoved:
			c.Kind = Unchanged // convergent edit
		case localMoved:
			c.Kind = LocalChanged
		case remoteMoved:
			c.Kind = RemoteChanged
		default:
			c.Kind = Unchanged
		}
	}
	return c
}

func classifyLink(local, remote *schema.Record) Change {
	c := Change{
		Pair:              PairKey{Local: local.LocalKey, External: remote.ExternalKey},
		Local:             local,
		Remote:            remote,
		LocalFingerprint:  local.Fingerprint(),
		RemoteFingerprint: remote.Fingerprint(),
	}
	if c.LocalFingerprint == c.RemoteFingerprint {
		c.Kind = Unchanged
	} else {
		c.Kind = BothChanged
	}
	return c
}

func naturalIndex(recs []*schema.Record, field string, claimed map[string]bool, key func(*schema.Record) string) map[string][]*schema.Record {
	idx := make(map[string][]*schema.Record)
	for _, r := range recs {
		if claimed[key(r)] {
			continue
		}
		if val, ok := schema.CanonicalValue(r.Fields[field]); ok {
			idx[val] = append(idx[val], r)
		}
	}
	return idx
}

func sortedRecords(recs []*schema.Record, key func(*schema.Record) string) []*schema.Record {
	out := append([]*schema.Record(nil), recs...)
	sort.Slice(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	return out
}

package sync

import (
	"github.com/sdxl-assets/sam/internal/schema"
)

// op is the write plan for one pair.
type op struct {
	change Change
	action Action
	title  string

	// remote is written to Notion; an empty ExternalKey creates a page.
	remote       *schema.Record
	deleteRemote bool

	// local is written to the run table; an empty LocalKey inserts a row.
	// localContent is false when only the stored page id changes.
	local        *schema.Record
	localContent bool
	deleteLocal  bool

	state  schema.Snapshot // new baseline, nil for none
	forget bool            // drop the pair's SyncState entry
}

func (o *op) writesRemote() bool {
	return o.remote != nil || o.deleteRemote
}

func (o *op) writesLocalContent() bool {
	return (o.local != nil && o.localContent) || o.deleteLocal
}

func (o *op) writesRecord() bool {
	return o.remote != nil || o.local != nil || o.deleteRemote || o.deleteLocal
}

func (o *op) planned() PlannedAction {
	return PlannedAction{Pair: o.change.Pair, Kind: o.change.Kind, Action: o.action, Title: o.title}
}

// plan turns a classified change into an op, resolving conflicts with
// policy. The conflict record is returned for both-changed pairs.
func (e *Engine) plan(c Change, policy Policy) (*op, *ConflictRecord) {
	o := &op{change: c, action: ActionNone, title: e.title(c)}

	switch c.Kind {
	case Unchanged:
		if c.Baseline == nil || c.Baseline.Fingerprint != c.LocalFingerprint {
			o.converge(c, c.Local.Fields)
		}

	case LocalChanged:
		o.converge(c, c.Local.Fields)

	case RemoteChanged:
		o.converge(c, c.Remote.Fields)

	case BothChanged:
		res := Resolve(c.Local, c.Remote, c.BaselineSnapshot(), policy)
		cr := newConflictRecord(c, e.naturalKey, res)
		if res.Pending {
			o.partial(c, res)
		} else {
			o.converge(c, res.Fields)
		}
		return o, &cr

	case NewLocal:
		o.createRemote(c.Local)

	case NewRemote:
		o.createLocal(c.Remote)

	case DeletedLocal:
		// An edit beats a delete: the page is only archived if nobody touched
		// it since the last sync.
		if c.RemoteFingerprint == c.Baseline.Fingerprint {
			o.action = ActionDeleteRemote
			o.deleteRemote = true
			o.forget = true
		} else {
			o.createLocal(c.Remote)
		}

	case DeletedRemote:
		if c.LocalFingerprint == c.Baseline.Fingerprint {
			o.action = ActionDeleteLocal
			o.deleteLocal = true
			o.forget = true
		} else {
			o.createRemote(c.Local)
		}

	case DeletedBoth:
		o.action = ActionForget
		o.forget = true
	}
	return o, nil
}

// converge makes both sides hold content and records it as the baseline.
func (o *op) converge(c Change, content schema.Fields) {
	fp := schema.Fingerprint(content)
	if fp != c.RemoteFingerprint {
		o.remote = c.Remote.WithFields(content)
	}
	if fp != c.LocalFingerprint {
		o.local = c.Local.WithFields(content)
		o.localContent = true
	}
	o.state = schema.Canonical(content)

	switch {
	case o.remote != nil && o.local != nil:
		o.action = ActionMerge
	case o.remote != nil:
		o.action = ActionPush
	case o.local != nil:
		o.action = ActionPull
	case c.Baseline == nil:
		o.action = ActionLink
	default:
		o.action = ActionRefresh
	}

	// Remember the page id on the local row when linking.
	if c.Baseline == nil && o.local == nil && c.Local.ExternalKey != c.Pair.External {
		o.local = c.Local
	}
}

// partial applies the decided fields of a pending field-merge and keeps
// the conflicting ones as they are on each side. Their baseline entries
// stay at the old value so the pair is classified both-changed again until
// someone resolves it.
func (o *op) partial(c Change, res Resolution) {
	localTarget := res.Fields.Clone()
	remoteTarget := res.Fields.Clone()
	state := schema.Canonical(res.Fields)
	base := c.BaselineSnapshot()

	for _, name := range res.Conflicting {
		if v, ok := c.Local.Fields[name]; ok {
			localTarget[name] = cloneValue(v)
		}
		if v, ok := c.Remote.Fields[name]; ok {
			remoteTarget[name] = cloneValue(v)
		}
		if b, ok := base[name]; ok {
			state[name] = b
		} else {
			delete(state, name)
		}
	}

	if schema.Fingerprint(remoteTarget) != c.RemoteFingerprint {
		o.remote = c.Remote.WithFields(remoteTarget)
	}
	if schema.Fingerprint(localTarget) != c.LocalFingerprint {
		o.local = c.Local.WithFields(localTarget)
		o.localContent = true
	}

	switch {
	case o.remote == nil && o.local == nil:
		o.action = ActionPending
		return
	case o.remote != nil && o.local != nil:
		o.action = ActionMerge
	case o.remote != nil:
		o.action = ActionPush
	default:
		o.action = ActionPull
	}
	if c.Baseline != nil {
		o.state = state
	}
}

// createRemote creates a page from a local record and stores its id on the
// local row.
func (o *op) createRemote(local *schema.Record) {
	o.action = ActionCreateRemote
	o.remote = &schema.Record{Fields: local.Fields.Clone()}
	o.local = local
	o.state = schema.Canonical(local.Fields)
}

// createLocal inserts a run row from a page.
func (o *op) createLocal(remote *schema.Record) {
	o.action = ActionCreateLocal
	o.local = &schema.Record{ExternalKey: remote.ExternalKey, Fields: remote.Fields.Clone()}
	o.localContent = true
	o.state = schema.Canonical(remote.Fields)
}

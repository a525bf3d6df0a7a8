// Package sync provides the two-way synchronization engine between the
// local run database and the Notion database.
//
// Overview
//
// A pass pulls full snapshots from both sides, classifies every record pair
// against the last synced baseline, resolves conflicts and writes the
// result back:
//
//	LocalStore (SQLite runs)        RemoteStore (Notion pages)
//	        │                                │
//	        └──── mapper.FromLocal ──┬── mapper.FromExternal
//	                                 ↓
//	                              Detect   ← SyncState baseline
//	                                 ↓
//	                              Resolve  (policy)
//	                                 ↓
//	                     apply, one pair at a time
//	              (remote write, then local write + SyncState)
//
// Pass phases: fetching → diffing → resolving → applying → committed.
// A pass ends in the failed phase when a snapshot cannot be fetched or when
// applying stops early. Already applied pairs stay applied, so running again
// picks up exactly what is left.
//
// Usage
//
//	engine, err := sync.New(store, notionClient, mapper.New(nil), sync.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	report, err := engine.RunSync(ctx, sync.PolicyNewestWins, false)
//	if err != nil {
//	    return err // ErrSyncInProgress or *FetchError
//	}
//	for _, c := range report.Pending() {
//	    fmt.Println("needs review:", c.Pair)
//	}
//
// Conflict Policies
//
//	local-wins    the local record wins entirely
//	remote-wins   the Notion page wins entirely
//	newest-wins   the later modification time wins; ties go to Notion
//	field-merge   per field, the side that changed wins; fields both
//	              sides changed differently wait for manual input
//	manual        nothing is written until ResolveConflict is called
//
// Thread Safety
//
// An Engine may be shared. Only one pass runs at a time per Engine, and
// with Config.LockPath set, per lock file across processes; a second
// attempt fails with ErrSyncInProgress.
package sync

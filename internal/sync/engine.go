package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sdxl-assets/sam/internal/mapper"
	"github.com/sdxl-assets/sam/internal/schema"
)

// Config configures an Engine. Zero values select the defaults.
type Config struct {
	// Policy is used by RunSync when the caller passes no policy.
	Policy Policy

	// Direction restricts which side a pass writes to.
	Direction Direction

	// NaturalKey overrides the mapping table's natural key.
	NaturalKey string

	// Concurrency bounds parallel record writes during applying.
	Concurrency int

	// MaxAttempts bounds tries per external call, first try included.
	MaxAttempts int

	Backoff     Backoff
	CallTimeout time.Duration

	// LockPath enables the cross-process advisory lock.
	LockPath string

	Logger   *log.Logger
	Observer Observer
	Audit    AuditLog

	// Now and Sleep are replaced in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Policy:      DefaultPolicy,
		Direction:   DirectionBoth,
		Concurrency: 4,
		MaxAttempts: 4,
		Backoff:     DefaultBackoff(),
		CallTimeout: 30 * time.Second,
	}
}

// Engine runs sync passes between a LocalStore and a RemoteStore.
type Engine struct {
	local      LocalStore
	remote     RemoteStore
	mapper     *mapper.Mapper
	cfg        Config
	guard      *Guard
	logger     *log.Logger
	observer   Observer
	naturalKey string
}

// New creates an Engine.
//
// If cfg.Logger is nil, a default logger writing to stderr is used.
//
// Example:
//
//	engine, err := sync.New(store, notionClient, mapper.New(nil), sync.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	report, err := engine.RunSync(ctx, sync.PolicyNewestWins, false)
func New(local LocalStore, remote RemoteStore, m *mapper.Mapper, cfg Config) (*Engine, error) {
	if local == nil || remote == nil {
		return nil, errors.New("sync engine needs both a local and a remote store")
	}
	if m == nil {
		m = mapper.New(nil)
	}

	def := DefaultConfig()
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if _, err := ParsePolicy(string(cfg.Policy)); err != nil {
		return nil, err
	}
	if cfg.Direction == "" {
		cfg.Direction = def.Direction
	}
	if _, err := ParseDirection(string(cfg.Direction)); err != nil {
		return nil, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}

	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	naturalKey := cfg.NaturalKey
	if naturalKey == "" {
		naturalKey = m.Table().NaturalKey
	}

	return &Engine{
		local:      local,
		remote:     remote,
		mapper:     m,
		cfg:        cfg,
		guard:      NewGuard(cfg.LockPath),
		logger:     cfg.Logger,
		observer:   observer,
		naturalKey: naturalKey,
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// RunSync runs one pass. An empty policy selects the configured one.
//
// Per-record problems never make RunSync return an error; they are listed
// in the report. The error is non-nil only when the pass could not start
// (ErrSyncInProgress) or a snapshot could not be fetched (*FetchError), in
// which case the returned report is in the failed phase.
//
// With dryRun the pass stops after resolving and nothing is written,
// including the conflict audit log.
func (e *Engine) RunSync(ctx context.Context, policy Policy, dryRun bool) (*Report, error) {
	if policy == "" {
		policy = e.cfg.Policy
	}
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, err
	}

	release, err := e.guard.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	rep := newReport(uuid.NewString(), policy, e.cfg.Direction, dryRun, e.cfg.Now())
	e.logger.Printf("Starting sync pass %s (policy=%s, direction=%s, dry-run=%v)",
		rep.PassID, policy, e.cfg.Direction, dryRun)

	changes, err := e.snapshot(ctx, rep)
	if err != nil {
		e.logger.Printf("ERROR: %v", err)
		e.finish(rep, PhaseFailed)
		return rep, err
	}

	e.setPhase(rep, PhaseResolving)
	ops := e.planAll(ctx, rep, changes, policy)

	if dryRun {
		e.finish(rep, PhaseResolving)
		return rep, nil
	}

	e.setPhase(rep, PhaseApplying)
	e.finish(rep, e.applyAll(ctx, rep, ops))
	return rep, nil
}

// ResolveConflict applies manual choices to one both-changed pair and
// writes the result. key is the local key, the Notion page id, or the
// "local/external" pair string.
//
// Conflicting fields are computed the same way the configured policy would
// (field-merge only escalates fields both sides changed; every other policy
// escalates every differing field). All of them need a choice.
func (e *Engine) ResolveConflict(ctx context.Context, key string, choices map[string]FieldChoice) (*Report, error) {
	release, err := e.guard.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	rep := newReport(uuid.NewString(), PolicyManual, DirectionBoth, false, e.cfg.Now())
	changes, err := e.snapshot(ctx, rep)
	if err != nil {
		e.finish(rep, PhaseFailed)
		return rep, err
	}

	var target *Change
	for i := range changes {
		if changes[i].Pair.Matches(key) {
			target = &changes[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrPairNotFound, key)
	}
	if target.Kind != BothChanged {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotInConflict, target.Pair, target.Kind)
	}

	analysis := PolicyManual
	if e.cfg.Policy == PolicyFieldMerge {
		analysis = PolicyFieldMerge
	}
	res := Resolve(target.Local, target.Remote, target.BaselineSnapshot(), analysis)
	fields, err := res.WithChoices(target.Local, target.Remote, choices)
	if err != nil {
		return nil, err
	}
	res.Policy, res.Fields, res.Pending, res.Conflicting = PolicyManual, fields, false, nil

	e.setPhase(rep, PhaseResolving)
	cr := newConflictRecord(*target, e.naturalKey, res)
	rep.Conflicts = append(rep.Conflicts, cr)
	e.audit(ctx, rep.PassID, cr)

	o := &op{change: *target, title: e.title(*target)}
	o.converge(*target, fields)
	rep.Planned = append(rep.Planned, o.planned())

	e.setPhase(rep, PhaseApplying)
	e.finish(rep, e.applyAll(ctx, rep, []*op{o}))
	if len(rep.Errors) > 0 {
		return rep, rep.Errors[0].Err
	}
	return rep, nil
}

// snapshot runs the fetching and diffing phases.
func (e *Engine) snapshot(ctx context.Context, rep *Report) ([]Change, error) {
	e.setPhase(rep, PhaseFetching)

	var (
		rows  []*schema.RunRow
		state []StateEntry
		pages []*schema.Page
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		attempts, err := e.call(gctx, rep, "fetch local records", func(ctx context.Context) error {
			var err error
			if rows, err = e.local.FetchAll(ctx); err != nil {
				return err
			}
			state, err = e.local.LoadState(ctx)
			return err
		})
		if err != nil {
			return &FetchError{Side: SideLocal, Attempts: attempts, Err: err}
		}
		return nil
	})
	g.Go(func() error {
		attempts, err := e.call(gctx, rep, "fetch remote pages", func(ctx context.Context) error {
			var err error
			pages, err = e.remote.FetchAll(ctx)
			return err
		})
		if err != nil {
			return &FetchError{Side: SideRemote, Attempts: attempts, Err: err}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.setPhase(rep, PhaseDiffing)

	in := DetectInput{
		State:      state,
		NaturalKey: e.naturalKey,
		SkipLocal:  map[string]bool{},
		SkipRemote: map[string]bool{},
	}
	for _, row := range rows {
		rec, err := e.mapper.FromLocal(row)
		if err != nil {
			in.SkipLocal[row.ID] = true
			rep.addError(mappingFailure(PairKey{Local: row.ID, External: row.NotionPageID}, SideLocal, err))
			continue
		}
		in.Local = append(in.Local, rec)
	}
	for _, page := range pages {
		if page.Archived {
			continue
		}
		rec, err := e.mapper.FromExternal(page)
		if err != nil {
			in.SkipRemote[page.ID] = true
			rep.addError(mappingFailure(PairKey{External: page.ID}, SideRemote, err))
			continue
		}
		in.Remote = append(in.Remote, rec)
	}
	rep.LocalRecords, rep.RemoteRecords = len(rows), len(in.Remote)+len(in.SkipRemote)

	changes := Detect(in)
	for _, c := range changes {
		rep.Counts[c.Kind]++
	}
	e.logger.Printf("Diffed %d local and %d remote records into %d pairs", rep.LocalRecords, rep.RemoteRecords, len(changes))
	return changes, nil
}

func mappingFailure(pair PairKey, side Side, err error) RecordError {
	re := RecordError{Pair: pair, Phase: PhaseDiffing, Side: side, Err: err}
	var me *mapper.MappingError
	if errors.As(err, &me) {
		re.Field = me.Field
	}
	return re
}

// planAll runs the resolving phase and returns the write plan.
func (e *Engine) planAll(ctx context.Context, rep *Report, changes []Change, policy Policy) []*op {
	var ops []*op
	for _, c := range changes {
		o, cr := e.plan(c, policy)
		if cr != nil {
			rep.Conflicts = append(rep.Conflicts, *cr)
			if !rep.DryRun {
				e.audit(ctx, rep.PassID, *cr)
			}
		}
		if o.action == ActionNone {
			continue
		}
		if o.action != ActionPending && !e.allowed(o) {
			o.action = ActionSkip
			rep.Skipped++
		}
		rep.Planned = append(rep.Planned, o.planned())
		if o.action != ActionPending && o.action != ActionSkip {
			ops = append(ops, o)
		}
	}
	return ops
}

// allowed applies the configured direction to an op.
func (e *Engine) allowed(o *op) bool {
	switch e.cfg.Direction {
	case DirectionPull:
		return !o.writesRemote()
	case DirectionPush:
		return !o.writesLocalContent()
	}
	return true
}

// applyAll runs the applying phase and returns the final phase.
//
// Ops run in parallel up to the concurrency limit. Each op commits or
// rolls back on its own. Cancellation is checked between ops; an op that
// already started runs to completion.
func (e *Engine) applyAll(ctx context.Context, rep *Report, ops []*op) Phase {
	var aborted atomic.Bool
	cancelled := false
	work := context.WithoutCancel(ctx)

	// Slots are taken before the checkpoint so that a failure in a running
	// op is seen before the next one starts.
	slots := make(chan struct{}, e.cfg.Concurrency)
	var g errgroup.Group
	for i, o := range ops {
		slots <- struct{}{}
		if ctx.Err() != nil || aborted.Load() {
			<-slots
			cancelled = ctx.Err() != nil
			for _, rest := range ops[i:] {
				rep.addUnapplied(rest.change.Pair)
			}
			break
		}
		g.Go(func() error {
			defer func() { <-slots }()
			err := e.execute(work, rep, o)
			e.observer.RecordApplied(rep.PassID, o.planned(), err)
			if err != nil {
				e.logger.Printf("WARNING: failed to apply %s (%s): %v", o.change.Pair, o.action, err)
				re := RecordError{Pair: o.change.Pair, Phase: PhaseApplying, Side: errorSide(err), Err: err}
				var me *mapper.MappingError
				if errors.As(err, &me) {
					re.Field = me.Field
				}
				rep.addError(re)
				rep.addUnapplied(o.change.Pair)
				if IsTransient(err) {
					aborted.Store(true)
				}
				return nil
			}
			rep.addApplied(o)
			return nil
		})
	}
	_ = g.Wait()

	if cancelled {
		rep.Cancelled = true
		e.logger.Printf("Sync pass %s cancelled, %d pair(s) left unapplied", rep.PassID, len(rep.Unapplied))
		return PhaseFailed
	}
	if aborted.Load() {
		return PhaseFailed
	}
	return PhaseCommitted
}

func errorSide(err error) Side {
	var ae *ApplyError
	if errors.As(err, &ae) {
		return ae.Side
	}
	return ""
}

// execute applies one op. The remote write goes first; the local record
// write and the SyncState update then commit in one local transaction, so
// SyncState never points at content that was not durably written.
func (e *Engine) execute(ctx context.Context, rep *Report, o *op) error {
	pair := o.change.Pair
	ext := pair.External

	if o.deleteRemote {
		attempts, err := e.call(ctx, rep, "delete remote page "+ext, func(ctx context.Context) error {
			return e.remote.Delete(ctx, ext)
		})
		if err != nil {
			return &ApplyError{Pair: pair, Side: SideRemote, Attempts: attempts, Err: err}
		}
	}

	if o.remote != nil {
		page, err := e.mapper.ToExternal(o.remote)
		if err != nil {
			return &ApplyError{Pair: pair, Side: SideRemote, Err: err}
		}
		var stored *schema.Page
		attempts, err := e.call(ctx, rep, "write remote page "+pair.String(), func(ctx context.Context) error {
			var err error
			stored, err = e.remote.Upsert(ctx, page)
			return err
		})
		if err != nil {
			return &ApplyError{Pair: pair, Side: SideRemote, Attempts: attempts, Err: err}
		}
		ext = stored.ID

		// A created page is linked to its run right away. If the commit
		// below fails, the next pass finds the page through the link hint
		// instead of creating it a second time.
		if page.ID == "" && pair.Local != "" {
			attempts, err := e.call(ctx, rep, "link local "+pair.Local+" to "+ext, func(ctx context.Context) error {
				return e.local.Update(ctx, func(tx LocalTx) error {
					if pair.External != "" {
						if err := tx.DeleteState(ctx, pair.Local); err != nil {
							return fmt.Errorf("failed to drop stale sync state: %w", err)
						}
					}
					return tx.Link(ctx, pair.Local, ext)
				})
			})
			if err != nil {
				return &ApplyError{Pair: pair, Side: SideLocal, Attempts: attempts, Err: err}
			}
		}
	}

	var row *schema.RunRow
	if o.local != nil {
		rec := *o.local
		rec.ExternalKey = ext
		var err error
		if row, err = e.mapper.ToLocal(&rec); err != nil {
			return &ApplyError{Pair: pair, Side: SideLocal, Err: err}
		}
	}

	now := e.cfg.Now()
	attempts, err := e.call(ctx, rep, "commit local "+pair.String(), func(ctx context.Context) error {
		return e.local.Update(ctx, func(tx LocalTx) error {
			localKey := pair.Local
			if row != nil {
				key, err := tx.Upsert(ctx, row)
				if err != nil {
					return fmt.Errorf("failed to write run: %w", err)
				}
				if localKey != "" && key != localKey {
					if err := tx.DeleteState(ctx, localKey); err != nil {
						return fmt.Errorf("failed to drop stale sync state: %w", err)
					}
				}
				localKey = key
			}
			if o.deleteLocal {
				if err := tx.Delete(ctx, localKey); err != nil {
					return fmt.Errorf("failed to delete run: %w", err)
				}
			}
			if o.forget {
				if err := tx.DeleteState(ctx, localKey); err != nil {
					return fmt.Errorf("failed to delete sync state: %w", err)
				}
			}
			if o.state != nil {
				entry := StateEntry{
					LocalKey:    localKey,
					ExternalKey: ext,
					Fingerprint: o.state.Fingerprint(),
					Snapshot:    o.state,
					SyncedAt:    now,
				}
				if err := tx.PutState(ctx, entry); err != nil {
					return fmt.Errorf("failed to write sync state: %w", err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return &ApplyError{Pair: pair, Side: SideLocal, Attempts: attempts, Err: err}
	}
	return nil
}

func (e *Engine) audit(ctx context.Context, passID string, cr ConflictRecord) {
	if e.cfg.Audit == nil {
		return
	}
	if err := e.cfg.Audit.RecordConflict(ctx, passID, cr); err != nil {
		e.logger.Printf("WARNING: failed to record conflict %s in audit log: %v", cr.Pair, err)
	}
}

func (e *Engine) setPhase(rep *Report, phase Phase) {
	rep.Phase = phase
	e.observer.PhaseChanged(rep.PassID, phase)
}

func (e *Engine) finish(rep *Report, phase Phase) {
	rep.sortOutput()
	rep.FinishedAt = e.cfg.Now()
	e.setPhase(rep, phase)
	e.observer.PassFinished(rep)
	e.logger.Printf("Sync %s", rep.Summary())
}

// title returns the natural key value of a change, for reports.
func (e *Engine) title(c Change) string {
	for _, r := range []*schema.Record{c.Local, c.Remote} {
		if r == nil {
			continue
		}
		if s, ok := r.Fields[e.naturalKey].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

type noopObserver struct{}

func (noopObserver) PhaseChanged(string, Phase)                {}
func (noopObserver) RecordApplied(string, PlannedAction, error) {}
func (noopObserver) PassFinished(*Report)                       {}

package sync

import (
	"fmt"
	"sort"
	stdsync "sync"
	"time"
)

// Phase is a step of the pass state machine:
// fetching -> diffing -> resolving -> applying -> committed, with failed
// reachable from every step.
type Phase string

const (
	PhaseFetching  Phase = "fetching"
	PhaseDiffing   Phase = "diffing"
	PhaseResolving Phase = "resolving"
	PhaseApplying  Phase = "applying"
	PhaseCommitted Phase = "committed"
	PhaseFailed    Phase = "failed"
)

// Direction restricts which side a pass may write to.
type Direction string

const (
	DirectionBoth Direction = "both"
	DirectionPull Direction = "pull" // Notion to local only
	DirectionPush Direction = "push" // local to Notion only
)

// ParseDirection parses a direction name. Empty means both.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case "":
		return DirectionBoth, nil
	case DirectionBoth, DirectionPull, DirectionPush:
		return d, nil
	}
	return "", fmt.Errorf("unknown sync direction %q (want both, pull or push)", s)
}

// Action is the write a pass performs for one pair.
type Action string

const (
	ActionNone         Action = "none"
	ActionLink         Action = "link"          // record a new SyncState link
	ActionRefresh      Action = "refresh-state" // convergent edit, baseline only
	ActionPull         Action = "update-local"
	ActionPush         Action = "update-remote"
	ActionMerge        Action = "update-both"
	ActionCreateLocal  Action = "create-local"
	ActionCreateRemote Action = "create-remote"
	ActionDeleteLocal  Action = "delete-local"
	ActionDeleteRemote Action = "delete-remote"
	ActionForget       Action = "forget"
	ActionPending      Action = "needs-review"
	ActionSkip         Action = "skipped"
)

// StateOnly reports whether the action writes SyncState but no record
// content.
func (a Action) StateOnly() bool {
	return a == ActionLink || a == ActionRefresh || a == ActionForget
}

// PlannedAction is one entry of the pass's write plan.
type PlannedAction struct {
	Pair   PairKey    `json:"pair" yaml:"pair"`
	Kind   ChangeKind `json:"kind" yaml:"kind"`
	Action Action     `json:"action" yaml:"action"`
	Title  string     `json:"title,omitempty" yaml:"title,omitempty"`
}

// RecordError is a per-record failure. The pass continues past it.
type RecordError struct {
	Pair      PairKey `json:"pair" yaml:"pair"`
	Phase     Phase   `json:"phase" yaml:"phase"`
	Side      Side    `json:"side,omitempty" yaml:"side,omitempty"`
	Field     string  `json:"field,omitempty" yaml:"field,omitempty"`
	Message   string  `json:"message" yaml:"message"`
	Transient bool    `json:"transient" yaml:"transient"`
	Err       error   `json:"-" yaml:"-"`
}

// DirectionStats counts record writes per side.
type DirectionStats struct {
	Created int `json:"created" yaml:"created"`
	Updated int `json:"updated" yaml:"updated"`
	Deleted int `json:"deleted" yaml:"deleted"`
}

// Report is the outcome of one pass. It is always complete, even when the
// pass failed partway through.
type Report struct {
	PassID    string    `json:"pass_id" yaml:"pass_id"`
	Policy    Policy    `json:"policy" yaml:"policy"`
	Direction Direction `json:"direction" yaml:"direction"`
	DryRun    bool      `json:"dry_run" yaml:"dry_run"`
	Phase     Phase     `json:"phase" yaml:"phase"`
	Cancelled bool      `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`

	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`

	LocalRecords  int                `json:"local_records" yaml:"local_records"`
	RemoteRecords int                `json:"remote_records" yaml:"remote_records"`
	Counts        map[ChangeKind]int `json:"counts" yaml:"counts"`

	Planned   []PlannedAction `json:"planned,omitempty" yaml:"planned,omitempty"`
	Applied   int             `json:"applied" yaml:"applied"`       // pairs whose record content was written
	StateOnly int             `json:"state_only" yaml:"state_only"` // pairs whose SyncState alone was written
	Skipped   int             `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Retries   int             `json:"retries,omitempty" yaml:"retries,omitempty"`

	Local  DirectionStats `json:"local" yaml:"local"`
	Remote DirectionStats `json:"remote" yaml:"remote"`

	Conflicts []ConflictRecord `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	Errors    []RecordError    `json:"errors,omitempty" yaml:"errors,omitempty"`
	Unapplied []PairKey        `json:"unapplied,omitempty" yaml:"unapplied,omitempty"`

	mu stdsync.Mutex
}

func newReport(passID string, policy Policy, dir Direction, dryRun bool, now time.Time) *Report {
	return &Report{
		PassID:    passID,
		Policy:    policy,
		Direction: dir,
		DryRun:    dryRun,
		Phase:     PhaseFetching,
		StartedAt: now,
		Counts:    make(map[ChangeKind]int, len(ChangeKinds)),
	}
}

// Failed reports whether the pass ended in the failed state.
func (r *Report) Failed() bool {
	return r.Phase == PhaseFailed
}

// Pending returns the conflicts still waiting for manual input.
func (r *Report) Pending() []ConflictRecord {
	var out []ConflictRecord
	for _, c := range r.Conflicts {
		if c.Resolution.Pending {
			out = append(out, c)
		}
	}
	return out
}

// Duration returns how long the pass took.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary is a one-line description for logs.
func (r *Report) Summary() string {
	return fmt.Sprintf("pass %s %s: applied=%d state-only=%d conflicts=%d pending=%d errors=%d unapplied=%d",
		r.PassID, r.Phase, r.Applied, r.StateOnly, len(r.Conflicts), len(r.Pending()), len(r.Errors), len(r.Unapplied))
}

func (r *Report) addError(e RecordError) {
	if e.Err != nil && e.Message == "" {
		e.Message = e.Err.Error()
		e.Transient = IsTransient(e.Err)
	}
	r.mu.Lock()
	r.Errors = append(r.Errors, e)
	r.mu.Unlock()
}

func (r *Report) addUnapplied(p PairKey) {
	r.mu.Lock()
	r.Unapplied = append(r.Unapplied, p)
	r.mu.Unlock()
}

func (r *Report) addRetry() {
	r.mu.Lock()
	r.Retries++
	r.mu.Unlock()
}

func (r *Report) addApplied(o *op) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o.action.StateOnly() && !o.writesRecord() {
		r.StateOnly++
		return
	}
	r.Applied++
	switch {
	case o.deleteLocal:
		r.Local.Deleted++
	case o.local != nil && o.local.LocalKey == "":
		r.Local.Created++
	case o.local != nil && o.localContent:
		r.Local.Updated++
	}
	switch {
	case o.deleteRemote:
		r.Remote.Deleted++
	case o.remote != nil && o.remote.ExternalKey == "":
		r.Remote.Created++
	case o.remote != nil:
		r.Remote.Updated++
	}
}

// sortOutput orders the slices filled concurrently so reports are stable.
func (r *Report) sortOutput() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.SliceStable(r.Errors, func(i, j int) bool { return r.Errors[i].Pair.String() < r.Errors[j].Pair.String() })
	sort.SliceStable(r.Unapplied, func(i, j int) bool { return r.Unapplied[i].String() < r.Unapplied[j].String() })
}

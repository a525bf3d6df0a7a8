package sync

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sdxl-assets/sam/internal/schema"
)

// Policy decides how a both-changed pair is resolved.
type Policy string

const (
	PolicyLocalWins  Policy = "local-wins"
	PolicyRemoteWins Policy = "remote-wins"
	PolicyNewestWins Policy = "newest-wins"
	PolicyFieldMerge Policy = "field-merge"
	PolicyManual     Policy = "manual"
)

// DefaultPolicy is used when no policy is configured.
const DefaultPolicy = PolicyNewestWins

// Policies lists every supported policy.
var Policies = []Policy{PolicyLocalWins, PolicyRemoteWins, PolicyNewestWins, PolicyFieldMerge, PolicyManual}

// ParsePolicy parses a policy name. Underscores and case are ignored.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	if p == "" {
		return DefaultPolicy, nil
	}
	for _, known := range Policies {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown conflict policy %q (want one of %s)", s, joinPolicies())
}

func joinPolicies() string {
	names := make([]string, len(Policies))
	for i, p := range Policies {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

// FieldChoice is a manual decision for one field: take a side's value, or
// a literal Value when Side is empty.
type FieldChoice struct {
	Side  Side `json:"side,omitempty" yaml:"side,omitempty"`
	Value any  `json:"value,omitempty" yaml:"value,omitempty"`
}

// Resolution is the outcome of resolving one both-changed pair.
type Resolution struct {
	Policy Policy `json:"policy" yaml:"policy"`

	// Winner is set when one side's content wins entirely.
	Winner Side `json:"winner,omitempty" yaml:"winner,omitempty"`

	// Fields is the resolved content. When Pending it holds only the fields
	// that could be decided.
	Fields schema.Fields `json:"fields,omitempty" yaml:"fields,omitempty"`

	// Sources records which side each merged field came from.
	Sources map[string]Side `json:"sources,omitempty" yaml:"sources,omitempty"`

	// Pending is true when some field needs manual input; Conflicting lists
	// those fields.
	Pending     bool     `json:"pending,omitempty" yaml:"pending,omitempty"`
	Conflicting []string `json:"conflicting,omitempty" yaml:"conflicting,omitempty"`
}

// Resolve applies policy to a both-changed pair. baseline is the field
// snapshot from the last successful sync (empty for a first-time link).
//
// Newest-wins compares local and remote modification times to the minute;
// a tie goes to the remote side. Field-merge keeps, per field, the side that moved away
// from the baseline and escalates fields both sides changed differently.
// Manual decides nothing except fields both sides already agree on.
func Resolve(local, remote *schema.Record, baseline schema.Snapshot, policy Policy) Resolution {
	res := Resolution{Policy: policy}

	switch policy {
	case PolicyLocalWins:
		res.Winner, res.Fields = SideLocal, local.Fields.Clone()
	case PolicyRemoteWins:
		res.Winner, res.Fields = SideRemote, remote.Fields.Clone()
	case PolicyNewestWins, "":
		res.Policy = PolicyNewestWins
		if newer(local.LocalModified, remote.RemoteModified) {
			res.Winner, res.Fields = SideLocal, local.Fields.Clone()
		} else {
			res.Winner, res.Fields = SideRemote, remote.Fields.Clone()
		}
	case PolicyFieldMerge:
		mergeFields(&res, local, remote, baseline)
	default:
		agreedFields(&res, local, remote)
		res.Policy = PolicyManual
	}
	return res
}

// newer reports whether a is strictly later than b at minute precision.
// Notion reports last_edited_time rounded down to the minute, so anything
// finer would hand every same-minute race to the local side.
func newer(a, b time.Time) bool {
	return a.Truncate(time.Minute).After(b.Truncate(time.Minute))
}

func mergeFields(res *Resolution, local, remote *schema.Record, baseline schema.Snapshot) {
	res.Fields = schema.Fields{}
	res.Sources = map[string]Side{}

	for _, name := range fieldUnion(local.Fields, remote.Fields) {
		lv, lok := schema.CanonicalValue(local.Fields[name])
		rv, rok := schema.CanonicalValue(remote.Fields[name])
		bv, bok := baseline[name]

		localMoved := lok != bok || lv != bv
		remoteMoved := rok != bok || rv != bv

		switch {
		case lok == rok && lv == rv:
			setField(res, name, local.Fields[name], SideLocal)
		case localMoved && !remoteMoved:
			setField(res, name, local.Fields[name], SideLocal)
		case remoteMoved && !localMoved:
			setField(res, name, remote.Fields[name], SideRemote)
		default:
			res.Conflicting = append(res.Conflicting, name)
		}
	}
	res.Pending = len(res.Conflicting) > 0
}

func agreedFields(res *Resolution, local, remote *schema.Record) {
	res.Fields = schema.Fields{}
	for _, name := range fieldUnion(local.Fields, remote.Fields) {
		lv, lok := schema.CanonicalValue(local.Fields[name])
		rv, rok := schema.CanonicalValue(remote.Fields[name])
		if lok == rok && lv == rv {
			if lok {
				res.Fields[name] = cloneValue(local.Fields[name])
			}
			continue
		}
		res.Conflicting = append(res.Conflicting, name)
	}
	res.Pending = len(res.Conflicting) > 0
}

func setField(res *Resolution, name string, v any, from Side) {
	if _, ok := schema.CanonicalValue(v); ok {
		res.Fields[name] = cloneValue(v)
	}
	res.Sources[name] = from
}

// WithChoices completes a resolution with manual choices and returns the
// final content. Every conflicting field needs a choice; choices for other
// fields override the automatic outcome.
func (r Resolution) WithChoices(local, remote *schema.Record, choices map[string]FieldChoice) (schema.Fields, error) {
	var missing []string
	for _, name := range r.Conflicting {
		if _, ok := choices[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: no choice for %s", ErrConflictUnresolved, strings.Join(missing, ", "))
	}

	out := r.Fields.Clone()
	if out == nil {
		out = schema.Fields{}
	}
	names := make([]string, 0, len(choices))
	for name := range choices {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		choice := choices[name]
		var v any
		switch choice.Side {
		case SideLocal:
			v = local.Fields[name]
		case SideRemote:
			v = remote.Fields[name]
		case "":
			v = choice.Value
		default:
			return nil, fmt.Errorf("invalid choice for %s: unknown side %q", name, choice.Side)
		}
		if _, ok := schema.CanonicalValue(v); ok {
			out[name] = cloneValue(v)
		} else {
			delete(out, name)
		}
	}
	return out, nil
}

// ConflictRecord describes one both-changed pair seen during a pass. It is
// never persisted except through an optional AuditLog.
type ConflictRecord struct {
	Pair           PairKey         `json:"pair" yaml:"pair"`
	Title          string          `json:"title,omitempty" yaml:"title,omitempty"`
	Local          schema.Fields   `json:"local" yaml:"local"`
	Remote         schema.Fields   `json:"remote" yaml:"remote"`
	Baseline       schema.Snapshot `json:"baseline,omitempty" yaml:"baseline,omitempty"`
	LocalModified  time.Time       `json:"local_modified" yaml:"local_modified"`
	RemoteModified time.Time       `json:"remote_modified" yaml:"remote_modified"`
	Resolution     Resolution      `json:"resolution" yaml:"resolution"`
}

func newConflictRecord(c Change, naturalKey string, res Resolution) ConflictRecord {
	cr := ConflictRecord{
		Pair:           c.Pair,
		Local:          c.Local.Fields.Clone(),
		Remote:         c.Remote.Fields.Clone(),
		LocalModified:  c.Local.LocalModified,
		RemoteModified: c.Remote.RemoteModified,
		Resolution:     res,
	}
	if c.Baseline != nil {
		cr.Baseline = c.Baseline.Snapshot
	}
	if naturalKey != "" {
		if s, ok := c.Local.Fields[naturalKey].(string); ok {
			cr.Title = s
		} else if s, ok := c.Remote.Fields[naturalKey].(string); ok {
			cr.Title = s
		}
	}
	return cr
}

func fieldUnion(a, b schema.Fields) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var names []string
	for _, m := range []schema.Fields{a, b} {
		for name := range m {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

func cloneValue(v any) any {
	if list, ok := v.([]string); ok {
		return append([]string(nil), list...)
	}
	return v
}

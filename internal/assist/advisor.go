package assist

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/sdxl-assets/sam/internal/schema"
	"github.com/sdxl-assets/sam/internal/sync"
)

// MaxContextRuns bounds how many runs Ask puts in the prompt.
const MaxContextRuns = 200

const suggestSystem = `You help reconcile metadata for Stable Diffusion XL generation runs that is
kept both in a local SQLite database and in a Notion database. A record was
edited on both sides since the last sync. For each conflicting field decide
which side to keep, or give a literal merged value when neither side alone is
right. Reply with a single JSON object and nothing else:

{"choices": {"<field>": {"side": "local"} | {"side": "remote"} | {"value": <json value>}},
 "reason": "<one or two sentences>"}`

const askSystem = `You answer questions about a catalogue of Stable Diffusion XL generation runs
(model, LoRAs, prompt, sampler, CFG, steps, seed, size, tags, status). Answer
from the runs provided only; say so when they do not contain the answer. Be
concise.`

// Suggestion is a proposed resolution of one conflict.
type Suggestion struct {
	Choices map[string]sync.FieldChoice `json:"choices" yaml:"choices"`
	Reason  string                      `json:"reason" yaml:"reason"`
}

// Advisor turns sync data into prompts and replies into typed answers.
type Advisor struct {
	llm Completer
}

// NewAdvisor wraps a Completer.
func NewAdvisor(llm Completer) *Advisor {
	return &Advisor{llm: llm}
}

// SuggestResolution proposes choices for the conflicting fields of cr.
// Choices for fields that are not in conflict are dropped.
func (a *Advisor) SuggestResolution(ctx context.Context, cr sync.ConflictRecord) (*Suggestion, error) {
	if len(cr.Resolution.Conflicting) == 0 {
		return nil, fmt.Errorf("pair %s has no conflicting fields", cr.Pair)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Record: %s (pair %s)\n", cr.Title, cr.Pair)
	fmt.Fprintf(&b, "Local edited: %s\nNotion edited: %s\n\n", cr.LocalModified.Format("2006-01-02 15:04:05Z07:00"),
		cr.RemoteModified.Format("2006-01-02 15:04:05Z07:00"))
	b.WriteString("Conflicting fields:\n")
	for _, field := range cr.Resolution.Conflicting {
		fmt.Fprintf(&b, "- %s\n  local:  %s\n  remote: %s\n", field,
			jsonValue(cr.Local[field]), jsonValue(cr.Remote[field]))
		if base, ok := cr.Baseline[field]; ok {
			fmt.Fprintf(&b, "  at last sync (canonical form): %s\n", base)
		} else if cr.Baseline != nil {
			b.WriteString("  at last sync: empty\n")
		}
	}

	reply, err := a.llm.Complete(ctx, suggestSystem, b.String())
	if err != nil {
		return nil, err
	}
	return parseSuggestion(reply, cr.Resolution.Conflicting)
}

func parseSuggestion(reply string, conflicting []string) (*Suggestion, error) {
	obj, err := extractJSON(reply)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(conflicting))
	for _, f := range conflicting {
		wanted[f] = true
	}

	s := &Suggestion{
		Choices: map[string]sync.FieldChoice{},
		Reason:  gjson.Get(obj, "reason").String(),
	}
	var parseErr error
	gjson.Get(obj, "choices").ForEach(func(key, value gjson.Result) bool {
		field := key.String()
		if !wanted[field] {
			return true
		}
		switch side := value.Get("side").String(); {
		case side == string(sync.SideLocal) || side == string(sync.SideRemote):
			s.Choices[field] = sync.FieldChoice{Side: sync.Side(side)}
		case value.Get("value").Exists():
			s.Choices[field] = sync.FieldChoice{Value: literal(value.Get("value"))}
		default:
			parseErr = fmt.Errorf("suggestion for %q has neither a side nor a value", field)
			return false
		}
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	if len(s.Choices) == 0 {
		return nil, fmt.Errorf("suggestion covers none of the conflicting fields")
	}
	return s, nil
}

// extractJSON finds the JSON object in a reply that may wrap it in prose or
// a code fence.
func extractJSON(reply string) (string, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return "", fmt.Errorf("no JSON object in reply: %.80q", reply)
	}
	obj := reply[start : end+1]
	if !gjson.Valid(obj) {
		return "", fmt.Errorf("malformed JSON in reply: %.80q", obj)
	}
	return obj, nil
}

// literal converts a JSON value into the field value types records use.
func literal(v gjson.Result) any {
	switch v.Type {
	case gjson.Null:
		return nil
	case gjson.String:
		return v.String()
	case gjson.True, gjson.False:
		return v.Bool()
	case gjson.Number:
		if f := v.Float(); f == float64(int64(f)) && !strings.ContainsAny(v.Raw, ".eE") {
			return v.Int()
		}
		return v.Float()
	}
	if v.IsArray() {
		out := []string{}
		for _, item := range v.Array() {
			out = append(out, item.String())
		}
		return out
	}
	return v.Raw
}

func jsonValue(v any) string {
	if v == nil {
		return "(empty)"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// Ask answers a question about the given runs. Runs beyond MaxContextRuns
// are left out, most recently modified kept.
func (a *Advisor) Ask(ctx context.Context, question string, runs []*schema.Record) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", fmt.Errorf("question is empty")
	}

	sorted := append([]*schema.Record(nil), runs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LocalModified.After(sorted[j].LocalModified)
	})
	if len(sorted) > MaxContextRuns {
		sorted = sorted[:MaxContextRuns]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d runs (showing %d):\n", len(runs), len(sorted))
	for _, r := range sorted {
		b.WriteString("- ")
		b.WriteString(summarize(r.Fields))
		b.WriteByte('\n')
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)

	return a.llm.Complete(ctx, askSystem, b.String())
}

// summarize renders a record on one line, fields in name order.
func summarize(f schema.Fields) string {
	names := make([]string, 0, len(f))
	for k, v := range f {
		if v == nil || v == "" {
			continue
		}
		if list, ok := v.([]string); ok && len(list) == 0 {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, k+"="+jsonValue(f[k]))
	}
	return strings.Join(parts, " ")
}

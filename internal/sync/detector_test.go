package sync

import (
	"testing"

	"github.com/sdxl-assets/sam/internal/schema"
)

func rec(local, external string, fields schema.Fields) *schema.Record {
	return &schema.Record{LocalKey: local, ExternalKey: external, Fields: fields}
}

func entryFor(local, external string, fields schema.Fields) StateEntry {
	snap := schema.Canonical(fields)
	return StateEntry{LocalKey: local, ExternalKey: external, Fingerprint: snap.Fingerprint(), Snapshot: snap}
}

func kindOf(t *testing.T, changes []Change, key string) ChangeKind {
	t.Helper()
	for _, c := range changes {
		if c.Pair.Matches(key) {
			return c.Kind
		}
	}
	t.Fatalf("no change for %q in %+v", key, changes)
	return ""
}

func TestDetect_LinkedPairs(t *testing.T) {
	base := schema.Fields{"title": "A", "cfg": 7.0}
	edited := schema.Fields{"title": "A", "cfg": 8.0}
	other := schema.Fields{"title": "A", "cfg": 9.0}

	tests := []struct {
		name   string
		local  *schema.Record
		remote *schema.Record
		want   ChangeKind
	}{
		{"unchanged", rec("1", "p1", base), rec("", "p1", base), Unchanged},
		{"local changed", rec("1", "p1", edited), rec("", "p1", base), LocalChanged},
		{"remote changed", rec("1", "p1", base), rec("", "p1", edited), RemoteChanged},
		{"both changed", rec("1", "p1", edited), rec("", "p1", other), BothChanged},
		{"convergent edit", rec("1", "p1", edited), rec("", "p1", edited), Unchanged},
		{"deleted locally", nil, rec("", "p1", base), DeletedLocal},
		{"deleted remotely", rec("1", "p1", base), nil, DeletedRemote},
		{"deleted on both sides", nil, nil, DeletedBoth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := DetectInput{State: []StateEntry{entryFor("1", "p1", base)}}
			if tt.local != nil {
				in.Local = append(in.Local, tt.local)
			}
			if tt.remote != nil {
				in.Remote = append(in.Remote, tt.remote)
			}
			changes := Detect(in)
			if len(changes) != 1 {
				t.Fatalf("Detect() returned %d changes, want 1", len(changes))
			}
			if changes[0].Kind != tt.want {
				t.Errorf("Kind = %s, want %s", changes[0].Kind, tt.want)
			}
			if changes[0].Baseline == nil {
				t.Error("linked pair has no baseline")
			}
		})
	}
}

func TestDetect_FormattingOnlyDifferenceIsUnchanged(t *testing.T) {
	base := schema.Fields{"title": "A", "prompt": "sunset", "steps": int64(30)}
	local := rec("1", "p1", schema.Fields{"title": "A", "prompt": "sunset\r\n", "steps": 30.0})
	remote := rec("", "p1", schema.Fields{"title": " A", "prompt": "sunset", "steps": int64(30), "notes": ""})

	changes := Detect(DetectInput{
		State:  []StateEntry{entryFor("1", "p1", base)},
		Local:  []*schema.Record{local},
		Remote: []*schema.Record{remote},
	})
	if got := kindOf(t, changes, "1"); got != Unchanged {
		t.Errorf("Kind = %s, want %s", got, Unchanged)
	}
}

func TestDetect_UnlinkedRecords(t *testing.T) {
	a := schema.Fields{"title": "A", "cfg": 7.0}

	changes := Detect(DetectInput{
		NaturalKey: "title",
		Local: []*schema.Record{
			rec("1", "", a),                                        // natural key match, same content
			rec("2", "", schema.Fields{"title": "B", "cfg": 1.0}),  // natural key match, different content
			rec("3", "p9", schema.Fields{"title": "Z"}),            // link hint wins over title
			rec("4", "", schema.Fields{"title": "Dup"}),            // ambiguous title
			rec("5", "", schema.Fields{"title": "Dup"}),            // ambiguous title
			rec("6", "", schema.Fields{"title": "Only local"}),     // nothing to match
			rec("7", "gone", schema.Fields{"title": "Stale hint"}), // hint to a missing page
		},
		Remote: []*schema.Record{
			rec("", "p1", a),
			rec("", "p2", schema.Fields{"title": "B", "cfg": 2.0}),
			rec("", "p9", schema.Fields{"title": "Different title"}),
			rec("", "p4", schema.Fields{"title": "Dup"}),
			rec("", "p5", schema.Fields{"title": "Only remote"}),
		},
	})

	want := map[string]ChangeKind{
		"1/p1": Unchanged,
		"2/p2": BothChanged,
		"3/p9": BothChanged,
		"4/-":  NewLocal,
		"5/-":  NewLocal,
		"6/-":  NewLocal,
		"7/-":  NewLocal,
		"-/p4": NewRemote,
		"-/p5": NewRemote,
	}
	if len(changes) != len(want) {
		t.Fatalf("Detect() returned %d changes, want %d: %+v", len(changes), len(want), changes)
	}
	for _, c := range changes {
		if w, ok := want[c.Pair.String()]; !ok || c.Kind != w {
			t.Errorf("pair %s = %s, want %s", c.Pair, c.Kind, w)
		}
		if c.Linking() && c.Baseline != nil {
			t.Errorf("pair %s: linking change carries a baseline", c.Pair)
		}
	}
}

func TestDetect_UnmappableRecordsAreNotDeletions(t *testing.T) {
	base := schema.Fields{"title": "A"}
	changes := Detect(DetectInput{
		State:      []StateEntry{entryFor("1", "p1", base), entryFor("2", "p2", base)},
		Remote:     []*schema.Record{rec("", "p1", base), rec("", "p2", base)},
		Local:      []*schema.Record{rec("2", "p2", base)},
		SkipLocal:  map[string]bool{"1": true},
		SkipRemote: map[string]bool{"p3": true},
	})
	if len(changes) != 1 || changes[0].Pair.Local != "2" {
		t.Fatalf("Detect() = %+v, want only pair 2", changes)
	}
}

func TestDetect_Deterministic(t *testing.T) {
	in := DetectInput{
		NaturalKey: "title",
		State: []StateEntry{
			entryFor("b", "pb", schema.Fields{"title": "B"}),
			entryFor("a", "pa", schema.Fields{"title": "A"}),
		},
		Local:  []*schema.Record{rec("b", "pb", schema.Fields{"title": "B"}), rec("c", "", schema.Fields{"title": "C"})},
		Remote: []*schema.Record{rec("", "pa", schema.Fields{"title": "A"}), rec("", "pd", schema.Fields{"title": "D"})},
	}
	first := Detect(in)
	for i := 0; i < 10; i++ {
		again := Detect(in)
		for j := range first {
			if first[j].Pair != again[j].Pair || first[j].Kind != again[j].Kind {
				t.Fatalf("run %d differs at %d: %+v vs %+v", i, j, first[j], again[j])
			}
		}
	}
	if first[0].Pair.Local != "a" || first[0].Kind != DeletedLocal {
		t.Errorf("first change = %+v, want deleted local pair a", first[0])
	}
}

func TestDetect_SortedByPair(t *testing.T) {
	changes := Detect(DetectInput{
		NaturalKey: "title",
		State:      []StateEntry{entryFor("b", "pb", schema.Fields{"title": "B"})},
		Local: []*schema.Record{
			rec("b", "pb", schema.Fields{"title": "B"}),
			rec("d", "", schema.Fields{"title": "D"}),
			rec("c", "pc", schema.Fields{"title": "C"}),
			rec("a", "", schema.Fields{"title": "A"}),
		},
		Remote: []*schema.Record{
			rec("", "pz", schema.Fields{"title": "Z"}),
			rec("", "pc", schema.Fields{"title": "C"}),
			rec("", "pb", schema.Fields{"title": "B"}),
			rec("", "pa", schema.Fields{"title": "A"}),
			rec("", "py", schema.Fields{"title": "Y"}),
		},
	})
	var got []string
	for _, c := range changes {
		got = append(got, c.Pair.String())
	}
	want := []string{"a/pa", "b/pb", "c/pc", "d/-", "-/py", "-/pz"}
	if len(got) != len(want) {
		t.Fatalf("pairs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pairs = %v, want %v", got, want)
		}
	}
}

func TestDetect_IntegerBeyondFloatPrecision(t *testing.T) {
	const big = int64(1<<53 + 1)
	base := schema.Fields{"title": "A", "seed": big}

	// An edit by one that a float64 cannot represent is still a change.
	local := rec("1", "p1", schema.Fields{"title": "A", "seed": big - 1})
	remote := rec("", "p1", base)
	changes := Detect(DetectInput{
		State:  []StateEntry{entryFor("1", "p1", base)},
		Local:  []*schema.Record{local},
		Remote: []*schema.Record{remote},
	})
	if got := kindOf(t, changes, "1"); got != LocalChanged {
		t.Errorf("Kind = %s, want %s", got, LocalChanged)
	}

	// A remote value rounded through float64 does not match the exact one.
	changes = Detect(DetectInput{
		State:  []StateEntry{entryFor("1", "p1", base)},
		Local:  []*schema.Record{rec("1", "p1", base)},
		Remote: []*schema.Record{rec("", "p1", schema.Fields{"title": "A", "seed": float64(big)})},
	})
	if got := kindOf(t, changes, "1"); got != RemoteChanged {
		t.Errorf("Kind = %s, want %s", got, RemoteChanged)
	}
}

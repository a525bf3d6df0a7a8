package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/sdxl-assets/sam/internal/schema"
	"github.com/sdxl-assets/sam/internal/sync"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"2025-06-01T08:00:00Z", time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC), false},
		{"2025-06-01", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), false},
		{"48h", now.Add(-48 * time.Hour), false},
		{"-5m", time.Time{}, true},
		{"not a time", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSince(tt.in, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSince(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseSince_Phrase(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 30, 0, 0, time.UTC)
	got, err := parseSince("2 days ago", now)
	if err != nil {
		t.Fatalf("parseSince() error = %v", err)
	}
	if d := now.Sub(got); d < 47*time.Hour || d > 49*time.Hour {
		t.Errorf("parseSince(2 days ago) = %v, %v before now", got, d)
	}
}

func TestReadChoices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "choices.yaml")
	content := `negative:
  value: "blurry, lowres"
seed:
  side: remote
steps:
  value: 30
tags:
  value: [keeper, portrait]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := readChoices(path)
	if err != nil {
		t.Fatalf("readChoices() error = %v", err)
	}
	want := map[string]sync.FieldChoice{
		"negative": {Value: "blurry, lowres"},
		"seed":     {Side: sync.SideRemote},
		"steps":    {Value: int64(30)},
		"tags":     {Value: []string{"keeper", "portrait"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("choices mismatch (-want +got):\n%s", diff)
	}
}

func TestReadChoices_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"unknown side", "seed:\n  side: both\n"},
		{"not yaml", "seed: [side\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "choices.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := readChoices(path); err == nil {
				t.Error("readChoices() succeeded, want error")
			}
		})
	}
	if _, err := readChoices(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("readChoices() on a missing file succeeded")
	}
}

func TestTakeSide(t *testing.T) {
	c := &sync.ConflictRecord{Resolution: sync.Resolution{Conflicting: []string{"negative", "seed"}}}

	got, err := takeSide(c, sync.SideLocal)
	if err != nil {
		t.Fatalf("takeSide() error = %v", err)
	}
	want := map[string]sync.FieldChoice{
		"negative": {Side: sync.SideLocal},
		"seed":     {Side: sync.SideLocal},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("choices mismatch (-want +got):\n%s", diff)
	}
	if _, err := takeSide(c, "newest"); err == nil {
		t.Error("takeSide(newest) succeeded")
	}
}

func TestDifferingFields(t *testing.T) {
	c := sync.ConflictRecord{
		Local:  schema.Fields{"title": "Night city", "cfg": 7.0, "tags": []string{"a", "b"}, "notes": "x"},
		Remote: schema.Fields{"title": "Night city", "cfg": 7.5, "tags": []string{"a", "b"}, "seed": int64(3)},
	}
	want := []string{"cfg", "notes", "seed"}
	if diff := cmp.Diff(want, differingFields(c)); diff != "" {
		t.Errorf("differingFields mismatch (-want +got):\n%s", diff)
	}
}

func TestDisplay(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"text", "text"},
		{[]string{"film-grain", "detail"}, "film-grain, detail"},
		{7.5, "7.5"},
		{int64(42), "42"},
		{time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), "2025-06-01T09:00:00Z"},
	}
	for _, tt := range tests {
		if got := display(tt.in); got != tt.want {
			t.Errorf("display(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitList(t *testing.T) {
	if diff := cmp.Diff([]string{"a", "b c"}, splitList(" a, ,b c ,")); diff != "" {
		t.Errorf("splitList mismatch (-want +got):\n%s", diff)
	}
	if got := splitList(""); got == nil || len(got) != 0 {
		t.Errorf("splitList(\"\") = %#v, want empty non-nil", got)
	}
}

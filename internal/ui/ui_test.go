package ui

import (
	"strings"
	"testing"
)

func TestRender_PlainWhenColorDisabled(t *testing.T) {
	DisableColor()

	tests := []struct {
		name   string
		render func(string) string
	}{
		{"accent", RenderAccent},
		{"pass", RenderPass},
		{"warn", RenderWarn},
		{"fail", RenderFail},
		{"muted", RenderMuted},
		{"local", RenderLocal},
		{"remote", RenderRemote},
	}
	for _, tt := range tests {
		if got := tt.render("ok"); got != "ok" {
			t.Errorf("%s: Render(%q) = %q, want plain text", tt.name, "ok", got)
		}
	}
}

func TestTable_ContainsCells(t *testing.T) {
	DisableColor()
	out := Table([]string{"Pair", "Action"}, [][]string{{"1/page-1", "update-remote"}, {"2/-", "create-remote"}})
	for _, want := range []string{"Pair", "Action", "1/page-1", "update-remote", "create-remote"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

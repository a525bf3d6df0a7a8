package schema

import (
	"strings"
	"testing"
	"time"
)

func TestFingerprint_Normalization(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b Fields
		same bool
	}{
		{
			name: "key order irrelevant",
			a:    Fields{"title": "A", "cfg": 7.0},
			b:    Fields{"cfg": 7.0, "title": "A"},
			same: true,
		},
		{
			name: "int and float normalize",
			a:    Fields{"steps": int64(20)},
			b:    Fields{"steps": 20.0},
			same: true,
		},
		{
			name: "empty values are absent",
			a:    Fields{"title": "A", "negative": "", "tags": []string{}, "seed": nil},
			b:    Fields{"title": "A"},
			same: true,
		},
		{
			name: "line endings and outer whitespace",
			a:    Fields{"prompt": "a\r\nb  "},
			b:    Fields{"prompt": "a\nb"},
			same: true,
		},
		{
			name: "lists are sets",
			a:    Fields{"tags": []string{"b", "a"}},
			b:    Fields{"tags": []string{"a", "b"}},
			same: true,
		},
		{
			name: "time zone irrelevant",
			a:    Fields{"shot": ts},
			b:    Fields{"shot": ts.In(time.FixedZone("JST", 9*3600))},
			same: true,
		},
		{
			name: "integers past 2^53 stay exact",
			a:    Fields{"seed": int64(9007199254740993)},
			b:    Fields{"seed": int64(9007199254740992)},
			same: false,
		},
		{
			name: "rounded float differs from exact integer",
			a:    Fields{"seed": int64(9007199254740993)},
			b:    Fields{"seed": float64(9007199254740993)},
			same: false,
		},
		{
			name: "whole float matches integer",
			a:    Fields{"width": int64(1 << 40)},
			b:    Fields{"width": float64(1 << 40)},
			same: true,
		},
		{
			name: "value change detected",
			a:    Fields{"cfg": 7.0},
			b:    Fields{"cfg": 8.0},
			same: false,
		},
		{
			name: "text vs number differ",
			a:    Fields{"seed": "42"},
			b:    Fields{"seed": 42.0},
			same: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fingerprint(tt.a) == Fingerprint(tt.b)
			if got != tt.same {
				t.Errorf("Fingerprint equal = %v, want %v (a=%v b=%v)", got, tt.same, Canonical(tt.a), Canonical(tt.b))
			}
		})
	}
}

func TestSnapshot_EncodeDecode(t *testing.T) {
	snap := Canonical(Fields{"title": "A", "cfg": 7.5, "tags": []string{"x"}})

	decoded, err := DecodeSnapshot(snap.Encode())
	if err != nil {
		t.Fatalf("DecodeSnapshot() error = %v", err)
	}
	if decoded.Fingerprint() != snap.Fingerprint() {
		t.Errorf("fingerprint changed across encode/decode")
	}

	empty, err := DecodeSnapshot(nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("DecodeSnapshot(nil) = %v, %v; want empty, nil", empty, err)
	}
}

func TestRecord_WithFields(t *testing.T) {
	rec := &Record{
		LocalKey:    "1",
		ExternalKey: "p1",
		Fields:      Fields{"title": "A"},
		LocalExtra:  map[string]any{"scheduler": "karras"},
	}

	next := rec.WithFields(Fields{"title": "B"})
	if next.LocalKey != "1" || next.ExternalKey != "p1" {
		t.Errorf("keys not preserved: %+v", next)
	}
	if next.LocalExtra["scheduler"] != "karras" {
		t.Errorf("passthrough not preserved")
	}
	if rec.Fields["title"] != "A" {
		t.Errorf("original mutated")
	}
}

func TestDefaultMapping_Valid(t *testing.T) {
	if err := DefaultMapping().Validate(); err != nil {
		t.Fatalf("DefaultMapping().Validate() = %v", err)
	}
}

func TestParseMapping(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr string
	}{
		{
			name: "valid",
			text: `
version = "v1.2.0"
natural_key = "title"

[[fields]]
name = "title"
kind = "text"
property = "Name"
property_type = "title"
column = "title"

[[fields]]
name = "cfg"
kind = "number"
property = "CFG"
property_type = "number"
column = "cfg"
`,
		},
		{
			name:    "bad version",
			text:    "version = \"1.0\"\n[[fields]]\nname=\"t\"\nkind=\"text\"\nproperty=\"T\"\nproperty_type=\"title\"\ncolumn=\"title\"\n",
			wantErr: "not a valid semantic version",
		},
		{
			name:    "unsupported major",
			text:    "version = \"v2.0.0\"\n[[fields]]\nname=\"t\"\nkind=\"text\"\nproperty=\"T\"\nproperty_type=\"title\"\ncolumn=\"title\"\n",
			wantErr: "not supported",
		},
		{
			name:    "unknown key",
			text:    "version = \"v1.0.0\"\ncolour = 1\n[[fields]]\nname=\"t\"\nkind=\"text\"\nproperty=\"T\"\nproperty_type=\"title\"\ncolumn=\"title\"\n",
			wantErr: "unknown mapping keys",
		},
		{
			name:    "incompatible kind",
			text:    "version = \"v1.0.0\"\n[[fields]]\nname=\"t\"\nkind=\"list\"\nproperty=\"T\"\nproperty_type=\"number\"\ncolumn=\"title\"\n",
			wantErr: "cannot be stored",
		},
		{
			name:    "duplicate column",
			text:    "version = \"v1.0.0\"\n[[fields]]\nname=\"a\"\nkind=\"text\"\nproperty=\"A\"\nproperty_type=\"title\"\ncolumn=\"title\"\n[[fields]]\nname=\"b\"\nkind=\"text\"\nproperty=\"B\"\nproperty_type=\"rich_text\"\ncolumn=\"title\"\n",
			wantErr: "mapped twice",
		},
		{
			name:    "natural key not mapped",
			text:    "version = \"v1.0.0\"\nnatural_key = \"name\"\n[[fields]]\nname=\"t\"\nkind=\"text\"\nproperty=\"T\"\nproperty_type=\"title\"\ncolumn=\"title\"\n",
			wantErr: "natural key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMapping(tt.text)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ParseMapping() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseMapping() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRunRow_Validate(t *testing.T) {
	row := &RunRow{Columns: map[string]any{}}
	if err := row.Validate(); err == nil {
		t.Error("expected error for missing title")
	}
	row.Columns[ColTitle] = strings.Repeat("x", 501)
	if err := row.Validate(); err == nil {
		t.Error("expected error for long title")
	}
	row.Columns[ColTitle] = "ok"
	if err := row.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

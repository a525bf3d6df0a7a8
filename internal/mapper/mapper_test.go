package mapper

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sdxl-assets/sam/internal/schema"
	"github.com/tidwall/gjson"
)

func fullRecord() *schema.Record {
	return &schema.Record{
		LocalKey:    "12",
		ExternalKey: "page-12",
		Fields: schema.Fields{
			"title":    "Sunset portrait",
			"prompt":   "1girl, sunset, rim light",
			"negative": "lowres, bad hands",
			"cfg":      7.5,
			"steps":    int64(30),
			"sampler":  "DPM++ 2M",
			"seed":     int64(1234567890123),
			"width":    int64(1024),
			"height":   int64(1344),
			"model":    "sdxl_base_1.0",
			"loras":    []string{"detail_tweaker", "film_grain"},
			"tags":     []string{"portrait", "warm"},
			"status":   "Tried",
			"notes":    "keep the grain",
		},
	}
}

func TestRoundTrip_External(t *testing.T) {
	m := New(nil)
	rec := fullRecord()

	page, err := m.ToExternal(rec)
	if err != nil {
		t.Fatalf("ToExternal() error = %v", err)
	}
	back, err := m.FromExternal(page)
	if err != nil {
		t.Fatalf("FromExternal() error = %v", err)
	}

	if diff := cmp.Diff(rec.Fields, back.Fields); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if back.ExternalKey != rec.ExternalKey {
		t.Errorf("ExternalKey = %q, want %q", back.ExternalKey, rec.ExternalKey)
	}
}

func TestRoundTrip_Local(t *testing.T) {
	m := New(nil)
	rec := fullRecord()
	rec.LocalExtra = map[string]any{"scheduler": "karras", "batch_size": int64(2)}

	row, err := m.ToLocal(rec)
	if err != nil {
		t.Fatalf("ToLocal() error = %v", err)
	}
	back, err := m.FromLocal(row)
	if err != nil {
		t.Fatalf("FromLocal() error = %v", err)
	}

	if diff := cmp.Diff(rec.Fields, back.Fields); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(rec.LocalExtra, back.LocalExtra); diff != "" {
		t.Errorf("passthrough mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTrip_TimeAndBoolKinds(t *testing.T) {
	table := &schema.MappingTable{
		Version: "v1.0.0",
		Fields: []schema.FieldSpec{
			{Name: "title", Kind: schema.KindText, Property: "Name", PropertyType: schema.PropTitle, Column: schema.ColTitle},
			{Name: "shot_at", Kind: schema.KindTime, Property: "Shot", PropertyType: schema.PropDate, Column: "shot_at"},
			{Name: "favorite", Kind: schema.KindBool, Property: "Fav", PropertyType: schema.PropCheckbox, Column: "favorite"},
			{Name: "link", Kind: schema.KindText, Property: "Link", PropertyType: schema.PropURL, Column: "link"},
		},
	}
	if err := table.Validate(); err != nil {
		t.Fatalf("table invalid: %v", err)
	}
	m := New(table)
	rec := &schema.Record{Fields: schema.Fields{
		"title":    "A",
		"shot_at":  time.Date(2025, 1, 2, 3, 4, 5, 600, time.UTC),
		"favorite": true,
		"link":     "https://civitai.com/models/1",
	}}

	page, err := m.ToExternal(rec)
	if err != nil {
		t.Fatalf("ToExternal() error = %v", err)
	}
	back, err := m.FromExternal(page)
	if err != nil {
		t.Fatalf("FromExternal() error = %v", err)
	}
	if diff := cmp.Diff(rec.Fields, back.Fields); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFromExternal_UnknownPropertyPassthrough(t *testing.T) {
	m := New(nil)
	rollup := schema.Property{Type: "rollup", Raw: json.RawMessage(`{"type":"rollup","rollup":{"number":3}}`)}
	page := &schema.Page{
		ID: "p1",
		Properties: map[string]schema.Property{
			"Title":       prop(`{"type":"title","title":[{"plain_text":"A"}]}`),
			"Image Count": rollup,
		},
	}

	rec, err := m.FromExternal(page)
	if err != nil {
		t.Fatalf("FromExternal() error = %v", err)
	}
	if _, ok := rec.Fields["Image Count"]; ok {
		t.Error("unknown property leaked into shared fields")
	}
	if got := rec.RemoteExtra["Image Count"]; string(got.Raw) != string(rollup.Raw) {
		t.Errorf("passthrough raw = %s, want %s", got.Raw, rollup.Raw)
	}

	// Notion keeps what an update leaves out, so passthrough is never sent.
	out, err := m.ToExternal(rec)
	if err != nil {
		t.Fatalf("ToExternal() error = %v", err)
	}
	if _, ok := out.Properties["Image Count"]; ok {
		t.Error("unmapped property written back to Notion")
	}
	row, err := m.ToLocal(rec)
	if err != nil {
		t.Fatalf("ToLocal() error = %v", err)
	}
	if _, ok := row.Columns["Image Count"]; ok {
		t.Error("remote passthrough written to the local side")
	}
}

func TestToExternal_UpdateSendsOnlyMappedProperties(t *testing.T) {
	m := New(nil)
	image := prop(`{"type":"files","files":[{"name":"out.png","type":"file",` +
		`"file":{"url":"https://files.example.com/out.png?sig=1","expiry_time":"2025-06-01T10:00:00.000Z"}}]}`)
	rec, err := m.FromExternal(&schema.Page{ID: "p1", Properties: map[string]schema.Property{
		"Title": prop(`{"type":"title","title":[{"plain_text":"A"}]}`),
		"Image": image,
	}})
	if err != nil {
		t.Fatalf("FromExternal() error = %v", err)
	}
	rec.Fields["title"] = "B"

	out, err := m.ToExternal(rec)
	if err != nil {
		t.Fatalf("ToExternal() error = %v", err)
	}
	if out.ID != "p1" {
		t.Errorf("ID = %q, want p1", out.ID)
	}
	mapped := map[string]bool{}
	for _, f := range m.Table().Fields {
		mapped[f.Property] = true
	}
	for name := range out.Properties {
		if !mapped[name] {
			t.Errorf("update carries unmapped property %q", name)
		}
	}
	if got := gjson.GetBytes(out.Properties["Title"].Raw, "title.0.text.content").String(); got != "B" {
		t.Errorf("Title = %q, want B", got)
	}
}

func TestNumber_ExactAbove2To53(t *testing.T) {
	m := New(nil)
	page := &schema.Page{ID: "p", Properties: map[string]schema.Property{
		"Seed":  prop(`{"type":"number","number":9007199254740993}`),
		"Steps": prop(`{"type":"number","number":30}`),
		"CFG":   prop(`{"type":"number","number":7}`),
	}}
	rec, err := m.FromExternal(page)
	if err != nil {
		t.Fatalf("FromExternal() error = %v", err)
	}
	want := schema.Fields{"seed": int64(9007199254740993), "steps": int64(30), "cfg": 7.0}
	for k, v := range want {
		if rec.Fields[k] != v {
			t.Errorf("%s = %#v, want %#v", k, rec.Fields[k], v)
		}
	}

	// A Notion number is a float64; writing past 2^53 would round.
	for _, seed := range []int64{1<<53 + 1, -(1<<53 + 1)} {
		_, err := m.ToExternal(&schema.Record{Fields: schema.Fields{"title": "A", "seed": seed}})
		var me *MappingError
		if !errors.As(err, &me) || me.Field != "seed" {
			t.Errorf("ToExternal(seed=%d) error = %v, want MappingError on seed", seed, err)
		}
	}
	page, err = m.ToExternal(&schema.Record{Fields: schema.Fields{"title": "A", "seed": int64(1 << 53)}})
	if err != nil {
		t.Fatalf("ToExternal(seed=2^53) error = %v", err)
	}
	if got := gjson.GetBytes(page.Properties["Seed"].Raw, "number").Raw; got != "9007199254740992" {
		t.Errorf("Seed = %s", got)
	}
}

func TestNumber_LargeSeedAsRichText(t *testing.T) {
	table := schema.DefaultMapping()
	for i := range table.Fields {
		if table.Fields[i].Name == "seed" {
			table.Fields[i].PropertyType = schema.PropRichText
		}
	}
	m := New(table)
	rec := &schema.Record{Fields: schema.Fields{"title": "A", "seed": int64(8_000_000_000_000_000_123)}}

	page, err := m.ToExternal(rec)
	if err != nil {
		t.Fatalf("ToExternal() error = %v", err)
	}
	back, err := m.FromExternal(page)
	if err != nil {
		t.Fatalf("FromExternal() error = %v", err)
	}
	if back.Fields["seed"] != rec.Fields["seed"] {
		t.Errorf("seed = %#v, want %#v", back.Fields["seed"], rec.Fields["seed"])
	}
}

func TestFromExternal_MappingErrors(t *testing.T) {
	m := New(nil)

	tests := []struct {
		name  string
		props map[string]schema.Property
		field string
	}{
		{
			name:  "text where number expected",
			props: map[string]schema.Property{"CFG": prop(`{"type":"rich_text","rich_text":[{"plain_text":"seven"}]}`)},
			field: "cfg",
		},
		{
			name:  "fractional integer",
			props: map[string]schema.Property{"Steps": prop(`{"type":"number","number":20.5}`)},
			field: "steps",
		},
		{
			name:  "unsupported property type",
			props: map[string]schema.Property{"Seed": prop(`{"type":"formula","formula":{"number":1}}`)},
			field: "seed",
		},
		{
			name:  "select where list expected",
			props: map[string]schema.Property{"Tags": prop(`{"type":"select","select":{"name":"a"}}`)},
			field: "tags",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.FromExternal(&schema.Page{ID: "p", Properties: tt.props})
			var me *MappingError
			if !errors.As(err, &me) {
				t.Fatalf("FromExternal() error = %v, want *MappingError", err)
			}
			if me.Field != tt.field {
				t.Errorf("MappingError.Field = %q, want %q", me.Field, tt.field)
			}
			if me.Raw == "" {
				t.Error("MappingError.Raw is empty")
			}
		})
	}
}

func TestFromExternal_SchemaDriftCoerces(t *testing.T) {
	m := New(nil)
	page := &schema.Page{ID: "p", Properties: map[string]schema.Property{
		"CFG":   prop(`{"type":"rich_text","rich_text":[{"plain_text":"7.5"}]}`),
		"Steps": prop(`{"type":"rich_text","rich_text":[{"plain_text":"25"}]}`),
	}}
	rec, err := m.FromExternal(page)
	if err != nil {
		t.Fatalf("FromExternal() error = %v", err)
	}
	if rec.Fields["cfg"] != 7.5 {
		t.Errorf("cfg = %v, want 7.5", rec.Fields["cfg"])
	}
	if rec.Fields["steps"] != int64(25) {
		t.Errorf("steps = %v, want 25", rec.Fields["steps"])
	}
}

func TestToExternal_LongTextIsChunkedNotTruncated(t *testing.T) {
	m := New(nil)
	long := strings.Repeat("あ", richTextLimit*2+10)
	rec := &schema.Record{Fields: schema.Fields{"title": "A", "prompt": long}}

	page, err := m.ToExternal(rec)
	if err != nil {
		t.Fatalf("ToExternal() error = %v", err)
	}
	segments := gjson.GetBytes(page.Properties["Prompt"].Raw, "rich_text").Array()
	if len(segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(segments))
	}

	back, err := m.FromExternal(page)
	if err != nil {
		t.Fatalf("FromExternal() error = %v", err)
	}
	if back.Fields["prompt"] != long {
		t.Error("long prompt did not survive the round trip")
	}
}

func TestToExternal_RejectsLossyWrites(t *testing.T) {
	m := New(nil)
	tests := []struct {
		name   string
		fields schema.Fields
	}{
		{name: "comma in select", fields: schema.Fields{"title": "A", "sampler": "Euler, a"}},
		{name: "number in list", fields: schema.Fields{"title": "A", "tags": 3.0}},
		{name: "text in number", fields: schema.Fields{"title": "A", "cfg": "high"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.ToExternal(&schema.Record{Fields: tt.fields}); !IsMappingError(err) {
				t.Errorf("ToExternal() error = %v, want MappingError", err)
			}
		})
	}
}

func TestFromLocal_MappingError(t *testing.T) {
	m := New(nil)
	row := &schema.RunRow{ID: "1", Columns: map[string]any{
		schema.ColTitle: "A",
		schema.ColSteps: 12.25,
	}}
	_, err := m.FromLocal(row)
	var me *MappingError
	if !errors.As(err, &me) || me.Field != "steps" {
		t.Fatalf("FromLocal() error = %v, want MappingError on steps", err)
	}
}

func TestToExternal_EmptyValuesClearProperties(t *testing.T) {
	m := New(nil)
	page, err := m.ToExternal(&schema.Record{Fields: schema.Fields{"title": "A"}})
	if err != nil {
		t.Fatalf("ToExternal() error = %v", err)
	}
	if got := gjson.GetBytes(page.Properties["CFG"].Raw, "number"); got.Type != gjson.Null {
		t.Errorf("CFG = %s, want null", got.Raw)
	}
	if got := gjson.GetBytes(page.Properties["Tags"].Raw, "multi_select").Array(); len(got) != 0 {
		t.Errorf("Tags = %v, want empty", got)
	}
}

func prop(raw string) schema.Property {
	return schema.Property{Type: gjson.Get(raw, "type").String(), Raw: json.RawMessage(raw)}
}

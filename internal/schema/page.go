package schema

import (
	"encoding/json"
	"time"
)

// Notion property types understood by the mapper.
const (
	PropTitle       = "title"
	PropRichText    = "rich_text"
	PropNumber      = "number"
	PropSelect      = "select"
	PropMultiSelect = "multi_select"
	PropDate        = "date"
	PropURL         = "url"
	PropCheckbox    = "checkbox"
)

// Page is the external document: one Notion database page.
type Page struct {
	ID             string              `json:"id"`
	URL            string              `json:"url,omitempty"`
	Archived       bool                `json:"archived,omitempty"`
	CreatedTime    time.Time           `json:"created_time"`
	LastEditedTime time.Time           `json:"last_edited_time"`
	Properties     map[string]Property `json:"properties"`
}

// Property is one typed page property.
//
// Raw holds the property object exactly as Notion returns it (or as the
// mapper built it), e.g. {"type":"number","number":7}. Keeping the raw JSON
// is what lets unknown properties pass through untouched.
type Property struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"raw"`
}

// Writable reports whether Notion accepts this property type in create and
// update requests. Computed types (formula, rollup, created_time, ...) are
// read-only.
func (p Property) Writable() bool {
	switch p.Type {
	case PropTitle, PropRichText, PropNumber, PropSelect, PropMultiSelect,
		PropDate, PropURL, PropCheckbox, "status", "email", "phone_number",
		"people", "relation", "files":
		return true
	}
	return false
}

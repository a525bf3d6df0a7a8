// Package mapper converts between Notion pages, local run rows and the
// side-neutral schema.Record.
//
// Every conversion is driven by a schema.MappingTable. Properties and
// columns the table does not mention are carried in the record's
// RemoteExtra/LocalExtra. Local extras are written back to the run row.
// Remote extras are never sent: Notion keeps properties an update leaves
// out, and echoing hosted file URLs or relation payloads back can fail
// validation. Conversions are pure; nothing here performs I/O.
package mapper

import (
	"sort"

	"github.com/sdxl-assets/sam/internal/schema"
)

// Mapper converts records using a fixed mapping table.
type Mapper struct {
	table      *schema.MappingTable
	byProperty map[string]schema.FieldSpec
	byColumn   map[string]schema.FieldSpec
}

// New creates a Mapper. A nil table selects schema.DefaultMapping().
func New(table *schema.MappingTable) *Mapper {
	if table == nil {
		table = schema.DefaultMapping()
	}
	m := &Mapper{
		table:      table,
		byProperty: make(map[string]schema.FieldSpec, len(table.Fields)),
		byColumn:   make(map[string]schema.FieldSpec, len(table.Fields)),
	}
	for _, f := range table.Fields {
		m.byProperty[f.Property] = f
		m.byColumn[f.Column] = f
	}
	return m
}

// Table returns the mapping table in use.
func (m *Mapper) Table() *schema.MappingTable {
	return m.table
}

// FromExternal converts a Notion page into a record.
func (m *Mapper) FromExternal(page *schema.Page) (*schema.Record, error) {
	rec := &schema.Record{
		ExternalKey:    page.ID,
		RemoteModified: page.LastEditedTime,
		Fields:         schema.Fields{},
		RemoteExtra:    map[string]schema.Property{},
	}

	for _, name := range sortedKeys(page.Properties) {
		prop := page.Properties[name]
		spec, ok := m.byProperty[name]
		if !ok {
			rec.RemoteExtra[name] = prop
			continue
		}
		raw, err := propertyValue(spec.Name, prop)
		if err != nil {
			return nil, err
		}
		v, err := coerce(spec, raw)
		if err != nil {
			return nil, err
		}
		rec.Fields[spec.Name] = v
	}
	return rec, nil
}

// ToExternal converts a record into a Notion page. Every mapped field is
// emitted, absent ones as empty properties, so an update clears values that
// were removed on the other side. Only mapped properties are emitted.
func (m *Mapper) ToExternal(rec *schema.Record) (*schema.Page, error) {
	page := &schema.Page{
		ID:             rec.ExternalKey,
		LastEditedTime: rec.RemoteModified,
		Properties:     make(map[string]schema.Property, len(m.table.Fields)),
	}
	for _, spec := range m.table.Fields {
		prop, err := encodeProperty(spec, rec.Fields[spec.Name])
		if err != nil {
			return nil, err
		}
		page.Properties[spec.Property] = prop
	}
	return page, nil
}

// FromLocal converts a local run row into a record.
func (m *Mapper) FromLocal(row *schema.RunRow) (*schema.Record, error) {
	rec := &schema.Record{
		LocalKey:      row.ID,
		ExternalKey:   row.NotionPageID,
		LocalModified: row.UpdatedAt,
		Fields:        schema.Fields{},
		LocalExtra:    map[string]any{},
	}

	for _, col := range sortedKeys(row.Columns) {
		v := row.Columns[col]
		spec, ok := m.byColumn[col]
		if !ok {
			rec.LocalExtra[col] = v
			continue
		}
		out, err := coerce(spec, v)
		if err != nil {
			return nil, err
		}
		rec.Fields[spec.Name] = out
	}
	return rec, nil
}

// ToLocal converts a record into a local run row.
func (m *Mapper) ToLocal(rec *schema.Record) (*schema.RunRow, error) {
	row := &schema.RunRow{
		ID:           rec.LocalKey,
		NotionPageID: rec.ExternalKey,
		UpdatedAt:    rec.LocalModified,
		Columns:      make(map[string]any, len(m.table.Fields)+len(rec.LocalExtra)),
	}
	for col, v := range rec.LocalExtra {
		row.Columns[col] = v
	}
	for _, spec := range m.table.Fields {
		v, err := coerce(spec, rec.Fields[spec.Name])
		if err != nil {
			return nil, err
		}
		row.Columns[spec.Column] = v
	}
	return row, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

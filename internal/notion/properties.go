package notion

import "sort"

// PropertyValue is one typed Notion property. Each variant knows its own
// wire shape; call sites never assemble raw property maps.
type PropertyValue interface {
	wire() any
}

// Title is the page title property.
type Title string

func (t Title) wire() any {
	return map[string]any{
		"title": []any{map[string]any{"text": map[string]any{"content": string(t)}}},
	}
}

// Select is a single-select property. An empty value clears the select.
type Select string

func (s Select) wire() any {
	if s == "" {
		return map[string]any{"select": nil}
	}
	return map[string]any{"select": map[string]any{"name": string(s)}}
}

// MultiSelect is a multi-select property. Options are written in sorted
// order so payloads stay deterministic.
type MultiSelect []string

func (m MultiSelect) wire() any {
	names := append([]string(nil), m...)
	sort.Strings(names)
	opts := make([]any, 0, len(names))
	for _, n := range names {
		opts = append(opts, map[string]any{"name": n})
	}
	return map[string]any{"multi_select": opts}
}

// Date is a date property. Start is a date or datetime string; TimeZone is
// optional and only meaningful with a datetime Start.
type Date struct {
	Start    string
	TimeZone string
}

func (d Date) wire() any {
	if d.Start == "" {
		return map[string]any{"date": nil}
	}
	date := map[string]any{"start": d.Start}
	if d.TimeZone != "" {
		date["time_zone"] = d.TimeZone
	}
	return map[string]any{"date": date}
}

// Checkbox is a boolean property.
type Checkbox bool

func (c Checkbox) wire() any {
	return map[string]any{"checkbox": bool(c)}
}

// Relation is a relation property holding destination page ids, written in
// sorted order.
type Relation []string

func (r Relation) wire() any {
	ids := append([]string(nil), r...)
	sort.Strings(ids)
	rels := make([]any, 0, len(ids))
	for _, id := range ids {
		rels = append(rels, map[string]any{"id": id})
	}
	return map[string]any{"relation": rels}
}

// RichText is a plain rich-text property.
type RichText string

func (t RichText) wire() any {
	return map[string]any{
		"rich_text": []any{map[string]any{"text": map[string]any{"content": string(t)}}},
	}
}

// URL is a url property. An empty value clears it.
type URL string

func (u URL) wire() any {
	if u == "" {
		return map[string]any{"url": nil}
	}
	return map[string]any{"url": string(u)}
}

// Properties assembles named property values into the wire map the pages
// API expects.
type Properties map[string]PropertyValue

func (p Properties) wire() map[string]any {
	out := make(map[string]any, len(p))
	for name, v := range p {
		out[name] = v.wire()
	}
	return out
}

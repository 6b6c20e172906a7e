package notion

import (
	"encoding/json"
	"strings"
	"time"
)

// PageURL builds the canonical web URL for a page id, used when the API
// response's url field is unavailable.
func PageURL(pageID string) string {
	if pageID == "" {
		return ""
	}
	return "https://www.notion.so/" + strings.ReplaceAll(pageID, "-", "")
}

// Page is a Notion page as returned by the API. Properties stay raw; the
// typed accessors below pull out the handful of fields the engine reads.
type Page struct {
	ID             string                     `json:"id"`
	Archived       bool                       `json:"archived"`
	CreatedTime    time.Time                  `json:"created_time"`
	LastEditedTime time.Time                  `json:"last_edited_time"`
	URL            string                     `json:"url"`
	Properties     map[string]json.RawMessage `json:"properties"`
}

type richTextSpan struct {
	PlainText string `json:"plain_text"`
	Text      struct {
		Content string `json:"content"`
	} `json:"text"`
}

func (s richTextSpan) content() string {
	if s.PlainText != "" {
		return s.PlainText
	}
	return s.Text.Content
}

// TitleOf returns the concatenated title text of the named property.
func (p *Page) TitleOf(name string) string {
	raw, ok := p.Properties[name]
	if !ok {
		return ""
	}
	var prop struct {
		Title []richTextSpan `json:"title"`
	}
	if json.Unmarshal(raw, &prop) != nil {
		return ""
	}
	out := ""
	for _, span := range prop.Title {
		out += span.content()
	}
	return out
}

// RichTextOf returns the concatenated rich text of the named property.
func (p *Page) RichTextOf(name string) string {
	raw, ok := p.Properties[name]
	if !ok {
		return ""
	}
	var prop struct {
		RichText []richTextSpan `json:"rich_text"`
	}
	if json.Unmarshal(raw, &prop) != nil {
		return ""
	}
	out := ""
	for _, span := range prop.RichText {
		out += span.content()
	}
	return out
}

// SelectOf returns the selected option name of the named property, or "".
func (p *Page) SelectOf(name string) string {
	raw, ok := p.Properties[name]
	if !ok {
		return ""
	}
	var prop struct {
		Select *struct {
			Name string `json:"name"`
		} `json:"select"`
	}
	if json.Unmarshal(raw, &prop) != nil || prop.Select == nil {
		return ""
	}
	return prop.Select.Name
}

// CheckboxOf returns the checkbox state of the named property.
func (p *Page) CheckboxOf(name string) bool {
	raw, ok := p.Properties[name]
	if !ok {
		return false
	}
	var prop struct {
		Checkbox bool `json:"checkbox"`
	}
	if json.Unmarshal(raw, &prop) != nil {
		return false
	}
	return prop.Checkbox
}

// RelationOf returns the related page ids of the named property.
func (p *Page) RelationOf(name string) []string {
	raw, ok := p.Properties[name]
	if !ok {
		return nil
	}
	var prop struct {
		Relation []struct {
			ID string `json:"id"`
		} `json:"relation"`
	}
	if json.Unmarshal(raw, &prop) != nil {
		return nil
	}
	ids := make([]string, 0, len(prop.Relation))
	for _, r := range prop.Relation {
		ids = append(ids, r.ID)
	}
	return ids
}

// DateStartOf returns the start of the named date property, or "".
func (p *Page) DateStartOf(name string) string {
	raw, ok := p.Properties[name]
	if !ok {
		return ""
	}
	var prop struct {
		Date *struct {
			Start string `json:"start"`
		} `json:"date"`
	}
	if json.Unmarshal(raw, &prop) != nil || prop.Date == nil {
		return ""
	}
	return prop.Date.Start
}

package engine

import (
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/mapper"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/notion"
)

// taskProperties assembles the destination property set for a task
// payload and its resolved relations.
func taskProperties(p mapper.Payload, r mapper.Resolved) notion.Properties {
	props := notion.Properties{
		"Name":            notion.Title(p.Title),
		"Priority":        notion.Select(p.Priority),
		"Labels":          notion.MultiSelect(p.Labels),
		"Completed":       notion.Checkbox(p.Completed),
		"Todoist Task ID": notion.RichText(p.TodoistTaskID),
		"Todoist URL":     notion.URL(p.TodoistURL),
	}

	if p.SectionName != "" {
		props["Section"] = notion.Select(p.SectionName)
	}

	start := p.DueDate
	tz := ""
	if p.DueTime != "" {
		start = p.DueDate + "T" + p.DueTime
		tz = p.DueTimezone
	}
	props["Due Date"] = notion.Date{Start: start, TimeZone: tz}

	props["Project"] = notion.Relation(nonEmpty(r.ProjectPageID))
	props["AREAS"] = notion.Relation(r.AreaPageIDs)
	props["People"] = notion.Relation(r.PersonPageIDs)

	return props
}

func nonEmpty(id string) []string {
	if id == "" {
		return nil
	}
	return []string{id}
}

// taskBodyBlocks renders the page body written at creation: description
// paragraph, then the comments transcript. Returns the count of truncated
// blocks.
func taskBodyBlocks(p mapper.Payload) ([]notion.Block, int) {
	var blocks []notion.Block
	truncated := 0

	if p.Description != "" {
		text, cut := notion.ClampText(p.Description)
		if cut {
			truncated++
		}
		blocks = append(blocks, notion.Paragraph(text))
	}

	if len(p.Comments) > 0 {
		blocks = append(blocks, notion.Heading2("Comments"))
		for _, c := range p.Comments {
			text, cut := notion.ClampText(c)
			if cut {
				truncated++
			}
			blocks = append(blocks, notion.Paragraph(text))
		}
	}

	return blocks, truncated
}

// projectProperties assembles the property set written when a project page
// is first materialized.
func projectProperties(name, todoistProjectID, url, color string, areaIDs []string) notion.Properties {
	props := notion.Properties{
		"Name":               notion.Title(name),
		"Todoist Project ID": notion.RichText(todoistProjectID),
		"Todoist URL":        notion.URL(url),
		"Status":             notion.Select(mapper.ProjectStatusActive),
	}
	if color != "" {
		props["Color"] = notion.Select(color)
	}
	if len(areaIDs) > 0 {
		props["AREAS"] = notion.Relation(areaIDs)
	}
	return props
}

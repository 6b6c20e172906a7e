package mapper

import (
	"time"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/notion"
)

// Project page statuses on the destination side.
const (
	ProjectStatusActive   = "Active"
	ProjectStatusArchived = "Archived"
)

// ProjectPageFields are the bidirectionally-synced fields read back from a
// destination project page.
type ProjectPageFields struct {
	Name       string
	Archived   bool
	LastEdited time.Time
}

// ExtractProjectPage pulls the reverse-flow fields from a project page.
// Only the title and the status select flow back to the source; everything
// else on the page is destination-local.
func ExtractProjectPage(page *notion.Page) ProjectPageFields {
	return ProjectPageFields{
		Name:       page.TitleOf("Name"),
		Archived:   page.SelectOf("Status") == ProjectStatusArchived || page.Archived,
		LastEdited: page.LastEditedTime,
	}
}

// EchoOf returns the echo intention for the given project page fields.
func (f ProjectPageFields) EchoOf() ProjectEcho {
	return ProjectEcho{Name: f.Name, Archived: f.Archived}
}

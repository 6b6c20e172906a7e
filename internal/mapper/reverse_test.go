package mapper

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/notion"
)

func projectPage(t *testing.T, name, status string, edited time.Time) *notion.Page {
	t.Helper()
	props := map[string]json.RawMessage{
		"Name":   json.RawMessage(`{"title":[{"plain_text":"` + name + `"}]}`),
		"Status": json.RawMessage(`{"select":{"name":"` + status + `"}}`),
	}
	return &notion.Page{ID: "pg1", LastEditedTime: edited, Properties: props}
}

func TestExtractProjectPage(t *testing.T) {
	edited := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	fields := ExtractProjectPage(projectPage(t, "Launch", "Active", edited))
	if fields.Name != "Launch" || fields.Archived || !fields.LastEdited.Equal(edited) {
		t.Errorf("extract: got %+v", fields)
	}

	fields = ExtractProjectPage(projectPage(t, "Launch", "Archived", edited))
	if !fields.Archived {
		t.Error("Archived status not extracted")
	}
}

func TestEchoOfRoundTrip(t *testing.T) {
	fields := ProjectPageFields{Name: "Ops", Archived: true}
	echo := fields.EchoOf()
	if echo.Name != "Ops" || !echo.Archived {
		t.Errorf("echo: got %+v", echo)
	}
}

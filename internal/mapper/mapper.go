package mapper

import (
	"strings"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/models"
)

// placeholderTitle is used when a source item arrives with an empty title.
const placeholderTitle = "(untitled task)"

// Options carries the configuration the mapping depends on.
type Options struct {
	EligibilityTag  string
	AreaSet         map[string]bool
	DefaultTimezone string
}

// Payload is the canonical forward intention for one task. It is what gets
// hashed for idempotence, so field order and slice ordering are stable.
type Payload struct {
	Title         string   `json:"title"`
	Priority      string   `json:"priority"`
	Labels        []string `json:"labels"`
	DueDate       string   `json:"due_date,omitempty"`
	DueTime       string   `json:"due_time,omitempty"`
	DueTimezone   string   `json:"due_timezone,omitempty"`
	Completed     bool     `json:"completed"`
	TodoistTaskID string   `json:"todoist_task_id"`
	TodoistURL    string   `json:"todoist_url"`
	SectionName   string   `json:"section_name,omitempty"`
	Description   string   `json:"description,omitempty"`
	Comments      []string `json:"comments,omitempty"`
	EmptyTitle    bool     `json:"-"`
}

// Relations are the relation targets extracted from a task, by natural
// name or source id. The resolver turns them into destination page ids.
type Relations struct {
	ProjectID   string
	AreaNames   []string
	PersonNames []string
}

// Forward maps a Todoist task to its destination payload and relation set.
// Pure and deterministic: the same inputs always produce the same outputs.
func Forward(task *models.TodoistTask, comments []models.TodoistComment, sectionName string, opts Options) (Payload, Relations) {
	title := strings.TrimSpace(task.Content)
	empty := title == ""
	if empty {
		title = placeholderTitle
	}

	labels, areas, people := splitLabels(task.Labels, opts.EligibilityTag, opts.AreaSet)

	p := Payload{
		Title:         title,
		Priority:      PriorityName(task.Priority),
		Labels:        labels,
		Completed:     task.IsCompleted,
		TodoistTaskID: task.ID,
		TodoistURL:    task.TaskURL(),
		SectionName:   sectionName,
		Description:   task.Description,
		EmptyTitle:    empty,
	}

	if task.Due != nil {
		p.DueDate, p.DueTime, p.DueTimezone = splitDue(task.Due, opts.DefaultTimezone)
	}

	for _, c := range comments {
		p.Comments = append(p.Comments, formatComment(c))
	}

	return p, Relations{
		ProjectID:   task.ProjectID,
		AreaNames:   areas,
		PersonNames: people,
	}
}

// PriorityName maps Todoist priority (1 normal .. 4 urgent) to the
// destination select option. Higher source priority means a lower P-number.
func PriorityName(priority int) string {
	switch priority {
	case 4:
		return "P1"
	case 3:
		return "P2"
	case 2:
		return "P3"
	default:
		return "P4"
	}
}

// formatComment renders one comment line the way the page body shows it.
func formatComment(c models.TodoistComment) string {
	return "**Comment** · " + c.PostedAt.UTC().Format("2006-01-02T15:04:05Z07:00") + "\n\n" + c.Content
}

// splitDue normalizes a due date into date, optional time, and timezone.
// Naive times pick up the configured default timezone.
func splitDue(due *models.Due, defaultTZ string) (date, clock, tz string) {
	raw := due.Datetime
	if raw == "" {
		raw = due.Date
	}
	tz = due.Timezone

	if i := strings.IndexByte(raw, 'T'); i >= 0 {
		date = raw[:i]
		clock = strings.TrimSuffix(raw[i+1:], "Z")
		if strings.HasSuffix(raw, "Z") && tz == "" {
			tz = "UTC"
		}
		if tz == "" {
			tz = defaultTZ
		}
		return date, clock, tz
	}
	return raw, "", ""
}

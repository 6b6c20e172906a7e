package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncAction represents the action carried by a sync message.
type SyncAction string

const (
	ActionUpsert  SyncAction = "upsert"
	ActionArchive SyncAction = "archive"
)

// SyncSource identifies who enqueued a sync message.
type SyncSource string

const (
	SourceWebhook    SyncSource = "webhook"
	SourceReconciler SyncSource = "reconciler"
	SourceManual     SyncSource = "manual"
)

// SyncStatus represents the state of a mirrored task or project.
type SyncStatus string

const (
	StatusOK       SyncStatus = "ok"
	StatusArchived SyncStatus = "archived"
	StatusError    SyncStatus = "error"
)

// Due is a Todoist due date. Date is always set; Datetime and Timezone are
// present only for timed due dates.
type Due struct {
	Date        string `json:"date"`
	Datetime    string `json:"datetime,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	IsRecurring bool   `json:"is_recurring"`
	String      string `json:"string,omitempty"`
}

// TodoistTask is a snapshot of a Todoist item as returned by the REST API.
type TodoistTask struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Description string    `json:"description,omitempty"`
	Priority    int       `json:"priority"` // 1 (normal) .. 4 (urgent)
	Due         *Due      `json:"due,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	ProjectID   string    `json:"project_id"`
	SectionID   string    `json:"section_id,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	IsCompleted bool      `json:"is_completed"`
	CreatedAt   time.Time `json:"created_at"`
	URL         string    `json:"url,omitempty"`
}

// IsRecurring reports whether the task has a recurring due date.
func (t *TodoistTask) IsRecurring() bool {
	return t.Due != nil && t.Due.IsRecurring
}

// HasLabel reports whether the task carries the given label, with or without
// a leading "@".
func (t *TodoistTask) HasLabel(name string) bool {
	for _, l := range t.Labels {
		if l == name || l == "@"+name {
			return true
		}
	}
	return false
}

// TaskURL returns the task's Todoist URL, constructing one if the API
// omitted it.
func (t *TodoistTask) TaskURL() string {
	if t.URL != "" {
		return t.URL
	}
	return "https://todoist.com/showTask?id=" + t.ID
}

// TodoistProject is a snapshot of a Todoist project.
type TodoistProject struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Color          string `json:"color,omitempty"`
	IsInboxProject bool   `json:"is_inbox_project"`
	IsArchived     bool   `json:"is_archived"`
	IsShared       bool   `json:"is_shared"`
	URL            string `json:"url,omitempty"`
}

// ProjectURL returns the project's Todoist URL, constructing one if the API
// omitted it.
func (p *TodoistProject) ProjectURL() string {
	if p.URL != "" {
		return p.URL
	}
	return "https://todoist.com/app/project/" + p.ID
}

// TodoistSection is a section within a Todoist project.
type TodoistSection struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

// TodoistComment is a note attached to a Todoist task or project.
type TodoistComment struct {
	ID       string    `json:"id"`
	Content  string    `json:"content"`
	PostedAt time.Time `json:"posted_at"`
}

// TaskSyncState is the durable per-task sync record. Rows are never
// physically deleted; archived tasks keep their state for audit.
type TaskSyncState struct {
	TodoistTaskID string     `json:"todoist_task_id"`
	NotionPageID  string     `json:"notion_page_id,omitempty"`
	PayloadHash   string     `json:"payload_hash,omitempty"`
	EchoHash      string     `json:"echo_hash,omitempty"`
	SyncStatus    SyncStatus `json:"sync_status"`
	SyncSource    SyncSource `json:"sync_source,omitempty"`
	LastSyncedAt  time.Time  `json:"last_synced_at"`
	ErrorNote     string     `json:"error_note,omitempty"`
}

// ProjectSyncState is the durable per-project sync record. Areas relations
// are set once at creation and frozen afterwards.
type ProjectSyncState struct {
	TodoistProjectID string    `json:"todoist_project_id"`
	NotionPageID     string    `json:"notion_page_id"`
	CreatedAt        time.Time `json:"created_at"`
	NameLastWritten  string    `json:"name_last_written,omitempty"`
	EchoHash         string    `json:"echo_hash,omitempty"`
	AreasFrozenAt    time.Time `json:"areas_frozen_at,omitempty"`
	LastSyncedAt     time.Time `json:"last_synced_at"`
}

// SyncMessage is one unit of work on the sync queue.
type SyncMessage struct {
	ID       string          `json:"id,omitempty"`
	Action   SyncAction      `json:"action"`
	TaskID   string          `json:"todoist_task_id"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Source   SyncSource      `json:"source"`
	Attempt  int             `json:"attempt"`
}

// Validate checks the message has the fields every consumer relies on.
func (m *SyncMessage) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("sync message: empty todoist_task_id")
	}
	switch m.Action {
	case ActionUpsert, ActionArchive:
	default:
		return fmt.Errorf("sync message: unknown action %q", m.Action)
	}
	return nil
}

// DecodeSnapshot parses the inline task snapshot, if any.
func (m *SyncMessage) DecodeSnapshot() (*TodoistTask, error) {
	if len(m.Snapshot) == 0 {
		return nil, nil
	}
	var task TodoistTask
	if err := json.Unmarshal(m.Snapshot, &task); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if task.ID == "" {
		task.ID = m.TaskID
	}
	return &task, nil
}

// ReconcileSummary is the result of one reconciliation pass.
type ReconcileSummary struct {
	ActiveFound int     `json:"active_found"`
	Upserted    int     `json:"upserted"`
	Archived    int     `json:"archived"`
	Errors      int     `json:"errors"`
	DurationS   float64 `json:"duration_s"`
}

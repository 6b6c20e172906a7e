package todoist

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/models"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/rest"
)

const defaultBaseURL = "https://api.todoist.com/rest/v2"

// Client is a narrow façade over the Todoist REST API. It hides wire shapes
// and pagination and returns typed domain records.
type Client struct {
	rest *rest.Client
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
}

// New creates a Todoist client.
func New(opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	token := opts.Token
	return &Client{
		rest: rest.NewClient(rest.Options{
			BaseURL:    baseURL,
			Timeout:    opts.Timeout,
			MaxRetries: opts.MaxRetries,
			BaseDelay:  opts.BaseDelay,
			RatePerSec: 7, // Todoist allows ~450 requests/minute
			Burst:      15,
			Prepare: func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer "+token)
			},
		}),
	}
}

// Item bundles a task with its project and comments, fetched together so the
// engine sees one consistent snapshot.
type Item struct {
	Task        *models.TodoistTask
	Project     *models.TodoistProject
	Comments    []models.TodoistComment
	SectionName string
}

// FetchItem retrieves a task plus its project, comments, and section name.
// A not-found task surfaces as a rest.Error with KindNotFound.
func (c *Client) FetchItem(ctx context.Context, taskID string) (*Item, error) {
	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	project, err := c.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("fetch project %s for task %s: %w", task.ProjectID, taskID, err)
	}

	comments, err := c.GetComments(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("fetch comments for task %s: %w", taskID, err)
	}

	item := &Item{Task: task, Project: project, Comments: comments}

	if task.SectionID != "" {
		section, err := c.GetSection(ctx, task.SectionID)
		if err != nil {
			// A stale section id should not block the sync.
			slog.Warn("fetch section failed", "section_id", task.SectionID, "task_id", taskID, "err", err)
		} else {
			item.SectionName = section.Name
		}
	}

	return item, nil
}

// GetTask retrieves a single task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*models.TodoistTask, error) {
	var task models.TodoistTask
	if err := c.rest.DoJSON(ctx, http.MethodGet, "/tasks/"+taskID, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetProject retrieves a single project.
func (c *Client) GetProject(ctx context.Context, projectID string) (*models.TodoistProject, error) {
	var project models.TodoistProject
	if err := c.rest.DoJSON(ctx, http.MethodGet, "/projects/"+projectID, nil, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// GetSection retrieves a single section.
func (c *Client) GetSection(ctx context.Context, sectionID string) (*models.TodoistSection, error) {
	var section models.TodoistSection
	if err := c.rest.DoJSON(ctx, http.MethodGet, "/sections/"+sectionID, nil, &section); err != nil {
		return nil, err
	}
	return &section, nil
}

// GetComments retrieves all comments on a task, oldest first.
func (c *Client) GetComments(ctx context.Context, taskID string) ([]models.TodoistComment, error) {
	var comments []models.TodoistComment
	path := "/comments?task_id=" + url.QueryEscape(taskID)
	if err := c.rest.DoJSON(ctx, http.MethodGet, path, nil, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

// ListTagged returns every task carrying the given label, including
// completed ones. Pagination cursors stay inside the adapter.
func (c *Client) ListTagged(ctx context.Context, tag string) ([]models.TodoistTask, error) {
	var active []models.TodoistTask
	path := "/tasks?label=" + url.QueryEscape(tag)
	if err := c.rest.DoJSON(ctx, http.MethodGet, path, nil, &active); err != nil {
		return nil, err
	}

	completed, err := c.listCompletedTagged(ctx, tag)
	if err != nil {
		return nil, err
	}

	return append(active, completed...), nil
}

// completedPage is one page of the completed-tasks endpoint.
type completedPage struct {
	Items      []models.TodoistTask `json:"items"`
	NextCursor string               `json:"next_cursor"`
}

func (c *Client) listCompletedTagged(ctx context.Context, tag string) ([]models.TodoistTask, error) {
	var all []models.TodoistTask
	cursor := ""
	for {
		path := "/tasks/completed?label=" + url.QueryEscape(tag)
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		var page completedPage
		if err := c.rest.DoJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		for i := range page.Items {
			page.Items[i].IsCompleted = true
		}
		all = append(all, page.Items...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// AddTag adds a label to a task if not already present and returns the
// resulting label set. Idempotent.
func (c *Client) AddTag(ctx context.Context, taskID, tag string) ([]string, error) {
	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.HasLabel(tag) {
		return task.Labels, nil
	}
	labels := append(append([]string(nil), task.Labels...), tag)
	if err := c.updateTask(ctx, taskID, map[string]any{"labels": labels}); err != nil {
		return nil, err
	}
	return labels, nil
}

// RemoveTag removes a label from a task and returns the resulting label
// set. Idempotent.
func (c *Client) RemoveTag(ctx context.Context, taskID, tag string) ([]string, error) {
	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var labels []string
	removed := false
	for _, l := range task.Labels {
		if l == tag || l == "@"+tag {
			removed = true
			continue
		}
		labels = append(labels, l)
	}
	if !removed {
		return task.Labels, nil
	}
	if labels == nil {
		labels = []string{}
	}
	if err := c.updateTask(ctx, taskID, map[string]any{"labels": labels}); err != nil {
		return nil, err
	}
	return labels, nil
}

// SetDescription replaces a task's description.
func (c *Client) SetDescription(ctx context.Context, taskID, text string) error {
	return c.updateTask(ctx, taskID, map[string]any{"description": text})
}

func (c *Client) updateTask(ctx context.Context, taskID string, fields map[string]any) error {
	return c.rest.DoJSON(ctx, http.MethodPost, "/tasks/"+taskID, fields, nil)
}

// AddProjectComment appends a comment to a project.
func (c *Client) AddProjectComment(ctx context.Context, projectID, text string) error {
	body := map[string]any{"project_id": projectID, "content": text}
	return c.rest.DoJSON(ctx, http.MethodPost, "/comments", body, nil)
}

// RenameProject sets a project's name.
func (c *Client) RenameProject(ctx context.Context, projectID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("rename project %s: empty name", projectID)
	}
	return c.rest.DoJSON(ctx, http.MethodPost, "/projects/"+projectID, map[string]any{"name": name}, nil)
}

// ArchiveProject archives a project at the source.
func (c *Client) ArchiveProject(ctx context.Context, projectID string) error {
	return c.rest.DoJSON(ctx, http.MethodPost, "/projects/"+projectID+"/archive", nil, nil)
}

// UnarchiveProject restores an archived project at the source.
func (c *Client) UnarchiveProject(ctx context.Context, projectID string) error {
	return c.rest.DoJSON(ctx, http.MethodPost, "/projects/"+projectID+"/unarchive", nil, nil)
}

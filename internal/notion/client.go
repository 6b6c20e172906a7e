package notion

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/rest"
)

const (
	defaultBaseURL = "https://api.notion.com/v1"
	apiVersion     = "2022-06-28"
)

// Database ids the client writes to. Areas and People may be empty, in
// which case the corresponding lookups return no match.
type Databases struct {
	Tasks    string
	Projects string
	Areas    string
	People   string
}

// Client is a narrow façade over the Notion API.
type Client struct {
	rest *rest.Client
	dbs  Databases
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	Databases  Databases
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
}

// New creates a Notion client.
func New(opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	token := opts.Token
	return &Client{
		dbs: opts.Databases,
		rest: rest.NewClient(rest.Options{
			BaseURL:    baseURL,
			Timeout:    opts.Timeout,
			MaxRetries: opts.MaxRetries,
			BaseDelay:  opts.BaseDelay,
			RatePerSec: 3, // Notion allows ~3 requests/second
			Burst:      6,
			Prepare: func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer "+token)
				req.Header.Set("Notion-Version", apiVersion)
			},
		}),
	}
}

type queryResponse struct {
	Results    []Page `json:"results"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

// FindTaskByTodoistID looks up a task page by its Todoist task id. Returns
// nil when no page matches.
func (c *Client) FindTaskByTodoistID(ctx context.Context, todoistTaskID string) (*Page, error) {
	return c.findByRichText(ctx, c.dbs.Tasks, "Todoist Task ID", todoistTaskID)
}

// FindProjectByTodoistID looks up a project page by its Todoist project id.
func (c *Client) FindProjectByTodoistID(ctx context.Context, todoistProjectID string) (*Page, error) {
	return c.findByRichText(ctx, c.dbs.Projects, "Todoist Project ID", todoistProjectID)
}

func (c *Client) findByRichText(ctx context.Context, databaseID, property, value string) (*Page, error) {
	body := map[string]any{
		"filter": map[string]any{
			"property":  property,
			"rich_text": map[string]any{"equals": value},
		},
	}
	var resp queryResponse
	if err := c.rest.DoJSON(ctx, http.MethodPost, "/databases/"+databaseID+"/query", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &resp.Results[0], nil
}

// FindAllTasksByTodoistID returns every task page holding the given Todoist
// id, oldest first. More than one result means a duplicate the engine must
// canonicalize.
func (c *Client) FindAllTasksByTodoistID(ctx context.Context, todoistTaskID string) ([]Page, error) {
	body := map[string]any{
		"filter": map[string]any{
			"property":  "Todoist Task ID",
			"rich_text": map[string]any{"equals": todoistTaskID},
		},
		"sorts": []any{map[string]any{"timestamp": "created_time", "direction": "ascending"}},
	}
	var resp queryResponse
	if err := c.rest.DoJSON(ctx, http.MethodPost, "/databases/"+c.dbs.Tasks+"/query", body, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// FindAreaByName looks up an area page by exact title. Returns nil when the
// areas database is unconfigured or no page matches. Areas are never
// created here.
func (c *Client) FindAreaByName(ctx context.Context, name string) (*Page, error) {
	if c.dbs.Areas == "" {
		return nil, nil
	}
	body := map[string]any{
		"filter": map[string]any{
			"property": "Name",
			"title":    map[string]any{"equals": name},
		},
	}
	var resp queryResponse
	if err := c.rest.DoJSON(ctx, http.MethodPost, "/databases/"+c.dbs.Areas+"/query", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &resp.Results[0], nil
}

// ListPeople returns every page in the people database. Returns nil when
// the database is unconfigured. Pagination stays inside the adapter.
func (c *Client) ListPeople(ctx context.Context) ([]Page, error) {
	if c.dbs.People == "" {
		return nil, nil
	}
	var all []Page
	cursor := ""
	for {
		body := map[string]any{"page_size": 100}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		var resp queryResponse
		if err := c.rest.DoJSON(ctx, http.MethodPost, "/databases/"+c.dbs.People+"/query", body, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Results...)
		if !resp.HasMore || resp.NextCursor == "" {
			return all, nil
		}
		cursor = resp.NextCursor
	}
}

// CreateTaskPage creates a task page with the given properties and body
// blocks.
func (c *Client) CreateTaskPage(ctx context.Context, props Properties, blocks []Block) (*Page, error) {
	return c.createPage(ctx, c.dbs.Tasks, props, blocks)
}

// CreateProjectPage creates a project page.
func (c *Client) CreateProjectPage(ctx context.Context, props Properties) (*Page, error) {
	return c.createPage(ctx, c.dbs.Projects, props, nil)
}

func (c *Client) createPage(ctx context.Context, databaseID string, props Properties, blocks []Block) (*Page, error) {
	body := map[string]any{
		"parent":     map[string]any{"database_id": databaseID},
		"properties": props.wire(),
	}
	if len(blocks) > 0 {
		children := make([]any, 0, len(blocks))
		for _, b := range blocks {
			children = append(children, b.wire())
		}
		body["children"] = children
	}
	var page Page
	if err := c.rest.DoJSON(ctx, http.MethodPost, "/pages", body, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// UpdatePage patches a page's properties.
func (c *Client) UpdatePage(ctx context.Context, pageID string, props Properties) (*Page, error) {
	body := map[string]any{"properties": props.wire()}
	var page Page
	if err := c.rest.DoJSON(ctx, http.MethodPatch, "/pages/"+pageID, body, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ArchivePage archives a page.
func (c *Client) ArchivePage(ctx context.Context, pageID string) error {
	return c.setArchived(ctx, pageID, true)
}

// UnarchivePage restores an archived page.
func (c *Client) UnarchivePage(ctx context.Context, pageID string) error {
	return c.setArchived(ctx, pageID, false)
}

func (c *Client) setArchived(ctx context.Context, pageID string, archived bool) error {
	body := map[string]any{"archived": archived}
	return c.rest.DoJSON(ctx, http.MethodPatch, "/pages/"+pageID, body, nil)
}

// GetPage retrieves a page by id.
func (c *Client) GetPage(ctx context.Context, pageID string) (*Page, error) {
	var page Page
	if err := c.rest.DoJSON(ctx, http.MethodGet, "/pages/"+pageID, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// AppendBlocks appends body blocks to a page.
func (c *Client) AppendBlocks(ctx context.Context, pageID string, blocks []Block) error {
	if len(blocks) == 0 {
		return nil
	}
	children := make([]any, 0, len(blocks))
	for _, b := range blocks {
		children = append(children, b.wire())
	}
	body := map[string]any{"children": children}
	return c.rest.DoJSON(ctx, http.MethodPatch, "/blocks/"+pageID+"/children", body, nil)
}

// Validate checks the database ids required for task sync are configured.
func (d Databases) Validate() error {
	if d.Tasks == "" {
		return fmt.Errorf("notion: tasks database id is required")
	}
	if d.Projects == "" {
		return fmt.Errorf("notion: projects database id is required")
	}
	return nil
}

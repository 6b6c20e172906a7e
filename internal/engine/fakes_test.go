package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/config"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/models"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/notion"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/queue"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/resolver"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/rest"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/store"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/todoist"
)

func notFound(op string) error {
	return &rest.Error{Kind: rest.KindNotFound, Status: 404, Op: op}
}

// fakeSource is an in-memory Source.
type fakeSource struct {
	mu              sync.Mutex
	tasks           map[string]*models.TodoistTask
	projects        map[string]*models.TodoistProject
	comments        map[string][]models.TodoistComment
	sections        map[string]*models.TodoistSection
	descriptions    map[string]string
	projectComments map[string][]string
	renames         map[string]string
	addTagCalls     atomic.Int32
	removeTagCalls  atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		tasks:           make(map[string]*models.TodoistTask),
		projects:        make(map[string]*models.TodoistProject),
		comments:        make(map[string][]models.TodoistComment),
		sections:        make(map[string]*models.TodoistSection),
		descriptions:    make(map[string]string),
		projectComments: make(map[string][]string),
		renames:         make(map[string]string),
	}
}

func (f *fakeSource) FetchItem(ctx context.Context, taskID string) (*todoist.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, notFound("GET /tasks/" + taskID)
	}
	project, ok := f.projects[task.ProjectID]
	if !ok {
		return nil, notFound("GET /projects/" + task.ProjectID)
	}
	taskCopy := *task
	projCopy := *project
	item := &todoist.Item{Task: &taskCopy, Project: &projCopy, Comments: f.comments[taskID]}
	if task.SectionID != "" {
		if s, ok := f.sections[task.SectionID]; ok {
			item.SectionName = s.Name
		}
	}
	return item, nil
}

func (f *fakeSource) GetProject(ctx context.Context, projectID string) (*models.TodoistProject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[projectID]
	if !ok {
		return nil, notFound("GET /projects/" + projectID)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeSource) GetSection(ctx context.Context, sectionID string) (*models.TodoistSection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sections[sectionID]
	if !ok {
		return nil, notFound("GET /sections/" + sectionID)
	}
	return s, nil
}

func (f *fakeSource) GetComments(ctx context.Context, taskID string) ([]models.TodoistComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.comments[taskID], nil
}

func (f *fakeSource) ListTagged(ctx context.Context, tag string) ([]models.TodoistTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.TodoistTask
	for _, t := range f.tasks {
		if t.HasLabel(tag) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeSource) AddTag(ctx context.Context, taskID, tag string) ([]string, error) {
	f.addTagCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, notFound("GET /tasks/" + taskID)
	}
	if !t.HasLabel(tag) {
		t.Labels = append(t.Labels, tag)
	}
	return t.Labels, nil
}

func (f *fakeSource) RemoveTag(ctx context.Context, taskID, tag string) ([]string, error) {
	f.removeTagCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, notFound("GET /tasks/" + taskID)
	}
	var labels []string
	for _, l := range t.Labels {
		if l != tag && l != "@"+tag {
			labels = append(labels, l)
		}
	}
	t.Labels = labels
	return labels, nil
}

func (f *fakeSource) SetDescription(ctx context.Context, taskID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[taskID]; ok {
		t.Description = text
	}
	f.descriptions[taskID] = text
	return nil
}

func (f *fakeSource) AddProjectComment(ctx context.Context, projectID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projectComments[projectID] = append(f.projectComments[projectID], text)
	return nil
}

func (f *fakeSource) RenameProject(ctx context.Context, projectID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[projectID]
	if !ok {
		return notFound("POST /projects/" + projectID)
	}
	p.Name = name
	f.renames[projectID] = name
	return nil
}

func (f *fakeSource) ArchiveProject(ctx context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.projects[projectID]; ok {
		p.IsArchived = true
	}
	return nil
}

func (f *fakeSource) UnarchiveProject(ctx context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.projects[projectID]; ok {
		p.IsArchived = false
	}
	return nil
}

// fakePage is one stored destination page.
type fakePage struct {
	id        string
	todoistID string
	props     notion.Properties
	blocks    []notion.Block
	appended  []notion.Block
	archived  bool
	project   bool
}

// fakeDest is an in-memory Destination (and resolver.Destination).
type fakeDest struct {
	mu                 sync.Mutex
	nextID             int
	pages              map[string]*fakePage
	order              []string
	rawPages           map[string]*notion.Page // injected for GetPage
	areas              map[string]string
	people             []notion.Page
	createTaskCalls    atomic.Int32
	createProjectCalls atomic.Int32
	updateCalls        atomic.Int32
}

func newFakeDest() *fakeDest {
	return &fakeDest{
		pages:    make(map[string]*fakePage),
		rawPages: make(map[string]*notion.Page),
		areas:    make(map[string]string),
	}
}

func (f *fakeDest) newPage(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func richTextValue(props notion.Properties, name string) string {
	if v, ok := props[name].(notion.RichText); ok {
		return string(v)
	}
	return ""
}

func (f *fakeDest) FindTaskByTodoistID(ctx context.Context, todoistTaskID string) (*notion.Page, error) {
	pages, err := f.FindAllTasksByTodoistID(ctx, todoistTaskID)
	if err != nil || len(pages) == 0 {
		return nil, err
	}
	return &pages[0], nil
}

func (f *fakeDest) FindAllTasksByTodoistID(ctx context.Context, todoistTaskID string) ([]notion.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notion.Page
	for _, id := range f.order {
		p := f.pages[id]
		if !p.project && p.todoistID == todoistTaskID && !p.archived {
			out = append(out, notion.Page{ID: p.id, URL: notion.PageURL(p.id)})
		}
	}
	return out, nil
}

func (f *fakeDest) FindProjectByTodoistID(ctx context.Context, todoistProjectID string) (*notion.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.order {
		p := f.pages[id]
		if p.project && p.todoistID == todoistProjectID && !p.archived {
			return &notion.Page{ID: p.id, URL: notion.PageURL(p.id)}, nil
		}
	}
	return nil, nil
}

func (f *fakeDest) CreateTaskPage(ctx context.Context, props notion.Properties, blocks []notion.Block) (*notion.Page, error) {
	f.createTaskCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newPage("task-page")
	f.pages[id] = &fakePage{id: id, todoistID: richTextValue(props, "Todoist Task ID"), props: props, blocks: blocks}
	f.order = append(f.order, id)
	return &notion.Page{ID: id, URL: notion.PageURL(id)}, nil
}

func (f *fakeDest) CreateProjectPage(ctx context.Context, props notion.Properties) (*notion.Page, error) {
	f.createProjectCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newPage("project-page")
	f.pages[id] = &fakePage{id: id, todoistID: richTextValue(props, "Todoist Project ID"), props: props, project: true}
	f.order = append(f.order, id)
	return &notion.Page{ID: id, URL: notion.PageURL(id)}, nil
}

func (f *fakeDest) UpdatePage(ctx context.Context, pageID string, props notion.Properties) (*notion.Page, error) {
	f.updateCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[pageID]
	if !ok {
		if _, injected := f.rawPages[pageID]; injected {
			return &notion.Page{ID: pageID}, nil
		}
		return nil, notFound("PATCH /pages/" + pageID)
	}
	if p.props == nil {
		p.props = make(notion.Properties)
	}
	for k, v := range props {
		p.props[k] = v
	}
	return &notion.Page{ID: pageID, URL: notion.PageURL(pageID)}, nil
}

func (f *fakeDest) ArchivePage(ctx context.Context, pageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pages[pageID]; ok {
		p.archived = true
		return nil
	}
	return notFound("PATCH /pages/" + pageID)
}

func (f *fakeDest) UnarchivePage(ctx context.Context, pageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pages[pageID]; ok {
		p.archived = false
		return nil
	}
	return notFound("PATCH /pages/" + pageID)
}

func (f *fakeDest) GetPage(ctx context.Context, pageID string) (*notion.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if raw, ok := f.rawPages[pageID]; ok {
		return raw, nil
	}
	if p, ok := f.pages[pageID]; ok {
		return &notion.Page{ID: p.id, Archived: p.archived, URL: notion.PageURL(p.id)}, nil
	}
	return nil, notFound("GET /pages/" + pageID)
}

func (f *fakeDest) AppendBlocks(ctx context.Context, pageID string, blocks []notion.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[pageID]
	if !ok {
		return notFound("PATCH /blocks/" + pageID)
	}
	p.appended = append(p.appended, blocks...)
	return nil
}

func (f *fakeDest) FindAreaByName(ctx context.Context, name string) (*notion.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.areas[name]
	if !ok {
		return nil, nil
	}
	return &notion.Page{ID: id}, nil
}

func (f *fakeDest) ListPeople(ctx context.Context) ([]notion.Page, error) {
	return f.people, nil
}

func (f *fakeDest) page(t *testing.T, id string) *fakePage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[id]
	if !ok {
		t.Fatalf("no page %s", id)
	}
	return p
}

// testRig bundles an engine with all of its fakes.
type testRig struct {
	engine *Engine
	source *fakeSource
	dest   *fakeDest
	store  *store.Store
	queue  *queue.Memory
	cfg    config.Config
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// One connection: a pooled :memory: DSN would open independent databases.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	st, err := store.NewWithDB(db, "test-ns", false)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}

	cfg := config.Default()
	cfg.RetryMax = 2
	cfg.WorkerConcurrency = 4
	cfg.ReconcileInterval = 0

	source := newFakeSource()
	dest := newFakeDest()
	q := queue.NewMemory(cfg.RetryMax + 1)
	res := resolver.New(dest, st)

	return &testRig{
		engine: New(cfg, source, dest, st, q, res),
		source: source,
		dest:   dest,
		store:  st,
		queue:  q,
		cfg:    cfg,
	}
}

func (r *testRig) addProject(id, name string, inbox bool) {
	r.source.projects[id] = &models.TodoistProject{ID: id, Name: name, IsInboxProject: inbox}
}

func (r *testRig) addTask(task *models.TodoistTask) {
	r.source.tasks[task.ID] = task
}

func upsert(taskID string) models.SyncMessage {
	return models.SyncMessage{Action: models.ActionUpsert, TaskID: taskID, Source: models.SourceManual}
}

func archive(taskID string) models.SyncMessage {
	return models.SyncMessage{Action: models.ActionArchive, TaskID: taskID, Source: models.SourceManual}
}

func mustState(t *testing.T, r *testRig, taskID string) *models.TaskSyncState {
	t.Helper()
	st, err := r.store.GetTaskState(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get state %s: %v", taskID, err)
	}
	if st == nil {
		t.Fatalf("no state for %s", taskID)
	}
	return st
}

func relationIDs(t *testing.T, props notion.Properties, name string) []string {
	t.Helper()
	v, ok := props[name].(notion.Relation)
	if !ok {
		return nil
	}
	return []string(v)
}

func snapshotOf(t *testing.T, task *models.TodoistTask) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	return data
}

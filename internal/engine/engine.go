package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/config"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/models"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/notion"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/queue"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/resolver"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/todoist"
)

// Source is the slice of the Todoist adapter the engine consumes.
type Source interface {
	FetchItem(ctx context.Context, taskID string) (*todoist.Item, error)
	GetProject(ctx context.Context, projectID string) (*models.TodoistProject, error)
	GetSection(ctx context.Context, sectionID string) (*models.TodoistSection, error)
	GetComments(ctx context.Context, taskID string) ([]models.TodoistComment, error)
	ListTagged(ctx context.Context, tag string) ([]models.TodoistTask, error)
	AddTag(ctx context.Context, taskID, tag string) ([]string, error)
	RemoveTag(ctx context.Context, taskID, tag string) ([]string, error)
	SetDescription(ctx context.Context, taskID, text string) error
	AddProjectComment(ctx context.Context, projectID, text string) error
	RenameProject(ctx context.Context, projectID, name string) error
	ArchiveProject(ctx context.Context, projectID string) error
	UnarchiveProject(ctx context.Context, projectID string) error
}

// Destination is the slice of the Notion adapter the engine consumes.
type Destination interface {
	FindTaskByTodoistID(ctx context.Context, todoistTaskID string) (*notion.Page, error)
	FindAllTasksByTodoistID(ctx context.Context, todoistTaskID string) ([]notion.Page, error)
	FindProjectByTodoistID(ctx context.Context, todoistProjectID string) (*notion.Page, error)
	CreateTaskPage(ctx context.Context, props notion.Properties, blocks []notion.Block) (*notion.Page, error)
	CreateProjectPage(ctx context.Context, props notion.Properties) (*notion.Page, error)
	UpdatePage(ctx context.Context, pageID string, props notion.Properties) (*notion.Page, error)
	ArchivePage(ctx context.Context, pageID string) error
	UnarchivePage(ctx context.Context, pageID string) error
	GetPage(ctx context.Context, pageID string) (*notion.Page, error)
	AppendBlocks(ctx context.Context, pageID string, blocks []notion.Block) error
}

// StateStore is the durable sync state the engine owns.
type StateStore interface {
	GetTaskState(ctx context.Context, taskID string) (*models.TaskSyncState, error)
	UpdateTaskState(ctx context.Context, taskID string, mutate func(*models.TaskSyncState) error) error
	ListTaskStates(ctx context.Context, status models.SyncStatus) ([]models.TaskSyncState, error)
	GetProjectState(ctx context.Context, projectID string) (*models.ProjectSyncState, error)
	UpdateProjectState(ctx context.Context, projectID string, mutate func(*models.ProjectSyncState) error) error
	ListProjectStates(ctx context.Context) ([]models.ProjectSyncState, error)
}

// Queue is the durable message queue feeding the worker pool.
type Queue interface {
	Enqueue(ctx context.Context, msg models.SyncMessage) error
	Dequeue(ctx context.Context) (*queue.Delivery, error)
	Ack(ctx context.Context, receipt int64) error
	Nack(ctx context.Context, receipt int64) error
	Pending(ctx context.Context) (int, error)
}

// Counters are the engine's in-memory metrics, read by the metrics
// endpoint.
type Counters struct {
	Upserts     atomic.Int64
	Archives    atomic.Int64
	Skips       atomic.Int64
	Orphans     atomic.Int64
	Errors      atomic.Int64
	Truncations atomic.Int64
	Reconciles  atomic.Int64
}

// Engine is the sync orchestration core: it consumes sync messages,
// mirrors eligible tasks into the destination, and hosts the periodic
// reconciler.
type Engine struct {
	cfg      config.Config
	source   Source
	dest     Destination
	store    StateStore
	queue    Queue
	resolver *resolver.Resolver

	locks    *taskLocks
	counters Counters
	degraded atomic.Bool

	areaSet map[string]bool
}

// New wires an Engine from its collaborators.
func New(cfg config.Config, source Source, dest Destination, store StateStore, q Queue, res *resolver.Resolver) *Engine {
	return &Engine{
		cfg:      cfg,
		source:   source,
		dest:     dest,
		store:    store,
		queue:    q,
		resolver: res,
		locks:    newTaskLocks(),
		areaSet:  cfg.AreaSet(),
	}
}

// Counters exposes the engine's metric counters.
func (e *Engine) Counters() *Counters { return &e.counters }

// Degraded reports whether the engine has hit an upstream auth failure.
func (e *Engine) Degraded() bool { return e.degraded.Load() }

// Enqueue puts a message on the sync queue.
func (e *Engine) Enqueue(ctx context.Context, msg models.SyncMessage) error {
	return e.queue.Enqueue(ctx, msg)
}

// QueueDepth reports how many messages are waiting or in flight.
func (e *Engine) QueueDepth(ctx context.Context) (int, error) {
	return e.queue.Pending(ctx)
}

// Run starts the worker pool and the periodic reconciler and blocks until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.WorkerConcurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e.workerLoop(ctx, n)
		}(i)
	}

	if e.cfg.ReconcileInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.reconcileLoop(ctx)
		}()
	}

	wg.Wait()
}

// taskLocks serializes message processing per source task id.
type taskLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTaskLocks() *taskLocks {
	return &taskLocks{locks: make(map[string]*sync.Mutex)}
}

func (t *taskLocks) acquire(taskID string) func() {
	t.mu.Lock()
	m, ok := t.locks[taskID]
	if !ok {
		m = &sync.Mutex{}
		t.locks[taskID] = m
	}
	t.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// nowUTC is stubbed in tests.
var nowUTC = func() time.Time { return time.Now().UTC() }

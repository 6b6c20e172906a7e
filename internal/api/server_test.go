package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/config"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/engine"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/models"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/notion"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/queue"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/resolver"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/store"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/todoist"
)

// stubSource satisfies engine.Source with empty results; these tests
// exercise HTTP intake, not the worker.
type stubSource struct{}

func (stubSource) FetchItem(ctx context.Context, taskID string) (*todoist.Item, error) {
	return nil, nil
}
func (stubSource) GetProject(ctx context.Context, projectID string) (*models.TodoistProject, error) {
	return nil, nil
}
func (stubSource) GetSection(ctx context.Context, sectionID string) (*models.TodoistSection, error) {
	return nil, nil
}
func (stubSource) GetComments(ctx context.Context, taskID string) ([]models.TodoistComment, error) {
	return nil, nil
}
func (stubSource) ListTagged(ctx context.Context, tag string) ([]models.TodoistTask, error) {
	return nil, nil
}
func (stubSource) AddTag(ctx context.Context, taskID, tag string) ([]string, error) {
	return nil, nil
}
func (stubSource) RemoveTag(ctx context.Context, taskID, tag string) ([]string, error) {
	return nil, nil
}
func (stubSource) SetDescription(ctx context.Context, taskID, text string) error      { return nil }
func (stubSource) AddProjectComment(ctx context.Context, projectID, text string) error { return nil }
func (stubSource) RenameProject(ctx context.Context, projectID, name string) error     { return nil }
func (stubSource) ArchiveProject(ctx context.Context, projectID string) error          { return nil }
func (stubSource) UnarchiveProject(ctx context.Context, projectID string) error        { return nil }

type stubDest struct{}

func (stubDest) FindTaskByTodoistID(ctx context.Context, id string) (*notion.Page, error) {
	return nil, nil
}
func (stubDest) FindAllTasksByTodoistID(ctx context.Context, id string) ([]notion.Page, error) {
	return nil, nil
}
func (stubDest) FindProjectByTodoistID(ctx context.Context, id string) (*notion.Page, error) {
	return nil, nil
}
func (stubDest) CreateTaskPage(ctx context.Context, props notion.Properties, blocks []notion.Block) (*notion.Page, error) {
	return &notion.Page{ID: "stub"}, nil
}
func (stubDest) CreateProjectPage(ctx context.Context, props notion.Properties) (*notion.Page, error) {
	return &notion.Page{ID: "stub"}, nil
}
func (stubDest) UpdatePage(ctx context.Context, pageID string, props notion.Properties) (*notion.Page, error) {
	return &notion.Page{ID: pageID}, nil
}
func (stubDest) ArchivePage(ctx context.Context, pageID string) error   { return nil }
func (stubDest) UnarchivePage(ctx context.Context, pageID string) error { return nil }
func (stubDest) GetPage(ctx context.Context, pageID string) (*notion.Page, error) {
	return &notion.Page{ID: pageID}, nil
}
func (stubDest) AppendBlocks(ctx context.Context, pageID string, blocks []notion.Block) error {
	return nil
}
func (stubDest) FindAreaByName(ctx context.Context, name string) (*notion.Page, error) {
	return nil, nil
}
func (stubDest) ListPeople(ctx context.Context) ([]notion.Page, error) { return nil, nil }

func newTestServer(t *testing.T, cfg config.Config) (*Server, *queue.Memory) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	st, err := store.NewWithDB(db, "test-ns", false)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}

	q := queue.NewMemory(3)
	dest := stubDest{}
	eng := engine.New(cfg, stubSource{}, dest, st, q, resolver.New(dest, st))
	return NewServer(cfg, eng), q
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func webhookBody(t *testing.T, eventName, taskID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event_name": eventName,
		"user_id":    "u1",
		"event_data": map[string]any{
			"id": taskID, "content": "Buy gloves", "project_id": "P7",
			"labels": []string{"capsync"},
		},
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func TestWebhookAcceptsSignedEvent(t *testing.T) {
	cfg := config.Default()
	cfg.WebhookSecret = "shh"
	srv, q := newTestServer(t, cfg)

	body := webhookBody(t, "item:updated", "A1")
	req := httptest.NewRequest(http.MethodPost, "/todoist/webhook", bytes.NewReader(body))
	req.Header.Set("X-Todoist-Hmac-SHA256", sign("shh", body))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "queued" || resp["task_id"] != "A1" {
		t.Errorf("response: %v", resp)
	}

	d, err := q.Dequeue(context.Background())
	if err != nil || d == nil {
		t.Fatalf("dequeue: %v", err)
	}
	if d.Message.Action != models.ActionUpsert || d.Message.TaskID != "A1" {
		t.Errorf("message: %+v", d.Message)
	}
	if d.Message.Source != models.SourceWebhook {
		t.Errorf("source: got %s", d.Message.Source)
	}
	if len(d.Message.Snapshot) == 0 {
		t.Error("snapshot not carried from webhook payload")
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	cfg := config.Default()
	cfg.WebhookSecret = "shh"
	srv, q := newTestServer(t, cfg)

	body := webhookBody(t, "item:updated", "A1")
	req := httptest.NewRequest(http.MethodPost, "/todoist/webhook", bytes.NewReader(body))
	req.Header.Set("X-Todoist-Hmac-SHA256", sign("wrong-secret", body))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d", rec.Code)
	}
	if pending, _ := q.Pending(context.Background()); pending != 0 {
		t.Error("unsigned event reached the queue")
	}
}

func TestWebhookEventMapping(t *testing.T) {
	tests := []struct {
		event      string
		wantAction models.SyncAction
		ignored    bool
	}{
		{"item:added", models.ActionUpsert, false},
		{"item:updated", models.ActionUpsert, false},
		{"item:completed", models.ActionUpsert, false},
		{"item:uncompleted", models.ActionUpsert, false},
		{"note:added", models.ActionUpsert, false},
		{"note:updated", models.ActionUpsert, false},
		{"item:deleted", models.ActionArchive, false},
		{"project:added", "", true},
		{"reminder:fired", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			cfg := config.Default()
			srv, q := newTestServer(t, cfg)

			body := webhookBody(t, tt.event, "A1")
			req := httptest.NewRequest(http.MethodPost, "/todoist/webhook", bytes.NewReader(body))
			rec := httptest.NewRecorder()
			srv.routes().ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status: got %d", rec.Code)
			}
			d, _ := q.Dequeue(context.Background())
			if tt.ignored {
				if d != nil {
					t.Errorf("ignored event enqueued: %+v", d.Message)
				}
				return
			}
			if d == nil {
				t.Fatal("event not enqueued")
			}
			if d.Message.Action != tt.wantAction {
				t.Errorf("action: got %s, want %s", d.Message.Action, tt.wantAction)
			}
		})
	}
}

func TestWebhookIgnoresMissingTaskID(t *testing.T) {
	cfg := config.Default()
	srv, q := newTestServer(t, cfg)

	body, _ := json.Marshal(map[string]any{
		"event_name": "item:updated",
		"event_data": map[string]any{"content": "no id"},
	})
	req := httptest.NewRequest(http.MethodPost, "/todoist/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if pending, _ := q.Pending(context.Background()); pending != 0 {
		t.Error("id-less event enqueued")
	}
}

func TestReconcileRequiresToken(t *testing.T) {
	cfg := config.Default()
	cfg.ReconcileToken = "cron-token"
	srv, _ := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/reconcile", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/reconcile", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/reconcile", nil)
	req.Header.Set("Authorization", "Bearer cron-token")
	rec = httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: got %d, body %s", rec.Code, rec.Body.String())
	}

	var summary models.ReconcileSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("summary decode: %v", err)
	}
}

func TestQueuePushUnwrapsMessage(t *testing.T) {
	cfg := config.Default()
	cfg.ReconcileToken = "cron-token"
	srv, q := newTestServer(t, cfg)

	inner, _ := json.Marshal(models.SyncMessage{
		Action: models.ActionUpsert,
		TaskID: "A1",
		Source: models.SourceManual,
	})
	body, _ := json.Marshal(map[string]any{
		"message": map[string]any{"data": inner, "message_id": "m1"},
	})

	req := httptest.NewRequest(http.MethodPost, "/queue/push", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer cron-token")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}
	d, err := q.Dequeue(context.Background())
	if err != nil || d == nil {
		t.Fatalf("dequeue: %v", err)
	}
	if d.Message.TaskID != "A1" || d.Message.Action != models.ActionUpsert {
		t.Errorf("message: %+v", d.Message)
	}
}

func TestQueuePushRejectsGarbage(t *testing.T) {
	cfg := config.Default()
	cfg.ReconcileToken = "cron-token"
	srv, q := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/queue/push", bytes.NewReader([]byte(`{"message":{"data":"bm90IGpzb24="}}`)))
	req.Header.Set("Authorization", "Bearer cron-token")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d", rec.Code)
	}
	if pending, _ := q.Pending(context.Background()); pending != 0 {
		t.Error("garbage envelope enqueued")
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, config.Default())

	for _, path := range []string{"/health", "/healthz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.routes().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status: got %d", path, rec.Code)
		}
		var resp map[string]string
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp["status"] != "healthy" {
			t.Errorf("%s body: %v", path, resp)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, config.Default())

	req := httptest.NewRequest(http.MethodGet, "/metricz", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var snap MetricsSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestWebhookRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimitWebhook = 2
	srv, _ := newTestServer(t, cfg)

	body := webhookBody(t, "item:updated", "A1")
	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/todoist/webhook", bytes.NewReader(body))
		req.RemoteAddr = "10.1.1.1:5555"
		rec := httptest.NewRecorder()
		srv.routes().ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request: got %d, want 429", last)
	}
}

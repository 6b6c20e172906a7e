package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/mapper"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/models"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/notion"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/rest"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/todoist"
)

// pollInterval is how long an idle worker waits before re-checking the
// queue.
const pollInterval = 200 * time.Millisecond

func (e *Engine) workerLoop(ctx context.Context, n int) {
	for {
		if ctx.Err() != nil {
			return
		}
		delivery, err := e.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("dequeue failed", "worker", n, "err", err)
			sleepOrDone(ctx, time.Second)
			continue
		}
		if delivery == nil {
			sleepOrDone(ctx, pollInterval)
			continue
		}
		e.handleDelivery(ctx, delivery.Message, delivery.Receipt)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// handleDelivery processes one message with panic recovery and
// classification-driven ack/nack.
func (e *Engine) handleDelivery(ctx context.Context, msg models.SyncMessage, receipt int64) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panic", "task_id", msg.TaskID, "panic", r)
			e.counters.Errors.Add(1)
			e.queue.Nack(ctx, receipt)
		}
	}()

	unlock := e.locks.acquire(msg.TaskID)
	defer unlock()

	handlerCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	err := e.Process(handlerCtx, msg)
	if err == nil {
		e.queue.Ack(ctx, receipt)
		return
	}

	// Cancellation: leave state untouched, let the queue redeliver.
	if ctx.Err() != nil {
		return
	}

	kind, classified := rest.KindOf(err)
	switch {
	case classified && kind == rest.KindAuth:
		e.degraded.Store(true)
		slog.Error("upstream auth failure", "task_id", msg.TaskID, "err", err)
		e.counters.Errors.Add(1)
		e.queue.Nack(ctx, receipt)

	case classified && kind == rest.KindRetryable, errors.Is(err, context.DeadlineExceeded):
		e.counters.Errors.Add(1)
		if msg.Attempt+1 >= e.cfg.RetryMax {
			// Out of attempts: record the failure and let the queue park it.
			e.recordError(ctx, msg, err)
		}
		slog.Warn("retryable sync failure", "task_id", msg.TaskID, "attempt", msg.Attempt, "err", err)
		e.queue.Nack(ctx, receipt)

	default:
		// Permanent: record and acknowledge so the message is not retried.
		e.counters.Errors.Add(1)
		slog.Error("permanent sync failure", "task_id", msg.TaskID, "err", err)
		e.recordError(ctx, msg, err)
		e.queue.Ack(ctx, receipt)
	}
}

// recordError persists sync_status=error with the failure note. Uses a
// fresh context so a deadline-expired handler can still record.
func (e *Engine) recordError(ctx context.Context, msg models.SyncMessage, cause error) {
	recCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		recCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	err := e.store.UpdateTaskState(recCtx, msg.TaskID, func(st *models.TaskSyncState) error {
		st.SyncStatus = models.StatusError
		st.SyncSource = msg.Source
		st.ErrorNote = cause.Error()
		st.LastSyncedAt = nowUTC()
		return nil
	})
	if err != nil {
		slog.Error("record sync error failed", "task_id", msg.TaskID, "err", err)
	}
}

// Process runs one sync message to completion. The worker loop calls it
// through handleDelivery; it is exported for tests. Callers must hold the
// per-task lock when running concurrently.
func (e *Engine) Process(ctx context.Context, msg models.SyncMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	switch msg.Action {
	case models.ActionArchive:
		return e.handleArchive(ctx, msg)
	default:
		return e.handleUpsert(ctx, msg)
	}
}

func (e *Engine) handleUpsert(ctx context.Context, msg models.SyncMessage) error {
	state, err := e.store.GetTaskState(ctx, msg.TaskID)
	if err != nil {
		return err
	}

	item, err := e.loadItem(ctx, msg)
	if err != nil {
		if rest.IsNotFound(err) {
			if state != nil {
				return e.handleArchive(ctx, msg)
			}
			slog.Info("task gone at source, nothing to do", "task_id", msg.TaskID)
			return nil
		}
		return err
	}
	task, project := item.Task, item.Project

	hasTag := task.HasLabel(e.cfg.EligibilityTag)
	recurringBlocked := e.cfg.SkipRecurringEnabled() && task.IsRecurring()
	inboxBlocked := e.cfg.SkipInboxEnabled() && project.IsInboxProject

	if !hasTag && !recurringBlocked && !inboxBlocked &&
		msg.Source == models.SourceReconciler && e.cfg.AutoLabelEnabled() {
		if _, err := e.source.AddTag(ctx, task.ID, e.cfg.EligibilityTag); err != nil {
			return fmt.Errorf("auto-label task %s: %w", task.ID, err)
		}
		slog.Info("auto-labeled task", "task_id", task.ID, "tag", e.cfg.EligibilityTag)
		hasTag = true
	}

	if !hasTag || recurringBlocked || inboxBlocked {
		return e.handleIneligible(ctx, msg, state, task, hasTag, recurringBlocked)
	}

	payload, relations := mapper.Forward(task, item.Comments, item.SectionName, mapper.Options{
		EligibilityTag:  e.cfg.EligibilityTag,
		AreaSet:         e.areaSet,
		DefaultTimezone: e.cfg.DefaultTimezone,
	})
	if payload.EmptyTitle {
		slog.Warn("task has empty title, using placeholder", "task_id", task.ID)
	}

	projectPageID, projectPageURL, err := e.ensureProject(ctx, project)
	if err != nil {
		return err
	}
	areaIDs, err := e.resolver.ResolveAreas(ctx, relations.AreaNames)
	if err != nil {
		return err
	}
	personIDs, err := e.resolver.ResolvePeople(ctx, relations.PersonNames)
	if err != nil {
		return err
	}

	resolved := mapper.Resolved{
		ProjectPageID: projectPageID,
		AreaPageIDs:   areaIDs,
		PersonPageIDs: personIDs,
	}
	h := mapper.Hash(payload, resolved)

	// Reconciler messages repair destination drift the hash check cannot
	// see, such as a manually archived page.
	forceWrite := false
	if msg.Source == models.SourceReconciler && state != nil && state.NotionPageID != "" {
		page, err := e.dest.GetPage(ctx, state.NotionPageID)
		if err != nil && !rest.IsNotFound(err) {
			return err
		}
		if page != nil && page.Archived {
			if err := e.dest.UnarchivePage(ctx, state.NotionPageID); err != nil {
				return fmt.Errorf("unarchive page %s: %w", state.NotionPageID, err)
			}
			slog.Info("unarchived manually archived page", "task_id", task.ID, "page_id", state.NotionPageID)
			forceWrite = true
		}
	}

	if !forceWrite && state != nil && state.PayloadHash == h &&
		state.NotionPageID != "" && state.SyncStatus == models.StatusOK {
		e.counters.Skips.Add(1)
		return e.store.UpdateTaskState(ctx, task.ID, func(st *models.TaskSyncState) error {
			st.LastSyncedAt = nowUTC()
			return nil
		})
	}

	props := taskProperties(payload, resolved)

	pageID := ""
	if state != nil {
		pageID = state.NotionPageID
	}
	firstSync := pageID == ""
	var pageURL string

	if firstSync {
		page, err := e.findOrCreateTaskPage(ctx, task.ID, props, payload)
		if err != nil {
			return err
		}
		pageID = page.ID
		pageURL = page.URL
	} else {
		if _, err := e.dest.UpdatePage(ctx, pageID, props); err != nil {
			return fmt.Errorf("update page %s: %w", pageID, err)
		}
	}

	if firstSync && e.cfg.AddBacklinkEnabled() {
		if pageURL == "" {
			pageURL = notion.PageURL(pageID)
		}
		if projectPageURL == "" {
			projectPageURL = notion.PageURL(projectPageID)
		}
		if err := e.writeBacklinks(ctx, task, pageURL, projectPageURL); err != nil {
			// The mirror is in place; a failed backlink should not fail the sync.
			slog.Warn("write backlinks failed", "task_id", task.ID, "err", err)
		}
	}

	e.counters.Upserts.Add(1)
	return e.store.UpdateTaskState(ctx, task.ID, func(st *models.TaskSyncState) error {
		st.NotionPageID = pageID
		st.PayloadHash = h
		st.EchoHash = h
		st.SyncStatus = models.StatusOK
		st.SyncSource = msg.Source
		st.LastSyncedAt = nowUTC()
		st.ErrorNote = ""
		return nil
	})
}

// loadItem returns the full item bundle, preferring the inline snapshot
// (webhook payloads are fresh) over a task re-fetch.
func (e *Engine) loadItem(ctx context.Context, msg models.SyncMessage) (*todoist.Item, error) {
	snapshot, err := msg.DecodeSnapshot()
	if err != nil {
		slog.Warn("bad snapshot, falling back to fetch", "task_id", msg.TaskID, "err", err)
		snapshot = nil
	}
	if snapshot == nil {
		return e.source.FetchItem(ctx, msg.TaskID)
	}

	project, err := e.source.GetProject(ctx, snapshot.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("fetch project %s: %w", snapshot.ProjectID, err)
	}
	comments, err := e.source.GetComments(ctx, msg.TaskID)
	if err != nil {
		return nil, fmt.Errorf("fetch comments for %s: %w", msg.TaskID, err)
	}
	item := &todoist.Item{Task: snapshot, Project: project, Comments: comments}
	if snapshot.SectionID != "" {
		section, err := e.source.GetSection(ctx, snapshot.SectionID)
		if err != nil {
			slog.Warn("fetch section failed", "section_id", snapshot.SectionID, "err", err)
		} else {
			item.SectionName = section.Name
		}
	}
	return item, nil
}

// handleIneligible archives the mirror of a task that lost eligibility and
// detaches the tag when a recurring transition caused it.
func (e *Engine) handleIneligible(ctx context.Context, msg models.SyncMessage, state *models.TaskSyncState, task *models.TodoistTask, hasTag, recurringBlocked bool) error {
	if state == nil || state.NotionPageID == "" {
		slog.Debug("ineligible task with no mirror, skipping", "task_id", task.ID)
		return nil
	}
	if state.SyncStatus == models.StatusArchived {
		return nil
	}

	notice := notion.OrphanNotice(nowUTC().Format("2006-01-02"))
	if err := e.dest.AppendBlocks(ctx, state.NotionPageID, []notion.Block{notice}); err != nil {
		return fmt.Errorf("append orphan notice to %s: %w", state.NotionPageID, err)
	}
	if err := e.dest.ArchivePage(ctx, state.NotionPageID); err != nil {
		return fmt.Errorf("archive page %s: %w", state.NotionPageID, err)
	}

	if hasTag && recurringBlocked {
		if _, err := e.source.RemoveTag(ctx, task.ID, e.cfg.EligibilityTag); err != nil {
			return fmt.Errorf("remove tag from recurring task %s: %w", task.ID, err)
		}
	}

	e.counters.Orphans.Add(1)
	slog.Info("orphaned task mirror archived", "task_id", task.ID, "page_id", state.NotionPageID)
	return e.store.UpdateTaskState(ctx, task.ID, func(st *models.TaskSyncState) error {
		st.SyncStatus = models.StatusArchived
		st.SyncSource = msg.Source
		st.LastSyncedAt = nowUTC()
		st.ErrorNote = ""
		return nil
	})
}

func (e *Engine) handleArchive(ctx context.Context, msg models.SyncMessage) error {
	state, err := e.store.GetTaskState(ctx, msg.TaskID)
	if err != nil {
		return err
	}
	if state == nil || state.NotionPageID == "" {
		slog.Info("no mirror to archive", "task_id", msg.TaskID)
		return nil
	}
	if state.SyncStatus == models.StatusArchived {
		return nil
	}

	if err := e.dest.ArchivePage(ctx, state.NotionPageID); err != nil {
		if !rest.IsNotFound(err) {
			return fmt.Errorf("archive page %s: %w", state.NotionPageID, err)
		}
	}

	e.counters.Archives.Add(1)
	return e.store.UpdateTaskState(ctx, msg.TaskID, func(st *models.TaskSyncState) error {
		st.SyncStatus = models.StatusArchived
		st.SyncSource = msg.Source
		st.LastSyncedAt = nowUTC()
		st.ErrorNote = ""
		return nil
	})
}

// findOrCreateTaskPage creates the task page, adopting an existing page
// with the same Todoist id first. Duplicates are canonicalized to the
// oldest page; the rest are archived.
func (e *Engine) findOrCreateTaskPage(ctx context.Context, taskID string, props notion.Properties, payload mapper.Payload) (*notion.Page, error) {
	existing, err := e.dest.FindAllTasksByTodoistID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if len(existing) > 1 {
		slog.Warn("duplicate task pages detected, keeping oldest", "task_id", taskID, "count", len(existing))
		for _, dup := range existing[1:] {
			if err := e.dest.ArchivePage(ctx, dup.ID); err != nil {
				slog.Error("archive duplicate page failed", "page_id", dup.ID, "err", err)
			}
		}
	}
	if len(existing) > 0 {
		canonical := existing[0]
		if _, err := e.dest.UpdatePage(ctx, canonical.ID, props); err != nil {
			return nil, fmt.Errorf("update adopted page %s: %w", canonical.ID, err)
		}
		return &canonical, nil
	}

	blocks, truncated := taskBodyBlocks(payload)
	if truncated > 0 {
		slog.Warn("page body truncated at block limit", "task_id", taskID, "blocks", truncated)
		e.counters.Truncations.Add(int64(truncated))
	}
	page, err := e.dest.CreateTaskPage(ctx, props, blocks)
	if err != nil {
		return nil, fmt.Errorf("create task page for %s: %w", taskID, err)
	}
	return page, nil
}

// writeBacklinks appends the destination URLs to the source description,
// guarded against double-append by containment.
func (e *Engine) writeBacklinks(ctx context.Context, task *models.TodoistTask, taskPageURL, projectPageURL string) error {
	if taskPageURL == "" {
		return nil
	}
	if strings.Contains(task.Description, taskPageURL) {
		return nil
	}
	backlink := taskPageURL
	if projectPageURL != "" {
		backlink += "\n---\n" + projectPageURL
	}
	desc := task.Description
	if desc != "" {
		desc += "\n\n"
	}
	return e.source.SetDescription(ctx, task.ID, desc+backlink)
}

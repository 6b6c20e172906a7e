package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/mapper"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/models"
)

// ensureProject resolves the destination page for a source project,
// materializing it on first contact. Creation is serialized per project id
// through the resolver's single-flight lock, with a re-check inside the
// critical section so a concurrent peer's page is adopted instead of
// duplicated.
func (e *Engine) ensureProject(ctx context.Context, project *models.TodoistProject) (pageID, pageURL string, err error) {
	if project.IsInboxProject {
		// Eligible tasks are never in the Inbox, so this only triggers when
		// skip_inbox is off; the Inbox itself is still not materialized.
		return "", "", nil
	}

	state, err := e.store.GetProjectState(ctx, project.ID)
	if err != nil {
		return "", "", err
	}
	if state != nil && state.NotionPageID != "" {
		return state.NotionPageID, "", nil
	}

	lockErr := e.resolver.WithProjectLock(project.ID, func() error {
		// Re-check under the lock: another worker or process may have
		// materialized the project while we waited.
		state, err = e.store.GetProjectState(ctx, project.ID)
		if err != nil {
			return err
		}
		if state != nil && state.NotionPageID != "" {
			pageID = state.NotionPageID
			return nil
		}
		if cached, ok, cerr := e.resolver.GetProjectCache(ctx, project.ID); cerr != nil {
			return cerr
		} else if ok {
			pageID = cached
			return e.recordProjectState(ctx, project, cached, false)
		}

		existing, err := e.dest.FindProjectByTodoistID(ctx, project.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			pageID = existing.ID
			pageURL = existing.URL
			if _, err := e.resolver.PutProjectCache(ctx, project.ID, existing.ID); err != nil {
				return err
			}
			return e.recordProjectState(ctx, project, existing.ID, false)
		}

		areaIDs, err := e.aggregateProjectAreas(ctx, project.ID)
		if err != nil {
			return err
		}

		props := projectProperties(project.Name, project.ID, project.ProjectURL(), project.Color, areaIDs)
		page, err := e.dest.CreateProjectPage(ctx, props)
		if err != nil {
			return fmt.Errorf("create project page for %s: %w", project.ID, err)
		}
		slog.Info("materialized project page", "project_id", project.ID, "name", project.Name, "page_id", page.ID)

		winner, err := e.resolver.PutProjectCache(ctx, project.ID, page.ID)
		if err != nil {
			return err
		}
		if winner != page.ID {
			// A peer process won the race; adopt its page and retire ours.
			slog.Warn("concurrent project materialization, adopting peer page", "project_id", project.ID, "ours", page.ID, "theirs", winner)
			if err := e.dest.ArchivePage(ctx, page.ID); err != nil {
				slog.Error("archive losing duplicate project page failed", "page_id", page.ID, "err", err)
			}
			pageID = winner
			return e.recordProjectState(ctx, project, winner, false)
		}

		pageID = page.ID
		pageURL = page.URL
		if err := e.recordProjectState(ctx, project, page.ID, true); err != nil {
			return err
		}

		if e.cfg.AddBacklinkEnabled() && page.URL != "" {
			if err := e.source.AddProjectComment(ctx, project.ID, "Notion project page: "+page.URL); err != nil {
				slog.Warn("project backlink comment failed", "project_id", project.ID, "err", err)
			}
		}
		return nil
	})
	if lockErr != nil {
		return "", "", lockErr
	}
	return pageID, pageURL, nil
}

// recordProjectState persists the project sync row. Areas are frozen at
// creation: areas_frozen_at is written once and never advanced.
func (e *Engine) recordProjectState(ctx context.Context, project *models.TodoistProject, pageID string, created bool) error {
	now := nowUTC()
	return e.store.UpdateProjectState(ctx, project.ID, func(st *models.ProjectSyncState) error {
		st.NotionPageID = pageID
		if st.CreatedAt.IsZero() {
			st.CreatedAt = now
		}
		if st.NameLastWritten == "" {
			st.NameLastWritten = project.Name
		}
		if created && st.AreasFrozenAt.IsZero() {
			st.AreasFrozenAt = now
		}
		if st.EchoHash == "" {
			st.EchoHash = mapper.HashProjectEcho(mapper.ProjectEcho{Name: project.Name, Archived: project.IsArchived})
		}
		st.LastSyncedAt = now
		return nil
	})
}

// aggregateProjectAreas collects area relations from the currently
// eligible children of a project, at the moment of materialization.
func (e *Engine) aggregateProjectAreas(ctx context.Context, projectID string) ([]string, error) {
	tagged, err := e.source.ListTagged(ctx, e.cfg.EligibilityTag)
	if err != nil {
		return nil, fmt.Errorf("aggregate areas for project %s: %w", projectID, err)
	}

	seen := make(map[string]bool)
	var names []string
	for i := range tagged {
		task := &tagged[i]
		if task.ProjectID != projectID {
			continue
		}
		if e.cfg.SkipRecurringEnabled() && task.IsRecurring() {
			continue
		}
		for _, label := range task.Labels {
			if area, ok := mapper.AreaName(label, e.areaSet); ok && !seen[area] {
				seen[area] = true
				names = append(names, area)
			}
		}
	}
	return e.resolver.ResolveAreas(ctx, names)
}

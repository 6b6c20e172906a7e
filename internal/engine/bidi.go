package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/mapper"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/models"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/notion"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/rest"
)

// reconcileProjects re-checks every known project in both directions:
// source archive flag → destination Status (forward), and the two narrow
// reverse edges (destination title → source name, destination status →
// source archive state). Reverse writes are echo-suppressed and gated on
// the destination edit strictly post-dating the last engine write.
func (e *Engine) reconcileProjects(ctx context.Context) error {
	states, err := e.store.ListProjectStates(ctx)
	if err != nil {
		return err
	}

	for i := range states {
		st := &states[i]
		if st.NotionPageID == "" {
			continue
		}
		if err := e.reconcileProject(ctx, st); err != nil {
			if ctx.Err() != nil {
				return err
			}
			slog.Error("reconcile project failed", "project_id", st.TodoistProjectID, "err", err)
		}
	}
	return nil
}

func (e *Engine) reconcileProject(ctx context.Context, st *models.ProjectSyncState) error {
	src, err := e.source.GetProject(ctx, st.TodoistProjectID)
	if err != nil {
		if rest.IsNotFound(err) {
			slog.Warn("project gone at source", "project_id", st.TodoistProjectID)
			return nil
		}
		return err
	}

	page, err := e.dest.GetPage(ctx, st.NotionPageID)
	if err != nil {
		if rest.IsNotFound(err) {
			return e.resolver.InvalidateProject(ctx, st.TodoistProjectID)
		}
		return err
	}

	fields := mapper.ExtractProjectPage(page)
	pageEcho := mapper.HashProjectEcho(fields.EchoOf())

	if pageEcho == st.EchoHash || !fields.LastEdited.After(st.LastSyncedAt) {
		// Destination unchanged since our last write: forward direction only.
		return e.forwardProjectStatus(ctx, st, src, fields)
	}

	// Destination edited after the engine's last write: reverse edges.
	return e.reverseProject(ctx, st, src, fields, pageEcho)
}

// forwardProjectStatus pushes the source archive flag into the destination
// Status select. The project name is destination-authoritative after
// creation, so it is never forward-written here.
func (e *Engine) forwardProjectStatus(ctx context.Context, st *models.ProjectSyncState, src *models.TodoistProject, fields mapper.ProjectPageFields) error {
	if src.IsArchived == fields.Archived {
		return nil
	}

	status := mapper.ProjectStatusActive
	if src.IsArchived {
		status = mapper.ProjectStatusArchived
	}
	if _, err := e.dest.UpdatePage(ctx, st.NotionPageID, notion.Properties{
		"Status": notion.Select(status),
	}); err != nil {
		return fmt.Errorf("forward project status %s: %w", st.TodoistProjectID, err)
	}
	slog.Info("forwarded project status", "project_id", st.TodoistProjectID, "status", status)

	echo := mapper.HashProjectEcho(mapper.ProjectEcho{Name: fields.Name, Archived: src.IsArchived})
	return e.store.UpdateProjectState(ctx, st.TodoistProjectID, func(cur *models.ProjectSyncState) error {
		cur.EchoHash = echo
		cur.LastSyncedAt = nowUTC()
		return nil
	})
}

// reverseProject writes the destination's title and status back to the
// source. The echo hash of the reverse intention is checked first so an
// engine-originated change never bounces back.
func (e *Engine) reverseProject(ctx context.Context, st *models.ProjectSyncState, src *models.TodoistProject, fields mapper.ProjectPageFields, pageEcho string) error {
	if pageEcho == st.EchoHash {
		return nil
	}

	renamed := false
	if fields.Name != "" && fields.Name != src.Name {
		if err := e.source.RenameProject(ctx, st.TodoistProjectID, fields.Name); err != nil {
			return fmt.Errorf("reverse rename project %s: %w", st.TodoistProjectID, err)
		}
		slog.Info("reverse-renamed source project", "project_id", st.TodoistProjectID, "name", fields.Name)
		renamed = true
	}

	statusChanged := false
	if fields.Archived != src.IsArchived {
		var err error
		if fields.Archived {
			err = e.source.ArchiveProject(ctx, st.TodoistProjectID)
		} else {
			err = e.source.UnarchiveProject(ctx, st.TodoistProjectID)
		}
		if err != nil {
			return fmt.Errorf("reverse project archive state %s: %w", st.TodoistProjectID, err)
		}
		slog.Info("reverse-synced project archive state", "project_id", st.TodoistProjectID, "archived", fields.Archived)
		statusChanged = true
	}

	if !renamed && !statusChanged {
		return nil
	}
	return e.store.UpdateProjectState(ctx, st.TodoistProjectID, func(cur *models.ProjectSyncState) error {
		cur.EchoHash = pageEcho
		if renamed {
			cur.NameLastWritten = fields.Name
		}
		cur.LastSyncedAt = nowUTC()
		return nil
	})
}

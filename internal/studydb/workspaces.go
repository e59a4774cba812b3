package studydb

import (
	"context"

	"github.com/kimhsiao/studysync/internal/db"
	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/models"
	"github.com/kimhsiao/studysync/internal/uuid"
)

// Workspaces stores workspaces and their windows.
type Workspaces struct {
	repo
}

// NewWorkspaces returns the workspace repository.
func NewWorkspaces(reg *db.Registry) *Workspaces {
	return &Workspaces{repo: newRepo(reg, StoreWorkspaces)}
}

const (
	workspaceColumns = "id, name, contents, order_number, text_display_settings, workspace_settings, " +
		"maximized_window_id, color, created_at, last_updated_on"
	windowColumns = "id, workspace_id, is_synchronized, is_pin_mode, is_links_window, order_number, " +
		"target_links_window_id, sync_group, page_manager, last_updated_on"
)

// SaveWorkspace inserts or updates w.
func (s *Workspaces) SaveWorkspace(ctx context.Context, w *models.Workspace) error {
	if w.Name == "" {
		return errors.New(errors.ErrInvalid, "workspace name is required")
	}
	if w.ID == "" {
		w.ID = models.UUID(uuid.New())
	}
	conn, err := s.conn()
	if err != nil {
		return err
	}
	w.LastUpdatedOn = s.stamp(maxInt64(w.LastUpdatedOn, lastUpdated(ctx, conn, "workspace", w.ID.String())))
	if w.CreatedAt == 0 {
		w.CreatedAt = w.LastUpdatedOn
	}
	_, err = s.exec(ctx, `INSERT INTO workspace (`+workspaceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, contents = excluded.contents,
			order_number = excluded.order_number, text_display_settings = excluded.text_display_settings,
			workspace_settings = excluded.workspace_settings, maximized_window_id = excluded.maximized_window_id,
			color = excluded.color, last_updated_on = excluded.last_updated_on`,
		w.ID, w.Name, w.Contents, w.OrderNumber, w.TextDisplaySettings, w.WorkspaceSettings,
		w.MaximizedWindowID, w.Color, w.CreatedAt, w.LastUpdatedOn)
	return err
}

// Workspaces returns every workspace in display order.
func (s *Workspaces) Workspaces(ctx context.Context) ([]*models.Workspace, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, "SELECT "+workspaceColumns+" FROM workspace ORDER BY order_number, id")
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list workspaces", err)
	}
	defer rows.Close()

	var out []*models.Workspace
	for rows.Next() {
		var w models.Workspace
		if err := rows.Scan(&w.ID, &w.Name, &w.Contents, &w.OrderNumber, &w.TextDisplaySettings, &w.WorkspaceSettings,
			&w.MaximizedWindowID, &w.Color, &w.CreatedAt, &w.LastUpdatedOn); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to list workspaces", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// DeleteWorkspace deletes a workspace and its windows.
func (s *Workspaces) DeleteWorkspace(ctx context.Context, id string) error {
	_, err := s.exec(ctx, "DELETE FROM workspace WHERE id = ?", id)
	return err
}

// SaveWindow inserts or updates a window.
func (s *Workspaces) SaveWindow(ctx context.Context, w *models.Window) error {
	if w.WorkspaceID == "" {
		return errors.New(errors.ErrInvalid, "window needs a workspace")
	}
	if w.ID == "" {
		w.ID = models.UUID(uuid.New())
	}
	conn, err := s.conn()
	if err != nil {
		return err
	}
	w.LastUpdatedOn = s.stamp(maxInt64(w.LastUpdatedOn, lastUpdated(ctx, conn, "workspace_window", w.ID.String())))
	_, err = s.exec(ctx, `INSERT INTO workspace_window (`+windowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET workspace_id = excluded.workspace_id,
			is_synchronized = excluded.is_synchronized, is_pin_mode = excluded.is_pin_mode,
			is_links_window = excluded.is_links_window, order_number = excluded.order_number,
			target_links_window_id = excluded.target_links_window_id, sync_group = excluded.sync_group,
			page_manager = excluded.page_manager, last_updated_on = excluded.last_updated_on`,
		w.ID, w.WorkspaceID, w.IsSynchronized, w.IsPinMode, w.IsLinksWindow, w.OrderNumber,
		w.TargetLinksWindowID, w.SyncGroup, w.PageManager, w.LastUpdatedOn)
	return err
}

// Windows returns the windows of a workspace in order.
func (s *Workspaces) Windows(ctx context.Context, workspaceID string) ([]*models.Window, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx,
		"SELECT "+windowColumns+" FROM workspace_window WHERE workspace_id = ? ORDER BY order_number, id", workspaceID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list windows", err)
	}
	defer rows.Close()

	var out []*models.Window
	for rows.Next() {
		var w models.Window
		if err := rows.Scan(&w.ID, &w.WorkspaceID, &w.IsSynchronized, &w.IsPinMode, &w.IsLinksWindow, &w.OrderNumber,
			&w.TargetLinksWindowID, &w.SyncGroup, &w.PageManager, &w.LastUpdatedOn); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to list windows", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// DeleteWindow deletes a window.
func (s *Workspaces) DeleteWindow(ctx context.Context, id string) error {
	_, err := s.exec(ctx, "DELETE FROM workspace_window WHERE id = ?", id)
	return err
}

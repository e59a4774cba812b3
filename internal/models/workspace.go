package models

// Workspace is a named set of windows with shared display settings.
type Workspace struct {
	ID                  UUID    `db:"id" json:"id"`
	Name                string  `db:"name" json:"name"`
	Contents            *string `db:"contents" json:"contents,omitempty"`
	OrderNumber         int     `db:"order_number" json:"order_number"`
	TextDisplaySettings *string `db:"text_display_settings" json:"text_display_settings,omitempty"`
	WorkspaceSettings   *string `db:"workspace_settings" json:"workspace_settings,omitempty"`
	MaximizedWindowID   *UUID   `db:"maximized_window_id" json:"maximized_window_id,omitempty"`
	Color               *int    `db:"color" json:"color,omitempty"`
	CreatedAt           int64   `db:"created_at" json:"created_at"`
	LastUpdatedOn       int64   `db:"last_updated_on" json:"last_updated_on"`
}

// TableName returns the table name for Workspace.
func (Workspace) TableName() string { return "workspace" }

// Window is one document pane inside a workspace. PageManager is the
// serialized page state of the pane.
type Window struct {
	ID                  UUID    `db:"id" json:"id"`
	WorkspaceID         UUID    `db:"workspace_id" json:"workspace_id"`
	IsSynchronized      bool    `db:"is_synchronized" json:"is_synchronized"`
	IsPinMode           bool    `db:"is_pin_mode" json:"is_pin_mode"`
	IsLinksWindow       bool    `db:"is_links_window" json:"is_links_window"`
	OrderNumber         int     `db:"order_number" json:"order_number"`
	TargetLinksWindowID *UUID   `db:"target_links_window_id" json:"target_links_window_id,omitempty"`
	SyncGroup           int     `db:"sync_group" json:"sync_group"`
	PageManager         *string `db:"page_manager" json:"page_manager,omitempty"`
	LastUpdatedOn       int64   `db:"last_updated_on" json:"last_updated_on"`
}

// TableName returns the table name for Window.
func (Window) TableName() string { return "workspace_window" }

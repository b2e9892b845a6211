// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package index is a derived, rebuildable SQLite read-index over the
// Config Store's workspace metadata. config.json remains the sole
// source of truth (spec §4.2); this package exists only to serve
// filtered/paginated getAllWorkspaceMetadata-style queries faster than
// scanning the live document on every call.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	_ "github.com/muxrun/mux/internal/sqlitedriver"

	"github.com/muxrun/mux/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	id TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	name TEXT NOT NULL,
	parent_workspace_id TEXT,
	agent_type TEXT,
	task_status TEXT,
	created_at INTEGER NOT NULL,
	archived_at INTEGER NOT NULL DEFAULT 0,
	section_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_workspaces_project ON workspaces(project_path);
CREATE INDEX IF NOT EXISTS idx_workspaces_parent ON workspaces(parent_workspace_id);
`

// Index is the read-index handle. Rebuild keeps it in sync with the
// Config Store; query methods serve reads against the local table.
type Index struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating it if absent) the SQLite file at
// <muxRoot>/index.db and applies the schema, which creates the table
// only if it does not exist yet. Callers should Open once per process
// and call Rebuild before serving any query, since rows left from an
// earlier run are only cleared and refilled by Rebuild.
func Open(ctx context.Context, muxRoot string, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := filepath.Join(muxRoot, "index.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("index: open: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: apply schema: %w", err)
	}
	return &Index{db: db, logger: logger.Named("index")}, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Rebuild truncates and repopulates the index from a Config document
// snapshot. Called once at startup and again from the Config Store's
// OnChange hook after every committed edit, synchronously inside that
// hook. Failures are logged, never returned to the editConfig caller.
func (idx *Index) Rebuild(doc *config.Document) {
	ctx := context.Background()
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		idx.logger.Warn("rebuild: begin tx", zap.Error(err))
		return
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM workspaces"); err != nil {
		idx.logger.Warn("rebuild: clear table", zap.Error(err))
		return
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO workspaces
			(id, project_path, name, parent_workspace_id, agent_type, task_status, created_at, archived_at, section_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		idx.logger.Warn("rebuild: prepare insert", zap.Error(err))
		return
	}
	defer stmt.Close()

	for path, p := range doc.Projects {
		for _, w := range p.Workspaces {
			if _, err := stmt.ExecContext(ctx, w.ID, path, w.Name, w.ParentWorkspaceID, w.AgentType, string(w.TaskStatus), w.CreatedAt, w.ArchivedAt, w.SectionID); err != nil {
				idx.logger.Warn("rebuild: insert workspace", zap.String("workspaceId", w.ID), zap.Error(err))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		idx.logger.Warn("rebuild: commit", zap.Error(err))
	}
}

// ListFilter narrows ListWorkspaces.
type ListFilter struct {
	ProjectPath       string
	ParentWorkspaceID string
	IncludeArchived   bool
	Limit             int
	Offset            int
}

// WorkspaceRow is one row of the read-index.
type WorkspaceRow struct {
	ID                string
	ProjectPath       string
	Name              string
	ParentWorkspaceID string
	AgentType         string
	TaskStatus        string
	CreatedAt         int64
	ArchivedAt        int64
	SectionID         string
}

// ListWorkspaces serves a filtered, paginated listing straight from
// the index, leaving config.json untouched.
func (idx *Index) ListWorkspaces(ctx context.Context, filter ListFilter) ([]WorkspaceRow, error) {
	q := "SELECT id, project_path, name, parent_workspace_id, agent_type, task_status, created_at, archived_at, section_id FROM workspaces WHERE 1=1"
	var args []any
	if filter.ProjectPath != "" {
		q += " AND project_path = ?"
		args = append(args, filter.ProjectPath)
	}
	if filter.ParentWorkspaceID != "" {
		q += " AND parent_workspace_id = ?"
		args = append(args, filter.ParentWorkspaceID)
	}
	if !filter.IncludeArchived {
		q += " AND archived_at = 0"
	}
	q += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := idx.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("index: list workspaces: %w", err)
	}
	defer rows.Close()

	var out []WorkspaceRow
	for rows.Next() {
		var r WorkspaceRow
		if err := rows.Scan(&r.ID, &r.ProjectPath, &r.Name, &r.ParentWorkspaceID, &r.AgentType, &r.TaskStatus, &r.CreatedAt, &r.ArchivedAt, &r.SectionID); err != nil {
			return nil, fmt.Errorf("index: scan workspace row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"hermit/pkg/logx"
)

// Slugify derives a group's folder name: lower-cased, spaces to hyphens.
func Slugify(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "-")
}

// GetOrCreateGroup returns the group with the given name, creating it (and
// its working directory) on first reference. Exactly one row ever exists per
// name: the insert is a no-op when the name is already present, and the
// single-writer connection serializes racing creators.
func (s *Store) GetOrCreateGroup(ctx context.Context, name string) (Group, error) {
	folder := Slugify(name)
	if err := os.MkdirAll(s.GroupDir(folder), 0o755); err != nil {
		return Group{}, fmt.Errorf("create group dir: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO groups(name, folder, created_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO NOTHING`,
		name, folder, fmtTime(time.Now()),
	)
	if err != nil {
		// The name is free but the folder is not: a different name already
		// derives to the same slug.
		if strings.Contains(err.Error(), "UNIQUE constraint failed: groups.folder") {
			return Group{}, fmt.Errorf("%w: %q", ErrFolderTaken, folder)
		}
		return Group{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Info("group created", logx.String("group", name), logx.String("folder", folder))
	}

	return s.getGroup(ctx, name)
}

func (s *Store) getGroup(ctx context.Context, name string) (Group, error) {
	var (
		g       Group
		session sql.NullString
		created sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, folder, session_id, created_at FROM groups WHERE name = ?`,
		name,
	).Scan(&g.ID, &g.Name, &g.Folder, &session, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, err
	}
	if session.Valid {
		g.SessionID = session.String
	}
	g.CreatedAt = scanTime(created)
	return g, nil
}

// UpdateSessionToken sets (or clears, with "") the continuation token of an
// existing group.
func (s *Store) UpdateSessionToken(ctx context.Context, name, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE groups SET session_id = ? WHERE name = ?`,
		nullStr(token), name,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("group %q: %w", name, ErrNotFound)
	}
	return nil
}

// ListGroups returns all groups sorted by name.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, folder, session_id, created_at FROM groups ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var (
			g       Group
			session sql.NullString
			created sql.NullString
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.Folder, &session, &created); err != nil {
			return nil, err
		}
		if session.Valid {
			g.SessionID = session.String
		}
		g.CreatedAt = scanTime(created)
		out = append(out, g)
	}
	return out, rows.Err()
}

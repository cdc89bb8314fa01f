package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for lookups/removals of unknown ids.
	ErrNotFound = errors.New("not found")

	// ErrFolderTaken is returned when a new group's derived folder slug is
	// already claimed by a different group name.
	ErrFolderTaken = errors.New("group folder already in use")
)

// Task status values.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Config configures the store.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// GroupsDir is the directory under which each group's private working
	// directory is created.
	GroupsDir string

	// BusyTimeout for SQLite; 0 means default.
	BusyTimeout time.Duration
}

// Group is a named conversation context. SessionID is the opaque
// continuation token of the sandbox executor; empty means no session.
type Group struct {
	ID        int64
	Name      string
	Folder    string
	SessionID string
	CreatedAt time.Time
}

// Task is a scheduled prompt. NextRun/LastRun are zero when unset.
type Task struct {
	ID         string
	GroupName  string
	Cron       string
	Prompt     string
	NextRun    time.Time
	LastRun    time.Time
	LastResult string
	Status     string
	CreatedAt  time.Time
}

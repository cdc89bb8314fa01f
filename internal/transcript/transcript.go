// Package transcript appends conversation history to each group's
// history.txt. The file is an output for humans, never read back by the
// daemon.
package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Roles recorded in the transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const timeFormat = "2006-01-02 15:04:05"

// Log appends entries to per-group history files.
type Log struct {
	groupsDir string

	mu sync.Mutex
}

func New(groupsDir string) *Log {
	return &Log{groupsDir: groupsDir}
}

// Append writes one timestamped entry to the group's history file. User
// entries are prefixed with "> " to keep the file readable.
func (l *Log) Append(folder, role, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.groupsDir, folder, "history.txt")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var body string
	if role == RoleUser {
		body = "> " + text
	} else {
		body = text
	}
	_, err = fmt.Fprintf(f, "--- %s ---\n%s\n\n", time.Now().Format(timeFormat), body)
	return err
}

package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hermit/internal/sandbox"
	"hermit/internal/storage"
	"hermit/internal/transcript"
	"hermit/pkg/logx"
)

type fakeExec struct {
	mu      sync.Mutex
	prompts []string
	results map[string]sandbox.Result // keyed by prompt
	errs    map[string]error
}

func (f *fakeExec) Run(ctx context.Context, groupDir, prompt, sessionID string) (sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if err := f.errs[prompt]; err != nil {
		return sandbox.Result{}, err
	}
	return f.results[prompt], nil
}

func (f *fakeExec) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func newTestScheduler(t *testing.T, exec Executor) (*Scheduler, *storage.Store, string) {
	t.Helper()
	dir := t.TempDir()
	groupsDir := filepath.Join(dir, "groups")

	store, err := storage.Open(storage.Config{
		Path:      filepath.Join(dir, "test.db"),
		GroupsDir: groupsDir,
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	s := New(Config{Interval: 10 * time.Millisecond}, store,
		transcript.New(groupsDir), exec, logx.Nop())
	return s, store, groupsDir
}

func TestTickRunsDueTaskAndCompletesOneShot(t *testing.T) {
	t.Parallel()
	exec := &fakeExec{results: map[string]sandbox.Result{
		"say hi": {Text: "hi there", SessionID: "sess-1"},
	}}
	s, store, groupsDir := newTestScheduler(t, exec)

	ctx := context.Background()
	task, err := store.CreateTask(ctx, "g1", "once:+0m", "say hi", time.Now().Add(-time.Second))
	if err != nil {
		t.Fatal(err)
	}

	s.tick(ctx, time.Now())

	if got := exec.seen(); len(got) != 1 || got[0] != "say hi" {
		t.Fatalf("executed prompts = %v", got)
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := tasks[0]
	if got.Status != storage.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.LastRun.IsZero() {
		t.Fatal("last_run not set")
	}
	if got.LastResult != "hi there" {
		t.Fatalf("last_result = %q", got.LastResult)
	}

	// Group was lazily created and the session token stored.
	g, err := store.GetOrCreateGroup(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if g.SessionID != "sess-1" {
		t.Fatalf("session = %q", g.SessionID)
	}

	// Transcript entry tags the task id.
	hist, err := os.ReadFile(filepath.Join(groupsDir, "g1", "history.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(hist), "[task:"+task.ID+"] say hi") {
		t.Fatalf("history missing task entry:\n%s", hist)
	}
}

func TestFailingTaskDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	exec := &fakeExec{
		results: map[string]sandbox.Result{"second": {Text: "done"}},
		errs:    map[string]error{"first": errors.New("claude exited with code 1: boom")},
	}
	s, store, _ := newTestScheduler(t, exec)

	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	if _, err := store.CreateTask(ctx, "g", "once:+0m", "first", past); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateTask(ctx, "g", "once:+0m", "second", past); err != nil {
		t.Fatal(err)
	}

	s.tick(ctx, time.Now())

	if got := exec.seen(); len(got) != 2 {
		t.Fatalf("executed prompts = %v, want both", got)
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	byPrompt := map[string]storage.Task{}
	for _, tk := range tasks {
		byPrompt[tk.Prompt] = tk
	}
	if !strings.Contains(byPrompt["first"].LastResult, "exited with code 1") {
		t.Fatalf("failure not recorded: %+v", byPrompt["first"])
	}
	if byPrompt["second"].LastResult != "done" {
		t.Fatalf("second task result = %q", byPrompt["second"].LastResult)
	}
}

func TestIntervalTaskStaysActive(t *testing.T) {
	t.Parallel()
	exec := &fakeExec{results: map[string]sandbox.Result{"p": {Text: "ok"}}}
	s, store, _ := newTestScheduler(t, exec)

	ctx := context.Background()
	if _, err := store.CreateTask(ctx, "g", "*/15", "p", time.Now().Add(-16*time.Minute)); err != nil {
		t.Fatal(err)
	}

	s.tick(ctx, time.Now())

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := tasks[0]
	if got.Status != storage.StatusActive {
		t.Fatalf("status = %q, want active", got.Status)
	}
	if !got.NextRun.After(time.Now().Add(14 * time.Minute)) {
		t.Fatalf("next_run = %v, want ~15m out", got.NextRun)
	}

	// Not due again within this tick's horizon.
	due, err := store.DueTasks(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("task still due after run: %+v", due)
	}
}

func TestRunLoopPicksUpTask(t *testing.T) {
	t.Parallel()
	exec := &fakeExec{results: map[string]sandbox.Result{"loop": {Text: "ok"}}}
	s, store, _ := newTestScheduler(t, exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := store.CreateTask(ctx, "g", "once:+0m", "loop", time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for {
		if len(exec.seen()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("task never executed by the run loop")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

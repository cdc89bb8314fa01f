package server

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hermit/internal/protocol"
	"hermit/internal/sandbox"
	"hermit/internal/storage"
	"hermit/internal/transcript"
	"hermit/pkg/logx"
)

type fakeExec struct {
	mu    sync.Mutex
	calls []string // session ids seen, in order
	res   sandbox.Result
	err   error
}

func (f *fakeExec) Run(ctx context.Context, groupDir, prompt, sessionID string) (sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sessionID)
	return f.res, f.err
}

func (f *fakeExec) sessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func startServer(t *testing.T, exec Executor) string {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.Open(storage.Config{
		Path:      filepath.Join(dir, "test.db"),
		GroupsDir: filepath.Join(dir, "groups"),
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sock := filepath.Join(dir, "d.sock")
	srv := New(Config{SocketPath: sock}, store,
		transcript.New(filepath.Join(dir, "groups")), exec, logx.Nop())
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return sock
}

func roundTrip(t *testing.T, sock string, req protocol.Request) protocol.Response {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := protocol.Write(conn, req); err != nil {
		t.Fatal(err)
	}
	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestPing(t *testing.T) {
	t.Parallel()
	sock := startServer(t, &fakeExec{})

	resp := roundTrip(t, sock, protocol.Request{Cmd: protocol.CmdPing})
	if resp.Status != protocol.StatusOK || resp.Message != "pong" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()
	sock := startServer(t, &fakeExec{})

	resp := roundTrip(t, sock, protocol.Request{Cmd: "frobnicate"})
	if resp.Status != protocol.StatusError {
		t.Fatalf("status = %q", resp.Status)
	}
	if resp.Error != "Unknown command: frobnicate" {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestMalformedRequestGetsErrorResponse(t *testing.T) {
	t.Parallel()
	sock := startServer(t, &fakeExec{})

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatal(err)
	}
	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != protocol.StatusError {
		t.Fatalf("status = %q", resp.Status)
	}

	// The bad connection must not poison the listener.
	if r := roundTrip(t, sock, protocol.Request{Cmd: protocol.CmdPing}); r.Message != "pong" {
		t.Fatalf("server unhealthy after protocol error: %+v", r)
	}
}

func TestSendEmptyPrompt(t *testing.T) {
	t.Parallel()
	exec := &fakeExec{}
	sock := startServer(t, exec)

	resp := roundTrip(t, sock, protocol.Request{Cmd: protocol.CmdSend, Group: "g"})
	if resp.Status != protocol.StatusError || resp.Error != "No prompt provided" {
		t.Fatalf("resp = %+v", resp)
	}
	if len(exec.sessions()) != 0 {
		t.Fatal("executor invoked despite validation failure")
	}
}

func TestSendSuccessPersistsSession(t *testing.T) {
	t.Parallel()
	exec := &fakeExec{res: sandbox.Result{Text: "hello back", SessionID: "sess-1"}}
	sock := startServer(t, exec)

	resp := roundTrip(t, sock, protocol.Request{Cmd: protocol.CmdSend, Group: "My Group", Prompt: "hi"})
	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Result != "hello back" || resp.SessionID != "sess-1" {
		t.Fatalf("resp = %+v", resp)
	}

	groups := roundTrip(t, sock, protocol.Request{Cmd: protocol.CmdGroups})
	if len(groups.Groups) != 1 {
		t.Fatalf("groups = %+v", groups.Groups)
	}
	g := groups.Groups[0]
	if g.Name != "My Group" || g.Folder != "my-group" || g.SessionID != "sess-1" {
		t.Fatalf("group = %+v", g)
	}

	// Second send resumes with the stored token.
	roundTrip(t, sock, protocol.Request{Cmd: protocol.CmdSend, Group: "My Group", Prompt: "again"})
	if got := exec.sessions(); got[0] != "" || got[1] != "sess-1" {
		t.Fatalf("executor sessions = %v", got)
	}
}

func TestSendExecutorFailure(t *testing.T) {
	t.Parallel()
	exec := &fakeExec{err: errors.New("sandbox timed out after 5m0s")}
	sock := startServer(t, exec)

	resp := roundTrip(t, sock, protocol.Request{Cmd: protocol.CmdSend, Group: "g", Prompt: "hi"})
	if resp.Status != protocol.StatusError {
		t.Fatalf("resp = %+v", resp)
	}
	if !strings.Contains(resp.Error, "timed out") {
		t.Fatalf("error = %q", resp.Error)
	}

	// The group row still exists; only the execution failed.
	groups := roundTrip(t, sock, protocol.Request{Cmd: protocol.CmdGroups})
	if len(groups.Groups) != 1 {
		t.Fatalf("groups = %+v", groups.Groups)
	}
}

func TestNewSessionClearsToken(t *testing.T) {
	t.Parallel()
	exec := &fakeExec{res: sandbox.Result{Text: "ok", SessionID: "sess-9"}}
	sock := startServer(t, exec)

	roundTrip(t, sock, protocol.Request{Cmd: protocol.CmdSend, Group: "g", Prompt: "hi"})
	resp := roundTrip(t, sock, protocol.Request{Cmd: protocol.CmdNewSession, Group: "g"})
	if resp.Status != protocol.StatusOK || resp.Message != "Session cleared for g" {
		t.Fatalf("resp = %+v", resp)
	}

	groups := roundTrip(t, sock, protocol.Request{Cmd: protocol.CmdGroups})
	if groups.Groups[0].SessionID != "" {
		t.Fatalf("session not cleared: %+v", groups.Groups[0])
	}
}

func TestNewSessionCreatesMissingGroup(t *testing.T) {
	t.Parallel()
	sock := startServer(t, &fakeExec{})

	resp := roundTrip(t, sock, protocol.Request{Cmd: protocol.CmdNewSession, Group: "fresh"})
	if resp.Status != protocol.StatusOK {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	sock := startServer(t, &fakeExec{})

	add := roundTrip(t, sock, protocol.Request{
		Cmd: protocol.CmdTaskAdd, Group: "g", Cron: "*/15", Prompt: "report",
	})
	if add.Status != protocol.StatusOK || add.TaskID == "" || add.NextRun == "" {
		t.Fatalf("add = %+v", add)
	}

	list := roundTrip(t, sock, protocol.Request{Cmd: protocol.CmdTaskList})
	if len(list.Tasks) != 1 || list.Tasks[0].ID != add.TaskID {
		t.Fatalf("list = %+v", list.Tasks)
	}
	if got := list.Tasks[0]; got.GroupName != "g" || got.Cron != "*/15" || got.Status != "active" {
		t.Fatalf("task = %+v", got)
	}

	rm := roundTrip(t, sock, protocol.Request{Cmd: protocol.CmdTaskRm, TaskID: add.TaskID})
	if rm.Status != protocol.StatusOK {
		t.Fatalf("rm = %+v", rm)
	}

	list = roundTrip(t, sock, protocol.Request{Cmd: protocol.CmdTaskList})
	if len(list.Tasks) != 0 {
		t.Fatalf("task survived removal: %+v", list.Tasks)
	}
}

func TestTaskAddInvalidCron(t *testing.T) {
	t.Parallel()
	sock := startServer(t, &fakeExec{})

	resp := roundTrip(t, sock, protocol.Request{
		Cmd: protocol.CmdTaskAdd, Group: "g", Cron: "bogus", Prompt: "x",
	})
	if resp.Status != protocol.StatusError {
		t.Fatalf("resp = %+v", resp)
	}
	want := "Invalid cron: bogus. Use @hourly, @daily, @weekly, */N, once:+Nm, or once:DATETIME"
	if resp.Error != want {
		t.Fatalf("error = %q, want %q", resp.Error, want)
	}

	list := roundTrip(t, sock, protocol.Request{Cmd: protocol.CmdTaskList})
	if len(list.Tasks) != 0 {
		t.Fatalf("task persisted despite invalid cron: %+v", list.Tasks)
	}
}

func TestTaskRmNotFound(t *testing.T) {
	t.Parallel()
	sock := startServer(t, &fakeExec{})

	resp := roundTrip(t, sock, protocol.Request{Cmd: protocol.CmdTaskRm, TaskID: "deadbeef"})
	if resp.Status != protocol.StatusError || resp.Error != "Task deadbeef not found" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestListenRefusesStaleSocket(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	store, err := storage.Open(storage.Config{
		Path:      filepath.Join(dir, "test.db"),
		GroupsDir: filepath.Join(dir, "groups"),
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	sock := filepath.Join(dir, "d.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srv := New(Config{SocketPath: sock}, store, transcript.New(dir), &fakeExec{}, logx.Nop())
	if err := srv.Listen(); err == nil {
		t.Fatal("Listen succeeded over an existing socket")
	}

	forced := New(Config{SocketPath: sock, Force: true}, store, transcript.New(dir), &fakeExec{}, logx.Nop())
	if err := forced.Listen(); err != nil {
		t.Fatalf("forced Listen failed: %v", err)
	}
}

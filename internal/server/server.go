// Package server is the unix socket control surface: one newline-framed
// JSON request per connection, one response, close.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hermit/internal/protocol"
	"hermit/internal/sandbox"
	"hermit/internal/schedule"
	"hermit/internal/storage"
	"hermit/internal/transcript"
	"hermit/pkg/logx"
)

// DefaultGroup receives requests that name no group.
const DefaultGroup = "default"

const (
	readTimeout  = time.Minute
	writeTimeout = 30 * time.Second
)

// Executor runs one prompt in a group's working directory and blocks until
// it finishes. The error return carries the failure message shown to the
// client.
type Executor interface {
	Run(ctx context.Context, groupDir, prompt, sessionID string) (sandbox.Result, error)
}

type Config struct {
	// SocketPath is the listening endpoint.
	SocketPath string

	// Force removes a pre-existing socket file instead of failing startup.
	Force bool
}

type Server struct {
	cfg   Config
	store *storage.Store
	hist  *transcript.Log
	exec  Executor
	log   logx.Logger

	// protoLogLimit throttles malformed-request logging so a misbehaving
	// client cannot flood the log.
	protoLogLimit *rate.Limiter

	ln net.Listener
	wg sync.WaitGroup
}

func New(cfg Config, store *storage.Store, hist *transcript.Log, exec Executor, log logx.Logger) *Server {
	return &Server{
		cfg:           cfg,
		store:         store,
		hist:          hist,
		exec:          exec,
		log:           log.With(logx.String("comp", "server")),
		protoLogLimit: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Listen binds the socket. A leftover socket file from a previous daemon is
// fatal unless Force is set, in which case it is removed first.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.cfg.SocketPath); err == nil {
		if !s.cfg.Force {
			return fmt.Errorf("socket %s already exists (daemon running? pass force to override)", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
		s.log.Warn("removed stale socket", logx.String("path", s.cfg.SocketPath))
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}
	s.ln = ln
	s.log.Info("listening", logx.String("path", s.cfg.SocketPath))
	return nil
}

// Serve accepts connections until ctx is canceled, then waits for in-flight
// handlers. Listen must have succeeded first.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("server not listening")
	}

	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("accept failed", logx.Err(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	_ = os.Remove(s.cfg.SocketPath)
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	req, err := protocol.ReadRequest(conn)
	if err != nil {
		if s.protoLogLimit.Allow() {
			s.log.Warn("malformed request", logx.Err(err))
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = protocol.Write(conn, protocol.Errorf("Invalid request: %v", err))
		return
	}

	resp := s.dispatch(ctx, req)

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := protocol.Write(conn, resp); err != nil {
		s.log.Warn("write response failed", logx.String("cmd", req.Cmd), logx.Err(err))
	}
}

func (s *Server) dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Cmd {
	case protocol.CmdPing:
		return protocol.OK("pong")
	case protocol.CmdSend:
		return s.handleSend(ctx, req)
	case protocol.CmdGroups:
		return s.handleGroups(ctx)
	case protocol.CmdNewSession:
		return s.handleNewSession(ctx, req)
	case protocol.CmdTaskAdd:
		return s.handleTaskAdd(ctx, req)
	case protocol.CmdTaskList:
		return s.handleTaskList(ctx)
	case protocol.CmdTaskRm:
		return s.handleTaskRm(ctx, req)
	default:
		return protocol.Errorf("Unknown command: %s", req.Cmd)
	}
}

func (s *Server) handleSend(ctx context.Context, req protocol.Request) protocol.Response {
	if req.Prompt == "" {
		return protocol.Errorf("No prompt provided")
	}
	name := groupOrDefault(req.Group)

	g, err := s.store.GetOrCreateGroup(ctx, name)
	if err != nil {
		return protocol.Errorf("%v", err)
	}

	res, runErr := s.exec.Run(ctx, s.store.GroupDir(g.Folder), req.Prompt, g.SessionID)

	s.appendHistory(g.Folder, transcript.RoleUser, req.Prompt)
	if runErr != nil {
		s.appendHistory(g.Folder, transcript.RoleAssistant, runErr.Error())
		return protocol.Errorf("%v", runErr)
	}
	if res.Text != "" {
		s.appendHistory(g.Folder, transcript.RoleAssistant, res.Text)
	}

	if res.SessionID != "" {
		if err := s.store.UpdateSessionToken(ctx, name, res.SessionID); err != nil {
			s.log.Warn("session update failed", logx.String("group", name), logx.Err(err))
		}
	}

	return protocol.Response{
		Status:    protocol.StatusSuccess,
		Result:    res.Text,
		SessionID: res.SessionID,
	}
}

func (s *Server) handleGroups(ctx context.Context) protocol.Response {
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return protocol.Errorf("%v", err)
	}
	out := make([]protocol.Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, protocol.Group{
			Name:      g.Name,
			Folder:    g.Folder,
			SessionID: g.SessionID,
			CreatedAt: wireTime(g.CreatedAt),
		})
	}
	return protocol.Response{Status: protocol.StatusOK, Groups: out}
}

func (s *Server) handleNewSession(ctx context.Context, req protocol.Request) protocol.Response {
	name := groupOrDefault(req.Group)
	if _, err := s.store.GetOrCreateGroup(ctx, name); err != nil {
		return protocol.Errorf("%v", err)
	}
	if err := s.store.UpdateSessionToken(ctx, name, ""); err != nil {
		return protocol.Errorf("%v", err)
	}
	return protocol.OK(fmt.Sprintf("Session cleared for %s", name))
}

func (s *Server) handleTaskAdd(ctx context.Context, req protocol.Request) protocol.Response {
	if req.Prompt == "" {
		return protocol.Errorf("No prompt provided")
	}
	if _, err := schedule.Parse(req.Cron); err != nil {
		return protocol.Errorf(
			"Invalid cron: %s. Use @hourly, @daily, @weekly, */N, once:+Nm, or once:DATETIME", req.Cron)
	}

	t, err := s.store.CreateTask(ctx, groupOrDefault(req.Group), req.Cron, req.Prompt, time.Now())
	if err != nil {
		return protocol.Errorf("%v", err)
	}
	return protocol.Response{
		Status:  protocol.StatusOK,
		TaskID:  t.ID,
		NextRun: wireTime(t.NextRun),
	}
}

func (s *Server) handleTaskList(ctx context.Context) protocol.Response {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return protocol.Errorf("%v", err)
	}
	out := make([]protocol.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, protocol.Task{
			ID:         t.ID,
			GroupName:  t.GroupName,
			Cron:       t.Cron,
			Prompt:     t.Prompt,
			NextRun:    wireTime(t.NextRun),
			LastRun:    wireTime(t.LastRun),
			LastResult: t.LastResult,
			Status:     t.Status,
		})
	}
	return protocol.Response{Status: protocol.StatusOK, Tasks: out}
}

func (s *Server) handleTaskRm(ctx context.Context, req protocol.Request) protocol.Response {
	if err := s.store.RemoveTask(ctx, req.TaskID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return protocol.Errorf("Task %s not found", req.TaskID)
		}
		return protocol.Errorf("%v", err)
	}
	return protocol.OK(fmt.Sprintf("Task %s deleted", req.TaskID))
}

func (s *Server) appendHistory(folder, role, text string) {
	if err := s.hist.Append(folder, role, text); err != nil {
		s.log.Warn("history append failed", logx.String("folder", folder), logx.Err(err))
	}
}

func groupOrDefault(name string) string {
	if name == "" {
		return DefaultGroup
	}
	return name
}

func wireTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// Package sandbox runs one prompt at a time inside a bubblewrap jail and
// returns the assistant's reply plus the continuation token, if any.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"hermit/internal/tools"
	"hermit/pkg/logx"
)

// Result is a successful sandbox execution. SessionID is empty when the
// assistant did not report a continuation token.
type Result struct {
	Text      string
	SessionID string
}

// Config configures the runner.
type Config struct {
	// Timeout is the hard wall-clock limit per execution.
	Timeout time.Duration

	// Binary is the assistant CLI run inside the sandbox.
	Binary string

	// Bwrap is the bubblewrap executable.
	Bwrap string

	// ClaudeDir, ToolsDir, ToolConfigDir are hermit state directories
	// mounted into (or read for) each invocation.
	ClaudeDir     string
	ToolsDir      string
	ToolConfigDir string
}

// Runner executes prompts in isolation. Invocations against the same group
// directory are serialized with a per-directory lock held across the whole
// call, so a concurrent send and a scheduled task can never share a
// workspace.
type Runner struct {
	cfg Config
	log logx.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	credOnce sync.Once
}

func New(cfg Config, log logx.Logger) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.Bwrap == "" {
		cfg.Bwrap = "bwrap"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: cfg, log: log, locks: map[string]*sync.Mutex{}}
}

func (r *Runner) groupLock(dir string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[dir]
	if !ok {
		l = &sync.Mutex{}
		r.locks[dir] = l
	}
	return l
}

// Run executes one prompt in the group's directory and blocks until the
// sandbox exits or the timeout fires. The error return is the failure
// message of the executor contract: timeouts, nonzero exits, and launch
// failures all land there, never as panics.
func (r *Runner) Run(ctx context.Context, groupDir, prompt, sessionID string) (Result, error) {
	lock := r.groupLock(groupDir)
	lock.Lock()
	defer lock.Unlock()

	r.credOnce.Do(r.seedCredentials)

	home, err := os.UserHomeDir()
	if err != nil {
		return Result{}, fmt.Errorf("resolve home dir: %w", err)
	}

	args := BuildArgs(BwrapOptions{
		GroupDir:  groupDir,
		Home:      home,
		ClaudeDir: r.cfg.ClaudeDir,
		ToolsDir:  r.cfg.ToolsDir,
		GHToken:   tools.GHToken(r.cfg.ToolConfigDir),
	})
	args = append(args, buildCommand(r.cfg.Binary, prompt, sessionID)...)

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, r.cfg.Bwrap, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	r.log.Debug("sandbox start", logx.String("dir", groupDir), logx.Bool("resume", sessionID != ""))
	err = cmd.Run()
	r.log.Debug("sandbox done", logx.String("dir", groupDir), logx.Duration("took", time.Since(start)), logx.Err(err))

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Result{}, fmt.Errorf("sandbox timed out after %s", r.cfg.Timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, fmt.Errorf("%s exited with code %d: %s",
				r.cfg.Binary, exitErr.ExitCode(), tail(stderr.String(), 500))
		}
		return Result{}, fmt.Errorf("launch sandbox: %w", err)
	}

	return parseOutput(stdout.Bytes()), nil
}

// buildCommand assembles the assistant invocation appended after the bwrap
// argument list.
func buildCommand(binary, prompt, sessionID string) []string {
	cmd := []string{binary, "-p", "--output-format", "json", "--dangerously-skip-permissions"}
	if sessionID != "" {
		cmd = append(cmd, "--resume", sessionID)
	}
	return append(cmd, prompt)
}

// parseOutput decodes the assistant's JSON output. Non-JSON output is
// passed through verbatim so a misbehaving CLI still yields a result.
func parseOutput(out []byte) Result {
	var payload struct {
		Result    string `json:"result"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return Result{Text: string(out)}
	}
	res := Result{Text: payload.Result, SessionID: payload.SessionID}
	if res.Text == "" {
		res.Text = string(out)
	}
	return res
}

// seedCredentials copies the user's claude credentials into hermit's
// isolated claude dir, once, if hermit doesn't have its own yet.
func (r *Runner) seedCredentials() {
	if r.cfg.ClaudeDir == "" {
		return
	}
	if err := os.MkdirAll(r.cfg.ClaudeDir, 0o700); err != nil {
		r.log.Warn("create claude dir", logx.Err(err))
		return
	}
	dst := filepath.Join(r.cfg.ClaudeDir, ".credentials.json")
	if _, err := os.Stat(dst); err == nil {
		return
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	src := filepath.Join(home, ".claude", ".credentials.json")
	if err := copyFile(src, dst); err != nil && !os.IsNotExist(err) {
		r.log.Warn("seed claude credentials", logx.Err(err))
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

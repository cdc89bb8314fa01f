// Package scheduler polls the task store and fires due tasks. Timing
// granularity is one polling interval; that coarseness is accepted in
// exchange for a loop with no timer bookkeeping.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"hermit/internal/sandbox"
	"hermit/internal/storage"
	"hermit/internal/transcript"
	"hermit/pkg/logx"
)

const DefaultInterval = time.Minute

// Executor mirrors the sandbox runner's Run. The scheduler never inspects
// how a prompt is executed, only the result or failure text.
type Executor interface {
	Run(ctx context.Context, groupDir, prompt, sessionID string) (sandbox.Result, error)
}

type Config struct {
	// Interval between due-task polls.
	Interval time.Duration
}

type Scheduler struct {
	cfg   Config
	store *storage.Store
	hist  *transcript.Log
	exec  Executor
	log   logx.Logger
}

func New(cfg Config, store *storage.Store, hist *transcript.Log, exec Executor, log logx.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Scheduler{
		cfg:   cfg,
		store: store,
		hist:  hist,
		exec:  exec,
		log:   log.With(logx.String("comp", "scheduler")),
	}
}

// Run polls until ctx is canceled. The first poll happens immediately so a
// freshly started daemon picks up overdue tasks without waiting a full
// interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", logx.Duration("interval", s.cfg.Interval))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.tick(ctx, time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick runs every due task sequentially. A failing task records its failure
// and never blocks the rest of the batch.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.log.Error("due-task query failed", logx.Err(err))
		return
	}

	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.runTask(ctx, t); err != nil {
			s.log.Error("task run failed", logx.String("task", t.ID), logx.Err(err))
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context, t storage.Task) error {
	s.log.Info("running task",
		logx.String("task", t.ID),
		logx.String("group", t.GroupName),
		logx.String("cron", t.Cron))

	g, err := s.store.GetOrCreateGroup(ctx, t.GroupName)
	if err != nil {
		return fmt.Errorf("resolve group: %w", err)
	}

	res, runErr := s.exec.Run(ctx, s.store.GroupDir(g.Folder), t.Prompt, g.SessionID)

	resultText := res.Text
	if runErr != nil {
		resultText = runErr.Error()
	}

	s.appendHistory(g.Folder, transcript.RoleUser, fmt.Sprintf("[task:%s] %s", t.ID, t.Prompt))
	if resultText != "" {
		s.appendHistory(g.Folder, transcript.RoleAssistant, resultText)
	}

	if runErr == nil && res.SessionID != "" {
		if err := s.store.UpdateSessionToken(ctx, t.GroupName, res.SessionID); err != nil {
			s.log.Warn("session update failed", logx.String("group", t.GroupName), logx.Err(err))
		}
	}

	if err := s.store.RecordExecution(ctx, t.ID, resultText, t.Cron, time.Now()); err != nil {
		return fmt.Errorf("record execution: %w", err)
	}

	s.log.Info("task finished", logx.String("task", t.ID), logx.Bool("failed", runErr != nil))
	return nil
}

func (s *Scheduler) appendHistory(folder, role, text string) {
	if err := s.hist.Append(folder, role, text); err != nil {
		s.log.Warn("history append failed", logx.String("folder", folder), logx.Err(err))
	}
}

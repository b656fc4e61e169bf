// Package scheduler drives knowledge base refreshes: a fixed-interval
// ticker and on-demand triggers. It only ever goes through the manager,
// never the store, so refresh coalescing stays intact. On-demand triggers
// run as tasks in a bounded pool and return a handle joinable for status.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skimlab/arxival/internal/kb"
)

// taskTimeout bounds one triggered update run. Variable so tests can
// shorten it.
var taskTimeout = 10 * time.Minute

// Updater is the slice of the knowledge base manager the scheduler calls.
type Updater interface {
	Update(ctx context.Context, categories []string, force bool) (kb.UpdateSummary, error)
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is the observable state of one triggered update.
type Task struct {
	ID         string           `json:"task_id"`
	Status     TaskStatus       `json:"status"`
	Categories []string         `json:"categories,omitempty"`
	Force      bool             `json:"force"`
	Submitted  time.Time        `json:"submitted"`
	Finished   time.Time        `json:"finished,omitzero"`
	Summary    kb.UpdateSummary `json:"-"`
	Error      string           `json:"error,omitempty"`
}

type Scheduler struct {
	updater  Updater
	interval time.Duration
	logger   *slog.Logger

	// sem bounds concurrently running triggered tasks.
	sem chan struct{}

	mu    sync.Mutex
	tasks map[string]*Task
	wg    sync.WaitGroup
}

func New(updater Updater, interval time.Duration, workers int, logger *slog.Logger) *Scheduler {
	if workers <= 0 {
		workers = 2
	}
	return &Scheduler{
		updater:  updater,
		interval: interval,
		logger:   logger,
		sem:      make(chan struct{}, workers),
		tasks:    make(map[string]*Task),
	}
}

// Run refreshes all categories every interval until ctx is cancelled. A
// failed run is logged and the loop waits for the next tick; retries are
// the fetcher's business, not the scheduler's.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("update scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("update scheduler stopped")
			return
		case <-ticker.C:
			summary, err := s.updater.Update(ctx, nil, false)
			switch {
			case err != nil:
				s.logger.Error("scheduled update failed", "error", err)
			case len(summary.Failed()) > 0:
				s.logger.Warn("scheduled update partially failed", "categories", summary.Failed())
			default:
				s.logger.Info("scheduled update finished", "categories", len(summary.Categories))
			}
		}
	}
}

// Trigger submits an update task and returns its ID immediately. The task
// waits for a pool slot, runs with its own timeout, and records its
// outcome for later Status calls.
func (s *Scheduler) Trigger(categories []string, force bool) string {
	task := &Task{
		ID:         uuid.NewString(),
		Status:     TaskPending,
		Categories: categories,
		Force:      force,
		Submitted:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		s.setStatus(task.ID, TaskRunning, kb.UpdateSummary{}, "")

		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		defer cancel()
		summary, err := s.updater.Update(ctx, categories, force)
		if err != nil {
			s.logger.Error("triggered update failed", "task_id", task.ID, "error", err)
			s.setStatus(task.ID, TaskFailed, summary, err.Error())
			return
		}
		status := TaskCompleted
		if len(summary.Failed()) > 0 {
			status = TaskFailed
		}
		s.setStatus(task.ID, status, summary, "")
	}()
	return task.ID
}

// Status returns a snapshot of the task, or false for an unknown ID.
func (s *Scheduler) Status(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// Close waits for in-flight triggered tasks to finish.
func (s *Scheduler) Close() {
	s.wg.Wait()
}

func (s *Scheduler) setStatus(id string, status TaskStatus, summary kb.UpdateSummary, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return
	}
	task.Status = status
	task.Error = errMsg
	if status == TaskCompleted || status == TaskFailed {
		task.Summary = summary
		task.Finished = time.Now().UTC()
	}
}

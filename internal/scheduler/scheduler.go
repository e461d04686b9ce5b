// Package scheduler runs the core's background passes (semantic index
// sync, idle-compaction sweep) on cron cadences. Job failures are captured
// into a bounded run log and deferred to the next tick; nothing retries
// inline and nothing escapes to crash the host.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

// maxRunLog bounds the in-memory run history.
const maxRunLog = 200

// Job is a named background pass with a 5-field cron expression.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

// RunLogEntry records one completed job run.
type RunLogEntry struct {
	ID        string
	Job       string
	StartedAt time.Time
	Duration  time.Duration
	Err       string
}

// Scheduler ticks once a minute and fires whichever jobs are due.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []Job
	runLog  []RunLogEntry
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
	gron    *gronx.Gronx
}

func New() *Scheduler {
	return &Scheduler{gron: gronx.New()}
}

// Add registers a job. Invalid expressions are rejected up front so a bad
// config value cannot silently disable a pass.
func (s *Scheduler) Add(job Job) bool {
	if !s.gron.IsValid(job.Expr) {
		slog.Warn("invalid cron expression, job not scheduled", "job", job.Name, "expr", job.Expr)
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return true
}

// Start begins the minute loop. Stop with Stop; ctx cancellation also
// halts in-flight runs.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	jobs := make([]Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, job := range jobs {
		due, err := s.gron.IsDue(job.Expr, now)
		if err != nil || !due {
			continue
		}
		s.wg.Add(1)
		go func(j Job) {
			defer s.wg.Done()
			s.runOne(ctx, j)
		}(job)
	}
}

func (s *Scheduler) runOne(ctx context.Context, job Job) {
	entry := RunLogEntry{
		ID:        uuid.NewString(),
		Job:       job.Name,
		StartedAt: time.Now(),
	}
	err := job.Run(ctx)
	entry.Duration = time.Since(entry.StartedAt)
	if err != nil {
		entry.Err = err.Error()
		slog.Warn("background job failed, deferring to next tick",
			"job", job.Name, "run_id", entry.ID, "error", err)
	} else {
		slog.Debug("background job completed",
			"job", job.Name, "run_id", entry.ID, "duration", entry.Duration)
	}

	s.mu.Lock()
	s.runLog = append(s.runLog, entry)
	if len(s.runLog) > maxRunLog {
		s.runLog = s.runLog[len(s.runLog)-maxRunLog:]
	}
	s.mu.Unlock()
}

// Stop halts the loop and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
}

// RunLog returns a copy of the recorded runs, oldest first.
func (s *Scheduler) RunLog() []RunLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunLogEntry, len(s.runLog))
	copy(out, s.runLog)
	return out
}

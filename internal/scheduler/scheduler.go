// Package scheduler runs named background jobs, either periodically or once
// after a delay. Jobs are identified by name; scheduling an existing name
// is resolved by a Policy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Policy decides what happens when a periodic job with the same name exists.
type Policy int

const (
	// Keep leaves the existing job untouched.
	Keep Policy = iota
	// Replace cancels the existing job and starts a new period from now.
	Replace
	// Update keeps the phase: the next run is the last run plus the new interval.
	Update
)

func (p Policy) String() string {
	switch p {
	case Keep:
		return "keep"
	case Replace:
		return "replace"
	case Update:
		return "update"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ErrStopped is returned once the scheduler has been stopped.
var ErrStopped = errors.New("scheduler stopped")

// Job is one unit of scheduled work.
type Job struct {
	Name    string
	Payload map[string]string
	// Delay postpones a one-shot job.
	Delay time.Duration
}

// Handler runs a due job.
type Handler func(ctx context.Context, job Job)

type entry struct {
	job      Job
	periodic bool
	interval time.Duration
	lastRun  time.Time
	timer    *time.Timer
	seq      uint64
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	logger  *slog.Logger
	handler atomic.Value // Handler
	now     func() time.Time

	mu      sync.Mutex
	jobs    map[string]*entry
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an empty scheduler. Jobs that fire before SetHandler are dropped.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		logger: logger,
		now:    time.Now,
		jobs:   make(map[string]*entry),
		ctx:    ctx,
		cancel: cancel,
	}
	s.handler.Store(Handler(func(context.Context, Job) {}))
	return s
}

// SetHandler installs the function run for every due job.
func (s *Scheduler) SetHandler(h Handler) {
	if h == nil {
		h = func(context.Context, Job) {}
	}
	s.handler.Store(h)
}

// SchedulePeriodic registers name to run every interval according to policy.
func (s *Scheduler) SchedulePeriodic(name string, interval time.Duration, policy Policy, payload map[string]string) error {
	if name == "" {
		return errors.New("schedule periodic: empty job name")
	}
	if interval <= 0 {
		return fmt.Errorf("schedule periodic %s: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}

	now := s.now()
	existing, ok := s.jobs[name]
	if ok && existing.periodic {
		switch policy {
		case Keep:
			return nil
		case Update:
			existing.timer.Stop()
			existing.interval = interval
			if payload != nil {
				existing.job.Payload = payload
			}
			delay := existing.lastRun.Add(interval).Sub(now)
			if delay < 0 {
				delay = 0
			}
			s.armLocked(existing, delay)
			s.logger.Debug("periodic job updated", "job", name, "interval", interval, "next_in", delay)
			return nil
		}
	}
	if ok {
		existing.timer.Stop()
	}

	e := &entry{
		job:      Job{Name: name, Payload: payload},
		periodic: true,
		interval: interval,
		lastRun:  now,
	}
	s.jobs[name] = e
	s.armLocked(e, interval)
	s.logger.Debug("periodic job scheduled", "job", name, "interval", interval, "policy", policy)
	return nil
}

// ScheduleOnce runs job once after job.Delay, replacing any job of the same name.
func (s *Scheduler) ScheduleOnce(job Job) error {
	if job.Name == "" {
		return errors.New("schedule once: empty job name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if existing, ok := s.jobs[job.Name]; ok {
		existing.timer.Stop()
	}
	delay := job.Delay
	if delay < 0 {
		delay = 0
	}
	e := &entry{job: job, lastRun: s.now()}
	s.jobs[job.Name] = e
	s.armLocked(e, delay)
	return nil
}

// Cancel removes name. It reports whether a job was registered.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.jobs, name)
	return true
}

// Interval returns the period of a periodic job.
func (s *Scheduler) Interval(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok || !e.periodic {
		return 0, false
	}
	return e.interval, true
}

// Stop cancels every job and waits for running handlers to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for name, e := range s.jobs {
		e.timer.Stop()
		delete(s.jobs, name)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// armLocked (re)starts e's timer. A timer that already fired but is still
// waiting for the lock is invalidated by the sequence number.
func (s *Scheduler) armLocked(e *entry, delay time.Duration) {
	e.seq++
	seq := e.seq
	e.timer = time.AfterFunc(delay, func() { s.fire(e, seq) })
}

func (s *Scheduler) fire(e *entry, seq uint64) {
	s.mu.Lock()
	if s.stopped || s.jobs[e.job.Name] != e || e.seq != seq {
		s.mu.Unlock()
		return
	}
	job := e.job
	e.lastRun = s.now()
	if e.periodic {
		s.armLocked(e, e.interval)
	} else {
		delete(s.jobs, job.Name)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	h, _ := s.handler.Load().(Handler)
	s.safeInvoke(h, job)
}

func (s *Scheduler) safeInvoke(h Handler, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job handler panic", "job", job.Name, "panic", r)
		}
	}()
	h(s.ctx, job)
}

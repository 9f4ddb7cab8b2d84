package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu   sync.Mutex
	runs []Job
	ch   chan Job
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Job, 64)}
}

func (r *recorder) handle(_ context.Context, job Job) {
	r.mu.Lock()
	r.runs = append(r.runs, job)
	r.mu.Unlock()
	select {
	case r.ch <- job:
	default:
	}
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.runs {
		if j.Name == name {
			n++
		}
	}
	return n
}

func (r *recorder) wait(t *testing.T, name string) Job {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case j := <-r.ch:
			if j.Name == name {
				return j
			}
		case <-deadline:
			t.Fatalf("job %s did not run", name)
		}
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *recorder) {
	t.Helper()
	s := New(nil)
	r := newRecorder()
	s.SetHandler(r.handle)
	t.Cleanup(s.Stop)
	return s, r
}

func TestPeriodicJobRepeats(t *testing.T) {
	s, r := newTestScheduler(t)
	if err := s.SchedulePeriodic("report", 5*time.Millisecond, Keep, map[string]string{"k": "v"}); err != nil {
		t.Fatalf("SchedulePeriodic failed: %v", err)
	}
	job := r.wait(t, "report")
	if job.Payload["k"] != "v" {
		t.Errorf("payload not delivered: %+v", job)
	}
	r.wait(t, "report")
	r.wait(t, "report")
}

func TestKeepLeavesExistingJob(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.SchedulePeriodic("report", time.Hour, Keep, nil)
	s.SchedulePeriodic("report", time.Minute, Keep, nil)

	if iv, _ := s.Interval("report"); iv != time.Hour {
		t.Errorf("expected original interval, got %v", iv)
	}
}

func TestUpdateChangesInterval(t *testing.T) {
	s, r := newTestScheduler(t)
	s.SchedulePeriodic("report", time.Hour, Keep, nil)
	if err := s.SchedulePeriodic("report", 5*time.Millisecond, Update, nil); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if iv, _ := s.Interval("report"); iv != 5*time.Millisecond {
		t.Errorf("expected new interval, got %v", iv)
	}
	r.wait(t, "report")
}

func TestUpdateKeepsPhase(t *testing.T) {
	s, r := newTestScheduler(t)
	base := time.Now()
	now := base
	var mu sync.Mutex
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s.SchedulePeriodic("report", time.Hour, Keep, nil)

	// the last run was 59 minutes ago; a 30 minute interval is already overdue
	mu.Lock()
	now = base.Add(59 * time.Minute)
	mu.Unlock()
	s.SchedulePeriodic("report", 30*time.Minute, Update, nil)
	r.wait(t, "report")
}

func TestReplaceRestartsPeriod(t *testing.T) {
	s, r := newTestScheduler(t)
	s.SchedulePeriodic("report", 5*time.Millisecond, Keep, nil)
	s.SchedulePeriodic("report", time.Hour, Replace, nil)

	time.Sleep(30 * time.Millisecond)
	if n := r.count("report"); n != 0 {
		t.Errorf("replaced job must not run on the old period, ran %d times", n)
	}
}

func TestScheduleOnceRunsOnce(t *testing.T) {
	s, r := newTestScheduler(t)
	if err := s.ScheduleOnce(Job{Name: "check", Delay: 5 * time.Millisecond}); err != nil {
		t.Fatalf("ScheduleOnce failed: %v", err)
	}
	r.wait(t, "check")
	time.Sleep(20 * time.Millisecond)
	if n := r.count("check"); n != 1 {
		t.Errorf("expected one run, got %d", n)
	}
	if s.Cancel("check") {
		t.Error("finished one-shot job should be gone")
	}
}

func TestCancelPreventsRun(t *testing.T) {
	s, r := newTestScheduler(t)
	s.ScheduleOnce(Job{Name: "check", Delay: 10 * time.Millisecond})
	if !s.Cancel("check") {
		t.Fatal("expected job to be registered")
	}
	time.Sleep(30 * time.Millisecond)
	if n := r.count("check"); n != 0 {
		t.Errorf("cancelled job ran %d times", n)
	}
}

func TestStopRejectsNewJobs(t *testing.T) {
	s := New(nil)
	s.Stop()
	s.Stop()
	if err := s.SchedulePeriodic("x", time.Second, Keep, nil); err != ErrStopped {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	if err := s.ScheduleOnce(Job{Name: "x"}); err != ErrStopped {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestValidation(t *testing.T) {
	s, _ := newTestScheduler(t)
	if err := s.SchedulePeriodic("", time.Second, Keep, nil); err == nil {
		t.Error("expected error for empty name")
	}
	if err := s.SchedulePeriodic("x", 0, Keep, nil); err == nil {
		t.Error("expected error for zero interval")
	}
}

func TestHandlerPanicDoesNotStopSchedule(t *testing.T) {
	s := New(nil)
	t.Cleanup(s.Stop)
	calls := make(chan struct{}, 8)
	s.SetHandler(func(context.Context, Job) {
		select {
		case calls <- struct{}{}:
		default:
		}
		panic("boom")
	})
	s.SchedulePeriodic("p", 5*time.Millisecond, Keep, nil)

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("periodic job stopped after a panic")
		}
	}
}

// Package trigger decides when the device publishes a location report.
// Signals from motion, geofence, network and battery sources are funnelled
// into a single loop goroutine that owns the locator state.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bbq191/find-my-android-sub002/internal/model"
	"github.com/bbq191/find-my-android-sub002/internal/observe"
	"github.com/bbq191/find-my-android-sub002/internal/scheduler"
)

// Scheduler job names used by the engine.
const (
	JobPeriodic       = "locator-periodic"
	JobDormancyCheck  = "locator-dormancy-check"
	DefaultSelfFence  = "self"
	signalBufferSize  = 32
	defaultReportWait = 30 * time.Second
)

// Config tunes cadence and state thresholds. Zero fields take defaults.
type Config struct {
	DormantThreshold time.Duration
	ActiveWindow     time.Duration
	SuppressWindow   time.Duration
	MinInterval      time.Duration
	MaxInterval      time.Duration
	ActiveInterval   time.Duration
	Intervals        map[model.ActivityType]time.Duration
	LowBatteryFactor float64
	PowerSaveFactor  float64
	SelfFenceID      string
	ReportTimeout    time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DormantThreshold: 30 * time.Minute,
		ActiveWindow:     5 * time.Minute,
		SuppressWindow:   2 * time.Minute,
		MinInterval:      time.Minute,
		MaxInterval:      60 * time.Minute,
		ActiveInterval:   time.Minute,
		Intervals:        defaultIntervals(),
		LowBatteryFactor: 2,
		PowerSaveFactor:  3,
		SelfFenceID:      DefaultSelfFence,
		ReportTimeout:    defaultReportWait,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DormantThreshold <= 0 {
		c.DormantThreshold = d.DormantThreshold
	}
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = d.ActiveWindow
	}
	if c.SuppressWindow <= 0 {
		c.SuppressWindow = d.SuppressWindow
	}
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.ActiveInterval <= 0 {
		c.ActiveInterval = d.ActiveInterval
	}
	intervals := d.Intervals
	for a, iv := range c.Intervals {
		if iv > 0 {
			intervals[a] = iv
		}
	}
	c.Intervals = intervals
	if c.LowBatteryFactor < 1 {
		c.LowBatteryFactor = d.LowBatteryFactor
	}
	if c.PowerSaveFactor < 1 {
		c.PowerSaveFactor = d.PowerSaveFactor
	}
	if c.SelfFenceID == "" {
		c.SelfFenceID = d.SelfFenceID
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = d.ReportTimeout
	}
	return c
}

// Subscription cancels a signal source registration.
type Subscription interface {
	Unsubscribe()
}

// MotionSource delivers activity recognition updates.
type MotionSource interface {
	Available() bool
	Subscribe(fn func(model.ActivityType)) (Subscription, error)
}

// GeofenceSource delivers crossings of registered fences. A Subscribe
// error means the fences could not be registered.
type GeofenceSource interface {
	Subscribe(fn func(model.GeofenceEvent)) (Subscription, error)
}

// BatteryMonitor reports the current battery state.
type BatteryMonitor interface {
	Status() model.BatteryStatus
}

// Scheduler runs the engine's periodic and one-shot jobs.
type Scheduler interface {
	SchedulePeriodic(name string, interval time.Duration, policy scheduler.Policy, payload map[string]string) error
	ScheduleOnce(job scheduler.Job) error
	Cancel(name string) bool
}

// ReportRequest is passed to the Reporter for every report attempt.
type ReportRequest struct {
	Reason   model.TriggerReason
	Activity model.ActivityType
	State    model.LocatorState
}

// Report is a built location report ready to send.
type Report struct {
	Topic   string
	Payload []byte
	Record  model.ReportRecord
}

// Reporter acquires a position and encodes it.
type Reporter interface {
	BuildReport(ctx context.Context, req ReportRequest) (Report, error)
}

// Sender hands a report to the communication layer.
type Sender interface {
	Send(ctx context.Context, topic string, payload []byte) model.SendResult
}

// Deps are the engine's collaborators. Motion, Geofences and Battery are optional.
type Deps struct {
	Scheduler Scheduler
	Reporter  Reporter
	Sender    Sender
	Motion    MotionSource
	Geofences GeofenceSource
	Battery   BatteryMonitor
}

// Engine is the adaptive trigger engine.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	activityCh chan model.ActivityType
	speedCh    chan float64
	geofenceCh chan model.GeofenceEvent
	networkCh  chan model.NetworkEvent
	batteryCh  chan model.BatteryStatus
	jobCh      chan string
	triggerCh  chan model.TriggerReason
	resultCh   chan reportResult
	done       chan struct{}

	state      *observe.Value[model.LocatorState]
	activity   *observe.Value[model.ActivityType]
	interval   *observe.Value[time.Duration]
	lastReport *observe.Value[model.ReportRecord]
	failure    *observe.Value[model.ReportFailure]

	// snap is owned by the loop goroutine once started.
	snap snapshot

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	subs    []Subscription
	loopWg  sync.WaitGroup
	workWg  sync.WaitGroup
}

// New validates deps and builds an engine in the Aware state.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Engine, error) {
	switch {
	case deps.Scheduler == nil:
		return nil, errors.New("trigger: scheduler is nil")
	case deps.Reporter == nil:
		return nil, errors.New("trigger: reporter is nil")
	case deps.Sender == nil:
		return nil, errors.New("trigger: sender is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.MinInterval > cfg.MaxInterval {
		return nil, fmt.Errorf("trigger: min interval %s exceeds max interval %s", cfg.MinInterval, cfg.MaxInterval)
	}

	snap := snapshot{state: model.Aware, activity: model.Unknown}
	snap.interval = cadence(snap, cfg)

	return &Engine{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		now:        time.Now,
		activityCh: make(chan model.ActivityType, signalBufferSize),
		speedCh:    make(chan float64, signalBufferSize),
		geofenceCh: make(chan model.GeofenceEvent, signalBufferSize),
		networkCh:  make(chan model.NetworkEvent, signalBufferSize),
		batteryCh:  make(chan model.BatteryStatus, signalBufferSize),
		jobCh:      make(chan string, signalBufferSize),
		triggerCh:  make(chan model.TriggerReason, signalBufferSize),
		resultCh:   make(chan reportResult, signalBufferSize),
		done:       make(chan struct{}),
		state:      observe.NewValue(snap.state),
		activity:   observe.NewValue(snap.activity),
		interval:   observe.NewValue(snap.interval),
		lastReport: observe.NewValue(model.ReportRecord{}),
		failure:    observe.NewValue(model.ReportFailure{}),
		snap:       snap,
	}, nil
}

// Restore seeds the suppression policy with a report persisted by a
// previous run. It has no effect once the engine is running.
func (e *Engine) Restore(rec model.ReportRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running || rec.Timestamp.IsZero() {
		return
	}
	e.snap.lastReportAt = rec.Timestamp
	e.snap.lastReportActivity = rec.Activity
	e.lastReport.Set(rec)
}

// Start subscribes to the signal sources, schedules the periodic job and
// starts the loop. Unavailable sources degrade the engine to periodic-only
// reporting instead of failing.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return errors.New("trigger: engine stopped")
	}
	if e.running {
		return errors.New("trigger: engine already started")
	}

	if e.deps.Battery != nil {
		e.snap.battery = e.deps.Battery.Status()
		e.snap.interval = cadence(e.snap, e.cfg)
		e.interval.Set(e.snap.interval)
	}

	if m := e.deps.Motion; m != nil && m.Available() {
		sub, err := m.Subscribe(e.OnActivity)
		if err != nil {
			e.logger.Warn("motion source unavailable, continuing periodic-only", "error", err)
		} else {
			e.subs = append(e.subs, sub)
			e.snap.motionAvailable = true
		}
	} else {
		e.logger.Warn("motion source unavailable, continuing periodic-only")
	}

	if g := e.deps.Geofences; g != nil {
		sub, err := g.Subscribe(e.OnGeofence)
		if err != nil {
			e.logger.Warn("geofence registration failed, continuing without fences", "error", err)
		} else {
			e.subs = append(e.subs, sub)
		}
	}

	if err := e.deps.Scheduler.SchedulePeriodic(JobPeriodic, e.snap.interval, scheduler.Keep, nil); err != nil {
		e.unsubscribeLocked()
		return fmt.Errorf("schedule periodic report: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.loopWg.Add(1)
	go func() {
		defer e.loopWg.Done()
		e.loop(loopCtx)
	}()

	e.logger.Info("trigger engine started",
		"state", e.snap.state,
		"interval", e.snap.interval,
		"motion", e.snap.motionAvailable)
	return nil
}

// Stop cancels the loop, in-flight reports and all scheduled jobs, and
// unsubscribes every signal source.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.done)
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.unsubscribeLocked()
	e.mu.Unlock()

	e.loopWg.Wait()
	e.workWg.Wait()
	e.deps.Scheduler.Cancel(JobPeriodic)
	e.deps.Scheduler.Cancel(JobDormancyCheck)
	e.logger.Info("trigger engine stopped")
}

func (e *Engine) unsubscribeLocked() {
	for _, s := range e.subs {
		s.Unsubscribe()
	}
	e.subs = nil
}

// State exposes the locator state.
func (e *Engine) State() observe.Readable[model.LocatorState] { return e.state.Readonly() }

// Activity exposes the current activity.
func (e *Engine) Activity() observe.Readable[model.ActivityType] { return e.activity.Readonly() }

// Interval exposes the periodic report interval.
func (e *Engine) Interval() observe.Readable[time.Duration] { return e.interval.Readonly() }

// LastReport exposes the last report that was sent or queued.
func (e *Engine) LastReport() observe.Readable[model.ReportRecord] { return e.lastReport.Readonly() }

// Failures exposes the most recent report failure.
func (e *Engine) Failures() observe.Readable[model.ReportFailure] { return e.failure.Readonly() }

// TriggerReport requests a report for reason. Manual and remote requests
// are never suppressed or dropped: when the engine is busy they wait for
// room until the engine stops.
func (e *Engine) TriggerReport(reason model.TriggerReason) {
	switch reason {
	case model.ReasonManual, model.ReasonRemoteRequest:
		select {
		case e.triggerCh <- reason:
		case <-e.done:
			e.logger.Warn("report request ignored, engine stopped", "reason", reason)
		}
	default:
		offer(e, e.triggerCh, reason, "trigger")
	}
}

// CalibrateWithExternalSpeedHint feeds a speed in metres per second from an
// external positioning source.
func (e *Engine) CalibrateWithExternalSpeedHint(mps float64) {
	offer(e, e.speedCh, mps, "speed_hint")
}

// OnActivity is the motion source sink.
func (e *Engine) OnActivity(a model.ActivityType) {
	offer(e, e.activityCh, a, "activity")
}

// OnGeofence is the geofence source sink.
func (e *Engine) OnGeofence(ev model.GeofenceEvent) {
	offer(e, e.geofenceCh, ev, "geofence")
}

// OnNetwork is the network monitor sink.
func (e *Engine) OnNetwork(ev model.NetworkEvent) {
	offer(e, e.networkCh, ev, "network")
}

// OnBattery is the battery monitor sink.
func (e *Engine) OnBattery(st model.BatteryStatus) {
	offer(e, e.batteryCh, st, "battery")
}

// HandleJob is installed as the scheduler handler.
func (e *Engine) HandleJob(_ context.Context, job scheduler.Job) {
	switch job.Name {
	case JobPeriodic, JobDormancyCheck:
		offer(e, e.jobCh, job.Name, "job")
	}
}

func offer[T any](e *Engine, ch chan T, v T, kind string) {
	select {
	case ch <- v:
	default:
		e.logger.Warn("signal dropped, engine busy", "signal", kind)
	}
}

func (e *Engine) loop(ctx context.Context) {
	for {
		var ev event
		select {
		case <-ctx.Done():
			return
		case a := <-e.activityCh:
			ev = event{kind: evActivity, activity: a}
		case v := <-e.speedCh:
			ev = event{kind: evSpeedHint, speed: v}
		case g := <-e.geofenceCh:
			ev = event{kind: evGeofence, geofence: g}
		case n := <-e.networkCh:
			ev = event{kind: evNetwork, network: n}
		case b := <-e.batteryCh:
			ev = event{kind: evBattery, battery: b}
		case name := <-e.jobCh:
			ev = event{kind: evPeriodic}
			if name == JobDormancyCheck {
				ev.kind = evDormancyCheck
			}
		case r := <-e.triggerCh:
			ev = event{kind: evTrigger, reason: r}
		case res := <-e.resultCh:
			ev = event{kind: evReportDone, result: res}
			e.recordResult(res)
		}
		e.apply(ctx, ev)
	}
}

func (e *Engine) apply(ctx context.Context, ev event) {
	now := e.now()
	prev := e.snap
	next, d := transition(prev, ev, now, e.cfg)
	e.snap = next

	if next.state != prev.state {
		e.logger.Info("locator state changed", "from", prev.state, "to", next.state, "event", ev.kind)
		e.state.Set(next.state)
	}
	if next.activity != prev.activity {
		e.activity.Set(next.activity)
	}

	if d.cancelDormancy {
		e.deps.Scheduler.Cancel(JobDormancyCheck)
	}
	if d.armDormancy {
		job := scheduler.Job{Name: JobDormancyCheck, Delay: e.cfg.DormantThreshold}
		if err := e.deps.Scheduler.ScheduleOnce(job); err != nil {
			e.logger.Warn("schedule dormancy check failed", "error", err)
		}
	}
	if d.reschedule {
		if err := e.deps.Scheduler.SchedulePeriodic(JobPeriodic, next.interval, d.policy, nil); err != nil {
			e.logger.Warn("reschedule periodic report failed", "interval", next.interval, "error", err)
		} else {
			e.logger.Debug("report cadence changed", "interval", next.interval, "policy", d.policy)
		}
		e.interval.Set(next.interval)
	}
	if d.report {
		e.startReport(ctx, ReportRequest{Reason: d.reason, Activity: next.activity, State: next.state})
	} else if ev.kind == evPeriodic {
		e.logger.Debug("periodic report suppressed", "since_last", now.Sub(next.lastReportAt))
	}
}

func (e *Engine) startReport(ctx context.Context, req ReportRequest) {
	e.workWg.Add(1)
	go func() {
		defer e.workWg.Done()
		res := e.runReport(ctx, req)
		select {
		case e.resultCh <- res:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) runReport(ctx context.Context, req ReportRequest) reportResult {
	res := reportResult{reason: req.Reason, activity: req.Activity}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.ReportTimeout)
	defer cancel()

	rep, err := e.deps.Reporter.BuildReport(rctx, req)
	if err != nil {
		res.err = fmt.Errorf("build report: %w", err)
		return res
	}
	if rep.Record.Timestamp.IsZero() {
		rep.Record.Timestamp = e.now()
	}
	rep.Record.Reason = req.Reason
	rep.Record.Activity = req.Activity
	res.built = true
	res.record = rep.Record

	sent := e.deps.Sender.Send(rctx, rep.Topic, rep.Payload)
	res.status = sent.Status
	res.err = sent.Err
	return res
}

func (e *Engine) recordResult(res reportResult) {
	if !res.built || res.status == model.SendLost {
		err := res.err
		if err == nil {
			err = errors.New("report lost")
		}
		e.logger.Warn("report failed", "reason", res.reason, "error", err)
		e.failure.Set(model.ReportFailure{Reason: res.reason, Timestamp: e.now(), Err: err})
		return
	}
	e.logger.Info("report handed off", "reason", res.reason, "status", res.status)
	e.lastReport.Set(res.record)
}

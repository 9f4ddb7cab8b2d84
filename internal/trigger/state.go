package trigger

import (
	"time"

	"github.com/bbq191/find-my-android-sub002/internal/model"
	"github.com/bbq191/find-my-android-sub002/internal/scheduler"
)

type eventKind int

const (
	evActivity eventKind = iota
	evSpeedHint
	evGeofence
	evNetwork
	evBattery
	evPeriodic
	evDormancyCheck
	evTrigger
	evReportDone
)

func (k eventKind) String() string {
	switch k {
	case evActivity:
		return "activity"
	case evSpeedHint:
		return "speed_hint"
	case evGeofence:
		return "geofence"
	case evNetwork:
		return "network"
	case evBattery:
		return "battery"
	case evPeriodic:
		return "periodic"
	case evDormancyCheck:
		return "dormancy_check"
	case evTrigger:
		return "trigger"
	default:
		return "report_done"
	}
}

// event is one input of the locator state machine. Only the field matching
// kind is meaningful.
type event struct {
	kind     eventKind
	activity model.ActivityType
	speed    float64
	geofence model.GeofenceEvent
	network  model.NetworkEvent
	battery  model.BatteryStatus
	reason   model.TriggerReason
	result   reportResult
}

// reportResult is what a report worker hands back to the loop.
type reportResult struct {
	reason   model.TriggerReason
	activity model.ActivityType
	built    bool
	record   model.ReportRecord
	status   model.SendStatus
	err      error
}

// snapshot is the engine state owned by the loop goroutine.
type snapshot struct {
	state           model.LocatorState
	activity        model.ActivityType
	stillSince      time.Time
	activeUntil     time.Time
	battery         model.BatteryStatus
	network         string
	networkSeen     bool
	motionAvailable bool
	interval        time.Duration

	lastReportAt       time.Time
	lastReportActivity model.ActivityType
	lastReportNetwork  string
}

// decision tells the engine which side effects a transition requires.
type decision struct {
	report         bool
	reason         model.TriggerReason
	reschedule     bool
	policy         scheduler.Policy
	armDormancy    bool
	cancelDormancy bool
}

func (s snapshot) still() bool {
	return s.activity == model.Still || s.state == model.Dormant || !s.stillSince.IsZero()
}

// transition applies ev to s at now. It has no side effects; every input
// yields a defined next snapshot.
func transition(s snapshot, ev event, now time.Time, cfg Config) (snapshot, decision) {
	var d decision
	prevState := s.state

	switch ev.kind {
	case evActivity:
		s, d = onActivity(s, ev.activity, now)
	case evSpeedHint:
		if a, ok := hintedActivity(s, ev.speed); ok {
			s, d = onActivity(s, a, now)
		}
	case evGeofence:
		s, d = onGeofence(s, ev.geofence, now, cfg)
	case evNetwork:
		s, d = onNetwork(s, ev.network, now)
	case evBattery:
		s.battery = ev.battery
	case evDormancyCheck:
		s = checkDormancy(s, now, cfg)
	case evPeriodic:
		s = checkActiveExpiry(s, now)
		s = checkDormancy(s, now, cfg)
		if !suppressPeriodic(s, now, cfg) {
			d.report, d.reason = true, model.ReasonPeriodic
		}
	case evTrigger:
		d.report, d.reason = true, ev.reason
	case evReportDone:
		s, d = onReportDone(s, ev.result, now, cfg)
	}

	if iv := cadence(s, cfg); iv != s.interval {
		s.interval = iv
		d.reschedule = true
		d.policy = scheduler.Update
		if s.state == model.Dormant && prevState != model.Dormant {
			d.policy = scheduler.Replace
		}
	}
	return s, d
}

// onActivity reports only when motion resumes after a still period. Unknown
// leaves the still clock untouched.
func onActivity(s snapshot, a model.ActivityType, now time.Time) (snapshot, decision) {
	var d decision
	s.activity = a

	switch {
	case a == model.Still:
		if s.stillSince.IsZero() {
			s.stillSince = now
			d.armDormancy = true
		}
	case a.Moving():
		wasStill := !s.stillSince.IsZero() || s.state == model.Dormant
		s.stillSince = time.Time{}
		if s.state == model.Dormant {
			s.state = model.Aware
		}
		if wasStill {
			d.cancelDormancy = true
			d.report, d.reason = true, model.ReasonActivityChange
		}
	}
	return s, d
}

// hintedActivity maps a speed hint onto an activity. With a working motion
// sensor the hint only corrects it; a stationary hint never overrides
// sensor-reported motion.
func hintedActivity(s snapshot, mps float64) (model.ActivityType, bool) {
	if mps < 0 {
		return model.Unknown, false
	}
	inferred := activityFromSpeed(mps)
	if s.motionAvailable {
		if inferred == s.activity {
			return inferred, false
		}
		if inferred == model.Still && s.activity.Moving() {
			return inferred, false
		}
	}
	return inferred, true
}

func onGeofence(s snapshot, ev model.GeofenceEvent, now time.Time, cfg Config) (snapshot, decision) {
	var d decision
	if ev.FenceID != cfg.SelfFenceID {
		return s, d
	}
	if s.state == model.Dormant {
		s.state = model.Aware
	}
	if !s.stillSince.IsZero() {
		s.stillSince = now
		d.armDormancy = true
	}
	d.report = true
	d.reason = model.ReasonGeofenceEnter
	if ev.Transition == model.GeofenceExit {
		d.reason = model.ReasonGeofenceExit
	}
	return s, d
}

// onNetwork reports a network identity change while the device is still.
// Losing the network keeps the last identity so reconnecting to the same
// network is not a change.
func onNetwork(s snapshot, ev model.NetworkEvent, now time.Time) (snapshot, decision) {
	var d decision
	if ev.Kind == model.NetworkLost || ev.Identity == "" {
		return s, d
	}

	changed := s.networkSeen && ev.Identity != s.network
	s.network = ev.Identity
	s.networkSeen = true
	if !changed || !s.still() {
		return s, d
	}

	if s.state == model.Dormant {
		s.state = model.Aware
	}
	s.stillSince = now
	d.armDormancy = true
	d.report, d.reason = true, model.ReasonWifiChange
	return s, d
}

func checkDormancy(s snapshot, now time.Time, cfg Config) snapshot {
	if s.state != model.Aware || s.stillSince.IsZero() {
		return s
	}
	if now.Sub(s.stillSince) >= cfg.DormantThreshold {
		s.state = model.Dormant
	}
	return s
}

func checkActiveExpiry(s snapshot, now time.Time) snapshot {
	if s.state == model.Active && !now.Before(s.activeUntil) {
		s.state = model.Aware
		s.activeUntil = time.Time{}
	}
	return s
}

// suppressPeriodic skips a periodic report only when it would be clearly
// redundant: a recent report exists and nothing observable changed since.
func suppressPeriodic(s snapshot, now time.Time, cfg Config) bool {
	if s.lastReportAt.IsZero() || now.Sub(s.lastReportAt) >= cfg.SuppressWindow {
		return false
	}
	return s.activity == s.lastReportActivity && s.network == s.lastReportNetwork
}

// entersActive lists the reasons whose delivered report starts the
// high-frequency window.
func entersActive(r model.TriggerReason) bool {
	switch r {
	case model.ReasonManual, model.ReasonRemoteRequest, model.ReasonGeofenceExit, model.ReasonWifiChange:
		return true
	}
	return false
}

func onReportDone(s snapshot, r reportResult, now time.Time, cfg Config) (snapshot, decision) {
	var d decision
	if !r.built || r.status == model.SendLost {
		return s, d
	}

	s.lastReportAt = r.record.Timestamp
	if s.lastReportAt.IsZero() {
		s.lastReportAt = now
	}
	s.lastReportActivity = r.activity
	s.lastReportNetwork = s.network

	if entersActive(r.reason) {
		s.state = model.Active
		s.activeUntil = now.Add(cfg.ActiveWindow)
		if !s.stillSince.IsZero() {
			s.stillSince = now
			d.armDormancy = true
		}
	}
	return s, d
}

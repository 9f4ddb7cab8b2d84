package trigger

import (
	"time"

	"github.com/bbq191/find-my-android-sub002/internal/model"
)

// Speed thresholds in metres per second used to infer an activity from an
// external speed hint.
const (
	drivingSpeed = 8.0
	runningSpeed = 2.5
	walkingSpeed = 0.5
)

func defaultIntervals() map[model.ActivityType]time.Duration {
	return map[model.ActivityType]time.Duration{
		model.Driving: 2 * time.Minute,
		model.Running: 5 * time.Minute,
		model.Walking: 10 * time.Minute,
		model.Unknown: 15 * time.Minute,
		model.Still:   30 * time.Minute,
	}
}

// cadence returns the periodic report interval for s. Dormant always runs
// at the maximum; otherwise battery factors apply before clamping.
func cadence(s snapshot, cfg Config) time.Duration {
	if s.state == model.Dormant {
		return cfg.MaxInterval
	}

	iv := cfg.Intervals[s.activity]
	if iv <= 0 {
		iv = cfg.Intervals[model.Unknown]
	}
	if s.state == model.Active {
		iv = cfg.ActiveInterval
	}
	if s.battery.Low {
		iv = time.Duration(float64(iv) * cfg.LowBatteryFactor)
	}
	if s.battery.PowerSave {
		iv = time.Duration(float64(iv) * cfg.PowerSaveFactor)
	}

	switch {
	case iv < cfg.MinInterval:
		return cfg.MinInterval
	case iv > cfg.MaxInterval:
		return cfg.MaxInterval
	}
	return iv
}

func activityFromSpeed(mps float64) model.ActivityType {
	switch {
	case mps >= drivingSpeed:
		return model.Driving
	case mps >= runningSpeed:
		return model.Running
	case mps >= walkingSpeed:
		return model.Walking
	default:
		return model.Still
	}
}

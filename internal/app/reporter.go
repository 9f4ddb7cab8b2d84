package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bbq191/find-my-android-sub002/internal/model"
	"github.com/bbq191/find-my-android-sub002/internal/trigger"
)

const (
	earthRadiusMeters = 6371000.0
	// significantDistance is how far the fix must move from the last
	// reported position to request a report on its own.
	significantDistance = 500.0
)

var errNoFix = errors.New("no location fix available")

// locationReporter builds the JSON report from the last fix pushed through
// the API.
type locationReporter struct {
	deviceID string
	topic    string
	battery  *batteryState
	now      func() time.Time

	mu       sync.Mutex
	fix      *model.Coordinates
	reported *model.Coordinates
}

func newLocationReporter(deviceID, topic string, battery *batteryState) *locationReporter {
	return &locationReporter{deviceID: deviceID, topic: topic, battery: battery, now: time.Now}
}

// SetFix stores c and returns its distance in metres from the last
// reported position, or zero when nothing was reported yet.
func (r *locationReporter) SetFix(c model.Coordinates) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fix = &c
	if r.reported == nil {
		return 0
	}
	return distance(*r.reported, c)
}

// Restore seeds both the fix and the last reported position from a
// persisted report.
func (r *locationReporter) Restore(c model.Coordinates) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fix, reported := c, c
	r.fix = &fix
	r.reported = &reported
}

func (r *locationReporter) Fix() (model.Coordinates, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fix == nil {
		return model.Coordinates{}, false
	}
	return *r.fix, true
}

func (r *locationReporter) BuildReport(ctx context.Context, req trigger.ReportRequest) (trigger.Report, error) {
	if err := ctx.Err(); err != nil {
		return trigger.Report{}, err
	}

	r.mu.Lock()
	if r.fix == nil {
		r.mu.Unlock()
		return trigger.Report{}, errNoFix
	}
	coords := *r.fix
	r.reported = &coords
	r.mu.Unlock()

	now := r.now().UTC()
	payload := model.LocationReport{
		DeviceID:    r.deviceID,
		Reason:      req.Reason.String(),
		Activity:    req.Activity.String(),
		Coordinates: coords,
		Timestamp:   now,
	}
	if r.battery != nil {
		payload.Battery = r.battery.Status().Level
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return trigger.Report{}, fmt.Errorf("encode report: %w", err)
	}
	return trigger.Report{
		Topic:   r.topic,
		Payload: data,
		Record: model.ReportRecord{
			Timestamp:   now,
			Reason:      req.Reason,
			Coordinates: coords,
			Activity:    req.Activity,
		},
	}, nil
}

// distance is the haversine great-circle distance in metres.
func distance(a, b model.Coordinates) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

package app

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/bbq191/find-my-android-sub002/internal/model"
)

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", a.handleState)
		r.Post("/report", a.handleReport)
		r.Post("/flush", a.handleFlush)
		r.Post("/reconnect", a.handleReconnect)

		r.Route("/signals", func(r chi.Router) {
			r.Post("/activity", a.handleActivitySignal)
			r.Post("/geofence", a.handleGeofenceSignal)
			r.Post("/network", a.handleNetworkSignal)
			r.Post("/battery", a.handleBatterySignal)
			r.Post("/location", a.handleLocationSignal)
			r.Post("/speed", a.handleSpeedSignal)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !a.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ready",
		"connection": a.facade.ConnectionState().Get().String(),
		"backend":    a.backend,
	})
}

type reportView struct {
	Timestamp   time.Time           `json:"timestamp"`
	Reason      model.TriggerReason `json:"reason"`
	Activity    model.ActivityType  `json:"activity"`
	Coordinates model.Coordinates   `json:"coordinates"`
}

type failureView struct {
	Reason    model.TriggerReason `json:"reason"`
	Timestamp time.Time           `json:"timestamp"`
	Error     string              `json:"error"`
}

type stateResponse struct {
	DeviceID   string                `json:"device_id"`
	Backend    string                `json:"backend"`
	Connection model.ConnectionState `json:"connection"`
	Network    model.NetworkType     `json:"network"`
	Pending    int                   `json:"pending"`
	Reconnect  model.ReconnectStats  `json:"reconnect"`
	Locator    model.LocatorState    `json:"locator"`
	Activity   model.ActivityType    `json:"activity"`
	Interval   string                `json:"interval"`
	LastReport *reportView           `json:"last_report,omitempty"`
	LastError  *failureView          `json:"last_failure,omitempty"`
	Fix        *model.Coordinates    `json:"fix,omitempty"`
}

func (a *App) handleState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{
		DeviceID:   a.cfg.DeviceID,
		Backend:    a.backend,
		Connection: a.facade.ConnectionState().Get(),
		Network:    a.facade.NetworkType().Get(),
		Pending:    a.facade.PendingCount().Get(),
		Reconnect:  a.facade.ReconnectStats().Get(),
		Locator:    a.engine.State().Get(),
		Activity:   a.engine.Activity().Get(),
		Interval:   a.engine.Interval().Get().String(),
	}
	if rec := a.engine.LastReport().Get(); !rec.Timestamp.IsZero() {
		resp.LastReport = &reportView{
			Timestamp:   rec.Timestamp,
			Reason:      rec.Reason,
			Activity:    rec.Activity,
			Coordinates: rec.Coordinates,
		}
	}
	if f := a.engine.Failures().Get(); f.Err != nil {
		resp.LastError = &failureView{Reason: f.Reason, Timestamp: f.Timestamp, Error: f.Err.Error()}
	}
	if fix, ok := a.reporter.Fix(); ok {
		resp.Fix = &fix
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleReport(w http.ResponseWriter, r *http.Request) {
	a.engine.TriggerReport(model.ReasonManual)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (a *App) handleFlush(w http.ResponseWriter, r *http.Request) {
	res := a.facade.FlushQueue(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"attempted": res.Attempted,
		"delivered": res.Delivered,
		"failed":    res.Failed,
		"pruned":    res.Pruned,
		"aborted":   res.Aborted,
		"skipped":   res.Skipped,
	})
}

func (a *App) handleReconnect(w http.ResponseWriter, r *http.Request) {
	a.facade.Reconnect()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

func (a *App) handleActivitySignal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Activity string `json:"activity"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	act, err := model.ParseActivityType(body.Activity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.motion.Publish(act)
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleGeofenceSignal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FenceID    string `json:"fence_id"`
		Transition string `json:"transition"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	ev := model.GeofenceEvent{FenceID: body.FenceID}
	switch strings.ToLower(body.Transition) {
	case "enter":
		ev.Transition = model.GeofenceEnter
	case "exit":
		ev.Transition = model.GeofenceExit
	default:
		writeError(w, http.StatusBadRequest, "transition must be enter or exit")
		return
	}
	if ev.FenceID == "" {
		writeError(w, http.StatusBadRequest, "fence_id required")
		return
	}
	a.geofences.Publish(ev)
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleNetworkSignal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Event    string `json:"event"`
		Type     string `json:"type"`
		HasWifi  bool   `json:"has_wifi"`
		Identity string `json:"identity"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	typ, err := model.ParseNetworkType(body.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev := model.NetworkEvent{Type: typ, HasWifi: body.HasWifi || typ == model.NetworkWifi, Identity: body.Identity}
	switch strings.ToLower(body.Event) {
	case "available", "":
		ev.Kind = model.NetworkAvailable
	case "lost":
		ev.Kind = model.NetworkLost
	case "capabilities":
		ev.Kind = model.NetworkCapabilitiesChanged
	default:
		writeError(w, http.StatusBadRequest, "event must be available, lost or capabilities")
		return
	}
	a.onNetwork(ev)
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleBatterySignal(w http.ResponseWriter, r *http.Request) {
	var st model.BatteryStatus
	if !decodeBody(w, r, &st) {
		return
	}
	if st.Level < 0 || st.Level > 100 {
		writeError(w, http.StatusBadRequest, "level must be between 0 and 100")
		return
	}
	a.battery.Set(st)
	a.engine.OnBattery(st)
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleLocationSignal(w http.ResponseWriter, r *http.Request) {
	var c model.Coordinates
	if !decodeBody(w, r, &c) {
		return
	}
	if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}
	a.onLocation(c)
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleSpeedSignal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MetersPerSecond *float64 `json:"mps"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.MetersPerSecond == nil || *body.MetersPerSecond < 0 {
		writeError(w, http.StatusBadRequest, "mps must be a non-negative number")
		return
	}
	a.engine.CalibrateWithExternalSpeedHint(*body.MetersPerSecond)
	w.WriteHeader(http.StatusAccepted)
}

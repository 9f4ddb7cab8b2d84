package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bbq191/find-my-android-sub002/internal/comm"
	"github.com/bbq191/find-my-android-sub002/internal/config"
	"github.com/bbq191/find-my-android-sub002/internal/dedup"
	"github.com/bbq191/find-my-android-sub002/internal/model"
	"github.com/bbq191/find-my-android-sub002/internal/mqttbroker"
	"github.com/bbq191/find-my-android-sub002/internal/queue"
	"github.com/bbq191/find-my-android-sub002/internal/scheduler"
	"github.com/bbq191/find-my-android-sub002/internal/session"
	"github.com/bbq191/find-my-android-sub002/internal/topic"
	"github.com/bbq191/find-my-android-sub002/internal/transport/mqttclient"
	"github.com/bbq191/find-my-android-sub002/internal/transport/natsclient"
	"github.com/bbq191/find-my-android-sub002/internal/trigger"

	"github.com/grandcat/zeroconf"
)

const persistTimeout = 5 * time.Second

// App wires together the locator services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store   stateStore
	backend string
	broker  *mqttbroker.Broker
	brokerC <-chan error

	session   *session.Manager
	queue     *queue.Queue
	facade    *comm.Facade
	scheduler *scheduler.Scheduler
	engine    *trigger.Engine
	reporter  *locationReporter

	motion    *motionHub
	geofences *signalHub[model.GeofenceEvent]
	battery   *batteryState

	mdns  []*zeroconf.Server
	ready atomic.Bool
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.setup(ctx); err != nil {
		a.shutdown()
		return err
	}
	defer a.shutdown()

	if err := a.start(ctx); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.HTTP.Port))
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	httpServer := &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if a.cfg.HTTP.Advertise {
		brokerPort := 0
		if a.broker != nil {
			if tcp, ok := a.broker.Addr().(*net.TCPAddr); ok {
				brokerPort = tcp.Port
			}
		}
		if err := a.startMDNS(listener.Addr().(*net.TCPAddr).Port, brokerPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	})
	g.Go(func() error {
		a.persistReports(gctx)
		return nil
	})
	if a.brokerC != nil {
		g.Go(func() error {
			select {
			case err, ok := <-a.brokerC:
				if ok && err != nil {
					return err
				}
			case <-gctx.Done():
			}
			return nil
		})
	}

	return g.Wait()
}

// setup builds every component. Nothing connects or schedules yet.
func (a *App) setup(ctx context.Context) error {
	st, backend := openBackend(ctx, a.cfg.Storage, a.logger)
	a.store, a.backend = st, backend
	a.logger.Info("queue backend ready", "backend", backend)

	transport, err := a.buildTransport(ctx)
	if err != nil {
		return err
	}

	a.session, err = session.New(transport, session.Config{
		BaseDelay:      a.cfg.Session.BaseDelay,
		MaxDelay:       a.cfg.Session.MaxDelay,
		JitterFactor:   a.cfg.Session.JitterFactor,
		MaxAttempts:    a.cfg.Session.MaxAttempts,
		InitialNetwork: model.NetworkOther,
	}, a.logger.With("component", "session"))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	a.queue, err = queue.New(a.store, a.cfg.Storage.MaxRetry, a.logger.With("component", "queue"))
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}

	cache := dedup.New(a.cfg.Comm.DedupWindow, a.cfg.Comm.DedupCapacity, dedup.WithLogger(a.logger.With("component", "dedup")))
	if records, err := a.store.LoadProcessed(ctx); err != nil {
		a.logger.Error("load processed messages", "error", err)
	} else {
		cache.Restore(records)
	}

	a.facade, err = comm.New(a.session, a.queue, cache, comm.Config{
		FlushInterval: a.cfg.Comm.FlushInterval,
	}, a.logger.With("component", "comm"))
	if err != nil {
		return fmt.Errorf("create facade: %w", err)
	}

	a.battery = &batteryState{}
	a.motion = &motionHub{signalHub: newSignalHub[model.ActivityType](), available: true}
	a.geofences = newSignalHub[model.GeofenceEvent]()
	a.reporter = newLocationReporter(a.cfg.DeviceID, topic.Reports(a.cfg.TopicPrefix, a.cfg.DeviceID), a.battery)
	a.scheduler = scheduler.New(a.logger.With("component", "scheduler"))

	tc := trigger.DefaultConfig()
	tc.DormantThreshold = a.cfg.Trigger.DormantThreshold
	tc.ActiveWindow = a.cfg.Trigger.ActiveWindow
	tc.SuppressWindow = a.cfg.Trigger.SuppressWindow
	tc.MinInterval = a.cfg.Trigger.MinInterval
	tc.MaxInterval = a.cfg.Trigger.MaxInterval
	tc.ActiveInterval = a.cfg.Trigger.ActiveInterval
	tc.SelfFenceID = a.cfg.Trigger.SelfFenceID

	a.engine, err = trigger.New(tc, trigger.Deps{
		Scheduler: a.scheduler,
		Reporter:  a.reporter,
		Sender:    a.facade,
		Motion:    a.motion,
		Geofences: a.geofences,
		Battery:   a.battery,
	}, a.logger.With("component", "trigger"))
	if err != nil {
		return fmt.Errorf("create trigger engine: %w", err)
	}
	a.scheduler.SetHandler(a.engine.HandleJob)

	if rec, err := a.store.LastReport(ctx); err != nil {
		a.logger.Error("load last report", "error", err)
	} else if rec != nil {
		a.engine.Restore(*rec)
		a.reporter.Restore(rec.Coordinates)
	}
	return nil
}

// start connects, subscribes to remote commands and starts the engine.
func (a *App) start(ctx context.Context) error {
	commands := topic.Commands(a.cfg.TopicPrefix, a.cfg.DeviceID)
	if err := a.facade.Subscribe(commands, a.handleCommand); err != nil {
		return fmt.Errorf("subscribe %s: %w", commands, err)
	}
	a.facade.Start()

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("start trigger engine: %w", err)
	}
	a.ready.Store(true)
	return nil
}

func (a *App) buildTransport(ctx context.Context) (session.Transport, error) {
	tc := a.cfg.Transport
	if tc.Kind == config.TransportNATS {
		return natsclient.New(natsclient.Config{
			URL:            tc.NATSURL,
			Name:           tc.ClientID,
			Username:       tc.Username,
			Password:       tc.Password,
			ConnectTimeout: tc.ConnectTimeout,
		}, a.logger.With("component", "nats"))
	}

	url := tc.BrokerURL
	if tc.EmbeddedBroker {
		a.broker = mqttbroker.New(a.logger.With("component", "broker"), mqttbroker.Options{
			Username: tc.Username,
			Password: tc.Password,
		})
		errCh, err := a.broker.Start(tc.EmbeddedBind)
		if err != nil {
			return nil, fmt.Errorf("start embedded broker: %w", err)
		}
		a.brokerC = errCh
		if url == "" {
			url = "tcp://" + loopbackAddr(a.broker.Addr())
		}
	}
	if url == "" && tc.Discover {
		found, err := discoverBroker(ctx, tc.DiscoverWait)
		if err != nil {
			return nil, fmt.Errorf("discover broker: %w", err)
		}
		a.logger.Info("discovered broker", "url", found)
		url = found
	}
	if url == "" {
		return nil, errors.New("no broker url configured")
	}

	return mqttclient.New(mqttclient.Config{
		BrokerURL:      url,
		ClientID:       tc.ClientID,
		Username:       tc.Username,
		Password:       tc.Password,
		QoS:            byte(tc.QoS),
		ConnectTimeout: tc.ConnectTimeout,
	}, a.logger.With("component", "mqtt"))
}

// loopbackAddr rewrites a wildcard listen address into one a local client can dial.
func loopbackAddr(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		return net.JoinHostPort("127.0.0.1", fmt.Sprint(tcp.Port))
	}
	return tcp.String()
}

type commandPayload struct {
	Command string `json:"command"`
	From    string `json:"from,omitempty"`
}

// handleCommand serves remote requests from peers.
func (a *App) handleCommand(_ context.Context, msg comm.Message) {
	var cmd commandPayload
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		a.logger.Warn("command decode failed", "topic", msg.Topic, "error", err)
		return
	}

	switch strings.ToLower(strings.TrimSpace(cmd.Command)) {
	case "locate":
		a.logger.Info("remote locate request", "from", cmd.From, "id", msg.ID)
		if a.facade.ConnectionState().Get() == model.Failed {
			a.facade.Reconnect()
		}
		a.engine.TriggerReport(model.ReasonRemoteRequest)
	default:
		a.logger.Warn("unknown command", "command", cmd.Command, "topic", msg.Topic)
	}
}

// onNetwork routes a network monitor event to the session and the engine.
func (a *App) onNetwork(ev model.NetworkEvent) {
	switch ev.Kind {
	case model.NetworkAvailable:
		a.session.ReportNetworkAvailable(ev.Type)
	case model.NetworkLost:
		a.session.ReportNetworkLost()
	case model.NetworkCapabilitiesChanged:
		a.session.ReportCapabilitiesChanged(ev.HasWifi)
	}
	a.engine.OnNetwork(ev)
}

// onLocation stores a fix and requests a report when it moved far enough.
func (a *App) onLocation(c model.Coordinates) {
	if moved := a.reporter.SetFix(c); moved >= significantDistance {
		a.logger.Info("significant location change", "meters", int(moved))
		a.engine.TriggerReport(model.ReasonSignificantLocationChange)
	}
}

// persistReports saves every delivered report until ctx ends.
func (a *App) persistReports(ctx context.Context) {
	ch, cancel := a.engine.LastReport().Watch(1)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			if rec.Timestamp.IsZero() {
				continue
			}
			sctx, scancel := context.WithTimeout(context.Background(), persistTimeout)
			if err := a.store.SaveLastReport(sctx, rec); err != nil {
				a.logger.Error("persist last report", "error", err)
			}
			scancel()
		}
	}
}

// shutdown stops every component in reverse dependency order and persists
// the dedup ledger and the last report.
func (a *App) shutdown() {
	a.ready.Store(false)
	a.stopMDNS()

	if a.engine != nil {
		a.engine.Stop()
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if a.facade != nil {
		if err := a.store.SaveProcessed(ctx, a.facade.Dedup().Snapshot()); err != nil {
			a.logger.Error("persist processed messages", "error", err)
		}
		a.facade.Destroy()
	} else if a.session != nil {
		a.session.Close()
	}
	if a.engine != nil {
		if rec := a.engine.LastReport().Get(); !rec.Timestamp.IsZero() {
			if err := a.store.SaveLastReport(ctx, rec); err != nil {
				a.logger.Error("persist last report", "error", err)
			}
		}
	}

	if a.broker != nil {
		if err := a.broker.Stop(); err != nil {
			a.logger.Error("stop broker", "error", err)
		} else {
			a.logger.Info("mqtt broker stopped")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close store", "error", err)
		}
	}
}

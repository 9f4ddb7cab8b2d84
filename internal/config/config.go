package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config lists the tunable parameters for the locator agent.
type Config struct {
	DeviceID    string          `yaml:"device_id"`
	TopicPrefix string          `yaml:"topic_prefix"`
	LogLevel    string          `yaml:"log_level"`
	HTTP        HTTPConfig      `yaml:"http"`
	Transport   TransportConfig `yaml:"transport"`
	Storage     StorageConfig   `yaml:"storage"`
	Session     SessionConfig   `yaml:"session"`
	Comm        CommConfig      `yaml:"comm"`
	Trigger     TriggerConfig   `yaml:"trigger"`
}

// HTTPConfig configures the diagnostics API.
type HTTPConfig struct {
	Port int `yaml:"port"`
	// Advertise publishes the API over mDNS.
	Advertise bool `yaml:"advertise"`
}

// TransportConfig selects and configures the pub/sub transport.
type TransportConfig struct {
	Kind      string `yaml:"kind"`
	BrokerURL string `yaml:"broker_url"`
	NATSURL   string `yaml:"nats_url"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	QoS       int    `yaml:"qos"`
	// EmbeddedBroker starts the in-process MQTT broker on EmbeddedBind
	// and connects to it when no BrokerURL is given.
	EmbeddedBroker bool          `yaml:"embedded_broker"`
	EmbeddedBind   string        `yaml:"embedded_bind"`
	Discover       bool          `yaml:"discover"`
	DiscoverWait   time.Duration `yaml:"discover_wait"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// StorageConfig selects the offline queue backend.
type StorageConfig struct {
	Backend      string `yaml:"backend"`
	DatabasePath string `yaml:"database_path"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisPrefix  string `yaml:"redis_prefix"`
	MaxRetry     int    `yaml:"max_retry"`
}

// SessionConfig tunes the reconnect backoff.
type SessionConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	JitterFactor float64       `yaml:"jitter_factor"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// CommConfig tunes the flush timer and inbound deduplication.
type CommConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	DedupWindow   time.Duration `yaml:"dedup_window"`
	DedupCapacity int           `yaml:"dedup_capacity"`
}

// TriggerConfig tunes the adaptive reporting cadence.
type TriggerConfig struct {
	DormantThreshold time.Duration `yaml:"dormant_threshold"`
	ActiveWindow     time.Duration `yaml:"active_window"`
	SuppressWindow   time.Duration `yaml:"suppress_window"`
	MinInterval      time.Duration `yaml:"min_interval"`
	MaxInterval      time.Duration `yaml:"max_interval"`
	ActiveInterval   time.Duration `yaml:"active_interval"`
	SelfFenceID      string        `yaml:"self_fence_id"`
}

const (
	TransportMQTT = "mqtt"
	TransportNATS = "nats"

	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Default returns the built-in configuration.
func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "device"
	}
	return Config{
		DeviceID:    host,
		TopicPrefix: "locshare",
		LogLevel:    "info",
		HTTP: HTTPConfig{
			Port:      8080,
			Advertise: true,
		},
		Transport: TransportConfig{
			Kind:           TransportMQTT,
			QoS:            1,
			EmbeddedBind:   ":1883",
			Discover:       true,
			DiscoverWait:   3 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend:      BackendSQLite,
			DatabasePath: "data/locshare.db",
			RedisPrefix:  "locshare",
			MaxRetry:     5,
		},
		Session: SessionConfig{
			BaseDelay:    time.Second,
			MaxDelay:     60 * time.Second,
			JitterFactor: 0.10,
			MaxAttempts:  20,
		},
		Comm: CommConfig{
			FlushInterval: 30 * time.Second,
			DedupWindow:   60 * time.Second,
			DedupCapacity: 1000,
		},
		Trigger: TriggerConfig{
			DormantThreshold: 30 * time.Minute,
			ActiveWindow:     5 * time.Minute,
			SuppressWindow:   2 * time.Minute,
			MinInterval:      time.Minute,
			MaxInterval:      60 * time.Minute,
			ActiveInterval:   time.Minute,
			SelfFenceID:      "self",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by LOCSHARE_CONFIG_FILE and LOCSHARE_* environment overrides, in that order.
func Load() (Config, error) {
	return LoadFrom(os.Getenv("LOCSHARE_CONFIG_FILE"))
}

// LoadFrom is Load with an explicit YAML file; an empty path skips the file.
func LoadFrom(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	str("LOCSHARE_DEVICE_ID", &c.DeviceID)
	str("LOCSHARE_TOPIC_PREFIX", &c.TopicPrefix)
	str("LOCSHARE_LOG_LEVEL", &c.LogLevel)
	str("LOCSHARE_TRANSPORT", &c.Transport.Kind)
	str("LOCSHARE_BROKER_URL", &c.Transport.BrokerURL)
	str("LOCSHARE_NATS_URL", &c.Transport.NATSURL)
	str("LOCSHARE_CLIENT_ID", &c.Transport.ClientID)
	str("LOCSHARE_USERNAME", &c.Transport.Username)
	str("LOCSHARE_PASSWORD", &c.Transport.Password)
	str("LOCSHARE_MQTT_BIND", &c.Transport.EmbeddedBind)
	str("LOCSHARE_STORAGE", &c.Storage.Backend)
	str("LOCSHARE_DATABASE_PATH", &c.Storage.DatabasePath)
	str("LOCSHARE_REDIS_ADDR", &c.Storage.RedisAddr)

	ints := map[string]*int{
		"LOCSHARE_HTTP_PORT":    &c.HTTP.Port,
		"LOCSHARE_QOS":          &c.Transport.QoS,
		"LOCSHARE_MAX_RETRY":    &c.Storage.MaxRetry,
		"LOCSHARE_MAX_ATTEMPTS": &c.Session.MaxAttempts,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"LOCSHARE_EMBEDDED_BROKER": &c.Transport.EmbeddedBroker,
		"LOCSHARE_DISCOVER":        &c.Transport.Discover,
		"LOCSHARE_MDNS_ADVERTISE":  &c.HTTP.Advertise,
	}
	for name, dst := range bools {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = b
		}
	}

	durations := map[string]*time.Duration{
		"LOCSHARE_FLUSH_INTERVAL": &c.Comm.FlushInterval,
		"LOCSHARE_BASE_DELAY":     &c.Session.BaseDelay,
		"LOCSHARE_MAX_DELAY":      &c.Session.MaxDelay,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DeviceID) == "" || strings.ContainsAny(c.DeviceID, "/+#") {
		errs = append(errs, fmt.Errorf("device_id %q must be non-empty and free of / + #", c.DeviceID))
	}
	if c.TopicPrefix == "" || strings.ContainsAny(c.TopicPrefix, "+#") {
		errs = append(errs, fmt.Errorf("topic_prefix %q must be non-empty and free of wildcards", c.TopicPrefix))
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}

	switch c.Transport.Kind {
	case TransportMQTT:
		if c.Transport.QoS < 0 || c.Transport.QoS > 1 {
			errs = append(errs, fmt.Errorf("transport.qos must be 0 or 1"))
		}
	case TransportNATS:
		if c.Transport.NATSURL == "" {
			errs = append(errs, fmt.Errorf("transport.nats_url is required for the nats transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport.Kind))
	}

	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.DatabasePath == "" {
			errs = append(errs, fmt.Errorf("storage.database_path is required for sqlite"))
		}
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("storage.redis_addr is required for redis"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Storage.MaxRetry <= 0 {
		errs = append(errs, fmt.Errorf("storage.max_retry must be positive"))
	}

	if c.Session.BaseDelay <= 0 || c.Session.MaxDelay < c.Session.BaseDelay {
		errs = append(errs, fmt.Errorf("session delays must satisfy 0 < base_delay <= max_delay"))
	}
	if c.Session.JitterFactor < 0 || c.Session.JitterFactor > 1 {
		errs = append(errs, fmt.Errorf("session.jitter_factor must be within [0, 1]"))
	}
	if c.Session.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("session.max_attempts must be positive"))
	}

	if c.Comm.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("comm.flush_interval must be positive"))
	}
	if c.Comm.DedupWindow <= 0 || c.Comm.DedupCapacity <= 0 {
		errs = append(errs, fmt.Errorf("comm dedup window and capacity must be positive"))
	}

	if c.Trigger.MinInterval <= 0 || c.Trigger.MaxInterval < c.Trigger.MinInterval {
		errs = append(errs, fmt.Errorf("trigger intervals must satisfy 0 < min_interval <= max_interval"))
	}

	return errors.Join(errs...)
}

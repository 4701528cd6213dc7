// Package config 读取并校验运行配置：config.json 或 .toml 文件，外加环境变量覆盖
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/utils"
)

const DefaultPath = "config.json"

var (
	ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	ErrInvalidConfig = errors.New("invalid configuration")
)

type DatabaseConfig struct {
	Host               string `json:"host" toml:"host"`
	Port               uint64 `json:"port" toml:"port"`
	Username           string `json:"username" toml:"username"`
	Password           string `json:"password" toml:"password"`
	Database           string `json:"database" toml:"database"`
	UseTLS             bool   `json:"use_tls" toml:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout" toml:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout" toml:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" toml:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout" toml:"operation_timeout"`
	Heartbeat          string `json:"heartbeat" toml:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size" toml:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size" toml:"max_pool_size"`
}

// RelayConfig 各中继的容量
type RelayConfig struct {
	CommandCapacity  int `json:"command_capacity" toml:"command_capacity"`
	EventCapacity    int `json:"event_capacity" toml:"event_capacity"`
	OutboundCapacity int `json:"outbound_capacity" toml:"outbound_capacity"`
	ControlCapacity  int `json:"control_capacity" toml:"control_capacity"`
}

type SessionConfig struct {
	DrainWindow   string `json:"drain_window" toml:"drain_window"`
	RetryInterval string `json:"retry_interval" toml:"retry_interval"`
}

type ClientConfig struct {
	RequestCapacity int    `json:"request_capacity" toml:"request_capacity"`
	ConnectTimeout  string `json:"connect_timeout" toml:"connect_timeout"`
}

type ConsoleConfig struct {
	Tick       string `json:"tick" toml:"tick"`
	MaxPerTick int    `json:"max_per_tick" toml:"max_per_tick"`
	History    int    `json:"history" toml:"history"`
}

type StoreConfig struct {
	Backend   string `json:"backend" toml:"backend"` // memory | mongo
	CacheSize int    `json:"cache_size" toml:"cache_size"`
	CacheTTL  string `json:"cache_ttl" toml:"cache_ttl"`
}

type Config struct {
	Database       DatabaseConfig  `json:"database" toml:"database"`
	Relay          RelayConfig     `json:"relay" toml:"relay"`
	Session        SessionConfig   `json:"session" toml:"session"`
	Client         ClientConfig    `json:"client" toml:"client"`
	Console        ConsoleConfig   `json:"console" toml:"console"`
	Store          StoreConfig     `json:"store" toml:"store"`
	DefaultProfile session.Options `json:"default_profile" toml:"default_profile"`
	DebugMode      bool            `json:"debug_mode" toml:"debug_mode"`
	AppName        string          `json:"app_name" toml:"app_name"`
	LogDir         string          `json:"log_dir" toml:"log_dir"`
}

// envOverrides 环境变量覆盖，空值表示不覆盖
type envOverrides struct {
	Debug         string `env:"MQTT_SESSIONS_DEBUG"`
	LogDir        string `env:"MQTT_SESSIONS_LOG_DIR"`
	Store         string `env:"MQTT_SESSIONS_STORE"`
	MongoHost     string `env:"MQTT_SESSIONS_MONGO_HOST"`
	MongoPort     string `env:"MQTT_SESSIONS_MONGO_PORT"`
	MongoUsername string `env:"MQTT_SESSIONS_MONGO_USERNAME"`
	MongoPassword string `env:"MQTT_SESSIONS_MONGO_PASSWORD"`
}

var config = Default()
var initialized = false

func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Host:               "localhost",
			Port:               27017,
			Database:           "mqtt_sessions",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        10,
		},
		Relay: RelayConfig{
			CommandCapacity:  100,
			EventCapacity:    1000,
			OutboundCapacity: 1000,
			ControlCapacity:  32,
		},
		Session: SessionConfig{
			DrainWindow:   "5s",
			RetryInterval: "10ms",
		},
		Client: ClientConfig{
			RequestCapacity: 100,
			ConnectTimeout:  "10s",
		},
		Console: ConsoleConfig{
			Tick:       "100ms",
			MaxPerTick: 100,
			History:    500,
		},
		Store: StoreConfig{
			Backend:   "memory",
			CacheSize: 256,
			CacheTTL:  "1h",
		},
		DefaultProfile: session.DefaultOptions(),
		AppName:        "mqtt-sessions",
		LogDir:         "logs",
	}
}

// ReadConfig 读取配置文件；文件不存在时写出模板并返回 ErrConfigCreated
func ReadConfig(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()
	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read configuration file: %w", err)
		}
		if err := writeTemplate(path, cfg); err != nil {
			return cfg, err
		}
		return cfg, ErrConfigCreated
	}

	if isToml(path) {
		if _, err := toml.Decode(string(bytes), &cfg); err != nil {
			return cfg, fmt.Errorf("the configuration file does not contain valid TOML: %w", err)
		}
	} else if err := json.Unmarshal(bytes, &cfg); err != nil {
		return cfg, fmt.Errorf("the configuration file does not contain valid JSON: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	config = cfg
	initialized = true
	return cfg, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig(DefaultPath)
}

func isToml(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func writeTemplate(path string, cfg Config) error {
	writer, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create configuration template: %w", err)
	}
	defer func() { _ = writer.Close() }()
	if isToml(path) {
		return toml.NewEncoder(writer).Encode(cfg)
	}
	data, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return err
	}
	_, err = writer.Write(data)
	return err
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("decode environment: %w", err)
	}
	if env.Debug != "" {
		debug, err := strconv.ParseBool(env.Debug)
		if err != nil {
			return fmt.Errorf("%w: MQTT_SESSIONS_DEBUG=%q", ErrInvalidConfig, env.Debug)
		}
		cfg.DebugMode = debug
	}
	if env.LogDir != "" {
		cfg.LogDir = env.LogDir
	}
	if env.Store != "" {
		cfg.Store.Backend = env.Store
	}
	if env.MongoHost != "" {
		cfg.Database.Host = env.MongoHost
	}
	if env.MongoPort != "" {
		port, err := strconv.ParseUint(env.MongoPort, 10, 16)
		if err != nil {
			return fmt.Errorf("%w: MQTT_SESSIONS_MONGO_PORT=%q", ErrInvalidConfig, env.MongoPort)
		}
		cfg.Database.Port = port
	}
	if env.MongoUsername != "" {
		cfg.Database.Username = env.MongoUsername
	}
	if env.MongoPassword != "" {
		cfg.Database.Password = env.MongoPassword
	}
	return nil
}

// normalize 事件中继至少能容纳命令中继的全部拒绝事件
func (c *Config) normalize() {
	if c.Relay.EventCapacity < c.Relay.CommandCapacity {
		c.Relay.EventCapacity = c.Relay.CommandCapacity
	}
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
}

func (c Config) Validate() error {
	var errs []error
	capacities := map[string]int{
		"relay.command_capacity":  c.Relay.CommandCapacity,
		"relay.event_capacity":    c.Relay.EventCapacity,
		"relay.outbound_capacity": c.Relay.OutboundCapacity,
		"relay.control_capacity":  c.Relay.ControlCapacity,
		"client.request_capacity": c.Client.RequestCapacity,
		"console.max_per_tick":    c.Console.MaxPerTick,
		"console.history":         c.Console.History,
	}
	for key, value := range capacities {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, key, value))
		}
	}
	durations := map[string]string{
		"session.drain_window":   c.Session.DrainWindow,
		"session.retry_interval": c.Session.RetryInterval,
		"client.connect_timeout": c.Client.ConnectTimeout,
		"console.tick":           c.Console.Tick,
	}
	for key, value := range durations {
		duration, err := utils.ParseStringTime(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err))
		} else if duration <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, key))
		}
	}
	switch c.Store.Backend {
	case "memory":
	case "mongo":
		if c.Store.CacheSize < 0 {
			errs = append(errs, fmt.Errorf("%w: store.cache_size must not be negative", ErrInvalidConfig))
		}
		if _, err := utils.ParseStringTime(c.Store.CacheTTL); err != nil {
			errs = append(errs, fmt.Errorf("%w: store.cache_ttl: %w", ErrInvalidConfig, err))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend))
	}
	if c.DefaultProfile.Type != "" {
		if err := c.DefaultProfile.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: default_profile: %w", ErrInvalidConfig, err))
		}
	}
	return errors.Join(errs...)
}

func (c SessionConfig) DrainWindowDuration() time.Duration {
	return utils.ParseStringTimeOr(c.DrainWindow, 5*time.Second)
}

func (c SessionConfig) RetryIntervalDuration() time.Duration {
	return utils.ParseStringTimeOr(c.RetryInterval, 10*time.Millisecond)
}

func (c ClientConfig) ConnectTimeoutDuration() time.Duration {
	return utils.ParseStringTimeOr(c.ConnectTimeout, 10*time.Second)
}

func (c ConsoleConfig) TickDuration() time.Duration {
	return utils.ParseStringTimeOr(c.Tick, 100*time.Millisecond)
}

func (c StoreConfig) CacheTTLDuration() time.Duration {
	return utils.ParseStringTimeOr(c.CacheTTL, time.Hour)
}

func (c DatabaseConfig) OperationTimeoutDuration() time.Duration {
	return utils.ParseStringTimeOr(c.OperationTimeout, 5*time.Second)
}

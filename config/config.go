// Package config loads GatewayConfig from environment variables, per
// spec.md §6's external-interface table. Unlike cmd/gate/gateconfig in
// the teacher repo (which parses flag.FlagSet and an optional YAML
// file), CLI flags and config files are explicitly out of scope here —
// the gateway's only documented configuration surface is environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flowgate/flowgate/util/logger"
)

const (
	DefaultPort             = 8080
	DefaultKVPSHost         = "localhost"
	DefaultKVPSPort         = 6379
	DefaultLogLevel         = "info"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPresenceTimeout   = 60 * time.Second
	DefaultCursorTTL         = 30 * time.Second
	DefaultCursorCleanup     = 10 * time.Second
	DefaultThrottleInterval  = 250 * time.Millisecond
)

var allServices = map[string]bool{"chat": true, "presence": true, "cursor": true, "reaction": true}

// GatewayConfig is the fully resolved configuration for one gateway
// process.
type GatewayConfig struct {
	Port int

	KVPSHost string
	KVPSPort int
	KVPSURL  string // if set, takes precedence over host/port

	EnabledServices []string
	LogLevel        logger.LogLevel

	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	PresenceTimeout   time.Duration
	CursorTTL         time.Duration
	CursorCleanup     time.Duration
	ThrottleInterval  time.Duration
}

// Load reads every recognized environment variable and returns a fully
// populated GatewayConfig, applying defaults for anything unset.
// Returns an error only for a value that is present but malformed
// (e.g. a non-numeric PORT) or an ENABLED_SERVICES entry outside
// {chat,presence,cursor,reaction}.
func Load() (*GatewayConfig, error) {
	cfg := &GatewayConfig{
		Port:              DefaultPort,
		KVPSHost:          DefaultKVPSHost,
		KVPSPort:          DefaultKVPSPort,
		EnabledServices:   []string{"chat", "presence", "cursor", "reaction"},
		LogLevel:          logger.INFO,
		HeartbeatInterval: DefaultHeartbeatInterval,
		PresenceTimeout:   DefaultPresenceTimeout,
		CursorTTL:         DefaultCursorTTL,
		CursorCleanup:     DefaultCursorCleanup,
		ThrottleInterval:  DefaultThrottleInterval,
	}
	cfg.HeartbeatTTL = 3 * cfg.HeartbeatInterval

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}

	if v := os.Getenv("KVPS_HOST"); v != "" {
		cfg.KVPSHost = v
	}
	if v := os.Getenv("KVPS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid KVPS_PORT %q: %w", v, err)
		}
		cfg.KVPSPort = port
	}
	cfg.KVPSURL = os.Getenv("KVPS_URL")

	if v := os.Getenv("ENABLED_SERVICES"); v != "" {
		services, err := parseEnabledServices(v)
		if err != nil {
			return nil, err
		}
		cfg.EnabledServices = services
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return nil, err
		}
		cfg.LogLevel = level
	}

	if err := durationFromEnv("HEARTBEAT_INTERVAL_MS", &cfg.HeartbeatInterval); err != nil {
		return nil, err
	}
	cfg.HeartbeatTTL = 3 * cfg.HeartbeatInterval
	if err := durationFromEnv("HEARTBEAT_TTL_MS", &cfg.HeartbeatTTL); err != nil {
		return nil, err
	}
	if err := durationFromEnv("PRESENCE_TIMEOUT_MS", &cfg.PresenceTimeout); err != nil {
		return nil, err
	}
	if err := durationFromEnv("CURSOR_TTL_MS", &cfg.CursorTTL); err != nil {
		return nil, err
	}
	if err := durationFromEnv("CURSOR_CLEANUP_MS", &cfg.CursorCleanup); err != nil {
		return nil, err
	}
	if err := durationFromEnv("THROTTLE_INTERVAL_MS", &cfg.ThrottleInterval); err != nil {
		return nil, err
	}

	return cfg, nil
}

// KVPSAddr returns the effective Redis address this config resolves
// to: KVPS_URL if set, else host:port.
func (c *GatewayConfig) KVPSAddr() string {
	if c.KVPSURL != "" {
		return c.KVPSURL
	}
	return fmt.Sprintf("%s:%d", c.KVPSHost, c.KVPSPort)
}

// ServiceEnabled reports whether name is in EnabledServices.
func (c *GatewayConfig) ServiceEnabled(name string) bool {
	for _, s := range c.EnabledServices {
		if s == name {
			return true
		}
	}
	return false
}

func parseEnabledServices(v string) ([]string, error) {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		name := strings.TrimSpace(p)
		if name == "" {
			continue
		}
		if !allServices[name] {
			return nil, fmt.Errorf("config: unknown service %q in ENABLED_SERVICES", name)
		}
		out = append(out, name)
	}
	return out, nil
}

func parseLogLevel(v string) (logger.LogLevel, error) {
	switch strings.ToLower(v) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warn":
		return logger.WARN, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("config: invalid LOG_LEVEL %q", v)
	}
}

func durationFromEnv(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: invalid %s %q: %w", key, v, err)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}

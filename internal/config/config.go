// Package config gathers gateway settings from environment variables.
// Parsing goes through an injected lookup function so tests never touch
// the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/muxgate/muxgate/internal/policy"
)

// Environment variable names.
const (
	EnvListenAddr = "MUXGATE_LISTEN_ADDR"
	EnvLogLevel   = "MUXGATE_LOG_LEVEL"
	EnvLogFile    = "MUXGATE_LOG_FILE"

	EnvAuthMode    = "MUXGATE_AUTH_MODE"
	EnvTokenSecret = "MUXGATE_TOKEN_SECRET"

	EnvAllowedOrigins = "ALLOWED_ORIGINS"
	EnvMaxSessions    = "MAX_SESSIONS"

	EnvPolicyPreset         = "DESTINATION_POLICY_PRESET"
	EnvAllowPrivateNetworks = "ALLOW_PRIVATE_NETWORKS"
	EnvAllowCIDRs           = "ALLOW_UDP_CIDRS"
	EnvDenyCIDRs            = "DENY_UDP_CIDRS"
	EnvAllowPorts           = "ALLOW_UDP_PORTS"
	EnvDenyPorts            = "DENY_UDP_PORTS"
	EnvPolicyFile           = "MUXGATE_POLICY_FILE"

	EnvMaxFramePayloadBytes    = "MAX_FRAME_PAYLOAD_BYTES"
	EnvMaxMessagesPerSecond    = "MAX_MESSAGES_PER_SECOND"
	EnvHardCloseAfterViolation = "HARD_CLOSE_AFTER_VIOLATIONS"
	EnvUDPBindingIdleTimeout   = "UDP_BINDING_IDLE_TIMEOUT"
	EnvIDQuiescenceDelay       = "ID_QUIESCENCE_DELAY"
	EnvDialTimeout             = "DIAL_TIMEOUT"
)

// Defaults.
const (
	DefaultListenAddr = "127.0.0.1:8080"

	DefaultMaxSessions              = 64
	DefaultMaxFramePayloadBytes     = 1 << 20
	DefaultMaxMessagesPerSecond     = 0 // disabled
	DefaultHardCloseAfterViolations = 10
	DefaultUDPBindingIdleTimeout    = 60 * time.Second
	DefaultIDQuiescenceDelay        = 2 * time.Second
	DefaultDialTimeout              = 10 * time.Second
)

// AuthMode selects how browser attachments are authenticated.
type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeBearer AuthMode = "bearer"
)

// Config is the resolved gateway configuration.
type Config struct {
	ListenAddr string
	LogLevel   string
	LogFile    string

	AuthMode    AuthMode
	TokenSecret string

	AllowedOrigins []string
	MaxSessions    int

	Policy     policy.Config
	PolicyFile string

	MaxFramePayloadBytes     int
	MaxMessagesPerSecond     int
	HardCloseAfterViolations int
	UDPBindingIdleTimeout    time.Duration
	IDQuiescenceDelay        time.Duration
	DialTimeout              time.Duration
}

// Load resolves configuration from the process environment.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		ListenAddr:               envOrDefault(lookup, EnvListenAddr, DefaultListenAddr),
		LogLevel:                 envOrDefault(lookup, EnvLogLevel, "info"),
		LogFile:                  envOrDefault(lookup, EnvLogFile, ""),
		TokenSecret:              envOrDefault(lookup, EnvTokenSecret, ""),
		PolicyFile:               envOrDefault(lookup, EnvPolicyFile, ""),
		MaxSessions:              DefaultMaxSessions,
		MaxFramePayloadBytes:     DefaultMaxFramePayloadBytes,
		MaxMessagesPerSecond:     DefaultMaxMessagesPerSecond,
		HardCloseAfterViolations: DefaultHardCloseAfterViolations,
		UDPBindingIdleTimeout:    DefaultUDPBindingIdleTimeout,
		IDQuiescenceDelay:        DefaultIDQuiescenceDelay,
		DialTimeout:              DefaultDialTimeout,
	}

	switch mode := AuthMode(envOrDefault(lookup, EnvAuthMode, string(AuthModeBearer))); mode {
	case AuthModeNone, AuthModeBearer:
		cfg.AuthMode = mode
	default:
		return Config{}, fmt.Errorf("invalid %s %q", EnvAuthMode, mode)
	}
	// Fail closed: bearer auth without a secret cannot verify anything.
	if cfg.AuthMode == AuthModeBearer && strings.TrimSpace(cfg.TokenSecret) == "" {
		return Config{}, fmt.Errorf("%s is required when %s=%s", EnvTokenSecret, EnvAuthMode, AuthModeBearer)
	}

	if raw := envOrDefault(lookup, EnvAllowedOrigins, ""); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	for _, iv := range []struct {
		key string
		dst *int
	}{
		{EnvMaxSessions, &cfg.MaxSessions},
		{EnvMaxFramePayloadBytes, &cfg.MaxFramePayloadBytes},
		{EnvMaxMessagesPerSecond, &cfg.MaxMessagesPerSecond},
		{EnvHardCloseAfterViolation, &cfg.HardCloseAfterViolations},
	} {
		if raw, ok := lookup(iv.key); ok && strings.TrimSpace(raw) != "" {
			v, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s %q: %w", iv.key, raw, err)
			}
			*iv.dst = v
		}
	}

	for _, dv := range []struct {
		key string
		dst *time.Duration
	}{
		{EnvUDPBindingIdleTimeout, &cfg.UDPBindingIdleTimeout},
		{EnvIDQuiescenceDelay, &cfg.IDQuiescenceDelay},
		{EnvDialTimeout, &cfg.DialTimeout},
	} {
		if raw, ok := lookup(dv.key); ok && strings.TrimSpace(raw) != "" {
			v, err := time.ParseDuration(strings.TrimSpace(raw))
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s %q: %w", dv.key, raw, err)
			}
			*dv.dst = v
		}
	}

	pc, err := loadPolicy(lookup)
	if err != nil {
		return Config{}, err
	}
	cfg.Policy = pc

	return cfg, nil
}

func loadPolicy(lookup func(string) (string, bool)) (policy.Config, error) {
	var pc policy.Config
	var err error

	pc.Preset, err = policy.ParsePreset(envOrDefault(lookup, EnvPolicyPreset, string(policy.PresetProduction)))
	if err != nil {
		return policy.Config{}, fmt.Errorf("invalid %s: %w", EnvPolicyPreset, err)
	}
	if pc.AllowCIDRs, err = policy.ParseCIDRList(envOrDefault(lookup, EnvAllowCIDRs, "")); err != nil {
		return policy.Config{}, fmt.Errorf("invalid %s: %w", EnvAllowCIDRs, err)
	}
	if pc.DenyCIDRs, err = policy.ParseCIDRList(envOrDefault(lookup, EnvDenyCIDRs, "")); err != nil {
		return policy.Config{}, fmt.Errorf("invalid %s: %w", EnvDenyCIDRs, err)
	}
	if pc.AllowPorts, err = policy.ParsePortRanges(envOrDefault(lookup, EnvAllowPorts, "")); err != nil {
		return policy.Config{}, fmt.Errorf("invalid %s: %w", EnvAllowPorts, err)
	}
	if pc.DenyPorts, err = policy.ParsePortRanges(envOrDefault(lookup, EnvDenyPorts, "")); err != nil {
		return policy.Config{}, fmt.Errorf("invalid %s: %w", EnvDenyPorts, err)
	}
	if raw, ok := lookup(EnvAllowPrivateNetworks); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return policy.Config{}, fmt.Errorf("invalid %s %q: %w", EnvAllowPrivateNetworks, raw, err)
		}
		pc.AllowPrivateNetworks = &v
	}
	return pc, nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

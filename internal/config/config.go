// Package config loads daemon and relay configuration from KDL files,
// the way the teacher project configures agnt via ".agnt.kdl".
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// DaemonConfigFileName is the default daemon configuration file name.
const DaemonConfigFileName = "daemon.kdl"

// RelayConfigFileName is the default relay configuration file name.
const RelayConfigFileName = "relay.kdl"

// DaemonConfig holds the settings for a single local daemon instance:
// the supervisor's spawn contract, the multiplexer's soft caps, and the
// permission bridge's timeout tiers (spec §4.1, §4.2, §4.4).
type DaemonConfig struct {
	// SocketPath is the local channel (Unix socket / Windows named pipe).
	SocketPath string `kdl:"socket-path"`

	// AgentBinary is the path or name of the wrapped agent executable.
	AgentBinary string `kdl:"agent-binary"`

	// MinAgentVersion/MaxAgentVersion bound the compatibility window for
	// VersionIncompatible (spec §4.1).
	MinAgentVersion string `kdl:"min-agent-version"`
	MaxAgentVersion string `kdl:"max-agent-version"`

	// DevelopmentMode relaxes VersionIncompatible to a warning (spec §4.1).
	DevelopmentMode bool `kdl:"development-mode"`

	// MaxConsecutiveCrashes transitions a session to error after this many
	// crashes within CrashWindow (spec §4.1, default 3).
	MaxConsecutiveCrashes int           `kdl:"max-consecutive-crashes"`
	CrashWindowSeconds    int           `kdl:"crash-window-seconds"`
	CrashWindow           time.Duration `kdl:"-"`

	// SubscriberSoftCap is parsed and defaulted (256) here but is not passed
	// to internal/session, whose fan-out uses its own SubscriberSoftCap
	// constant.
	SubscriberSoftCap int `kdl:"subscriber-soft-cap"`

	// DefaultPermissionTimeoutSeconds/NoClientPermissionTimeoutDays are
	// parsed, defaulted (60s, 7d) and resolved into durations here, but
	// nothing passes them to internal/permission, whose deadlines are its
	// HeldDeadline and UnheldDeadline constants.
	DefaultPermissionTimeoutSeconds int           `kdl:"default-permission-timeout-seconds"`
	NoClientPermissionTimeoutDays   int           `kdl:"no-client-permission-timeout-days"`
	DefaultPermissionTimeout        time.Duration `kdl:"-"`
	NoClientPermissionTimeout       time.Duration `kdl:"-"`

	// BreakerThreshold/BreakerWindow/BreakerCooldown configure the upstream
	// rate-limit circuit breaker (spec §4.4).
	BreakerThreshold      int           `kdl:"breaker-threshold"`
	BreakerWindowSeconds  int           `kdl:"breaker-window-seconds"`
	BreakerCooldownSecs   int           `kdl:"breaker-cooldown-seconds"`
	BreakerWindow         time.Duration `kdl:"-"`
	BreakerCooldown       time.Duration `kdl:"-"`

	// SessionStorePath is the sqlite WAL database backing the event log.
	SessionStorePath string `kdl:"session-store-path"`
}

// DefaultDaemonConfig returns sensible defaults, mirroring the teacher's
// DefaultManagerConfig/DefaultDaemonConfig pattern.
func DefaultDaemonConfig() *DaemonConfig {
	c := &DaemonConfig{
		SocketPath:                      DefaultSocketPath(),
		AgentBinary:                     "coding-agent",
		MinAgentVersion:                 "1.0.0",
		MaxAgentVersion:                 "",
		DevelopmentMode:                 false,
		MaxConsecutiveCrashes:           3,
		CrashWindowSeconds:              60,
		SubscriberSoftCap:               256,
		DefaultPermissionTimeoutSeconds: 60,
		NoClientPermissionTimeoutDays:   7,
		BreakerThreshold:                3,
		BreakerWindowSeconds:            60,
		BreakerCooldownSecs:             60,
		SessionStorePath:                DefaultStatePath("sessions.db"),
	}
	c.resolveDurations()
	return c
}

func (c *DaemonConfig) resolveDurations() {
	c.CrashWindow = time.Duration(c.CrashWindowSeconds) * time.Second
	c.DefaultPermissionTimeout = time.Duration(c.DefaultPermissionTimeoutSeconds) * time.Second
	c.NoClientPermissionTimeout = time.Duration(c.NoClientPermissionTimeoutDays) * 24 * time.Hour
	c.BreakerWindow = time.Duration(c.BreakerWindowSeconds) * time.Second
	c.BreakerCooldown = time.Duration(c.BreakerCooldownSecs) * time.Second
}

// Validate fills defaults for MaxConsecutiveCrashes and SubscriberSoftCap,
// rejects a negative no-client-permission-timeout-days, and resolves the
// second/day fields into durations. It does not clamp any field to a
// range.
func (c *DaemonConfig) Validate() error {
	if c.MaxConsecutiveCrashes <= 0 {
		c.MaxConsecutiveCrashes = 3
	}
	if c.SubscriberSoftCap <= 0 {
		c.SubscriberSoftCap = 256
	}
	if c.NoClientPermissionTimeoutDays < 0 {
		return fmt.Errorf("no-client-permission-timeout-days must be >= 0")
	}
	c.resolveDurations()
	return nil
}

// LoadDaemonConfig reads and parses a KDL daemon config file, merging over
// defaults for any field left unset (zero value).
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	cfg := DefaultDaemonConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read daemon config: %w", err)
	}
	var parsed DaemonConfig
	if err := kdl.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse daemon config %s: %w", path, err)
	}
	mergeDaemonConfig(cfg, &parsed)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeDaemonConfig(dst, src *DaemonConfig) {
	if src.SocketPath != "" {
		dst.SocketPath = src.SocketPath
	}
	if src.AgentBinary != "" {
		dst.AgentBinary = src.AgentBinary
	}
	if src.MinAgentVersion != "" {
		dst.MinAgentVersion = src.MinAgentVersion
	}
	if src.MaxAgentVersion != "" {
		dst.MaxAgentVersion = src.MaxAgentVersion
	}
	dst.DevelopmentMode = dst.DevelopmentMode || src.DevelopmentMode
	if src.MaxConsecutiveCrashes > 0 {
		dst.MaxConsecutiveCrashes = src.MaxConsecutiveCrashes
	}
	if src.CrashWindowSeconds > 0 {
		dst.CrashWindowSeconds = src.CrashWindowSeconds
	}
	if src.SubscriberSoftCap > 0 {
		dst.SubscriberSoftCap = src.SubscriberSoftCap
	}
	if src.DefaultPermissionTimeoutSeconds > 0 {
		dst.DefaultPermissionTimeoutSeconds = src.DefaultPermissionTimeoutSeconds
	}
	if src.NoClientPermissionTimeoutDays > 0 {
		dst.NoClientPermissionTimeoutDays = src.NoClientPermissionTimeoutDays
	}
	if src.BreakerThreshold > 0 {
		dst.BreakerThreshold = src.BreakerThreshold
	}
	if src.BreakerWindowSeconds > 0 {
		dst.BreakerWindowSeconds = src.BreakerWindowSeconds
	}
	if src.BreakerCooldownSecs > 0 {
		dst.BreakerCooldownSecs = src.BreakerCooldownSecs
	}
	if src.SessionStorePath != "" {
		dst.SessionStorePath = src.SessionStorePath
	}
}

// RelayConfig holds the relay's listener, certificate, token, and buffer
// policy settings (spec §4.3, §6).
type RelayConfig struct {
	ClientListenAddr string `kdl:"client-listen-addr"`
	TunnelListenAddr string `kdl:"tunnel-listen-addr"`

	TrustAnchorPath string `kdl:"trust-anchor-path"`
	ServerCertPath  string `kdl:"server-cert-path"`
	ServerKeyPath   string `kdl:"server-key-path"`

	JWTSigningKeyPath string `kdl:"jwt-signing-key-path"`

	// BufferRetentionHours is the open-question retention field: default
	// 7 days (168h), bounded 1h-30d (spec §9).
	BufferRetentionHours int           `kdl:"buffer-retention-hours"`
	BufferRetention      time.Duration `kdl:"-"`

	MaxBufferedPerMachine int `kdl:"max-buffered-per-machine"`
	MaxBufferedMessageKiB int `kdl:"max-buffered-message-kib"`

	SweepIntervalMinutes int           `kdl:"sweep-interval-minutes"`
	SweepInterval        time.Duration `kdl:"-"`

	StorePath string `kdl:"store-path"`
}

// DefaultRelayConfig returns sensible defaults per spec §4.3/§6/§9.
func DefaultRelayConfig() *RelayConfig {
	c := &RelayConfig{
		ClientListenAddr:      ":7443",
		TunnelListenAddr:      ":7444",
		BufferRetentionHours:  7 * 24,
		MaxBufferedPerMachine: 1000,
		MaxBufferedMessageKiB: 1024,
		SweepIntervalMinutes:  60,
		StorePath:             DefaultStatePath("relay.db"),
	}
	c.resolveDurations()
	return c
}

func (c *RelayConfig) resolveDurations() {
	c.BufferRetention = time.Duration(c.BufferRetentionHours) * time.Hour
	c.SweepInterval = time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// Validate clamps the retention bound to the spec's 1h-30d open-question
// range and applies defaults for any unset cap.
func (c *RelayConfig) Validate() error {
	const minHours, maxHours = 1, 30 * 24
	if c.BufferRetentionHours < minHours {
		c.BufferRetentionHours = minHours
	}
	if c.BufferRetentionHours > maxHours {
		c.BufferRetentionHours = maxHours
	}
	if c.MaxBufferedPerMachine <= 0 {
		c.MaxBufferedPerMachine = 1000
	}
	if c.MaxBufferedMessageKiB <= 0 {
		c.MaxBufferedMessageKiB = 1024
	}
	if c.SweepIntervalMinutes <= 0 {
		c.SweepIntervalMinutes = 60
	}
	c.resolveDurations()
	return nil
}

// LoadRelayConfig reads and parses a KDL relay config file, merging over
// defaults.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	cfg := DefaultRelayConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read relay config: %w", err)
	}
	var parsed RelayConfig
	if err := kdl.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse relay config %s: %w", path, err)
	}
	mergeRelayConfig(cfg, &parsed)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeRelayConfig(dst, src *RelayConfig) {
	if src.ClientListenAddr != "" {
		dst.ClientListenAddr = src.ClientListenAddr
	}
	if src.TunnelListenAddr != "" {
		dst.TunnelListenAddr = src.TunnelListenAddr
	}
	if src.TrustAnchorPath != "" {
		dst.TrustAnchorPath = src.TrustAnchorPath
	}
	if src.ServerCertPath != "" {
		dst.ServerCertPath = src.ServerCertPath
	}
	if src.ServerKeyPath != "" {
		dst.ServerKeyPath = src.ServerKeyPath
	}
	if src.JWTSigningKeyPath != "" {
		dst.JWTSigningKeyPath = src.JWTSigningKeyPath
	}
	if src.BufferRetentionHours > 0 {
		dst.BufferRetentionHours = src.BufferRetentionHours
	}
	if src.MaxBufferedPerMachine > 0 {
		dst.MaxBufferedPerMachine = src.MaxBufferedPerMachine
	}
	if src.MaxBufferedMessageKiB > 0 {
		dst.MaxBufferedMessageKiB = src.MaxBufferedMessageKiB
	}
	if src.SweepIntervalMinutes > 0 {
		dst.SweepIntervalMinutes = src.SweepIntervalMinutes
	}
	if src.StorePath != "" {
		dst.StorePath = src.StorePath
	}
}

// DefaultStatePath returns a default location under the user's state
// directory for the named sqlite database file.
func DefaultStatePath(name string) string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return name
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "sessioncore", name)
}

// DefaultSocketPath returns the default local-channel socket path.
func DefaultSocketPath() string {
	if runtimeIsWindows() {
		return `\\.\pipe\sessioncore-daemon`
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = filepath.Join(os.TempDir())
	}
	return filepath.Join(dir, "sessioncore-daemon.sock")
}

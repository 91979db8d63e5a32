// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by this package.
const (
	ConfigEnv    = "BUILDACCEL_CONFIG"
	SharedDirEnv = "BUILDACCEL_SHARED_DIR"
)

// ClusterAuto asks the fleet client to resolve the cluster ID from the
// fleet manager before requesting machines.
const ClusterAuto = "auto"

// ConnectionMode selects how the controller reaches a leased agent.
type ConnectionMode string

const (
	// Direct connects to the lease's IP address.
	Direct ConnectionMode = "direct"
	// Tunnel connects through the fleet manager's tunnel address.
	Tunnel ConnectionMode = "tunnel"
	// Relay connects through a relay; always encrypted.
	Relay ConnectionMode = "relay"
)

// Encryption selects the compute transport variant.
type Encryption string

const (
	// EncryptionNone sends compute traffic in the clear.
	EncryptionNone Encryption = "none"
	// EncryptionAES wraps compute traffic in AES-256-GCM frames.
	EncryptionAES Encryption = "aes"
)

// Controller is the complete controller configuration.
type Controller struct {
	// Enabled turns the dispatch loop on. When false, Initialize only
	// prepares the working directory and tasks stay queued until
	// shutdown cancels them.
	Enabled bool `yaml:"enabled"`

	// SharedDir is the base of the working directory tree. Each
	// process works in SharedDir/buildaccel/<pid>.
	// Default: $BUILDACCEL_SHARED_DIR, else the OS temp dir.
	SharedDir string `yaml:"shared_dir"`

	// SubFolderCount is the number of buckets CreateUniqueFilePath
	// spreads files across.
	SubFolderCount int `yaml:"sub_folder_count"`

	// MaxLocalParallel caps local process parallelism; -1 uses every
	// hardware core.
	MaxLocalParallel int `yaml:"max_local_parallel"`

	// RemoteJobsPerReservedCore withholds one extra local core for
	// coordination per this many active remote jobs.
	RemoteJobsPerReservedCore int `yaml:"remote_jobs_per_reserved_core"`

	// Fleet manager connection. The fleet is used only when both
	// ServerURL and Pool are set.
	ServerURL string `yaml:"server_url"`
	Pool      string `yaml:"pool"`
	Token     string `yaml:"token"`
	// TokenFile is re-read whenever the fleet manager rejects the
	// current token. Takes precedence over Token.
	TokenFile string `yaml:"token_file"`
	Condition string `yaml:"condition"`
	Exclusive bool   `yaml:"exclusive"`
	// ClusterID is a fixed cluster, ClusterAuto to resolve one, or
	// empty for the fleet manager's default cluster.
	ClusterID string `yaml:"cluster_id"`

	// Host overrides the address agents use to connect back to this
	// machine when they do not listen themselves.
	Host string `yaml:"host"`

	// MaxCores caps the remote cores the agent pool will request.
	MaxCores int `yaml:"max_cores"`

	// EstimatedCoresPerInstance is the provisional core count charged
	// for an agent before its lease reports the real number.
	EstimatedCoresPerInstance int `yaml:"estimated_cores_per_instance"`

	AllowCompatibilityLayer bool           `yaml:"allow_compatibility_layer"`
	ConnectionMode          ConnectionMode `yaml:"connection_mode"`
	Encryption              Encryption     `yaml:"encryption"`

	// Agent describes the binary uploaded to leased machines.
	Agent AgentConfig `yaml:"agent"`

	// Intervals tunes the dispatch loop and agent workers.
	Intervals IntervalsConfig `yaml:"intervals"`
}

// AgentConfig describes the remote agent binary and how it is launched.
type AgentConfig struct {
	// Binary is the local path of the agent executable.
	Binary string `yaml:"binary"`
	// DebugSymbols is an optional symbol file bundled alongside.
	DebugSymbols string `yaml:"debug_symbols"`
	// BundleDir holds chunk blobs and .Bundle.ref files.
	// Default: ${SharedDir}/bundles
	BundleDir string `yaml:"bundle_dir"`
	// Port is the agent's primary port requested from the lease.
	Port int `yaml:"port"`
	// ProxyPort is the agent's proxy port requested from the lease.
	ProxyPort int `yaml:"proxy_port"`
	// Listen makes agents listen for the controller instead of
	// connecting back to Host:ListenPort.
	Listen bool `yaml:"listen"`
	// ListenPort is the local port agents connect back to when Listen
	// is false.
	ListenPort int `yaml:"listen_port"`
	// MaxIdleSeconds is passed to the agent as its idle timeout.
	MaxIdleSeconds int `yaml:"max_idle_seconds"`
}

// IntervalsConfig holds loop timing.
type IntervalsConfig struct {
	Poll           time.Duration `yaml:"poll"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	Trace          time.Duration `yaml:"trace"`
	IdleShutdown   time.Duration `yaml:"idle_shutdown"`
	RequestBackoff time.Duration `yaml:"request_backoff"`
	AgentPoll      time.Duration `yaml:"agent_poll"`
	AttachTimeout  time.Duration `yaml:"attach_timeout"`
}

// Default returns the default configuration. The shared directory
// comes from BUILDACCEL_SHARED_DIR when set.
func Default() *Controller {
	sharedDir := os.Getenv(SharedDirEnv)
	if sharedDir == "" {
		sharedDir = os.TempDir()
	}
	return &Controller{
		Enabled:                   false,
		SharedDir:                 sharedDir,
		SubFolderCount:            32,
		MaxLocalParallel:          -1,
		RemoteJobsPerReservedCore: 30,
		ClusterID:                 "",
		MaxCores:                  500,
		EstimatedCoresPerInstance: 32,
		ConnectionMode:            Direct,
		Encryption:                EncryptionNone,
		Agent: AgentConfig{
			BundleDir:      "${BUILDACCEL_SHARED_DIR}/bundles",
			Port:           7001,
			ProxyPort:      7002,
			Listen:         true,
			ListenPort:     1345,
			MaxIdleSeconds: 15,
		},
		Intervals: IntervalsConfig{
			Poll:           20 * time.Millisecond,
			Heartbeat:      30 * time.Second,
			Trace:          60 * time.Second,
			IdleShutdown:   15 * time.Second,
			RequestBackoff: 5 * time.Second,
			AgentPoll:      100 * time.Millisecond,
			AttachTimeout:  5 * time.Second,
		},
	}
}

// Load loads configuration from the file named by BUILDACCEL_CONFIG.
func Load() (*Controller, error) {
	configPath := os.Getenv(ConfigEnv)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your buildaccel.yaml config file, or use --config flag", ConfigEnv)
	}
	return LoadFile(configPath)
}

// LoadFile loads, normalizes and validates configuration from path.
func LoadFile(path string) (*Controller, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.ExpandPaths()
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Normalize applies implied settings. Relay connections are always
// encrypted, and an empty encryption mode means none.
func (c *Controller) Normalize() {
	if c.Encryption == "" {
		c.Encryption = EncryptionNone
	}
	if c.ConnectionMode == "" {
		c.ConnectionMode = Direct
	}
	if c.ConnectionMode == Relay {
		c.Encryption = EncryptionAES
	}
}

// FleetEnabled reports whether remote agents should be requested.
func (c *Controller) FleetEnabled() bool {
	return c.ServerURL != "" && c.Pool != ""
}

// ResolveClusterAuto reports whether the cluster ID must be resolved
// from the fleet manager.
func (c *Controller) ResolveClusterAuto() bool {
	return c.ClusterID == ClusterAuto
}

// ExpandPaths expands ${VAR} patterns in path fields. LoadFile calls
// it; code that builds a Controller by hand calls it before use.
func (c *Controller) ExpandPaths() {
	vars := map[string]string{
		"BUILDACCEL_SHARED_DIR": c.SharedDir,
		"HOME":                  os.Getenv("HOME"),
	}

	c.SharedDir = expandVars(c.SharedDir, vars)
	vars["BUILDACCEL_SHARED_DIR"] = c.SharedDir

	c.TokenFile = expandVars(c.TokenFile, vars)
	c.Agent.Binary = expandVars(c.Agent.Binary, vars)
	c.Agent.DebugSymbols = expandVars(c.Agent.DebugSymbols, vars)
	c.Agent.BundleDir = expandVars(c.Agent.BundleDir, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. Provided vars win
// over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Controller) Validate() error {
	var errs []error

	if c.SharedDir == "" {
		errs = append(errs, errors.New("shared_dir is required"))
	}
	if c.SubFolderCount <= 0 {
		errs = append(errs, fmt.Errorf("sub_folder_count must be positive, got %d", c.SubFolderCount))
	}
	if c.MaxLocalParallel < -1 {
		errs = append(errs, fmt.Errorf("max_local_parallel must be -1 or >= 0, got %d", c.MaxLocalParallel))
	}
	if c.RemoteJobsPerReservedCore <= 0 {
		errs = append(errs, fmt.Errorf("remote_jobs_per_reserved_core must be positive, got %d", c.RemoteJobsPerReservedCore))
	}
	if c.EstimatedCoresPerInstance <= 0 {
		errs = append(errs, fmt.Errorf("estimated_cores_per_instance must be positive, got %d", c.EstimatedCoresPerInstance))
	}
	if c.MaxCores < 0 {
		errs = append(errs, fmt.Errorf("max_cores must not be negative, got %d", c.MaxCores))
	}

	switch c.ConnectionMode {
	case Direct, Tunnel, Relay:
	default:
		errs = append(errs, fmt.Errorf("connection_mode must be one of direct, tunnel, relay; got %q", c.ConnectionMode))
	}
	switch c.Encryption {
	case EncryptionNone, EncryptionAES:
	default:
		errs = append(errs, fmt.Errorf("encryption must be none or aes; got %q", c.Encryption))
	}
	if c.ConnectionMode == Relay && c.Encryption != EncryptionAES {
		errs = append(errs, errors.New("relay connections require aes encryption"))
	}

	if c.ServerURL != "" {
		if parsed, err := url.Parse(c.ServerURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("server_url %q is not an absolute URL", c.ServerURL))
		}
	}
	if c.FleetEnabled() {
		if c.Agent.Binary == "" {
			errs = append(errs, errors.New("agent.binary is required when the fleet is enabled"))
		}
		if c.Agent.BundleDir == "" {
			errs = append(errs, errors.New("agent.bundle_dir is required when the fleet is enabled"))
		}
	}

	intervals := map[string]time.Duration{
		"intervals.poll":            c.Intervals.Poll,
		"intervals.heartbeat":       c.Intervals.Heartbeat,
		"intervals.trace":           c.Intervals.Trace,
		"intervals.idle_shutdown":   c.Intervals.IdleShutdown,
		"intervals.agent_poll":      c.Intervals.AgentPoll,
		"intervals.attach_timeout":  c.Intervals.AttachTimeout,
		"intervals.request_backoff": c.Intervals.RequestBackoff,
	}
	for name, value := range intervals {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, value))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

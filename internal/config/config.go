// Package config provides configuration parsing and validation for WRAITH
// nodes: identity material, listen/dial settings, the mimicry and
// obfuscation profile, and the process-wide resource limits, loaded from
// a YAML file and translated into a node.Config.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/wraith-project/wraith/internal/health"
	"github.com/wraith-project/wraith/internal/identity"
	"github.com/wraith-project/wraith/internal/obfuscate"
	"github.com/wraith-project/wraith/internal/streammux"
	"github.com/wraith-project/wraith/internal/suite"
	"github.com/wraith-project/wraith/internal/transport"
	"gopkg.in/yaml.v3"
)

// Config is the complete on-disk node configuration.
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Listen    ListenConfig    `yaml:"listen"`
	Suite     string          `yaml:"suite"`
	Mimicry   MimicryConfig   `yaml:"mimicry"`
	Timing    TimingConfig    `yaml:"timing"`
	Padding   PaddingConfig   `yaml:"padding"`
	Streams   StreamsConfig   `yaml:"streams"`
	Limits    LimitsConfig    `yaml:"limits"`
	Resumption ResumptionConfig `yaml:"resumption"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// IdentityConfig locates and protects the node's long-lived keypair.
type IdentityConfig struct {
	// DataDir holds the persisted keypair (see identity.LoadOrCreateKeypair).
	DataDir string `yaml:"data_dir"`

	// PassphraseEnv names an environment variable holding the passphrase
	// the keypair file is encrypted under. Empty means unencrypted
	// storage, acceptable only when DataDir itself is access-controlled.
	PassphraseEnv string `yaml:"passphrase_env"`
}

// Passphrase resolves the configured passphrase environment variable, or
// nil if none is configured.
func (c IdentityConfig) Passphrase() []byte {
	if c.PassphraseEnv == "" {
		return nil
	}
	if v, ok := os.LookupEnv(c.PassphraseEnv); ok {
		return []byte(v)
	}
	return nil
}

// ListenConfig is the local bind address. Empty Address disables
// listening; the node can still dial out.
type ListenConfig struct {
	Address string `yaml:"address"`
}

// MimicryConfig selects the outer-protocol carrier and TLS presentation.
type MimicryConfig struct {
	// Kind is one of "none", "websocket", "tls".
	Kind string `yaml:"kind"`

	// Fingerprint is a transport.FingerprintPreset name ("chrome",
	// "firefox", "safari", "edge", "ios", "android", "random", "go",
	// "disabled"). Only used when Kind != "none".
	Fingerprint string `yaml:"fingerprint"`

	// Entropy is one of "none", "base64", "json": how the encrypted
	// payload is re-shaped before entering the carrier protocol.
	Entropy string `yaml:"entropy"`

	// WSPath is the URL path used for the "websocket" carrier.
	WSPath string `yaml:"ws_path"`

	// CertFile/KeyFile name a PEM certificate/key pair the "tls" carrier
	// presents. If empty, a self-signed certificate is generated at
	// startup (see internal/certutil).
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

func parseMimicryKind(s string) (obfuscate.MimicryKind, error) {
	switch s {
	case "", "none":
		return obfuscate.MimicryNone, nil
	case "websocket":
		return obfuscate.MimicryWebSocket, nil
	case "tls":
		return obfuscate.MimicryTLS, nil
	default:
		return 0, fmt.Errorf("config: unknown mimicry kind %q", s)
	}
}

func parseEntropy(s string) (obfuscate.CarrierKind, error) {
	switch s {
	case "", "none":
		return obfuscate.CarrierNone, nil
	case "base64":
		return obfuscate.CarrierBase64, nil
	case "json":
		return obfuscate.CarrierJSON, nil
	default:
		return 0, fmt.Errorf("config: unknown entropy carrier %q", s)
	}
}

// Profile translates the YAML mimicry settings into an obfuscate.Profile.
func (m MimicryConfig) Profile() (obfuscate.Profile, error) {
	kind, err := parseMimicryKind(m.Kind)
	if err != nil {
		return obfuscate.Profile{}, err
	}
	entropy, err := parseEntropy(m.Entropy)
	if err != nil {
		return obfuscate.Profile{}, err
	}
	fp := transport.FingerprintPreset(m.Fingerprint)
	if fp == "" {
		fp = transport.FingerprintDisabled
	}
	return obfuscate.Profile{
		Mimicry:     kind,
		Fingerprint: fp,
		Entropy:     entropy,
		WSPath:      m.WSPath,
	}, nil
}

// TimingConfig selects the send-timing shaping policy.
type TimingConfig struct {
	// Mode is one of "constant-rate", "jittered", "burst-shaped".
	Mode      string        `yaml:"mode"`
	Interval  time.Duration `yaml:"interval"`
	MaxJitter time.Duration `yaml:"max_jitter"`
	BurstSize int           `yaml:"burst_size"`
}

// Resolve translates the YAML timing settings into an
// obfuscate.TimingConfig, filling in obfuscate.DefaultTimingConfig where
// the section was left empty.
func (t TimingConfig) Resolve() (obfuscate.TimingConfig, error) {
	if t.Mode == "" {
		return obfuscate.DefaultTimingConfig(), nil
	}
	var mode obfuscate.TimingMode
	switch t.Mode {
	case "constant-rate":
		mode = obfuscate.TimingConstantRate
	case "jittered":
		mode = obfuscate.TimingJittered
	case "burst-shaped":
		mode = obfuscate.TimingBurstShaped
	default:
		return obfuscate.TimingConfig{}, fmt.Errorf("config: unknown timing mode %q", t.Mode)
	}
	return obfuscate.TimingConfig{
		Mode:      mode,
		Interval:  t.Interval,
		MaxJitter: t.MaxJitter,
		BurstSize: t.BurstSize,
	}, nil
}

// PaddingConfig selects the per-packet size distribution.
type PaddingConfig struct {
	// Kind is one of "uniform", "https-empirical", "gaussian", "custom",
	// "none". Empty uses obfuscate.DefaultConfig.
	Kind  string  `yaml:"kind"`
	Min   int     `yaml:"min"`
	Max   int     `yaml:"max"`
	Mu    float64 `yaml:"mu"`
	Sigma float64 `yaml:"sigma"`
}

// Resolve translates the YAML padding settings into an obfuscate.Config,
// defaulting to the bundled HTTPS-empirical distribution bounded to mtu.
func (p PaddingConfig) Resolve(mtu int) (obfuscate.Config, error) {
	if p.Kind == "" {
		return obfuscate.DefaultConfig(mtu), nil
	}
	var kind obfuscate.DistributionKind
	switch p.Kind {
	case "uniform":
		kind = obfuscate.DistUniform
	case "https-empirical":
		kind = obfuscate.DistHttpsEmpirical
	case "gaussian":
		kind = obfuscate.DistGaussian
	case "custom":
		kind = obfuscate.DistCustom
	case "none":
		kind = obfuscate.DistNone
	default:
		return obfuscate.Config{}, fmt.Errorf("config: unknown padding kind %q", p.Kind)
	}
	cfg := obfuscate.Config{Kind: kind, Min: p.Min, Max: p.Max, Mu: p.Mu, Sigma: p.Sigma}
	if kind == obfuscate.DistHttpsEmpirical {
		cfg.CDF = obfuscate.DefaultHTTPSEmpiricalCDF
	}
	if cfg.Max == 0 {
		cfg.Max = mtu
	}
	return cfg, nil
}

// StreamsConfig bounds a session's stream multiplexer.
type StreamsConfig struct {
	MaxStreams    int           `yaml:"max_streams"`
	InitialWindow int64         `yaml:"initial_window"`
	OpenTimeout   time.Duration `yaml:"open_timeout"`
}

// Resolve translates the YAML streams settings into a
// streammux.ManagerConfig, defaulting anything left at zero.
func (s StreamsConfig) Resolve() streammux.ManagerConfig {
	d := streammux.DefaultManagerConfig()
	cfg := streammux.ManagerConfig{
		MaxStreams:    s.MaxStreams,
		InitialWindow: s.InitialWindow,
		OpenTimeout:   s.OpenTimeout,
	}
	if cfg.MaxStreams == 0 {
		cfg.MaxStreams = d.MaxStreams
	}
	if cfg.InitialWindow == 0 {
		cfg.InitialWindow = d.InitialWindow
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = d.OpenTimeout
	}
	return cfg
}

// LimitsConfig bounds process-wide resource pressure and per-address
// handshake rate limiting.
type LimitsConfig struct {
	MaxSessions     int           `yaml:"max_sessions"`
	MaxMemoryBytes  uint64        `yaml:"max_memory_bytes"`
	RateLimit       int           `yaml:"rate_limit"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
}

// Resolve translates the YAML limits settings into a health.Limits.
func (l LimitsConfig) Resolve() health.Limits {
	return health.Limits{MaxSessions: l.MaxSessions, MaxMemoryBytes: l.MaxMemoryBytes}
}

// ResumptionConfig controls session-ticket issuance.
type ResumptionConfig struct {
	// TicketKeyHex is the 32-byte ticket encryption key, hex-encoded. If
	// empty, a random key is generated at startup (tickets then only
	// survive this process's lifetime).
	TicketKeyHex string        `yaml:"ticket_key_hex"`
	TTL          time.Duration `yaml:"ttl"`
}

// TimeoutsConfig bounds the handshake and migration state machines.
type TimeoutsConfig struct {
	Handshake time.Duration `yaml:"handshake"`
	Migration time.Duration `yaml:"migration"`
}

// LoggingConfig selects the node's log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"` // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for internally-inconsistent values
// that Load would otherwise accept and surface confusingly deep inside
// node construction.
func (c *Config) Validate() error {
	if c.Identity.DataDir == "" {
		return fmt.Errorf("config: identity.data_dir is required")
	}
	if _, err := c.Mimicry.Profile(); err != nil {
		return err
	}
	if _, err := c.Timing.Resolve(); err != nil {
		return err
	}
	if _, err := c.Padding.Resolve(1400); err != nil {
		return err
	}
	return nil
}

// SuiteID resolves the configured cipher suite name to a suite.ID,
// defaulting to suite.SuiteB (the hybrid classical+post-quantum default).
func (c *Config) SuiteID() (suite.ID, error) {
	switch c.Suite {
	case "", "B":
		return suite.SuiteB, nil
	case "A":
		return suite.SuiteA, nil
	case "C":
		return suite.SuiteC, nil
	case "D":
		return suite.SuiteD, nil
	default:
		return 0, fmt.Errorf("config: unknown suite %q", c.Suite)
	}
}

// LoadIdentity loads or creates the node's keypair under Identity.DataDir.
func (c *Config) LoadIdentity() (*identity.Keypair, bool, error) {
	suiteID, err := c.SuiteID()
	if err != nil {
		return nil, false, err
	}
	return identity.LoadOrCreateKeypair(c.Identity.DataDir, c.Identity.Passphrase(), suiteID)
}

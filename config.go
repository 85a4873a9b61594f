package streaming

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultMSS is the default maximum segment size: a 1460 byte IP MTU minus
	// IP, UDP and overlay headers, minus our own segment header.
	DefaultMSS = 1460 - 20 - 8 - 120

	// MaxSegmentSize is the largest MSS: a maximal UDP datagram over IPv4
	// minus the segment header. Larger segments could not be sent over UDP.
	MaxSegmentSize = 65507 - HeaderSize

	// DefaultOverrideTimeout bounds how long the Nagle algorithm holds back a
	// small segment.
	DefaultOverrideTimeout = 100 * time.Millisecond

	// MaxWindowSize is the largest window the 16 bit window field can carry.
	// Window scaling is not supported.
	MaxWindowSize = 65535

	// DefaultHandshakeTimeout bounds OPEN.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultUserTimeout bounds how long sent data may stay unacknowledged and
	// how long CLOSE may take (RFC 9293 USER TIMEOUT).
	DefaultUserTimeout = 60 * time.Second

	// DefaultMSL is the maximum segment lifetime. RFC 9293 suggests 2 minutes;
	// one connection per peer makes a 4 minute TIME-WAIT impractical, so the
	// default is 2 seconds.
	DefaultMSL = 2 * time.Second

	// DefaultInitialRTO is used until the first RTT sample (RFC 6298 2.1).
	DefaultInitialRTO = time.Second

	// MinRTO and MaxRTO bound the computed retransmission timeout.
	MinRTO = 200 * time.Millisecond
	MaxRTO = 60 * time.Second

	// DefaultMaxRetries is how often one segment is retransmitted before the
	// connection is aborted.
	DefaultMaxRetries = 8

	// DefaultDuplicateAckThreshold triggers fast retransmit.
	DefaultDuplicateAckThreshold = 3
)

// Config configures a connection. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	// ActiveOpen sends a SYN on OPEN. Otherwise the connection starts in
	// LISTEN and waits for the peer's SYN.
	ActiveOpen bool

	// HandshakeTimeout bounds the handshake. Expiry fails OPEN with a
	// TimeoutError and closes the connection.
	HandshakeTimeout time.Duration

	// UserTimeout bounds how long sent data may stay unacknowledged and how
	// long CLOSE may take to reach TIME-WAIT.
	UserTimeout time.Duration

	// MaximumSegmentSize is the largest payload of one segment.
	MaximumSegmentSize int

	// ReceiveWindowSize is the receive buffer capacity, which is also the
	// largest window ever advertised.
	ReceiveWindowSize int

	// MaxRetries is how often one segment is retransmitted (or an unanswered
	// zero window probe sent) before the connection is aborted.
	MaxRetries int

	// MSL is the maximum segment lifetime. TIME-WAIT lasts 2*MSL.
	MSL time.Duration

	// InitialRTO, MinRTO and MaxRTO parameterize the RFC 6298 estimator.
	InitialRTO time.Duration
	MinRTO     time.Duration
	MaxRTO     time.Duration

	// NoDelay disables the Nagle algorithm: segments smaller than the MSS
	// are sent even while data is in flight, as long as the window allows.
	NoDelay bool

	// OverrideTimeout is how long a small segment may be held back before it
	// is sent anyway. RFC 9293 recommends 0.1 to 1 second.
	OverrideTimeout time.Duration

	// DuplicateAckThreshold duplicate ACKs trigger a fast retransmit.
	// Zero disables fast retransmit.
	DuplicateAckThreshold int

	// ISNSupplier chooses the initial send sequence number. Overridable for
	// deterministic tests; random by default.
	ISNSupplier func() uint32

	// Clock returns the current time for RTT measurement. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the default configuration for an actively opening
// connection.
func DefaultConfig() Config {
	return Config{
		ActiveOpen:            true,
		HandshakeTimeout:      DefaultHandshakeTimeout,
		UserTimeout:           DefaultUserTimeout,
		MaximumSegmentSize:    DefaultMSS,
		ReceiveWindowSize:     MaxWindowSize,
		MaxRetries:            DefaultMaxRetries,
		MSL:                   DefaultMSL,
		InitialRTO:            DefaultInitialRTO,
		MinRTO:                MinRTO,
		MaxRTO:                MaxRTO,
		OverrideTimeout:       DefaultOverrideTimeout,
		DuplicateAckThreshold: DefaultDuplicateAckThreshold,
		ISNSupplier:           randomISN,
		Clock:                 time.Now,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs error
	if c.HandshakeTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("handshake timeout must be positive, got %s", c.HandshakeTimeout))
	}
	if c.UserTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("user timeout must be positive, got %s", c.UserTimeout))
	}
	if c.MaximumSegmentSize <= 0 || c.MaximumSegmentSize > MaxSegmentSize {
		errs = multierror.Append(errs, fmt.Errorf("maximum segment size must be in [1, %d], got %d", MaxSegmentSize, c.MaximumSegmentSize))
	}
	if c.ReceiveWindowSize <= 0 || c.ReceiveWindowSize > MaxWindowSize {
		errs = multierror.Append(errs, fmt.Errorf("receive window size must be in [1, %d], got %d", MaxWindowSize, c.ReceiveWindowSize))
	}
	if c.MaxRetries < 0 {
		errs = multierror.Append(errs, fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries))
	}
	if c.MSL < 0 {
		errs = multierror.Append(errs, fmt.Errorf("MSL must not be negative, got %s", c.MSL))
	}
	if c.MinRTO <= 0 || c.MaxRTO < c.MinRTO {
		errs = multierror.Append(errs, fmt.Errorf("RTO bounds must satisfy 0 < min <= max, got [%s, %s]", c.MinRTO, c.MaxRTO))
	}
	if c.InitialRTO <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("initial RTO must be positive, got %s", c.InitialRTO))
	}
	if c.OverrideTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("override timeout must be positive, got %s", c.OverrideTimeout))
	}
	if c.DuplicateAckThreshold < 0 {
		errs = multierror.Append(errs, fmt.Errorf("duplicate ACK threshold must not be negative, got %d", c.DuplicateAckThreshold))
	}
	if c.ISNSupplier == nil {
		errs = multierror.Append(errs, fmt.Errorf("ISN supplier must be set"))
	}
	if c.Clock == nil {
		errs = multierror.Append(errs, fmt.Errorf("clock must be set"))
	}
	return errs
}

// fileConfig is the on-disk representation. Durations are Go duration
// strings ("250ms", "2s"); absent fields keep their defaults.
type fileConfig struct {
	ActiveOpen            *bool  `toml:"active-open" yaml:"active-open"`
	HandshakeTimeout      string `toml:"handshake-timeout" yaml:"handshake-timeout"`
	UserTimeout           string `toml:"user-timeout" yaml:"user-timeout"`
	MaximumSegmentSize    int    `toml:"maximum-segment-size" yaml:"maximum-segment-size"`
	ReceiveWindowSize     int    `toml:"receive-window-size" yaml:"receive-window-size"`
	MaxRetries            *int   `toml:"max-retries" yaml:"max-retries"`
	MSL                   string `toml:"msl" yaml:"msl"`
	InitialRTO            string `toml:"initial-rto" yaml:"initial-rto"`
	MinRTO                string `toml:"min-rto" yaml:"min-rto"`
	MaxRTO                string `toml:"max-rto" yaml:"max-rto"`
	NoDelay               *bool  `toml:"no-delay" yaml:"no-delay"`
	OverrideTimeout       string `toml:"override-timeout" yaml:"override-timeout"`
	DuplicateAckThreshold *int   `toml:"duplicate-ack-threshold" yaml:"duplicate-ack-threshold"`
	Profile               string `toml:"profile" yaml:"profile"`
}

// LoadConfigFile reads a TOML (.toml) or YAML (.yaml, .yml) file on top of
// DefaultConfig and validates the result.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &fc); err != nil {
			return Config{}, fmt.Errorf("decode TOML config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("decode YAML config %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", ext)
	}

	cfg, err := fc.apply(DefaultConfig())
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// apply overlays the fields present in the file onto cfg.
func (fc fileConfig) apply(cfg Config) (Config, error) {
	var errs error
	duration := func(name, value string, dst *time.Duration) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = d
	}

	if fc.ActiveOpen != nil {
		cfg.ActiveOpen = *fc.ActiveOpen
	}
	duration("handshake-timeout", fc.HandshakeTimeout, &cfg.HandshakeTimeout)
	duration("user-timeout", fc.UserTimeout, &cfg.UserTimeout)
	duration("msl", fc.MSL, &cfg.MSL)
	duration("initial-rto", fc.InitialRTO, &cfg.InitialRTO)
	duration("min-rto", fc.MinRTO, &cfg.MinRTO)
	duration("max-rto", fc.MaxRTO, &cfg.MaxRTO)
	duration("override-timeout", fc.OverrideTimeout, &cfg.OverrideTimeout)
	if fc.NoDelay != nil {
		cfg.NoDelay = *fc.NoDelay
	}
	if fc.MaximumSegmentSize != 0 {
		cfg.MaximumSegmentSize = fc.MaximumSegmentSize
	}
	if fc.ReceiveWindowSize != 0 {
		cfg.ReceiveWindowSize = fc.ReceiveWindowSize
	}
	if fc.MaxRetries != nil {
		cfg.MaxRetries = *fc.MaxRetries
	}
	if fc.DuplicateAckThreshold != nil {
		cfg.DuplicateAckThreshold = *fc.DuplicateAckThreshold
	}

	if fc.Profile != "" {
		profile, err := parseProfile(fc.Profile)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("profile: %w", err))
		} else {
			cfg = profile.Apply(cfg)
		}
	}

	if errs != nil {
		return Config{}, fmt.Errorf("parse config: %w", errs)
	}
	return cfg, nil
}

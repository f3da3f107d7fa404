package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/pflag"

	"github.com/sheerbytes/blockflux/internal/scheduler"
)

const envPrefix = "BLOCKFLUX_"

var ErrInvalidConfig = errors.New("invalid configuration")

// SendConfig holds configuration for the sending side.
type SendConfig struct {
	Addr          string // listen address
	LogLevel      string
	LogFormat     string
	Policy        string
	Variant       string
	Alpha         float64
	Beta          float64
	MaxPriority   uint64
	IgnoreDeps    bool
	PacingRate    float64 // bytes per second, 0 leaves sends unpaced
	ChunkSize     int
	DebugAddr     string
	Profile       string
	Duration      time.Duration
	ProbeInterval time.Duration
	AgingAfter    time.Duration // hybrid policy, 0 takes the scheduler default
}

// RecvConfig holds configuration for the receiving side.
type RecvConfig struct {
	Addr      string // sender address to dial
	LogLevel  string
	LogFormat string
	Duration  time.Duration
}

// NewSendConfig returns defaults overridden by BLOCKFLUX_* environment
// variables.
func NewSendConfig() (SendConfig, error) {
	def := scheduler.DefaultPolicyConfig()
	cfg := SendConfig{
		Addr:          ":4433",
		LogLevel:      "info",
		LogFormat:     "text",
		Policy:        scheduler.PolicyDeadline,
		Variant:       string(def.Variant),
		Alpha:         def.Alpha,
		Beta:          def.Beta,
		MaxPriority:   def.MaxPriority,
		ChunkSize:     16 * 1024,
		Duration:      10 * time.Second,
		ProbeInterval: 200 * time.Millisecond,
	}

	env := envReader{}
	env.str("ADDR", &cfg.Addr)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.str("LOG_FORMAT", &cfg.LogFormat)
	env.str("POLICY", &cfg.Policy)
	env.str("VARIANT", &cfg.Variant)
	env.float("ALPHA", &cfg.Alpha)
	env.float("BETA", &cfg.Beta)
	env.uint("MAX_PRIORITY", &cfg.MaxPriority)
	env.boolean("IGNORE_DEPS", &cfg.IgnoreDeps)
	env.float("PACING_RATE", &cfg.PacingRate)
	env.integer("CHUNK_SIZE", &cfg.ChunkSize)
	env.str("DEBUG_ADDR", &cfg.DebugAddr)
	env.str("PROFILE", &cfg.Profile)
	env.duration("DURATION", &cfg.Duration)
	env.duration("PROBE_INTERVAL", &cfg.ProbeInterval)
	env.duration("AGING_AFTER", &cfg.AgingAfter)
	return cfg, env.err
}

// BindFlags registers the send flags on fs with cfg's values as defaults.
// Flags override the environment.
func (c *SendConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "UDP address to listen on")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (text, json)")
	fs.StringVar(&c.Policy, "policy", c.Policy, "scheduling policy (dtp, fifo, priority, rr, hybrid)")
	fs.StringVar(&c.Variant, "variant", c.Variant, "dtp variant (single-pass, two-phase)")
	fs.Float64Var(&c.Alpha, "alpha", c.Alpha, "weight of priority against urgency, in [0,1]")
	fs.Float64Var(&c.Beta, "beta", c.Beta, "penalty added to blocks that will miss their deadline")
	fs.Uint64Var(&c.MaxPriority, "max-priority", c.MaxPriority, "priority value that normalizes to 1")
	fs.BoolVar(&c.IgnoreDeps, "ignore-deps", c.IgnoreDeps, "schedule blocks regardless of dependencies")
	fs.Float64Var(&c.PacingRate, "pacing-rate", c.PacingRate, "send rate limit in bytes per second (0 = unpaced)")
	fs.IntVar(&c.ChunkSize, "chunk-size", c.ChunkSize, "bytes written per transmission opportunity")
	fs.StringVar(&c.DebugAddr, "debug-addr", c.DebugAddr, "HTTP address for metrics and scheduler state (empty = off)")
	fs.StringVar(&c.Profile, "profile", c.Profile, "YAML stream profile (empty = built-in)")
	fs.DurationVar(&c.Duration, "duration", c.Duration, "how long to generate blocks")
	fs.DurationVar(&c.ProbeInterval, "probe-interval", c.ProbeInterval, "RTT ping interval")
	fs.DurationVar(&c.AgingAfter, "aging-after", c.AgingAfter, "hybrid: promote a block unserved this long (0 = 500ms)")
}

// Validate rejects settings the sender cannot run with.
func (c SendConfig) Validate() error {
	switch {
	case !lo.Contains(scheduler.Policies(), c.Policy):
		return fmt.Errorf("%w: unknown policy %q", ErrInvalidConfig, c.Policy)
	case c.Variant != string(scheduler.VariantSinglePass) && c.Variant != string(scheduler.VariantTwoPhase):
		return fmt.Errorf("%w: unknown variant %q", ErrInvalidConfig, c.Variant)
	case c.Alpha < 0 || c.Alpha > 1:
		return fmt.Errorf("%w: alpha %v outside [0,1]", ErrInvalidConfig, c.Alpha)
	case c.Beta <= 0:
		return fmt.Errorf("%w: beta must be positive", ErrInvalidConfig)
	case c.MaxPriority == 0:
		return fmt.Errorf("%w: max-priority must be positive", ErrInvalidConfig)
	case c.PacingRate < 0:
		return fmt.Errorf("%w: negative pacing rate", ErrInvalidConfig)
	case c.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk-size must be positive", ErrInvalidConfig)
	case c.Duration <= 0:
		return fmt.Errorf("%w: duration must be positive", ErrInvalidConfig)
	case c.ProbeInterval <= 0:
		return fmt.Errorf("%w: probe-interval must be positive", ErrInvalidConfig)
	case c.AgingAfter < 0:
		return fmt.Errorf("%w: negative aging-after", ErrInvalidConfig)
	}
	return nil
}

// PolicyConfig returns the scheduler tuning.
func (c SendConfig) PolicyConfig() scheduler.PolicyConfig {
	return scheduler.PolicyConfig{
		Alpha:              c.Alpha,
		Beta:               c.Beta,
		MaxPriority:        c.MaxPriority,
		Variant:            scheduler.Variant(c.Variant),
		IgnoreDependencies: c.IgnoreDeps,
		AgingAfter:         uint64(c.AgingAfter.Milliseconds()),
	}
}

// NewRecvConfig returns defaults overridden by BLOCKFLUX_* environment
// variables.
func NewRecvConfig() (RecvConfig, error) {
	cfg := RecvConfig{
		Addr:      "127.0.0.1:4433",
		LogLevel:  "info",
		LogFormat: "text",
		Duration:  15 * time.Second,
	}
	env := envReader{}
	env.str("ADDR", &cfg.Addr)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.str("LOG_FORMAT", &cfg.LogFormat)
	env.duration("DURATION", &cfg.Duration)
	return cfg, env.err
}

// BindFlags registers the receive flags on fs.
func (c *RecvConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "sender address to dial")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (text, json)")
	fs.DurationVar(&c.Duration, "duration", c.Duration, "how long to receive (0 = until the sender leaves)")
}

// Validate rejects settings the receiver cannot run with.
func (c RecvConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr is required", ErrInvalidConfig)
	}
	if c.Duration < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	return nil
}

// parseSendConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseSendConfigWithFlagSet(fs *pflag.FlagSet, args []string) (SendConfig, error) {
	cfg, err := NewSendConfig()
	if err != nil {
		return cfg, err
	}
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// envReader applies BLOCKFLUX_* variables and keeps the first parse error.
type envReader struct {
	err error
}

func (r *envReader) lookup(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func (r *envReader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s%s=%q: %v", ErrInvalidConfig, envPrefix, key, value, err)
	}
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r *envReader) float(key string, dst *float64) {
	if v, ok := r.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (r *envReader) uint(key string, dst *uint64) {
	if v, ok := r.lookup(key); ok {
		u, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = u
	}
}

func (r *envReader) integer(key string, dst *int) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	if v, ok := r.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	if v, ok := r.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = d
	}
}

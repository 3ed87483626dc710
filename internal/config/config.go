// Package config loads run settings from defaults, a YAML file, PRIMESIEVE_*
// environment variables and command line flags, in increasing priority.
package config

import (
	"io"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/sunrise2575/PrimeSieve/internal/sieve"
)

const EnvPrefix = "PRIMESIEVE"

var ErrInvalid = errors.New("invalid configuration")

type SieveConfig struct {
	Limit     uint64 `mapstructure:"limit" yaml:"limit"`
	Segments  int    `mapstructure:"segments" yaml:"segments"`
	Dedup     string `mapstructure:"dedup" yaml:"dedup"`
	BaseBound uint32 `mapstructure:"base_bound" yaml:"base_bound"` // 0 = derive from limit
}

type DeviceConfig struct {
	Backend           string `mapstructure:"backend" yaml:"backend"`
	GroupWidth        uint32 `mapstructure:"group_width" yaml:"group_width"`
	MaxDispatchGroups uint32 `mapstructure:"max_dispatch_groups" yaml:"max_dispatch_groups"`
	Lanes             int    `mapstructure:"lanes" yaml:"lanes"` // 0 = one per CPU
}

type PipelineConfig struct {
	Depth           int           `mapstructure:"depth" yaml:"depth"`
	SegmentTimeout  time.Duration `mapstructure:"segment_timeout" yaml:"segment_timeout"`
	TransferRetries int           `mapstructure:"transfer_retries" yaml:"transfer_retries"`
}

type OutputConfig struct {
	Path     string `mapstructure:"path" yaml:"path"` // "-" = stdout
	List     bool   `mapstructure:"list" yaml:"list"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose"`
}

type Config struct {
	Sieve    SieveConfig    `mapstructure:"sieve" yaml:"sieve"`
	Device   DeviceConfig   `mapstructure:"device" yaml:"device"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`
}

var defaults = map[string]interface{}{
	"sieve.limit":                uint64(sieve.MaxLimit),
	"sieve.segments":             sieve.DefaultSegments,
	"sieve.dedup":                "floor",
	"sieve.base_bound":           0,
	"device.backend":             "software",
	"device.group_width":         256,
	"device.max_dispatch_groups": 65535,
	"device.lanes":               0,
	"pipeline.depth":             1,
	"pipeline.segment_timeout":   "0s",
	"pipeline.transfer_retries":  1,
	"output.path":                "-",
	"output.list":                false,
	"output.log_level":           "info",
	"output.verbose":             false,
}

// Flags maps command line flag names to configuration keys.
var Flags = map[string]string{
	"limit":       "sieve.limit",
	"segments":    "sieve.segments",
	"dedup":       "sieve.dedup",
	"base-bound":  "sieve.base_bound",
	"backend":     "device.backend",
	"group-width": "device.group_width",
	"max-groups":  "device.max_dispatch_groups",
	"lanes":       "device.lanes",
	"depth":       "pipeline.depth",
	"timeout":     "pipeline.segment_timeout",
	"retries":     "pipeline.transfer_retries",
	"output":      "output.path",
	"list":        "output.list",
	"log-level":   "output.log_level",
	"verbose":     "output.verbose",
}

// New returns a viper instance holding the defaults and reading the
// environment.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration, ignoring files and the
// environment.
func Default() Config {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		panic(err)
	}
	return c
}

// BindFlags binds every flag of fs named in Flags.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range Flags {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind flag %q", name)
		}
	}
	return nil
}

// Load reads path, if any, into v and returns the validated configuration.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "unmarshal config"), ErrInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Mark(errors.Newf(format, args...), ErrInvalid)
	}

	switch {
	case c.Sieve.Limit < 2 || c.Sieve.Limit > sieve.MaxLimit:
		return invalid("sieve.limit %d outside [2, 2^32]", c.Sieve.Limit)
	case c.Sieve.Segments <= 0:
		return invalid("sieve.segments must be positive, got %d", c.Sieve.Segments)
	case c.Device.GroupWidth == 0:
		return invalid("device.group_width must be positive")
	case c.Device.MaxDispatchGroups == 0:
		return invalid("device.max_dispatch_groups must be positive")
	case c.Device.Lanes < 0:
		return invalid("device.lanes %d", c.Device.Lanes)
	case c.Pipeline.Depth != 1 && c.Pipeline.Depth != 2:
		return invalid("pipeline.depth must be 1 or 2, got %d", c.Pipeline.Depth)
	case c.Pipeline.SegmentTimeout < 0:
		return invalid("pipeline.segment_timeout %v", c.Pipeline.SegmentTimeout)
	case c.Pipeline.TransferRetries < 0:
		return invalid("pipeline.transfer_retries %d", c.Pipeline.TransferRetries)
	}
	if _, err := sieve.ParseDedupMode(c.Sieve.Dedup); err != nil {
		return errors.Mark(err, ErrInvalid)
	}
	return nil
}

// Options converts the configuration into engine options. Segments are
// reduced when the limit is too small to give every segment a candidate.
func (c *Config) Options() (sieve.Options, error) {
	dedup, err := sieve.ParseDedupMode(c.Sieve.Dedup)
	if err != nil {
		return sieve.Options{}, errors.Mark(err, ErrInvalid)
	}
	opts := sieve.DefaultOptions()
	opts.Limit = c.Sieve.Limit
	opts.Segments = sieve.FitSegments(c.Sieve.Limit, c.Sieve.Segments)
	opts.BaseBound = c.Sieve.BaseBound
	opts.Dedup = dedup
	opts.GroupWidth = c.Device.GroupWidth
	opts.MaxDispatchGroups = c.Device.MaxDispatchGroups
	opts.Backend = c.Device.Backend
	opts.Lanes = c.Device.Lanes
	opts.Depth = c.Pipeline.Depth
	opts.SegmentTimeout = c.Pipeline.SegmentTimeout
	opts.TransferRetries = c.Pipeline.TransferRetries
	return opts, nil
}

// Dump writes c as YAML.
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// Package config loads samwise's configuration (spec §6's option table)
// through viper, decoding into a typed Options tree and validating it
// before the daemon wires anything up. Duration and size keys accept the
// original's shorthand suffixes (ms|s|min|h|d, b|k|m|g) via a
// mapstructure decode hook, replacing the original's hand-rolled zconfig
// picture resolver (original_source/samwise/src/sam_cfg.c) with viper's
// idiomatic config-file + env-var layering.
package config

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var durationType = reflect.TypeOf(time.Duration(0))

// BackendOptions is one backends[] entry (spec §6).
type BackendOptions struct {
	Name       string        `mapstructure:"name"`
	Host       string        `mapstructure:"host"`
	Port       uint16        `mapstructure:"port"`
	User       string        `mapstructure:"user"`
	Pass       string        `mapstructure:"pass"`
	HeartbeatS uint16        `mapstructure:"heartbeat_s"`
	Tries      int32         `mapstructure:"tries"`
	Interval   time.Duration `mapstructure:"interval_ms"`
}

// BufferOptions is the buffer.* section (spec §6).
type BufferOptions struct {
	Home           string        `mapstructure:"home"`
	File           string        `mapstructure:"file"`
	RetryCount     int32         `mapstructure:"retry_count"`
	RetryInterval  time.Duration `mapstructure:"retry_interval_ms"`
	RetryThreshold time.Duration `mapstructure:"retry_threshold_ms"`
}

// Options is the fully decoded, validated configuration tree.
type Options struct {
	Endpoint    string           `mapstructure:"endpoint"`
	BackendType string           `mapstructure:"backend_type"`
	Backends    []BackendOptions `mapstructure:"backends"`
	Buffer      BufferOptions    `mapstructure:"buffer"`
}

// knownBackendTypes enumerates spec §6's backend_type enum. rmq is the
// only member; the type exists so a second transport can be added
// without touching the validation shape.
var knownBackendTypes = map[string]bool{"rmq": true}

// durationSuffixes maps spec §6's duration suffixes to the time.Duration
// one unit of each stands for.
var durationSuffixes = []struct {
	suffix string
	unit   time.Duration
}{
	{"min", time.Minute},
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// sizeSuffixes maps spec §6's size suffixes to a byte multiplier.
var sizeSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"g", 1 << 30},
	{"m", 1 << 20},
	{"k", 1 << 10},
	{"b", 1},
}

// Load reads configuration from path (if non-empty; viper's config-file
// discovery otherwise), layers SAMWISE_-prefixed environment variables
// over it, decodes into Options, and validates the result.
func Load(path string) (*Options, error) {
	v := viper.New()
	v.SetEnvPrefix("samwise")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("samwise")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/samwise")
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, errors.Wrap(err, "config: read")
		}
	}

	var opts Options
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		durationSuffixDecodeHook,
		sizeSuffixDecodeHook,
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&opts, viper.DecodeHook(decodeHook)); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend_type", "rmq")
	v.SetDefault("buffer.home", ".")
	v.SetDefault("buffer.file", "samwise.pkv")
	v.SetDefault("buffer.retry_count", int32(3))
	v.SetDefault("buffer.retry_interval_ms", "5s")
	v.SetDefault("buffer.retry_threshold_ms", "2s")
}

// Validate checks the required-field and enum constraints spec §6
// implies beyond plain type decoding.
func (o *Options) Validate() error {
	if o.Endpoint == "" {
		return errors.New("config: endpoint is required")
	}
	if !knownBackendTypes[o.BackendType] {
		return errors.Errorf("config: unknown backend_type %q", o.BackendType)
	}
	if len(o.Backends) == 0 {
		return errors.New("config: at least one backend is required")
	}
	seen := make(map[string]bool, len(o.Backends))
	for i, b := range o.Backends {
		if b.Name == "" {
			return errors.Errorf("config: backends[%d].name is required", i)
		}
		if seen[b.Name] {
			return errors.Errorf("config: duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
		if b.Host == "" {
			return errors.Errorf("config: backends[%d].host is required", i)
		}
		if b.Port == 0 {
			return errors.Errorf("config: backends[%d].port is required", i)
		}
	}
	if o.Buffer.Home == "" {
		return errors.New("config: buffer.home is required")
	}
	if o.Buffer.File == "" {
		return errors.New("config: buffer.file is required")
	}
	return nil
}

// durationSuffixDecodeHook parses spec §6's duration shorthand
// (ms|s|min|h|d) into a time.Duration. Bare numeric strings are treated
// as already-milliseconds, matching the *_ms key naming.
func durationSuffixDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType || from.Kind() != reflect.String {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if s == "" {
		return data, nil
	}
	for _, suf := range durationSuffixes {
		if strings.HasSuffix(s, suf.suffix) {
			n, err := strconv.ParseInt(strings.TrimSuffix(s, suf.suffix), 10, 64)
			if err != nil {
				return data, errors.Wrapf(err, "config: invalid duration %q", s)
			}
			return time.Duration(n) * suf.unit, nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return data, errors.Wrapf(err, "config: invalid duration %q", s)
	}
	return time.Duration(n) * time.Millisecond, nil
}

// sizeSuffixDecodeHook parses spec §6's size shorthand (b|k|m|g) into a
// plain byte count, for size-valued options should any be added to the
// option table.
func sizeSuffixDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.Int64 || from.Kind() != reflect.String {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if s == "" {
		return data, nil
	}
	lower := strings.ToLower(s)
	for _, suf := range sizeSuffixes {
		if strings.HasSuffix(lower, suf.suffix) {
			n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
			if err != nil {
				return data, errors.Wrapf(err, "config: invalid size %q", s)
			}
			return n * suf.mult, nil
		}
	}
	return data, nil
}

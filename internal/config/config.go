// Package config is the module-argument / configuration layer (§6):
// the named options the engine is constructed from, loaded with
// CLI > environment > TOML file precedence. It is grounded on the pack's
// reflection-based LoadConfig, simplified to this engine's flat option set.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Options is the engine's recognized configuration surface: the
// construction-time options of §6 plus the ambient concerns (logging,
// metrics, the reservation lock, and the config file itself) that every
// runnable daemon needs regardless of what the capture engine's own
// Non-goals exclude.
type Options struct {
	Device     string `flag:"device" env:"DEVICE" toml:"device"`
	SourceName string `flag:"source-name" env:"SOURCE_NAME" toml:"source_name"`

	Fragments    int    `flag:"fragments" env:"FRAGMENTS" toml:"fragments"`
	FragmentSize uint32 `flag:"fragment-size" env:"FRAGMENT_SIZE" toml:"fragment_size"`

	TschedBufferSize      uint32 `flag:"tsched-buffer-size" env:"TSCHED_BUFFER_SIZE" toml:"tsched_buffer_size"`
	TschedBufferWatermark uint32 `flag:"tsched-buffer-watermark" env:"TSCHED_BUFFER_WATERMARK" toml:"tsched_buffer_watermark"`

	Mmap     bool `flag:"mmap" env:"MMAP" toml:"mmap"`
	Tsched   bool `flag:"tsched" env:"TSCHED" toml:"tsched"`
	IgnoreDB bool `flag:"ignore-db" env:"IGNORE_DB" toml:"ignore_db"`

	LogLevel            string `flag:"log-level" env:"LOG_LEVEL" toml:"log_level"`
	LogFormat           string `flag:"log-format" env:"LOG_FORMAT" toml:"log_format"`
	MetricsAddr         string `flag:"metrics-addr" env:"METRICS_ADDR" toml:"metrics_addr"`
	ReservationLockPath string `flag:"reservation-lock-path" env:"RESERVATION_LOCK_PATH" toml:"reservation_lock_path"`

	Config string `flag:"config" env:"CONFIG" toml:"-"`
}

// EnvPrefix namespaces every environment variable this package reads.
const EnvPrefix = "ALSASOURCED_"

// Defaults returns this package's own defaults. TschedBufferSize and
// TschedBufferWatermark are left at zero, the sentinel for "unset": §6's
// time-based defaults (tsched_buffer = 2s, tsched_watermark = 20ms,
// watermark_step = 10ms, min_sleep/min_wakeup = 10ms/4ms) are converted to
// bytes once the negotiated sample spec is known, which cmd/alsa-sourced's
// Geometry construction does on an unset field rather than this package
// guessing a byte count with no sample rate to convert against.
func Defaults() Options {
	return Options{
		Fragments:    4,
		FragmentSize: 4096,
		Mmap:         true,
		Tsched:       true,
		LogLevel:     "info",
		LogFormat:    "text",
		MetricsAddr:  ":9090",
	}
}

// BindFlags registers cmd's CLI surface against opts, one pflag per tagged
// field, seeded from Defaults().
func BindFlags(cmd *cobra.Command, opts *Options) {
	d := Defaults()

	cmd.Flags().StringVar(&opts.Device, "device", d.Device, "ALSA capture device identifier")
	cmd.Flags().StringVar(&opts.SourceName, "source-name", d.SourceName, "source object name")
	cmd.Flags().IntVar(&opts.Fragments, "fragments", d.Fragments, "hardware fragment count")
	cmd.Flags().Uint32Var(&opts.FragmentSize, "fragment-size", d.FragmentSize, "hardware fragment size in bytes")
	cmd.Flags().Uint32Var(&opts.TschedBufferSize, "tsched-buffer-size", d.TschedBufferSize, "timer-scheduled buffer size in bytes (0 = 2s default)")
	cmd.Flags().Uint32Var(&opts.TschedBufferWatermark, "tsched-buffer-watermark", d.TschedBufferWatermark, "timer-scheduled watermark in bytes")
	cmd.Flags().BoolVar(&opts.Mmap, "mmap", d.Mmap, "request the zero-copy mmap capture path")
	cmd.Flags().BoolVar(&opts.Tsched, "tsched", d.Tsched, "request timer-scheduled wakeups")
	cmd.Flags().BoolVar(&opts.IgnoreDB, "ignore-db", d.IgnoreDB, "skip dB-scale volume negotiation")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", d.LogLevel, "debug, info, warn, or error")
	cmd.Flags().StringVar(&opts.LogFormat, "log-format", d.LogFormat, "text or json")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", d.MetricsAddr, "address the metrics HTTP endpoint listens on")
	cmd.Flags().StringVar(&opts.ReservationLockPath, "reservation-lock-path", d.ReservationLockPath, "advisory lock file path for device reservation")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to a TOML config file")
}

// Load applies CLI > environment > TOML file precedence to opts, mutating
// it in place. Flags already set via cmd are never overwritten by the file
// or environment layers — mirroring the pack's LoadConfig.
func Load(opts *Options, cmd *cobra.Command) error {
	v := reflect.ValueOf(opts).Elem()
	t := v.Type()

	changed := make(map[string]bool)
	if cmd != nil {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				changed[f.Name] = true
			}
		})
	}

	if opts.Config != "" {
		if err := applyTOMLFile(opts.Config, v, t, changed); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}

	applyEnv(v, t, changed)

	return nil
}

func applyTOMLFile(path string, v reflect.Value, t reflect.Type, changed map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse TOML: %w", err)
	}

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tomlKey := t.Field(i).Tag.Get("toml")

		if tomlKey == "" || tomlKey == "-" {
			continue
		}

		if changed[t.Field(i).Tag.Get("flag")] {
			continue
		}

		if raw, ok := raw[tomlKey]; ok {
			setFromAny(field, raw)
		}
	}

	return nil
}

func applyEnv(v reflect.Value, t reflect.Type, changed map[string]bool) {
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if changed[fieldType.Tag.Get("flag")] {
			continue
		}

		envKey := fieldType.Tag.Get("env")
		if envKey == "" {
			continue
		}

		if raw := os.Getenv(EnvPrefix + envKey); raw != "" {
			setFromString(field, raw)
		}
	}
}

func setFromAny(field reflect.Value, value any) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		if s, ok := value.(string); ok {
			field.SetString(s)
		}
	case reflect.Bool:
		if b, ok := value.(bool); ok {
			field.SetBool(b)
		}
	case reflect.Int, reflect.Int64:
		switch n := value.(type) {
		case int64:
			field.SetInt(n)
		case int:
			field.SetInt(int64(n))
		}
	case reflect.Uint32, reflect.Uint64:
		switch n := value.(type) {
		case int64:
			field.SetUint(uint64(n))
		case int:
			field.SetUint(uint64(n))
		}
	}
}

func setFromString(field reflect.Value, value string) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		if b, err := strconv.ParseBool(value); err == nil {
			field.SetBool(b)
		}
	case reflect.Int, reflect.Int64:
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			field.SetInt(n)
		}
	case reflect.Uint32, reflect.Uint64:
		if n, err := strconv.ParseUint(value, 10, 64); err == nil {
			field.SetUint(n)
		}
	}
}


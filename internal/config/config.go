package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/bigbag/snapmaker-flasher/internal/protocol"
)

// Config holds serial settings and the timings of the bootloader dance.
type Config struct {
	Baud int

	// ProbeTimeout is the read timeout used while probing for the bootloader.
	ProbeTimeout time.Duration
	// CommandTimeout is the read timeout once the bootloader is confirmed.
	CommandTimeout time.Duration

	// PollInterval separates attempts while waiting for the device to
	// disappear or come back.
	PollInterval time.Duration
	// SettleDelay is waited after the device was switched off.
	SettleDelay time.Duration
	// AppearDelay is waited after the device file shows up again.
	AppearDelay time.Duration

	ProvokeKeepAlives int
	ProvokeInterval   time.Duration
	PowerOnKeepAlives int
	PowerOnInterval   time.Duration

	// KeepAlives are sent before announcing an image.
	KeepAlives        int
	KeepAliveInterval time.Duration
	// PackageKeepAlives replaces KeepAlives when flashing a packaged image.
	PackageKeepAlives int
}

// Default returns the timings the device firmware is known to work with.
func Default() Config {
	return Config{
		Baud:              protocol.DefaultBaudRate,
		ProbeTimeout:      protocol.DefaultProbeTimeout,
		CommandTimeout:    protocol.DefaultCommandTimeout,
		PollInterval:      100 * time.Millisecond,
		SettleDelay:       10 * time.Second,
		AppearDelay:       200 * time.Millisecond,
		ProvokeKeepAlives: 10,
		ProvokeInterval:   100 * time.Millisecond,
		PowerOnKeepAlives: 3,
		PowerOnInterval:   50 * time.Millisecond,
		KeepAlives:        10,
		KeepAliveInterval: 100 * time.Millisecond,
		PackageKeepAlives: 3,
	}
}

type fileConfig struct {
	Baud              int    `toml:"baud"`
	ProbeTimeout      string `toml:"probe_timeout"`
	CommandTimeout    string `toml:"command_timeout"`
	PollInterval      string `toml:"poll_interval"`
	SettleDelay       string `toml:"settle_delay"`
	AppearDelay       string `toml:"appear_delay"`
	ProvokeKeepAlives int    `toml:"provoke_keepalives"`
	ProvokeInterval   string `toml:"provoke_interval"`
	PowerOnKeepAlives int    `toml:"power_on_keepalives"`
	PowerOnInterval   string `toml:"power_on_interval"`
	KeepAlives        int    `toml:"keepalives"`
	KeepAliveInterval string `toml:"keepalive_interval"`
	PackageKeepAlives int    `toml:"package_keepalives"`
}

// Load reads a TOML file on top of the defaults. Keys missing from the file
// keep their default value.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
	}

	if meta.IsDefined("baud") {
		cfg.Baud = raw.Baud
	}
	if meta.IsDefined("provoke_keepalives") {
		cfg.ProvokeKeepAlives = raw.ProvokeKeepAlives
	}
	if meta.IsDefined("power_on_keepalives") {
		cfg.PowerOnKeepAlives = raw.PowerOnKeepAlives
	}
	if meta.IsDefined("keepalives") {
		cfg.KeepAlives = raw.KeepAlives
	}
	if meta.IsDefined("package_keepalives") {
		cfg.PackageKeepAlives = raw.PackageKeepAlives
	}

	durations := []struct {
		key string
		raw string
		out *time.Duration
	}{
		{"probe_timeout", raw.ProbeTimeout, &cfg.ProbeTimeout},
		{"command_timeout", raw.CommandTimeout, &cfg.CommandTimeout},
		{"poll_interval", raw.PollInterval, &cfg.PollInterval},
		{"settle_delay", raw.SettleDelay, &cfg.SettleDelay},
		{"appear_delay", raw.AppearDelay, &cfg.AppearDelay},
		{"provoke_interval", raw.ProvokeInterval, &cfg.ProvokeInterval},
		{"power_on_interval", raw.PowerOnInterval, &cfg.PowerOnInterval},
		{"keepalive_interval", raw.KeepAliveInterval, &cfg.KeepAliveInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", d.key)
		}
		*d.out = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

// Validate rejects settings the transport cannot work with.
func (c Config) Validate() error {
	if c.Baud <= 0 {
		return errors.Errorf("baud must be positive, got %d", c.Baud)
	}
	if c.ProbeTimeout <= 0 {
		return errors.New("probe_timeout must be positive")
	}
	if c.CommandTimeout <= 0 {
		return errors.New("command_timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	for name, v := range map[string]time.Duration{
		"settle_delay":       c.SettleDelay,
		"appear_delay":       c.AppearDelay,
		"provoke_interval":   c.ProvokeInterval,
		"power_on_interval":  c.PowerOnInterval,
		"keepalive_interval": c.KeepAliveInterval,
	} {
		if v < 0 {
			return errors.Errorf("%s must not be negative", name)
		}
	}
	for name, v := range map[string]int{
		"provoke_keepalives":  c.ProvokeKeepAlives,
		"power_on_keepalives": c.PowerOnKeepAlives,
		"keepalives":          c.KeepAlives,
		"package_keepalives":  c.PackageKeepAlives,
	} {
		if v < 0 {
			return errors.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

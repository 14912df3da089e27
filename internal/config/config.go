// Package config holds the client configuration and its viper-backed loader.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Mode selects which ADB protocol the client speaks.
type Mode string

const (
	ModeServer Mode = "server" // host protocol to a local adb server
	ModeDevice Mode = "device" // message protocol straight to a device endpoint
)

// Defaults.
const (
	DefaultServerAddr = "tcp://127.0.0.1:5037"
	DefaultMaxPayload = 256 * 1024
	DefaultBanner     = "host::adbwire"
	EnvPrefix         = "ADBWIRE"
)

// Config is passed explicitly to every constructor; nothing reads ambient
// state, so independent connections can coexist in one process.
type Config struct {
	ServerAddr string `mapstructure:"server"`      // adb server address (tcp://, ws://, p2p+wss://)
	DeviceAddr string `mapstructure:"device"`      // device endpoint; selects ModeDevice when set
	Serial     string `mapstructure:"serial"`      // target device serial on the server path
	KeyPath    string `mapstructure:"key"`         // RSA private key used for AUTH
	MaxPayload uint32 `mapstructure:"max-payload"` // largest WRTE payload we advertise
	Banner     string `mapstructure:"banner"`      // CNXN system identity
	Debug      bool   `mapstructure:"debug"`
	JSON       bool   `mapstructure:"json"`
}

// Mode reports the protocol implied by the configuration.
func (c *Config) Mode() Mode {
	if c.DeviceAddr != "" {
		return ModeDevice
	}
	return ModeServer
}

// Validate rejects values the engine cannot work with.
func (c *Config) Validate() error {
	if c.Mode() == ModeServer && c.ServerAddr == "" {
		return errors.New("server address must not be empty")
	}
	if c.MaxPayload < 4096 || c.MaxPayload > 1024*1024 {
		return errors.Errorf("max-payload %d out of range [4096, 1048576]", c.MaxPayload)
	}
	return nil
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		ServerAddr: DefaultServerAddr,
		KeyPath:    defaultKeyPath(),
		MaxPayload: DefaultMaxPayload,
		Banner:     DefaultBanner,
	}
}

// NewViper returns a viper instance carrying the defaults and reading
// ADBWIRE_* environment variables (dashes become underscores).
func NewViper() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("server", d.ServerAddr)
	v.SetDefault("device", "")
	v.SetDefault("serial", "")
	v.SetDefault("key", d.KeyPath)
	v.SetDefault("max-payload", d.MaxPayload)
	v.SetDefault("banner", d.Banner)
	v.SetDefault("debug", false)
	v.SetDefault("json", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load binds flags (when non-nil) into v and decodes the result.
func Load(v *viper.Viper, flags *pflag.FlagSet) (*Config, error) {
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.Wrap(err, "failed to bind flags")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	cfg.KeyPath = expandHome(cfg.KeyPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultKeyPath() string {
	return filepath.Join("~", ".android", "adbkey")
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~"+string(filepath.Separator)) && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
}

package model

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/viper"
)

// Config is the whole botherd configuration, read from botherd.yaml.
type Config struct {
	Listen       string    `mapstructure:"listen" yaml:"listen"`
	AuthToken    string    `mapstructure:"auth_token" yaml:"auth_token"`
	Launcher     Launcher  `mapstructure:"launcher" yaml:"launcher"`
	CallbackBase string    `mapstructure:"callback_base" yaml:"callback_base"`
	OutputRoot   string    `mapstructure:"output_root" yaml:"output_root"`
	ControlPlane string    `mapstructure:"control_plane" yaml:"control_plane"`
	Container    Container `mapstructure:"container" yaml:"container"`

	// AllowForceRemove gates the coarse environment-level termination in the
	// stop cascade. Off by default: it can leave half-written recordings.
	AllowForceRemove bool `mapstructure:"allow_force_remove" yaml:"allow_force_remove"`

	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MaxRuntime  time.Duration `mapstructure:"max_runtime" yaml:"max_runtime"`
	Verbose     bool          `mapstructure:"verbose" yaml:"verbose"`
}

// Launcher describes the worker executable which joins the meeting. It gets
// positional key=value arguments and extra environment variables.
type Launcher struct {
	Path string            `mapstructure:"path" yaml:"path"`
	Env  map[string]string `mapstructure:"env" yaml:"env,omitempty"`
}

// Container describes how the workload shows up in the container engine and
// how the cascade reaches it.
type Container struct {
	Engine      string `mapstructure:"engine" yaml:"engine"`
	NamePrefix  string `mapstructure:"name_prefix" yaml:"name_prefix"`
	ControlPort int    `mapstructure:"control_port" yaml:"control_port"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	return Config{
		Listen: ":8024",
		Launcher: Launcher{
			Path: "bot-launcher",
		},
		OutputRoot: "/var/lib/botherd/recordings",
		Container: Container{
			Engine:      "docker",
			NamePrefix:  "botherd-bot-",
			ControlPort: 8087,
		},
		IdleTimeout: 15 * time.Minute,
		MaxRuntime:  2 * time.Hour,
	}
}

// LoadConfig decodes YAML from r on top of the defaults.
func LoadConfig(r io.Reader) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(r); err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields serve cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if c.Launcher.Path == "" {
		errs = append(errs, errors.New("launcher.path is empty"))
	}
	if c.OutputRoot == "" {
		errs = append(errs, errors.New("output_root is empty"))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("idle_timeout must be positive"))
	}
	if c.MaxRuntime <= 0 {
		errs = append(errs, errors.New("max_runtime must be positive"))
	}
	if c.Container.ControlPort <= 0 || c.Container.ControlPort > 65535 {
		errs = append(errs, errors.New("container.control_port out of range"))
	}
	return errors.Join(errs...)
}

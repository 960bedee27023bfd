package model

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the floodctl configuration, loaded from a YAML file.
type Config struct {
	Workers   int           `mapstructure:"workers" yaml:"workers"`
	DataDir   string        `mapstructure:"data_dir" yaml:"data_dir"`
	DB        string        `mapstructure:"db" yaml:"db,omitempty"` // empty => in-memory store
	Interface string        `mapstructure:"interface" yaml:"interface"`
	Grace     time.Duration `mapstructure:"grace" yaml:"grace"`
	Verbose   bool          `mapstructure:"verbose" yaml:"verbose"`
	Tools     Tools         `mapstructure:"tools" yaml:"tools"`
	Timer     *Timer        `mapstructure:"timer" yaml:"timer,omitempty"`
}

// Tools overrides the external binaries used by the drivers. Names are
// resolved via PATH lookup, absolute paths are used as given.
type Tools struct {
	Hping3  string `mapstructure:"hping3" yaml:"hping3"`
	Tcpdump string `mapstructure:"tcpdump" yaml:"tcpdump"`
}

// Timer configures recurring experiment submission. Exactly one of Cron
// (5 field expression or @macro) or Every (e.g. "1h30m", "2d") must be set.
type Timer struct {
	Cron        string       `mapstructure:"cron" yaml:"cron,omitempty"`
	Every       string       `mapstructure:"every" yaml:"every,omitempty"`
	Experiments []Experiment `mapstructure:"experiments" yaml:"experiments"`
}

// Experiment is one recurring submission.
type Experiment struct {
	Kind     JobKind       `mapstructure:"kind" yaml:"kind"`
	Target   string        `mapstructure:"target" yaml:"target"`
	Duration time.Duration `mapstructure:"duration" yaml:"duration"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	return Config{
		Workers:   2,
		DataDir:   "data/captures",
		Interface: "any",
		Grace:     5 * time.Second,
		Tools: Tools{
			Hping3:  "hping3",
			Tcpdump: "tcpdump",
		},
	}
}

// LoadConfig reads a YAML config file and validates it.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Write encodes c as YAML.
func (c Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer func() {
		_ = enc.Close()
	}()
	return enc.Encode(c)
}

func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Grace <= 0 {
		return fmt.Errorf("grace must be positive, got %s", c.Grace)
	}
	if c.Interface == "" {
		return fmt.Errorf("interface must not be empty")
	}
	if c.Timer != nil {
		if err := c.Timer.Validate(); err != nil {
			return fmt.Errorf("timer: %w", err)
		}
	}
	return nil
}

func (t Timer) Validate() error {
	switch {
	case t.Cron != "" && t.Every != "":
		return fmt.Errorf("cron and every are mutually exclusive")
	case t.Cron != "":
		if err := ParseCron(t.Cron); err != nil {
			return fmt.Errorf("parsing cron: %w", err)
		}
	case t.Every != "":
		if _, err := ParseLabDuration(t.Every); err != nil {
			return fmt.Errorf("parsing every: %w", err)
		}
	default:
		return fmt.Errorf("either cron or every must be set")
	}
	if len(t.Experiments) == 0 {
		return fmt.Errorf("no experiments configured")
	}
	for i, e := range t.Experiments {
		if e.Target == "" {
			return fmt.Errorf("experiment %d: target must not be empty", i)
		}
		if e.Duration <= 0 {
			return fmt.Errorf("experiment %d: duration must be positive", i)
		}
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that unmarshals from TOML strings like
// "10s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Resolver ResolverConfig `toml:"resolver"`
	Store    StoreConfig    `toml:"store"`
}

type ResolverConfig struct {
	BackpressureBase         Duration `toml:"backpressure_base"`
	BackpressureJitterFactor float64  `toml:"backpressure_jitter_factor"`
	RequestTimeout           Duration `toml:"request_timeout"`
	IdleWorkflowTTL          Duration `toml:"idle_workflow_ttl"`
}

type StoreConfig struct {
	URI             string   `toml:"uri"`
	PingTimeout     Duration `toml:"ping_timeout"`
	MaxOpenConns    int      `toml:"max_open_conns"`
	MaxIdleConns    int      `toml:"max_idle_conns"`
	ConnMaxLifetime Duration `toml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `toml:"conn_max_idle_time"`
}

func Default() Config {
	return Config{
		Resolver: ResolverConfig{
			BackpressureBase:         Duration(10 * time.Second),
			BackpressureJitterFactor: 0.5,
			RequestTimeout:           Duration(2 * time.Minute),
			IdleWorkflowTTL:          Duration(time.Hour),
		},
		Store: StoreConfig{
			PingTimeout:     Duration(2 * time.Second),
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(30 * time.Minute),
			ConnMaxIdleTime: Duration(5 * time.Minute),
		},
	}
}

// Load reads a TOML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Write persists a config as TOML, used to seed a default config file.
func Write(path string, cfg Config) error {
	b, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.Resolver.BackpressureBase <= 0 {
		return errors.New("resolver backpressure_base must be positive")
	}
	if f := c.Resolver.BackpressureJitterFactor; f < 0 || f > 1 {
		return fmt.Errorf("resolver backpressure_jitter_factor must be in [0, 1], got %f", f)
	}
	if c.Resolver.RequestTimeout <= 0 {
		return errors.New("resolver request_timeout must be positive")
	}
	if c.Resolver.IdleWorkflowTTL <= 0 {
		return errors.New("resolver idle_workflow_ttl must be positive")
	}
	return nil
}

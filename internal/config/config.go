package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Executor  ExecutorConfig  `toml:"executor"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Worlds    []WorldConfig   `toml:"worlds"`
	Scripting ScriptingConfig `toml:"scripting"`
	Journal   JournalConfig   `toml:"journal"`
	Status    StatusConfig    `toml:"status"`
	Logging   LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Name            string        `toml:"name"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	StartTime       int64         // set at boot, not from config
}

type ExecutorConfig struct {
	Workers int `toml:"workers"` // 0 = GOMAXPROCS
}

type SchedulerConfig struct {
	Resolution    int64  `toml:"resolution"` // queue bucket width in ticks
	AsyncPoolSize int64  `toml:"async_pool_size"`
	PriorityTable string `toml:"priority_table"` // optional YAML override
}

type WorldConfig struct {
	Name            string        `toml:"name"`
	TickRate        time.Duration `toml:"tick_rate"`
	UpdateThreshold int           `toml:"update_threshold"`
	RegionSize      float64       `toml:"region_size"`
	PreloadRadius   int32         `toml:"preload_radius"`
	SeedEntities    int           `toml:"seed_entities"`
}

type ScriptingConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type JournalConfig struct {
	Enabled         bool          `toml:"enabled"`
	Driver          string        `toml:"driver"` // "postgres" or "sqlite"
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	QueueSize       int           `toml:"queue_size"`
}

type StatusConfig struct {
	Enabled      bool          `toml:"enabled"`
	BindAddress  string        `toml:"bind_address"`
	PushInterval time.Duration `toml:"push_interval"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes TOML on top of the defaults. name is used in errors only.
func Parse(data []byte, name string) (*Config, error) {
	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", name, err)
	}
	if len(cfg.Worlds) == 0 {
		cfg.Worlds = []WorldConfig{defaultWorld("overworld")}
	}
	for i := range cfg.Worlds {
		fillWorld(&cfg.Worlds[i])
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", name, err)
	}
	cfg.Server.StartTime = time.Now().Unix()
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := defaults()
	cfg.Worlds = []WorldConfig{defaultWorld("overworld")}
	return cfg
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Name:            "voxtick",
			ShutdownTimeout: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Resolution:    1,
			AsyncPoolSize: 8,
		},
		Scripting: ScriptingConfig{
			Dir: "scripts",
		},
		Journal: JournalConfig{
			Driver:          "sqlite",
			DSN:             "file:voxtick.db",
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			QueueSize:       1024,
		},
		Status: StatusConfig{
			BindAddress:  "127.0.0.1:7070",
			PushInterval: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultWorld(name string) WorldConfig {
	w := WorldConfig{Name: name}
	fillWorld(&w)
	return w
}

func fillWorld(w *WorldConfig) {
	if w.TickRate == 0 {
		w.TickRate = 50 * time.Millisecond
	}
	if w.UpdateThreshold == 0 {
		w.UpdateThreshold = 2000
	}
	if w.RegionSize == 0 {
		w.RegionSize = 16
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if c.Executor.Workers < 0 {
		err = multierr.Append(err, errors.New("executor.workers must be >= 0"))
	}
	if c.Scheduler.Resolution < 1 {
		err = multierr.Append(err, errors.New("scheduler.resolution must be >= 1"))
	}
	if c.Scheduler.AsyncPoolSize < 1 {
		err = multierr.Append(err, errors.New("scheduler.async_pool_size must be >= 1"))
	}
	seen := make(map[string]bool, len(c.Worlds))
	for i, w := range c.Worlds {
		if w.Name == "" {
			err = multierr.Append(err, fmt.Errorf("worlds[%d]: name is required", i))
		} else if seen[w.Name] {
			err = multierr.Append(err, fmt.Errorf("worlds[%d]: duplicate name %q", i, w.Name))
		}
		seen[w.Name] = true
		if w.TickRate < time.Millisecond {
			err = multierr.Append(err, fmt.Errorf("world %q: tick_rate must be >= 1ms", w.Name))
		}
		if w.UpdateThreshold < 1 {
			err = multierr.Append(err, fmt.Errorf("world %q: update_threshold must be >= 1", w.Name))
		}
		if w.RegionSize <= 0 {
			err = multierr.Append(err, fmt.Errorf("world %q: region_size must be > 0", w.Name))
		}
		if w.PreloadRadius < 0 || w.SeedEntities < 0 {
			err = multierr.Append(err, fmt.Errorf("world %q: preload_radius and seed_entities must be >= 0", w.Name))
		}
	}
	if c.Journal.Enabled {
		switch c.Journal.Driver {
		case "postgres", "sqlite":
		default:
			err = multierr.Append(err, fmt.Errorf("journal.driver %q: want postgres or sqlite", c.Journal.Driver))
		}
		if c.Journal.QueueSize < 1 {
			err = multierr.Append(err, errors.New("journal.queue_size must be >= 1"))
		}
	}
	if c.Status.Enabled && c.Status.PushInterval <= 0 {
		err = multierr.Append(err, errors.New("status.push_interval must be > 0"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		err = multierr.Append(err, fmt.Errorf("logging.format %q: want json or console", c.Logging.Format))
	}
	return err
}

package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Key describes one settable configuration key.
type Key struct {
	Name string
	Help string
}

type keySpec struct {
	name string
	help string
	raw  func(*Config) any
	get  func(*Config) string
	set  func(*Config, string) error
}

var keys = []keySpec{
	stringKey("storage.path", "SQLite database file (empty: <repo>/.conclave/state.db)", func(c *Config) *string { return &c.Storage.Path }),
	stringKey("storage.driver", "database driver: sqlite (pure Go) or sqlite3 (cgo)", func(c *Config) *string { return &c.Storage.Driver }),
	intKey("scheduler.max_parallel_agents", "maximum tasks running at once", func(c *Config) *int { return &c.Scheduler.MaxParallelAgents }),
	intKey("scheduler.system_concurrency_cap", "upper bound on a plan's computed concurrency", func(c *Config) *int { return &c.Scheduler.SystemConcurrencyCap }),
	durationKey("scheduler.poll_interval", "how often the run loop re-checks for admissible tasks", func(c *Config) *time.Duration { return &c.Scheduler.PollInterval }),
	durationKey("scheduler.tick_interval", "housekeeping interval (bus sweep, lease renewal)", func(c *Config) *time.Duration { return &c.Scheduler.TickInterval }),
	stringKey("worker.command", "executable started for each worker session", func(c *Config) *string { return &c.Worker.Command }),
	listKey("worker.args", "comma-separated arguments passed to the worker command", func(c *Config) *[]string { return &c.Worker.Args }),
	durationKey("worker.grace_period", "time a stopping worker gets before it is killed", func(c *Config) *time.Duration { return &c.Worker.GracePeriod }),
	durationKey("worker.task_timeout", "maximum time a single task may run", func(c *Config) *time.Duration { return &c.Worker.TaskTimeout }),
	durationKey("bus.request_timeout", "default request/response timeout", func(c *Config) *time.Duration { return &c.Bus.RequestTimeout }),
	durationKey("bus.history_ttl", "how long message history is kept", func(c *Config) *time.Duration { return &c.Bus.HistoryTTL }),
	durationKey("bus.pending_safety_margin", "grace after a request timeout before it is swept", func(c *Config) *time.Duration { return &c.Bus.PendingSafetyMargin }),
	intKey("bus.history_limit", "messages kept per session", func(c *Config) *int { return &c.Bus.HistoryLimit }),
	durationKey("queue.lease_duration", "how long a queue lease is valid without renewal", func(c *Config) *time.Duration { return &c.Queue.LeaseDuration }),
	intKey("transparency.retention_days", "days of transparency events kept by cleanup", func(c *Config) *int { return &c.Transparency.RetentionDays }),
	stringKey("logging.level", "debug, info, warn or error", func(c *Config) *string { return &c.Logging.Level }),
	stringKey("logging.path", "log file (empty: <repo>/.conclave/logs/conclave.log)", func(c *Config) *string { return &c.Logging.Path }),
	stringKey("metrics.addr", "prometheus listen address (empty: disabled)", func(c *Config) *string { return &c.Metrics.Addr }),
	stringKey("roles.templates_file", "YAML file overriding the built-in role templates", func(c *Config) *string { return &c.Roles.TemplatesFile }),
}

// Keys lists every settable key, sorted by name.
func Keys() []Key {
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		out = append(out, Key{Name: k.name, Help: k.help})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the value of key formatted for display.
func Get(cfg *Config, key string) (string, error) {
	k, err := lookup(key)
	if err != nil {
		return "", err
	}
	return k.get(cfg), nil
}

// Set parses value and stores it under key.
func Set(cfg *Config, key, value string) error {
	k, err := lookup(key)
	if err != nil {
		return err
	}
	return k.set(cfg, value)
}

func lookup(key string) (keySpec, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, k := range keys {
		if k.name == key {
			return k, nil
		}
	}
	return keySpec{}, fmt.Errorf("unknown configuration key: %s", key)
}

func stringKey(name, help string, field func(*Config) *string) keySpec {
	return keySpec{
		name: name,
		help: help,
		raw:  func(c *Config) any { return *field(c) },
		get:  func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error {
			*field(c) = v
			return nil
		},
	}
}

func intKey(name, help string, field func(*Config) *int) keySpec {
	return keySpec{
		name: name,
		help: help,
		raw:  func(c *Config) any { return *field(c) },
		get:  func(c *Config) string { return strconv.Itoa(*field(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid integer for %s: %w", name, err)
			}
			*field(c) = n
			return nil
		},
	}
}

func durationKey(name, help string, field func(*Config) *time.Duration) keySpec {
	return keySpec{
		name: name,
		help: help,
		raw:  func(c *Config) any { return field(c).String() },
		get:  func(c *Config) string { return field(c).String() },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid duration for %s: %w", name, err)
			}
			*field(c) = d
			return nil
		},
	}
}

func listKey(name, help string, field func(*Config) *[]string) keySpec {
	return keySpec{
		name: name,
		help: help,
		raw:  func(c *Config) any { return append([]string(nil), *field(c)...) },
		get:  func(c *Config) string { return strings.Join(*field(c), ",") },
		set: func(c *Config, v string) error {
			var items []string
			for _, item := range strings.Split(v, ",") {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			*field(c) = items
			return nil
		},
	}
}

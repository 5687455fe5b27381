package config

import "time"

// Config represents the complete stoker configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Pool    PoolConfig    `yaml:"pool"`
	Worker  WorkerConfig  `yaml:"worker"`
	Engine  EngineConfig  `yaml:"engine"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// PoolConfig defines worker pool sizing and timing.
type PoolConfig struct {
	// Size is the target number of worker processes. The pool respawns
	// crashed workers until it holds Size again.
	Size int `yaml:"size"`
	// ReadyTimeout bounds how long Start waits for workers to report ready.
	// Startup proceeds best-effort when it elapses.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	// EventBuffer sizes the lifecycle event ring for late subscribers.
	EventBuffer int `yaml:"event_buffer"`
}

// WorkerConfig defines how worker processes are launched.
type WorkerConfig struct {
	// Binary is the worker executable. Empty means "stoker-worker" on PATH.
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args,omitempty"`
}

// EngineConfig defines the external query engine command workers invoke.
type EngineConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

// StateConfig defines session registry storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the local observability HTTP server. It is read-only:
// jobs are never submitted or aborted over HTTP.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Token is an optional bearer token required on every request.
	Token string `yaml:"token,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "stoker",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Pool: PoolConfig{
			Size:         2,
			ReadyTimeout: 10 * time.Second,
			EventBuffer:  256,
		},
		Worker: WorkerConfig{
			Binary: "stoker-worker",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8643",
		},
	}
}

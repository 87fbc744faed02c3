// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/joeycumines/go-taskmaster"
	"github.com/joeycumines/logiface"
	"github.com/robfig/cron/v3"
	yaml "go.yaml.in/yaml/v3"
)

// cronParser accepts standard 5 field specs, an optional leading seconds
// field, and descriptors such as "@every 1m".
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Duration is a time.Duration, encoded as a string, e.g. "150ms".
type Duration time.Duration

func (x *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*x = 0
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, s, err)
	}
	if d < 0 {
		return fmt.Errorf("line %d: duration must be >= 0", value.Line)
	}
	*x = Duration(d)
	return nil
}

func (x Duration) MarshalYAML() (any, error) { return time.Duration(x).String(), nil }

// Std returns x as a time.Duration.
func (x Duration) Std() time.Duration { return time.Duration(x) }

type Config struct {
	// Listen is the address of the echo service, e.g. "127.0.0.1:7070".
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	// AcceptRate is the sustained number of connections accepted per
	// second, with bursts up to AcceptBurst. Excess connections are closed.
	AcceptRate  float64 `yaml:"accept_rate"`
	AcceptBurst int     `yaml:"accept_burst"`
	MaxConns    int     `yaml:"max_conns"`

	// ReadBuffer is the size of each read, and so of each queued chunk.
	ReadBuffer int `yaml:"read_buffer"`
	// MaxPending is the number of queued chunks, per connection, above which
	// reading is paused until the queue drains.
	MaxPending  int      `yaml:"max_pending"`
	IdleTimeout Duration `yaml:"idle_timeout"`

	YieldTime Duration `yaml:"yield_time"`
	SlowTask  Duration `yaml:"slow_task"`

	Queue  QueueConfig  `yaml:"queue"`
	Report ReportConfig `yaml:"report"`
}

type QueueConfig struct {
	Hold       Duration `yaml:"hold"`
	Yield      Duration `yaml:"yield"`
	MaxRetries int      `yaml:"max_retries"`
}

type ReportConfig struct {
	// Schedule is a cron spec. Empty disables the report.
	Schedule string `yaml:"schedule"`
	// Filter selects task classes, see taskmaster.ParseTaskTypeMask.
	Filter string `yaml:"filter"`
	// Clear resets the reported stats, after each report.
	Clear bool `yaml:"clear"`
}

func DefaultConfig() Config {
	return Config{
		Listen:      "127.0.0.1:7070",
		LogLevel:    "info",
		AcceptRate:  100,
		AcceptBurst: 20,
		MaxConns:    1024,
		ReadBuffer:  4096,
		MaxPending:  64,
		IdleTimeout: Duration(5 * time.Minute),
		YieldTime:   Duration(taskmaster.DefaultYieldTime),
		SlowTask:    Duration(taskmaster.DefaultSlowTaskThreshold),
		Queue: QueueConfig{
			Hold:       Duration(time.Millisecond),
			MaxRetries: 3,
		},
		Report: ReportConfig{
			Schedule: "@every 1m",
			Filter:   "*",
		},
	}
}

// LoadConfig reads a YAML config file, rejecting unknown fields. Fields
// that are absent keep their defaults. An empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := decodeConfig(b, &cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func decodeConfig(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks every field, returning all problems found.
func (x *Config) Validate() error {
	var errs []error
	if _, err := x.ListenAddr(); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLevel(x.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if x.AcceptRate <= 0 {
		errs = append(errs, errors.New("accept_rate: must be > 0"))
	}
	if x.AcceptBurst < 1 {
		errs = append(errs, errors.New("accept_burst: must be >= 1"))
	}
	if x.MaxConns < 1 {
		errs = append(errs, errors.New("max_conns: must be >= 1"))
	}
	if x.ReadBuffer < 1 {
		errs = append(errs, errors.New("read_buffer: must be >= 1"))
	}
	if x.MaxPending < 1 {
		errs = append(errs, errors.New("max_pending: must be >= 1"))
	}
	if x.YieldTime <= 0 {
		errs = append(errs, errors.New("yield_time: must be > 0"))
	}
	if x.Queue.MaxRetries < 1 {
		errs = append(errs, errors.New("queue.max_retries: must be >= 1"))
	}
	if _, err := x.Report.schedule(); err != nil {
		errs = append(errs, err)
	}
	if _, err := taskmaster.ParseTaskTypeMask(x.Report.Filter); err != nil {
		errs = append(errs, fmt.Errorf("report.filter: %w", err))
	}
	return errors.Join(errs...)
}

// ListenAddr parses Listen.
func (x *Config) ListenAddr() (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(x.Listen)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("listen: %w", err)
	}
	return addr, nil
}

// schedule parses Schedule, returning nil if the report is disabled.
func (x *ReportConfig) schedule() (cron.Schedule, error) {
	if strings.TrimSpace(x.Schedule) == "" {
		return nil, nil
	}
	s, err := cronParser.Parse(x.Schedule)
	if err != nil {
		return nil, fmt.Errorf("report.schedule: %w", err)
	}
	return s, nil
}

// parseLevel accepts the syslog keywords logiface uses (e.g. "err",
// "warning", "info"), plus the common aliases "error" and "warn".
func parseLevel(s string) (logiface.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "error":
		return logiface.LevelError, nil
	case "warn":
		return logiface.LevelWarning, nil
	case "disabled", "off":
		return logiface.LevelDisabled, nil
	}
	for level := logiface.LevelEmergency; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	return 0, fmt.Errorf("log_level: unknown level %q", s)
}

// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joeycumines/go-taskmaster"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// daemonState is everything owned by a running taskmasterd. Apart from
// construction and close, it is only touched by tasks on the Master.
type daemonState struct {
	notifier *notifier
	log      *logiface.Logger[logiface.Event]
	m        *taskmaster.Master
	cfg      *Config
	// path is the config file, re-read on SIGHUP.
	path string
	// overrides applies command line flags, which take precedence over the
	// config file.
	overrides func(cfg *Config)
	echo      *echoServer
	report    *reporter
	watchdog  time.Duration
	level     logiface.Level
}

type daemonOptions struct {
	path      string
	overrides func(cfg *Config)
	// logOut receives logs, and report receives the CPU stats report.
	logOut   io.Writer
	reportTo io.Writer
	notifier *notifier
}

func newDaemon(opts daemonOptions) (_ *daemonState, err error) {
	d := &daemonState{
		notifier:  opts.notifier,
		path:      opts.path,
		overrides: opts.overrides,
	}

	if d.cfg, err = d.loadConfig(); err != nil {
		return nil, err
	}
	if d.level, err = parseLevel(d.cfg.LogLevel); err != nil {
		return nil, err
	}
	d.log = newLogger(opts.logOut, d.level)

	if d.m, err = taskmaster.New(
		taskmaster.WithLogger(d.log),
		taskmaster.WithYieldTime(d.cfg.YieldTime.Std()),
		taskmaster.WithSlowTaskThreshold(d.cfg.SlowTask.Std()),
	); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if d.echo, err = newEchoServer(d.m, d.log, d.cfg); err != nil {
		return nil, err
	}

	d.report = newReporter(d, opts.reportTo)
	if err = d.report.configure(&d.cfg.Report); err != nil {
		return nil, err
	}

	if err = d.m.AddSignal("signal:hup", d.onHangup, unix.SIGHUP); err != nil {
		return nil, err
	}
	if err = d.m.AddSignal("signal:shutdown", d.onShutdown, os.Interrupt, unix.SIGTERM); err != nil {
		return nil, err
	}

	if d.notifier != nil {
		if interval, err := daemon.SdWatchdogEnabled(false); err != nil {
			d.log.Warning().Err(err).Log(`systemd watchdog misconfigured`)
		} else if interval > 0 {
			d.watchdog = interval / 2
			d.m.AddTimer("watchdog", d.watchdog, d.onWatchdog, d)
		}
	}

	return d, nil
}

func (d *daemonState) loadConfig() (*Config, error) {
	cfg, err := LoadConfig(d.path)
	if err != nil {
		return nil, err
	}
	if d.overrides != nil {
		d.overrides(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return cfg, nil
}

// run blocks until the daemon is stopped, by signal or ctx.
func (d *daemonState) run(ctx context.Context) error {
	if addr, err := d.echo.Addr(); err == nil {
		d.log.Notice().Str(`listen`, addr.String()).Log(`taskmasterd started`)
	}
	d.notify(daemon.SdNotifyReady)
	err := d.m.Run(ctx)
	d.notify(daemon.SdNotifyStopping)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (d *daemonState) onHangup(os.Signal) {
	if err := d.reload(); err != nil {
		d.log.Err().Err(err).Log(`reload failed, keeping the current config`)
	}
}

func (d *daemonState) onShutdown(sig os.Signal) {
	d.log.Notice().Str(`signal`, sig.String()).Log(`shutting down`)
	d.m.Stop()
}

func (d *daemonState) onWatchdog(*taskmaster.Task) {
	d.notify(daemon.SdNotifyWatchdog)
	d.m.AddTimer("watchdog", d.watchdog, d.onWatchdog, d)
}

// reload re-reads the config, applying everything that can be changed
// without a restart.
func (d *daemonState) reload() error {
	d.notify(daemon.SdNotifyReloading)
	defer d.notify(daemon.SdNotifyReady)

	cfg, err := d.loadConfig()
	if err != nil {
		return err
	}
	if err := d.report.configure(&cfg.Report); err != nil {
		return err
	}
	d.echo.reload(cfg)

	if cfg.Listen != d.cfg.Listen {
		d.log.Warning().
			Str(`listen`, d.cfg.Listen).
			Str(`ignored`, cfg.Listen).
			Log(`listen address requires a restart`)
	}
	if level, _ := parseLevel(cfg.LogLevel); level != d.level {
		d.log.Warning().
			Str(`log_level`, d.level.String()).
			Str(`ignored`, cfg.LogLevel).
			Log(`log level requires a restart`)
	}
	if cfg.YieldTime != d.cfg.YieldTime || cfg.SlowTask != d.cfg.SlowTask {
		d.log.Warning().Log(`yield_time and slow_task require a restart`)
	}

	d.cfg = cfg
	d.log.Info().Log(`config reloaded`)
	return nil
}

// close releases everything. It must not be called while run is running.
func (d *daemonState) close() {
	if d.echo != nil {
		d.echo.close()
	}
	if err := d.m.Close(); err != nil {
		d.log.Err().Err(err).Log(`failed to close master`)
	}
}

// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joeycumines/go-taskmaster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type recordedNotifier struct {
	states []string
	err    error
}

func (x *recordedNotifier) notifier() *notifier {
	return &notifier{send: func(_ bool, state string) (bool, error) {
		x.states = append(x.states, state)
		return x.err == nil, x.err
	}}
}

type testDaemon struct {
	*daemonState
	logs      bytes.Buffer
	reportOut bytes.Buffer
	notified  recordedNotifier
}

func newTestDaemon(t *testing.T, path string) *testDaemon {
	t.Helper()
	x := new(testDaemon)
	d, err := newDaemon(daemonOptions{
		path: path,
		overrides: func(cfg *Config) {
			cfg.Listen = "127.0.0.1:0"
		},
		logOut:   &x.logs,
		reportTo: &x.reportOut,
		notifier: x.notified.notifier(),
	})
	require.NoError(t, err)
	x.daemonState = d
	return x
}

func TestDaemon_echo(t *testing.T) {
	d := newTestDaemon(t, writeConfig(t, "log_level: debug\nqueue:\n  hold: 1ms\n"))

	addr, err := d.echo.Addr()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	for _, msg := range []string{"hello", "world, again"} {
		_, err = conn.Write([]byte(msg))
		require.NoError(t, err)
		buf := make([]byte, len(msg))
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		assert.Equal(t, msg, string(buf))
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return")
	}

	assert.Equal(t, uint64(1), d.echo.accepted)
	conns, pending, runs := d.echo.Stats()
	assert.Equal(t, 1, conns)
	assert.Zero(t, pending)
	assert.NotZero(t, runs)

	d.report.write()
	assert.Contains(t, d.reportOut.String(), "echo:accept")
	assert.Contains(t, d.reportOut.String(), "workqueue:echo")
	assert.Contains(t, d.reportOut.String(), "TOTAL")

	d.close()
	assert.Equal(t, []string{daemon.SdNotifyReady, daemon.SdNotifyStopping}, d.notified.states)
	assert.Contains(t, d.logs.String(), `"msg":"taskmasterd started"`)
	assert.Contains(t, d.logs.String(), `echo: connection closed`)
}

func TestDaemon_stop(t *testing.T) {
	d := newTestDaemon(t, "")
	defer d.close()

	done := make(chan error, 1)
	go func() { done <- d.run(context.Background()) }()
	d.m.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return")
	}
}

func TestDaemon_reload(t *testing.T) {
	path := writeConfig(t, "accept_rate: 10\naccept_burst: 1\n")
	d := newTestDaemon(t, path)
	defer d.close()

	assert.Equal(t, rate.Limit(10), d.echo.limiter.Limit())
	assert.True(t, d.m.Pending(d.report.handle))

	require.NoError(t, os.WriteFile(path, []byte("accept_rate: 5\naccept_burst: 3\nmax_conns: 2\nlog_level: debug\nreport:\n  schedule: \"\"\n"), 0o600))
	require.NoError(t, d.reload())
	assert.Equal(t, rate.Limit(5), d.echo.limiter.Limit())
	assert.Equal(t, 3, d.echo.limiter.Burst())
	assert.Equal(t, 2, d.echo.cfg.maxConns)
	assert.Equal(t, 2, d.cfg.MaxConns)
	assert.False(t, d.m.Pending(d.report.handle))
	assert.Contains(t, d.logs.String(), `log level requires a restart`)
	assert.Equal(t, []string{daemon.SdNotifyReloading, daemon.SdNotifyReady}, d.notified.states)

	require.NoError(t, os.WriteFile(path, []byte("bogus: true\n"), 0o600))
	require.Error(t, d.reload())
	assert.Equal(t, 2, d.cfg.MaxConns)
}

func TestDaemon_notifyFailure(t *testing.T) {
	d := newTestDaemon(t, "")
	defer d.close()
	d.notified.err = errors.New("some error")
	d.notify(daemon.SdNotifyReady)
	assert.Contains(t, d.logs.String(), `systemd notify failed`)
}

func TestNewDaemon_invalidConfig(t *testing.T) {
	_, err := newDaemon(daemonOptions{
		path:   writeConfig(t, "max_conns: 0\n"),
		logOut: io.Discard,
	})
	require.Error(t, err)
}

func TestReporter_arm(t *testing.T) {
	d := newTestDaemon(t, writeConfig(t, "report:\n  schedule: \"0 * * * *\"\n  clear: true\n"))
	defer d.close()

	r := d.report
	r.now = func() time.Time { return time.Date(2026, 1, 2, 3, 40, 0, 0, time.Local) }
	require.NoError(t, r.configure(&d.cfg.Report))
	remaining := d.m.Remaining(r.handle)
	assert.LessOrEqual(t, remaining, 20*time.Minute)
	assert.Greater(t, remaining, 19*time.Minute)

	d.m.Execute("test", func(*taskmaster.Task) {}, nil, 0)
	require.NotEmpty(t, d.m.CPUStats(taskmaster.MaskAll))
	r.fire(nil)
	assert.Contains(t, d.reportOut.String(), "TOTAL")
	assert.Empty(t, d.m.CPUStats(taskmaster.MaskAll))
	assert.True(t, d.m.Pending(r.handle))
}

// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package main

import (
	"github.com/coreos/go-systemd/v22/daemon"
)

// notifier reports service state to systemd. Outside of a systemd unit
// (NOTIFY_SOCKET unset) it is a no-op.
type notifier struct {
	// send is daemon.SdNotify, replaced by tests.
	send func(unsetEnvironment bool, state string) (bool, error)
}

func newNotifier() *notifier {
	return &notifier{send: daemon.SdNotify}
}

func (x *daemonState) notify(state string) {
	if x.notifier == nil {
		return
	}
	sent, err := x.notifier.send(false, state)
	if err != nil {
		x.log.Warning().
			Err(err).
			Str(`state`, state).
			Log(`systemd notify failed`)
		return
	}
	x.log.Debug().
		Str(`state`, state).
		Bool(`sent`, sent).
		Log(`systemd notify`)
}

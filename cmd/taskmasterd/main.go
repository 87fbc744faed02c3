// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Command taskmasterd runs a TCP echo service on a single threaded
// taskmaster.Master, periodically reporting per task CPU stats.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli"
	yaml "go.yaml.in/yaml/v3"
)

var (
	app = cli.NewApp()

	configFlag = cli.StringFlag{
		Name:   "config, c",
		Usage:  "YAML config file, re-read on SIGHUP",
		EnvVar: "TASKMASTERD_CONFIG",
	}
	listenFlag = cli.StringFlag{
		Name:  "listen, l",
		Usage: "echo service address, overrides the config file",
	}
	logLevelFlag = cli.StringFlag{
		Name:  "log-level",
		Usage: "log level, overrides the config file",
	}
)

func init() {
	app.Name = filepath.Base(os.Args[0])
	app.Usage = "cooperative task scheduler demo daemon"
	app.HideVersion = true
	app.Flags = []cli.Flag{
		configFlag,
		listenFlag,
		logLevelFlag,
	}
	app.Commands = []cli.Command{
		{
			Name:   "config",
			Usage:  "validate and print the effective config",
			Action: printConfig,
		},
	}
	app.Action = serve
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// flagOverrides returns a func applying any flags that were set.
func flagOverrides(ctx *cli.Context) func(cfg *Config) {
	listen := ctx.GlobalString("listen")
	level := ctx.GlobalString("log-level")
	return func(cfg *Config) {
		if listen != "" {
			cfg.Listen = listen
		}
		if level != "" {
			cfg.LogLevel = level
		}
	}
}

func serve(ctx *cli.Context) error {
	d, err := newDaemon(daemonOptions{
		path:      ctx.GlobalString("config"),
		overrides: flagOverrides(ctx),
		logOut:    os.Stderr,
		reportTo:  os.Stdout,
		notifier:  newNotifier(),
	})
	if err != nil {
		return err
	}
	defer d.close()
	return d.run(context.Background())
}

func printConfig(ctx *cli.Context) error {
	cfg, err := (&daemonState{
		path:      ctx.GlobalString("config"),
		overrides: flagOverrides(ctx),
	}).loadConfig()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(ctx.App.Writer)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/sounddoctrine-de/sdo-devicekit/config"
)

var (
	flgConfig   = cli.StringFlag{Name: "config, c", Value: config.DefaultPath, Usage: "Path to the YAML configuration", EnvVar: "SDO_CONFIG"}
	flgAdapter  = cli.StringFlag{Name: "adapter, a", Usage: "Bluetooth adapter name (overrides config)"}
	flgLogLevel = cli.StringFlag{Name: "log-level, l", Usage: "Log level: debug, info, warn, error (overrides config)"}
	flgPort     = cli.IntFlag{Name: "port, p", Usage: "HTTP port (overrides config)"}
	flgTimeout  = cli.DurationFlag{Name: "timeout, t", Value: 20 * time.Second, Usage: "Time allowed to reach the peripheral and deliver the command"}
)

func main() {
	app := cli.NewApp()

	app.Name = "sdoctl"
	app.Usage = "BLE command channel host for SoundDoctrine devices"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{flgConfig, flgAdapter, flgLogLevel, flgPort}
	app.Before = setup
	app.After = teardown

	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "Keep the command channel connected and expose it over HTTP and WebSocket",
			Action: serve,
		},
		{
			Name:      "send",
			Aliases:   []string{"s"},
			Usage:     "Connect, deliver one command and exit",
			ArgsUsage: "<" + commandList() + ">",
			Action:    send,
			Flags:     []cli.Flag{flgTimeout},
		},
		{
			Name:    "listen",
			Aliases: []string{"l"},
			Usage:   "Print commands received from the peripheral until interrupted",
			Action:  listen,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

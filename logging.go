package main

import (
	"io"
	"os"

	log "github.com/mgutz/logxi/v1"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sounddoctrine-de/sdo-devicekit/config"
	"github.com/sounddoctrine-de/sdo-devicekit/server"
	"github.com/sounddoctrine-de/sdo-devicekit/utils"
)

var (
	cfg *config.Config

	logger      = log.New("main")
	bleLogger   = log.New("ble")
	bluezLogger = log.New("bluez")

	rotator *lumberjack.Logger
)

// overrides are the global flags that take precedence over the config file.
type overrides struct {
	adapter  string
	logLevel string
	port     int
}

func setup(c *cli.Context) error {
	path := c.String("config")
	if !c.IsSet("config") {
		// The default location is optional.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}

	loaded, err := config.Load(path)
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	o := overrides{
		adapter:  c.String("adapter"),
		logLevel: c.String("log-level"),
		port:     c.Int("port"),
	}
	if err := applyOverrides(loaded, o); err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	cfg = loaded

	if err := setupLogging(cfg.Log); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	logger.Debug("configuration loaded", "path", path, "adapter", cfg.Bluetooth.Adapter)
	return nil
}

func teardown(c *cli.Context) error {
	if rotator != nil {
		return rotator.Close()
	}
	return nil
}

func applyOverrides(c *config.Config, o overrides) error {
	if o.adapter != "" {
		c.Bluetooth.Adapter = o.adapter
	}
	if o.logLevel != "" {
		c.Log.Level = o.logLevel
	}
	if o.port != 0 {
		c.HTTP.Port = o.port
	}
	return errors.Wrap(c.Validate(), "invalid flags")
}

// setupLogging points every package logger at stderr and, when a file is
// configured, at a size-rotated log file.
func setupLogging(lc config.LogConfig) error {
	level, err := lc.LevelValue()
	if err != nil {
		return err
	}

	writers := []io.Writer{os.Stderr}
	if lc.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
			Compress:   lc.Compress,
		}
		writers = append(writers, rotator)
	}
	w := log.NewConcurrentWriter(io.MultiWriter(writers...))

	named := func(name string) log.Logger {
		l := log.NewLogger(w, name)
		l.SetLevel(level)
		return l
	}
	logger = named("main")
	bleLogger = named("ble")
	bluezLogger = named("bluez")
	utils.SetLogger(named("ws"))
	server.SetLogger(named("http"))
	return nil
}

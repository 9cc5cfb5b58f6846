package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/sounddoctrine-de/sdo-devicekit/bluetooth"
	"github.com/sounddoctrine-de/sdo-devicekit/server"
	"github.com/sounddoctrine-de/sdo-devicekit/utils"
)

const shutdownTimeout = 5 * time.Second

func commandList() string {
	names := make([]string, 0, len(bluetooth.Commands()))
	for _, cmd := range bluetooth.Commands() {
		names = append(names, cmd.String())
	}
	return strings.Join(names, "|")
}

// openChannel opens the configured BlueZ adapter and binds a command channel to it.
func openChannel() (*bluetooth.BluezAdapter, *bluetooth.CommandChannel, error) {
	chCfg, err := cfg.ChannelConfig()
	if err != nil {
		return nil, nil, err
	}
	chCfg.Logger = bleLogger

	adapter, err := bluetooth.NewBluezAdapter(cfg.Bluetooth.Adapter)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open adapter %s", cfg.Bluetooth.Adapter)
	}
	adapter.SetLogger(bluezLogger)

	client, err := bluetooth.NewCommandChannel(adapter, chCfg)
	if err != nil {
		adapter.Close()
		return nil, nil, err
	}
	return adapter, client, nil
}

func closeChannel(adapter *bluetooth.BluezAdapter, client *bluetooth.CommandChannel) {
	if err := client.Close(); err != nil {
		logger.Warn("failed to close command channel", "err", err)
	}
	if err := adapter.Close(); err != nil {
		logger.Warn("failed to close adapter", "err", err)
	}
}

func interrupted() (<-chan os.Signal, func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	return sigChan, func() { signal.Stop(sigChan) }
}

func serve(c *cli.Context) error {
	logger.Info("starting sdo-devicekit", "adapter", cfg.Bluetooth.Adapter, "service", cfg.Bluetooth.ServiceUUID)

	adapter, client, err := openChannel()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer closeChannel(adapter, client)

	hub := utils.NewWebSocketHub()
	broadcaster := utils.NewWebSocketBroadcaster(hub)

	client.SetStatusCallback(broadcaster.BroadcastStatus)
	client.SetCommandCallback(broadcaster.BroadcastCommand)
	client.SetAdapterStateCallback(func(st bluetooth.AdapterState) {
		broadcaster.BroadcastAdapterState(st)
		if st.Ready() && cfg.Bluetooth.AutoScan {
			if err := client.StartScanning(); err != nil {
				logger.Warn("failed to resume scanning", "err", err)
			}
		}
	})

	if cfg.Bluetooth.AutoScan {
		if adapter.State().Ready() {
			if err := client.StartScanning(); err != nil {
				logger.Warn("failed to start scanning", "err", err)
			}
		} else {
			logger.Warn("adapter not powered, waiting", "state", adapter.State())
		}
	}

	errChan := make(chan error, 1)
	var httpServer *server.Server
	if cfg.HTTP.Enabled {
		httpServer = server.NewServer(client, adapter, hub)
		go func() {
			errChan <- httpServer.Start(cfg.Addr())
		}()
		logger.Info("http api listening", "addr", cfg.Addr())
	}

	sigChan, stop := interrupted()
	defer stop()

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig)
	case err := <-errChan:
		if err != nil {
			logger.Error("http server failed", "err", err)
			return cli.NewExitError(err.Error(), 1)
		}
	}

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
	}
	return nil
}

func send(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return cli.NewExitError("usage: sdoctl send <"+commandList()+">", 2)
	}
	cmd, err := bluetooth.ParseCommand(name)
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}

	adapter, client, err := openChannel()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer closeChannel(adapter, client)

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	delivered := make(chan error, 1)
	client.SetStatusCallback(func(s bluetooth.Status) {
		if s.Command != cmd {
			return
		}
		var result error
		switch s.Type {
		case bluetooth.StatusCommandSent:
		case bluetooth.StatusWriteFailed:
			result = s.Err
		default:
			return
		}
		select {
		case delivered <- result:
		default:
		}
	})

	if err := client.StartScanning(); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if err := waitReady(ctx, client); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if err := client.SendCommand(cmd); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	select {
	case err := <-delivered:
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
	case <-ctx.Done():
		return cli.NewExitError("timed out waiting for write confirmation", 1)
	}

	if p, ok := client.Peer(); ok {
		fmt.Printf("%s -> %s\n", cmd, p.Address)
	}
	return client.Disconnect()
}

// waitReady polls until the channel is ready or ctx expires.
func waitReady(ctx context.Context, client *bluetooth.CommandChannel) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if client.State() == bluetooth.StateReady {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Errorf("peripheral not ready: %s", client.State())
		case <-ticker.C:
		}
	}
}

func listen(c *cli.Context) error {
	adapter, client, err := openChannel()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer closeChannel(adapter, client)

	client.SetCommandCallback(func(cmd bluetooth.Command) {
		fmt.Printf("%s %s\n", time.Now().Format(time.RFC3339), cmd)
	})
	client.SetStatusCallback(func(s bluetooth.Status) {
		if s.Type == bluetooth.StatusStateChanged {
			logger.Info("channel state", "state", s.State)
		}
	})
	client.SetAdapterStateCallback(func(st bluetooth.AdapterState) {
		if st.Ready() {
			if err := client.StartScanning(); err != nil {
				logger.Warn("failed to resume scanning", "err", err)
			}
		}
	})

	if err := client.StartScanning(); err != nil && !errors.Is(err, bluetooth.ErrAdapterNotReady) {
		return cli.NewExitError(err.Error(), 1)
	}

	sigChan, stop := interrupted()
	defer stop()
	<-sigChan
	return nil
}

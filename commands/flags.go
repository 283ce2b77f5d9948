// Package commands implements the nicedrop CLI commands.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"nicedrop/chunk"
	"nicedrop/config"
	"nicedrop/discovery"
	"nicedrop/logging"
	"nicedrop/network"
	"nicedrop/transfer"
)

// Shared flags for every command.
var (
	// DataDirFlag overrides the config/data directory.
	DataDirFlag = &cli.StringFlag{
		Name:    "data-dir",
		Usage:   "Directory holding config.json and relay history",
		EnvVars: []string{config.DataDirEnv},
	}

	// LogLevelFlag selects the minimum log level.
	LogLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error",
		Value: "info",
	}

	// LogFormatFlag selects the log encoder.
	LogFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Log format: console, json",
		Value: logging.FormatConsole,
	}

	// RelayFlag points devices at a relay. Empty means look it up via mDNS.
	RelayFlag = &cli.StringFlag{
		Name:    "relay",
		Aliases: []string{"r"},
		Usage:   "Relay address (host:port or ws:// URL); found via mDNS when empty",
	}

	// NameFlag sets the display name announced to peers.
	NameFlag = &cli.StringFlag{
		Name:  "name",
		Usage: "Display name shown to peers (default \"Device <id>\")",
	}
)

// GlobalFlags returns the flags accepted by every command.
func GlobalFlags() []cli.Flag {
	return []cli.Flag{DataDirFlag, LogLevelFlag, LogFormatFlag}
}

// deviceFlags returns the flags shared by commands that join as a device.
func deviceFlags(extra ...cli.Flag) []cli.Flag {
	return append([]cli.Flag{RelayFlag, NameFlag}, extra...)
}

type appEnv struct {
	cfg     *config.Config
	cfgPath string
	log     *zap.Logger
}

func loadEnv(c *cli.Context) (*appEnv, error) {
	logger, err := logging.New(c.String(LogLevelFlag.Name), c.String(LogFormatFlag.Name), c.App.ErrWriter)
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}

	cfg, cfgPath, err := config.LoadOrCreate(c.String(DataDirFlag.Name))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Debug("config loaded", zap.String("path", cfgPath))

	return &appEnv{cfg: cfg, cfgPath: cfgPath, log: logger}, nil
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// sessionOptions builds device session options from config and flags.
func (r *appEnv) sessionOptions(c *cli.Context, engine transfer.Options) (network.SessionOptions, error) {
	countMode, err := chunk.ParseCountMode(r.cfg.Client.CountMode)
	if err != nil {
		return network.SessionOptions{}, err
	}

	engine.Logger = r.log
	engine.ChunkInterval = r.cfg.Client.ChunkInterval()
	engine.OfferTimeout = r.cfg.Client.OfferTimeout()
	engine.MaxFileSize = r.cfg.Client.MaxFileSize()
	engine.CountMode = countMode

	options := network.SessionOptions{
		Logger:         r.log,
		RelayURL:       r.cfg.Client.RelayURL,
		DisplayName:    c.String(NameFlag.Name),
		ReconnectDelay: r.cfg.Client.ReconnectDelay(),
		Engine:         engine,
	}
	if relay := c.String(RelayFlag.Name); relay != "" {
		options.RelayURL = relay
	}
	if options.RelayURL == "" {
		options.ResolveRelay = func(ctx context.Context) (string, error) {
			url, err := discovery.FindRelay(ctx, discovery.Config{})
			if err == nil {
				r.log.Info("relay found via mDNS", zap.String("url", url))
			}
			return url, err
		}
	}
	return options, nil
}

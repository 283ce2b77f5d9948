package commands

import (
	"fmt"
	"net"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"nicedrop/discovery"
	"nicedrop/network"
	"nicedrop/storage"
)

// RelayCommand runs the relay server.
func RelayCommand() *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "Run the relay that devices connect to",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "Listen address (default from config, \":8080\")",
			},
			&cli.BoolFlag{
				Name:  "no-mdns",
				Usage: "Do not advertise the relay over mDNS",
			},
			&cli.BoolFlag{
				Name:  "no-history",
				Usage: "Do not record transfers and device events",
			},
		},
		Action: relayAction,
	}
}

func relayAction(c *cli.Context) error {
	env, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer func() { _ = env.log.Sync() }()

	ctx, stop := signalContext(c.Context)
	defer stop()

	options := network.RelayOptions{Logger: env.log}

	if env.cfg.Relay.HistoryEnabled && !c.Bool("no-history") {
		store, dbPath, err := storage.Open(filepath.Dir(env.cfgPath))
		if err != nil {
			return fmt.Errorf("open relay history: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				env.log.Warn("history close failed", zap.Error(err))
			}
		}()
		store.SetDeviceEventRetention(env.cfg.Relay.EventRetention())
		options.History = store
		env.log.Info("relay history enabled", zap.String("path", dbPath))
	}

	listen := env.cfg.Relay.ListenAddress
	if c.IsSet("listen") {
		listen = c.String("listen")
	}
	relay, err := network.ListenRelay(listen, options)
	if err != nil {
		return err
	}
	defer func() { _ = relay.Close() }()

	if env.cfg.Relay.AdvertiseMDNS && !c.Bool("no-mdns") {
		port := 0
		if addr, ok := relay.Addr().(*net.TCPAddr); ok {
			port = addr.Port
		}
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{
			RelayID: env.cfg.Relay.RelayID,
			Port:    port,
		})
		if err != nil {
			// relay still works for devices given --relay
			env.log.Warn("mDNS advertisement unavailable", zap.Error(err))
		} else {
			defer broadcaster.Stop()
			env.log.Info("advertising relay over mDNS", zap.String("service", discovery.DefaultService), zap.Int("port", port))
		}
	}

	fmt.Fprintf(c.App.Writer, "Relay listening on %s\n", relay.Addr())
	<-ctx.Done()
	env.log.Info("relay shutting down")
	return nil
}

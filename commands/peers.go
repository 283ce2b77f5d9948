package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"nicedrop/models"
	"nicedrop/network"
	"nicedrop/transfer"
)

// PeersCommand prints the devices currently registered with the relay.
func PeersCommand() *cli.Command {
	return &cli.Command{
		Name:  "peers",
		Usage: "List devices connected to the relay",
		Flags: deviceFlags(
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the relay",
				Value: 15 * time.Second,
			},
		),
		Action: peersAction,
	}
}

func peersAction(c *cli.Context) error {
	env, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer func() { _ = env.log.Sync() }()

	ctx, stop := signalContext(c.Context)
	defer stop()

	options, err := env.sessionOptions(c, transfer.Options{})
	if err != nil {
		return err
	}
	lists := make(chan []models.Peer, 1)
	options.OnPeers = func(peers []models.Peer) {
		select {
		case lists <- peers:
		default:
		}
	}

	session, err := network.NewSession(options)
	if err != nil {
		return err
	}
	if err := session.Start(); err != nil {
		return err
	}
	defer session.Stop()

	select {
	case peers := <-lists:
		w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME")
		for _, peer := range peers {
			if peer.ID == session.DeviceID() {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\n", peer.ID, peer.Name)
		}
		return w.Flush()
	case <-time.After(c.Duration("timeout")):
		return cli.Exit("no answer from the relay", 1)
	case <-ctx.Done():
		return cli.Exit("interrupted", 130)
	}
}

package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"nicedrop/discovery"
)

// RelaysCommand browses the LAN for advertised relays.
func RelaysCommand() *cli.Command {
	return &cli.Command{
		Name:  "relays",
		Usage: "List relays advertised on the local network",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "scan",
				Usage: "Browse duration",
				Value: discovery.DefaultScanTimeout,
			},
		},
		Action: relaysAction,
	}
}

func relaysAction(c *cli.Context) error {
	env, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer func() { _ = env.log.Sync() }()

	ctx, stop := signalContext(c.Context)
	defer stop()

	scanner, err := discovery.NewScanner(discovery.Config{ScanTimeout: c.Duration("scan")})
	if err != nil {
		return err
	}
	scanner.Start()
	defer scanner.Stop()

	scanCtx, cancel := context.WithTimeout(ctx, c.Duration("scan")+time.Second)
	defer cancel()
	if err := scanner.Refresh(scanCtx); err != nil {
		return fmt.Errorf("browse relays: %w", err)
	}

	relays := scanner.ListRelays()
	if len(relays) == 0 {
		return cli.Exit("no relays found", 1)
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tINSTANCE\tURL\tADDRESSES")
	for _, relay := range relays {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", relay.ID, relay.Instance, relay.URL(), strings.Join(relay.Addresses, ","))
	}
	return w.Flush()
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"nicedrop/network"
	"nicedrop/protocol"
	"nicedrop/transfer"
)

// SendCommand offers one file to one peer and streams it once accepted.
func SendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Offer a file to a peer and send it when accepted",
		ArgsUsage: "<file>",
		Flags: deviceFlags(
			&cli.StringFlag{
				Name:     "to",
				Aliases:  []string{"t"},
				Usage:    "Target device id",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "wait",
				Usage: "How long to wait for the target to come online and answer",
				Value: 10 * time.Minute,
			},
			&cli.BoolFlag{
				Name:  "no-pacing",
				Usage: "Send chunks back to back instead of pacing them",
			},
		),
		Action: sendAction,
	}
}

func sendAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("send expects exactly one file argument", 2)
	}
	env, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer func() { _ = env.log.Sync() }()

	src, err := transfer.OpenFile(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx, stop := signalContext(c.Context)
	defer stop()
	// --wait covers the peer showing up and answering, not the streaming
	waitCtx, cancelWait := context.WithTimeout(ctx, c.Duration("wait"))
	defer cancelWait()

	out := c.App.Writer
	accepted := make(chan struct{})
	var acceptOnce sync.Once
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	options, err := env.sessionOptions(c, transfer.Options{
		NoPacing: c.Bool("no-pacing"),
		OnOfferSent: func(fileName string) {
			fmt.Fprintf(out, "Offer for %s delivered, waiting for an answer...\n", fileName)
		},
		OnAccepted: func(fileName, toName string) {
			fmt.Fprintf(out, "%s accepted %s\n", toName, fileName)
			acceptOnce.Do(func() { close(accepted) })
		},
		OnRejected: func(fileName, toName string) {
			finish(fmt.Errorf("%s rejected %s", toName, fileName))
		},
		OnSendProgress: func(p transfer.Progress) {
			fmt.Fprintf(out, "\rSending %s: %3d%% (%d/%d)", p.FileName, p.Percent, p.Done, p.TotalChunks)
		},
		OnSendComplete: func(fileName string) {
			fmt.Fprintf(out, "\nSent %s\n", fileName)
			finish(nil)
		},
		OnSendFailed: func(fileName string, err error) {
			finish(fmt.Errorf("send %s: %w", fileName, err))
		},
		OnRelayError: func(msg protocol.ErrorMessage) {
			if msg.Code == protocol.CodePeerNotFound && msg.FileName == src.Name() {
				finish(fmt.Errorf("relay: %s", msg.Message))
			}
		},
	})
	if err != nil {
		return err
	}

	session, err := network.NewSession(options)
	if err != nil {
		return err
	}
	if err := session.Start(); err != nil {
		return err
	}
	defer session.Stop()

	target := c.String("to")
	peer, err := session.WaitForPeer(waitCtx, target)
	if err != nil {
		return cli.Exit(fmt.Sprintf("device %s did not show up: %v", target, err), 1)
	}
	env.log.Debug("target online", zap.String("id", peer.ID), zap.String("name", peer.Name))

	if _, err := session.Engine().MakeOffer(ctx, target, src); err != nil {
		return err
	}
	fmt.Fprintf(out, "Offering %s (%d bytes) to %s as %s\n", src.Name(), src.Size(), peer.Name, session.DeviceID())

	err = awaitTransfer(ctx, waitCtx, accepted, done)
	switch {
	case errors.Is(err, errNoAnswer):
		withdrawOffer(env, session)
		return cli.Exit(err.Error(), 1)
	case errors.Is(err, errInterrupted):
		withdrawOffer(env, session)
		return cli.Exit(err.Error(), 130)
	case err != nil:
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

var (
	errNoAnswer    = errors.New("timed out waiting for an answer")
	errInterrupted = errors.New("interrupted")
)

// awaitTransfer waits for the outcome of an offer. waitCtx bounds only the
// time until the peer accepts; once accepted the send runs until done or ctx
// is cancelled.
func awaitTransfer(ctx, waitCtx context.Context, accepted <-chan struct{}, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-accepted:
	case <-waitCtx.Done():
		select {
		case <-accepted:
		default:
			if ctx.Err() != nil {
				return errInterrupted
			}
			return errNoAnswer
		}
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errInterrupted
	}
}

func withdrawOffer(env *appEnv, session *network.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := session.Engine().CancelOffer(ctx)
	if err != nil && !errors.Is(err, transfer.ErrNoPendingOffer) && !errors.Is(err, transfer.ErrTransferInProgress) {
		env.log.Warn("cancel offer failed", zap.Error(err))
	}
}

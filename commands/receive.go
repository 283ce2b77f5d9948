package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"nicedrop/models"
	"nicedrop/network"
	"nicedrop/transfer"
)

// ReceiveCommand waits for offers and stores accepted files.
func ReceiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "receive",
		Usage: "Wait for file offers and save accepted files",
		Flags: deviceFlags(
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "Directory for received files (default from config)",
			},
			&cli.BoolFlag{
				Name:    "auto-accept",
				Aliases: []string{"y"},
				Usage:   "Accept every offer without asking",
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Exit after the first received file",
			},
		),
		Action: receiveAction,
	}
}

func receiveAction(c *cli.Context) error {
	env, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer func() { _ = env.log.Sync() }()

	outDir := env.cfg.Client.DownloadDir
	if c.IsSet("out") {
		outDir = c.String("out")
	}

	ctx, stop := signalContext(c.Context)
	defer stop()

	out := c.App.Writer
	offers := make(chan transfer.Offer, 16)
	saved := make(chan string, 1)

	var engine *transfer.Engine
	options, err := env.sessionOptions(c, transfer.Options{
		OnOffer: func(offer transfer.Offer) {
			select {
			case offers <- offer:
			default:
				env.log.Warn("offer queue full", zap.String("file", offer.FileName), zap.String("from", offer.FromID))
			}
		},
		OnOfferCancelled: func(offer transfer.Offer) {
			fmt.Fprintf(out, "%s withdrew %s\n", offer.FromName, offer.FileName)
		},
		OnOfferExpired: func(offer transfer.Offer) {
			fmt.Fprintf(out, "Offer for %s from %s expired\n", offer.FileName, offer.FromName)
		},
		OnReceiveProgress: func(p transfer.Progress) {
			fmt.Fprintf(out, "\rReceiving %s: %3d%% (%d/%d)", p.FileName, p.Percent, p.Done, p.TotalChunks)
		},
		OnReceived: func(artifact *transfer.Artifact) {
			path, err := artifact.SaveTo(outDir)
			engine.Release(artifact.FileName)
			if err != nil {
				fmt.Fprintf(out, "\nCould not save %s: %v\n", artifact.FileName, err)
				return
			}
			fmt.Fprintf(out, "\nSaved %s (%d bytes) to %s\n", artifact.FileName, artifact.Size(), path)
			select {
			case saved <- path:
			default:
			}
		},
		OnReceiveFailed: func(fileName string, err error) {
			fmt.Fprintf(out, "\nReceiving %s failed: %v\n", fileName, err)
		},
	})
	if err != nil {
		return err
	}
	options.OnConnected = func(id string) {
		fmt.Fprintf(out, "Waiting for files as device %s (type /help for commands)\n", id)
	}
	var listRequested atomic.Bool
	options.OnPeers = func(peers []models.Peer) {
		if listRequested.CompareAndSwap(true, false) {
			printPeers(out, peers)
		}
	}

	session, err := network.NewSession(options)
	if err != nil {
		return err
	}
	engine = session.Engine()
	if err := session.Start(); err != nil {
		return err
	}
	defer session.Stop()

	answers := newPrompter(c.App.Reader)
	lines := answers.lines
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			runLine(ctx, session, out, line, &listRequested)
		case <-saved:
			if c.Bool("once") {
				return nil
			}
		case offer := <-offers:
			accept := c.Bool("auto-accept")
			if !accept {
				question := fmt.Sprintf("%s wants to send %s (%d bytes). Accept? [y/N] ", offer.FromName, offer.FileName, offer.FileSize)
				accept, err = answers.confirm(ctx, out, question)
				if err != nil {
					return nil
				}
			}
			if err := answerOffer(ctx, engine, offer, accept); err != nil {
				env.log.Warn("answer offer failed", zap.String("file", offer.FileName), zap.Error(err))
			}
		}
	}
}

// runLine handles an interactive line typed while no offer is pending.
func runLine(ctx context.Context, session *network.Session, out io.Writer, line string, listRequested *atomic.Bool) {
	command, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch command {
	case "":
	case "/name":
		name := strings.TrimSpace(arg)
		if err := session.SetDisplayName(ctx, name); err != nil {
			fmt.Fprintf(out, "Rename failed: %v\n", err)
			return
		}
		fmt.Fprintf(out, "Now visible as %q\n", session.DisplayName())
	case "/peers":
		listRequested.Store(true)
		if err := session.DiscoverPeers(ctx); err != nil {
			listRequested.Store(false)
			fmt.Fprintf(out, "Peer list unavailable: %v\n", err)
		}
	case "/status":
		state := "disconnected"
		if session.Connected() {
			state = "connected"
		}
		fmt.Fprintf(out, "Device %s (%q), %s, %d peers\n", session.DeviceID(), session.DisplayName(), state, len(session.Peers()))
	case "/help":
		fmt.Fprintln(out, "/name <display name>  rename this device")
		fmt.Fprintln(out, "/peers                list other devices")
		fmt.Fprintln(out, "/status               show id and connection state")
	default:
		fmt.Fprintf(out, "Unknown command %q, try /help\n", command)
	}
}

func printPeers(out io.Writer, peers []models.Peer) {
	if len(peers) == 0 {
		fmt.Fprintln(out, "No other devices connected")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME")
	for _, peer := range peers {
		fmt.Fprintf(w, "%s\t%s\n", peer.ID, peer.Name)
	}
	_ = w.Flush()
}

func answerOffer(ctx context.Context, engine *transfer.Engine, offer transfer.Offer, accept bool) error {
	if accept {
		return engine.Accept(ctx, offer.ID)
	}
	return engine.Reject(ctx, offer.ID)
}

// prompter reads stdin lines on a background goroutine so a pending prompt
// does not block shutdown. Lines outside a prompt are interactive commands.
type prompter struct {
	lines chan string
}

func newPrompter(r io.Reader) *prompter {
	p := &prompter{lines: make(chan string)}
	go func() {
		defer close(p.lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
	}()
	return p
}

func (p *prompter) confirm(ctx context.Context, w io.Writer, question string) (bool, error) {
	fmt.Fprint(w, question)
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			return false, io.EOF
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	}
}

// Command nicedrop sends files between devices on a local network through a
// small WebSocket relay.
//
// Usage:
//
//	nicedrop relay                       run the relay (advertised over mDNS)
//	nicedrop receive [--auto-accept]     wait for offers as a device
//	nicedrop send --to <id> <file>       offer a file to a device
//	nicedrop peers                       list connected devices
//	nicedrop relays                      list relays on the LAN
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"nicedrop/commands"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:           "nicedrop",
		Usage:          "LAN file transfer through a WebSocket relay",
		Version:        version,
		Flags:          commands.GlobalFlags(),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			commands.RelayCommand(),
			commands.ReceiveCommand(),
			commands.SendCommand(),
			commands.PeersCommand(),
			commands.RelaysCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler keeps exit codes from cli.Exit and prints everything else.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

package commands

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zaptest"

	"nicedrop/chunk"
	"nicedrop/config"
	"nicedrop/network"
	"nicedrop/transfer"
)

func testContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()

	set := flag.NewFlagSet("test", flag.ContinueOnError)
	set.String(RelayFlag.Name, "", "")
	set.String(NameFlag.Name, "", "")
	if err := set.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return cli.NewContext(cli.NewApp(), set, nil)
}

func testEnv(t *testing.T, relayURL string) *appEnv {
	t.Helper()

	cfg, cfgPath, err := config.LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	cfg.Client.RelayURL = relayURL
	return &appEnv{cfg: cfg, cfgPath: cfgPath, log: zaptest.NewLogger(t)}
}

func TestSessionOptionsRelayFlagOverridesConfig(t *testing.T) {
	env := testEnv(t, "ws://10.0.0.5:8080")
	c := testContext(t, "--relay", "127.0.0.1:9000", "--name", "Kitchen laptop")

	options, err := env.sessionOptions(c, transfer.Options{NoPacing: true})
	if err != nil {
		t.Fatalf("sessionOptions failed: %v", err)
	}
	if options.RelayURL != "127.0.0.1:9000" {
		t.Fatalf("expected flag relay, got %q", options.RelayURL)
	}
	if options.ResolveRelay != nil {
		t.Fatalf("expected no mDNS lookup when a relay is given")
	}
	if options.DisplayName != "Kitchen laptop" {
		t.Fatalf("unexpected display name %q", options.DisplayName)
	}
	if !options.Engine.NoPacing {
		t.Fatalf("expected engine options to be carried over")
	}
	if options.Engine.ChunkInterval != 10*time.Millisecond {
		t.Fatalf("expected 10ms chunk interval, got %s", options.Engine.ChunkInterval)
	}
	if options.ReconnectDelay != 3*time.Second {
		t.Fatalf("expected 3s reconnect delay, got %s", options.ReconnectDelay)
	}
	if options.Engine.MaxFileSize != 16<<30 {
		t.Fatalf("expected config max file size, got %d", options.Engine.MaxFileSize)
	}
	if options.Engine.CountMode != chunk.CountMessages {
		t.Fatalf("unexpected count mode %v", options.Engine.CountMode)
	}
}

func TestSessionOptionsFallsBackToDiscovery(t *testing.T) {
	env := testEnv(t, "")
	options, err := env.sessionOptions(testContext(t), transfer.Options{})
	if err != nil {
		t.Fatalf("sessionOptions failed: %v", err)
	}
	if options.RelayURL != "" || options.ResolveRelay == nil {
		t.Fatalf("expected mDNS resolution, got url=%q", options.RelayURL)
	}
}

func TestSessionOptionsRejectsBadCountMode(t *testing.T) {
	env := testEnv(t, "ws://127.0.0.1:8080")
	env.cfg.Client.CountMode = "sometimes"
	if _, err := env.sessionOptions(testContext(t), transfer.Options{}); err == nil {
		t.Fatalf("expected count mode error")
	}
}

func TestPrompterConfirm(t *testing.T) {
	p := newPrompter(strings.NewReader("y\nno\n YES \n"))
	var out bytes.Buffer

	want := []bool{true, false, true}
	for i, expected := range want {
		got, err := p.confirm(context.Background(), &out, "Accept? ")
		if err != nil {
			t.Fatalf("answer %d: %v", i, err)
		}
		if got != expected {
			t.Fatalf("answer %d: expected %v, got %v", i, expected, got)
		}
	}
	if _, err := p.confirm(context.Background(), &out, "Accept? "); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after input ends, got %v", err)
	}
	if strings.Count(out.String(), "Accept? ") != 4 {
		t.Fatalf("expected the question to be printed each time, got %q", out.String())
	}
}

func TestPrompterConfirmHonorsCancel(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()
	p := newPrompter(reader)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.confirm(ctx, io.Discard, "Accept? "); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAwaitTransferWaitLimitStopsAtAccept(t *testing.T) {
	waitCtx, cancelWait := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelWait()

	accepted := make(chan struct{})
	done := make(chan error, 1)
	close(accepted)
	go func() {
		// streaming outlives the answer deadline
		time.Sleep(100 * time.Millisecond)
		done <- nil
	}()

	if err := awaitTransfer(context.Background(), waitCtx, accepted, done); err != nil {
		t.Fatalf("expected completed send after the wait limit, got %v", err)
	}
}

func TestAwaitTransferNoAnswer(t *testing.T) {
	waitCtx, cancelWait := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelWait()

	err := awaitTransfer(context.Background(), waitCtx, make(chan struct{}), make(chan error))
	if !errors.Is(err, errNoAnswer) {
		t.Fatalf("expected errNoAnswer, got %v", err)
	}
}

func TestAwaitTransferInterruptedWhileStreaming(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	accepted := make(chan struct{})
	close(accepted)
	cancel()

	err := awaitTransfer(ctx, context.Background(), accepted, make(chan error))
	if !errors.Is(err, errInterrupted) {
		t.Fatalf("expected errInterrupted, got %v", err)
	}
}

func TestAwaitTransferReportsRejection(t *testing.T) {
	done := make(chan error, 1)
	done <- errors.New("Device 100002 rejected report.pdf")

	err := awaitTransfer(context.Background(), context.Background(), make(chan struct{}), done)
	if err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("expected rejection error, got %v", err)
	}
}

func TestRunLineOffline(t *testing.T) {
	session, err := network.NewSession(network.SessionOptions{
		Logger:   zaptest.NewLogger(t),
		RelayURL: "127.0.0.1:1",
		DeviceID: "100002",
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer session.Stop()

	var out bytes.Buffer
	var listRequested atomic.Bool
	ctx := context.Background()

	runLine(ctx, session, &out, "/name  Hall PC ", &listRequested)
	if session.DisplayName() != "Hall PC" || !strings.Contains(out.String(), `Now visible as "Hall PC"`) {
		t.Fatalf("rename not applied: name=%q out=%q", session.DisplayName(), out.String())
	}

	out.Reset()
	runLine(ctx, session, &out, "/status", &listRequested)
	if !strings.Contains(out.String(), "Device 100002") || !strings.Contains(out.String(), "disconnected") {
		t.Fatalf("unexpected status %q", out.String())
	}

	out.Reset()
	runLine(ctx, session, &out, "/peers", &listRequested)
	if listRequested.Load() || !strings.Contains(out.String(), "unavailable") {
		t.Fatalf("offline peer listing should fail cleanly, got %q", out.String())
	}

	out.Reset()
	runLine(ctx, session, &out, "/name", &listRequested)
	if !strings.Contains(out.String(), "Rename failed") {
		t.Fatalf("expected empty rename to fail, got %q", out.String())
	}

	out.Reset()
	runLine(ctx, session, &out, "/dance", &listRequested)
	if !strings.Contains(out.String(), "Unknown command") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

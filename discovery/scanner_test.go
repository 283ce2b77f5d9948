package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestScannerManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("relay-1", "Office", 8080, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("relay-2", "Lab", 8081, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	relays := scanner.ListRelays()
	if len(relays) != 1 || relays[0].ID != "relay-1" {
		t.Fatalf("expected relay-1 after first scan, got %+v", relays)
	}

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh failed: %v", err)
	}
	relays = scanner.ListRelays()
	if len(relays) != 2 || relays[0].Instance != "Lab" || relays[1].Instance != "Office" {
		t.Fatalf("expected two relays sorted by instance, got %+v", relays)
	}
}

func TestScannerBackgroundPollingAndRemovalEvent(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("relay-1", "Office", 8080, "10.0.0.2")
				entries <- testServiceEntry("relay-2", "Lab", 8081, "10.0.0.3")
			} else {
				entries <- testServiceEntry("relay-2", "Lab", 8081, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	if !waitForEvent(scanner.Events(), EventRelayRemoved, "relay-1", 2*time.Second) {
		t.Fatalf("expected removal event for relay-1")
	}
	waitForCondition(t, time.Second, func() bool {
		relays := scanner.ListRelays()
		return len(relays) == 1 && relays[0].ID == "relay-2"
	})
}

func TestScannerIgnoresForeignVersionsAndIncompleteEntries(t *testing.T) {
	stale := testServiceEntry("relay-old", "Old", 8080, "10.0.0.9")
	stale.Text = []string{"relay_id=relay-old", "version=2"}
	anonymous := testServiceEntry("", "Anonymous", 8080, "10.0.0.8")

	url, err := FindRelay(context.Background(), Config{
		ScanTimeout: 30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- stale
			entries <- anonymous
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if !errors.Is(err, ErrNoRelay) {
		t.Fatalf("expected ErrNoRelay, got url=%q err=%v", url, err)
	}
}

func TestFindRelayReturnsWebSocketURL(t *testing.T) {
	entry := testServiceEntry("relay-1", "Office", 8080, "192.168.1.20")
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	url, err := FindRelay(context.Background(), Config{
		ScanTimeout: 30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != DefaultService {
				t.Errorf("unexpected service browsed: %q", service)
			}
			entries <- entry
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("FindRelay failed: %v", err)
	}
	if url != "ws://192.168.1.20:8080" {
		t.Fatalf("unexpected relay url: %q", url)
	}
}

func TestRelayURLFallsBackToHostName(t *testing.T) {
	relay := Relay{HostName: "relay-box.local.", Port: 9000}
	if got := relay.URL(); got != "ws://relay-box.local:9000" {
		t.Fatalf("unexpected url: %q", got)
	}

	v6 := Relay{Addresses: []string{"fe80::1"}, Port: 9000}
	if got := v6.URL(); got != "ws://[fe80::1]:9000" {
		t.Fatalf("unexpected v6 url: %q", got)
	}
}

func testServiceEntry(relayID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local.",
		Port:     port,
		Text: []string{
			"relay_id=" + relayID,
			"version=1",
			"path=/ws",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, relayID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Relay.ID == relayID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

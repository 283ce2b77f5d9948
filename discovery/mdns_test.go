package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		RelayID:  "relay-1",
		Instance: "Office relay",
		Port:     8080,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}
	broadcaster.Stop()

	if gotInstance != "Office relay" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 8080 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "relay_id=relay-1")
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "path=/ws")
}

func TestStartBroadcasterDefaultInstanceName(t *testing.T) {
	var gotInstance string
	_, err := StartBroadcaster(Config{
		RelayID: "abc",
		Port:    8080,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if gotInstance != "nicedrop relay abc" {
		t.Fatalf("unexpected default instance: %q", gotInstance)
	}
}

func TestStartBroadcasterValidation(t *testing.T) {
	register := func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		t.Fatalf("register should not be called for invalid config")
		return nil, nil
	}

	if _, err := StartBroadcaster(Config{Port: 8080, registerFn: register}); err == nil {
		t.Fatalf("expected missing relay ID error")
	}
	if _, err := StartBroadcaster(Config{RelayID: "relay-1", registerFn: register}); err == nil {
		t.Fatalf("expected missing port error")
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}

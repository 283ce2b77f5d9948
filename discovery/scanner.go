package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventRelayUpserted is emitted when a relay appears or metadata changes.
	EventRelayUpserted EventType = "relay_upserted"
	// EventRelayRemoved is emitted when a previously seen relay disappears.
	EventRelayRemoved EventType = "relay_removed"
)

// ErrNoRelay indicates no relay answered the scan.
var ErrNoRelay = errors.New("discovery: no relay found")

// EventType identifies relay discovery updates.
type EventType string

// Event carries discovery updates.
type Event struct {
	Type  EventType
	Relay Relay
}

// Relay is a relay advertised on the LAN.
type Relay struct {
	ID        string
	Instance  string
	Version   int
	Path      string
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

// URL returns the base websocket URL of the relay, preferring IPv4.
func (r Relay) URL() string {
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(r.Port))
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner discovers relays with periodic and manual mDNS browse operations.
type Scanner struct {
	cfg Config

	browse browseFunc

	mu     sync.RWMutex
	relays map[string]Relay

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		relays:          make(map[string]Relay),
		events:          make(chan Event, 32),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan and waits for it.
func (s *Scanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("relay scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}
}

// ListRelays returns the relays seen by the last scan.
func (s *Scanner) ListRelays() []Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Relay, 0, len(s.relays))
	for _, relay := range s.relays {
		out = append(out, relay)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance == out[j].Instance {
			return out[i].ID < out[j].ID
		}
		return out[i].Instance < out[j].Instance
	})
	return out
}

// FindRelay runs one scan and returns the URL of the first relay found.
func FindRelay(ctx context.Context, config Config) (string, error) {
	scanner, err := NewScanner(config)
	if err != nil {
		return "", err
	}
	scanner.Start()
	defer scanner.Stop()

	if err := scanner.Refresh(ctx); err != nil {
		return "", err
	}
	relays := scanner.ListRelays()
	if len(relays) == 0 {
		return "", ErrNoRelay
	}
	return relays[0].URL(), nil
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-scanCtx.Done():
		}
	}()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Relay)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry, s.cfg.Version)
				if !ok {
					continue
				}
				relay.LastSeen = time.Now()
				collectedMu.Lock()
				collected[relay.ID] = relay
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next)

	// a timeout just means this scan window ended
	if err := requestCtx.Err(); err != nil {
		return err
	}
	return nil
}

func (s *Scanner) applySnapshot(next map[string]Relay) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.relays
	s.relays = next

	for id, relay := range next {
		old, exists := previous[id]
		if !exists || !relaysEqual(old, relay) {
			s.emitEvent(Event{Type: EventRelayUpserted, Relay: relay})
		}
	}

	for id, relay := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventRelayRemoved, Relay: relay})
		}
	}
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, wantVersion int) (Relay, bool) {
	txt := txtToMap(entry.Text)

	relayID := strings.TrimSpace(txt["relay_id"])
	if relayID == "" || entry.Port <= 0 {
		return Relay{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}
	if version != wantVersion {
		return Relay{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	// IPv4 first so URL picks a v4 address when one exists
	for _, group := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		start := len(addresses)
		for _, ip := range group {
			if ip == nil {
				continue
			}
			raw := ip.String()
			if _, exists := seen[raw]; exists {
				continue
			}
			seen[raw] = struct{}{}
			addresses = append(addresses, raw)
		}
		sort.Strings(addresses[start:])
	}

	path := txt["path"]
	if path == "" {
		path = DefaultPath
	}

	return Relay{
		ID:        relayID,
		Instance:  strings.TrimSpace(entry.Instance),
		Version:   version,
		Path:      path,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func relaysEqual(a, b Relay) bool {
	if a.ID != b.ID ||
		a.Instance != b.Instance ||
		a.Version != b.Version ||
		a.Path != b.Path ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}

package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"nicedrop/models"
	"nicedrop/protocol"
)

// DefaultRouteTimeout bounds how long routing waits on a saturated target.
const DefaultRouteTimeout = 10 * time.Second

var (
	// ErrPeerNotFound indicates the target device is not registered.
	ErrPeerNotFound = errors.New("network: peer not found")
	// ErrDeliveryFailed indicates the target was registered but the write failed.
	ErrDeliveryFailed = errors.New("network: delivery failed")
	// ErrIDConflict indicates another live device already holds the id.
	ErrIDConflict = errors.New("network: device id already in use")
)

// Endpoint is the write side of a registered device's connection.
type Endpoint interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Device is one registry entry.
type Device struct {
	ID          string
	Name        string
	Session     string
	Conn        Endpoint
	RemoteAddr  string
	ConnectedAt time.Time
}

// Registry tracks connected devices in insertion order.
type Registry struct {
	log          *zap.Logger
	routeTimeout time.Duration

	mu      sync.RWMutex
	devices map[string]*Device
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, routeTimeout time.Duration) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if routeTimeout <= 0 {
		routeTimeout = DefaultRouteTimeout
	}
	return &Registry{
		log:          logger.Named("registry"),
		routeTimeout: routeTimeout,
		devices:      make(map[string]*Device),
	}
}

// DefaultDisplayName is the name a device gets before it sends one.
func DefaultDisplayName(id string) string {
	return "Device " + id
}

// Register inserts device or replaces the entry with the same id, keeping its
// position. A live entry with a different session token is not replaced.
func (r *Registry) Register(ctx context.Context, device Device) error {
	if device.ID == "" {
		return errors.New("device id is required")
	}
	if device.Conn == nil {
		return errors.New("device connection is required")
	}
	if device.Name == "" {
		device.Name = DefaultDisplayName(device.ID)
	}
	if device.ConnectedAt.IsZero() {
		device.ConnectedAt = time.Now()
	}

	r.mu.Lock()
	existing := r.devices[device.ID]
	if existing != nil && existing.Session != "" && device.Session != "" && existing.Session != device.Session {
		r.mu.Unlock()
		return fmt.Errorf("register %q: %w", device.ID, ErrIDConflict)
	}
	entry := device
	r.devices[device.ID] = &entry
	if existing == nil {
		r.order = append(r.order, device.ID)
	}
	r.mu.Unlock()

	if existing != nil && existing.Conn != device.Conn {
		r.log.Info("replacing device connection", zap.String("device_id", device.ID))
		_ = existing.Conn.Close()
	}

	r.log.Info("device registered", zap.String("device_id", device.ID), zap.String("name", device.Name))
	r.broadcastPeersUpdated(ctx, device.ID)
	return nil
}

// UpdateDisplayName renames a device and tells the others.
func (r *Registry) UpdateDisplayName(ctx context.Context, id, name string) error {
	r.mu.Lock()
	device := r.devices[id]
	if device == nil {
		r.mu.Unlock()
		return ErrPeerNotFound
	}
	device.Name = name
	r.mu.Unlock()

	r.broadcastPeersUpdated(ctx, id)
	return nil
}

// DisplayName returns the current name of a device.
func (r *Registry) DisplayName(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if device := r.devices[id]; device != nil {
		return device.Name
	}
	return DefaultDisplayName(id)
}

// Lookup returns a copy of a registered device.
func (r *Registry) Lookup(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	device := r.devices[id]
	if device == nil {
		return Device{}, false
	}
	return *device, true
}

// ListPeers returns every registered device except requesterID.
func (r *Registry) ListPeers(requesterID string) []models.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]models.Peer, 0, len(r.order))
	for _, id := range r.order {
		if id == requesterID {
			continue
		}
		peers = append(peers, models.Peer{ID: id, Name: r.devices[id].Name})
	}
	return peers
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Disconnect removes id if it is still bound to conn. A nil conn removes
// unconditionally. It reports whether an entry was removed.
func (r *Registry) Disconnect(ctx context.Context, id string, conn Endpoint) bool {
	r.mu.Lock()
	device := r.devices[id]
	if device == nil || (conn != nil && device.Conn != conn) {
		r.mu.Unlock()
		return false
	}
	delete(r.devices, id)
	for i, entry := range r.order {
		if entry == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.log.Info("device disconnected", zap.String("device_id", id))
	r.broadcastPeersUpdated(ctx, id)
	return true
}

// RouteTo forwards message to the target device.
func (r *Registry) RouteTo(ctx context.Context, targetID string, message any) error {
	payload, err := protocol.EncodeJSON(message)
	if err != nil {
		return err
	}
	return r.RouteRaw(ctx, targetID, payload)
}

// RouteRaw forwards a pre-marshaled payload. A target that cannot take the
// write within the route timeout is disconnected.
func (r *Registry) RouteRaw(ctx context.Context, targetID string, payload []byte) error {
	device, ok := r.Lookup(targetID)
	if !ok {
		return fmt.Errorf("route to %q: %w", targetID, ErrPeerNotFound)
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.routeTimeout)
	defer cancel()
	if err := device.Conn.Send(sendCtx, payload); err != nil {
		if ctx.Err() == nil {
			r.log.Warn("dropping unreachable device", zap.String("device_id", targetID), zap.Error(err))
			_ = device.Conn.Close()
			r.Disconnect(ctx, targetID, device.Conn)
		}
		return fmt.Errorf("route to %q: %w: %v", targetID, ErrDeliveryFailed, err)
	}
	return nil
}

// CloseAll closes every registered connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	devices := make([]*Device, 0, len(r.devices))
	for _, device := range r.devices {
		devices = append(devices, device)
	}
	r.devices = make(map[string]*Device)
	r.order = nil
	r.mu.Unlock()

	for _, device := range devices {
		_ = device.Conn.Close()
	}
}

func (r *Registry) broadcastPeersUpdated(ctx context.Context, exceptID string) {
	payload, err := protocol.EncodeJSON(protocol.PeersUpdated{Type: protocol.TypePeersUpdated})
	if err != nil {
		return
	}

	r.mu.RLock()
	targets := make([]*Device, 0, len(r.order))
	for _, id := range r.order {
		if id != exceptID {
			targets = append(targets, r.devices[id])
		}
	}
	r.mu.RUnlock()

	for _, device := range targets {
		sendCtx, cancel := context.WithTimeout(ctx, r.routeTimeout)
		if err := device.Conn.Send(sendCtx, payload); err != nil {
			r.log.Debug("peers_updated not delivered", zap.String("device_id", device.ID), zap.Error(err))
		}
		cancel()
	}
}

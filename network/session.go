package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nicedrop/models"
	"nicedrop/protocol"
	"nicedrop/transfer"
)

const (
	// DefaultReconnectDelay is the fixed wait between relay connection attempts.
	DefaultReconnectDelay = 3 * time.Second
	// DefaultOfferSweepInterval is how often pending offers are checked for expiry.
	DefaultOfferSweepInterval = 30 * time.Second
)

// ErrNotConnected indicates there is no live relay connection.
var ErrNotConnected = errors.New("network: not connected to relay")

// SessionOptions configures a device Session.
type SessionOptions struct {
	Logger *zap.Logger

	// RelayURL is dialed on every attempt. When empty, ResolveRelay is asked.
	RelayURL     string
	ResolveRelay func(ctx context.Context) (string, error)

	DeviceID    string
	DisplayName string

	ReconnectDelay     time.Duration
	OfferSweepInterval time.Duration
	Connection         ConnectionOptions
	Engine             transfer.Options

	OnConnected    func(deviceID string)
	OnDisconnected func(err error)
	OnPeers        func([]models.Peer)
	OnIDChanged    func(oldID, newID string)
}

// Session keeps one device connected to the relay and feeds inbound
// messages to its transfer engine.
type Session struct {
	options SessionOptions
	log     *zap.Logger
	engine  *transfer.Engine
	token   string

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	mu           sync.RWMutex
	deviceID     string
	displayName  string
	conn         *Conn
	peers        []models.Peer
	peersChanged chan struct{}
	started      bool
}

// NewDeviceID returns a random six-digit device id.
func NewDeviceID() string {
	return fmt.Sprintf("%d", 100000+rand.IntN(900000))
}

// NewSession creates a session. Call Start to connect.
func NewSession(options SessionOptions) (*Session, error) {
	if options.RelayURL == "" && options.ResolveRelay == nil {
		return nil, errors.New("relay url or resolver is required")
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.DeviceID == "" {
		options.DeviceID = NewDeviceID()
	}
	if options.DisplayName == "" {
		options.DisplayName = DefaultDisplayName(options.DeviceID)
	}
	if options.ReconnectDelay <= 0 {
		options.ReconnectDelay = DefaultReconnectDelay
	}
	if options.OfferSweepInterval <= 0 {
		options.OfferSweepInterval = DefaultOfferSweepInterval
	}
	if options.Engine.Logger == nil {
		options.Engine.Logger = options.Logger
	}

	s := &Session{
		options:      options,
		log:          options.Logger.Named("session"),
		token:        uuid.NewString(),
		deviceID:     options.DeviceID,
		displayName:  options.DisplayName,
		peersChanged: make(chan struct{}),
	}
	s.engine = transfer.NewEngine(s, options.Engine)
	return s, nil
}

// Start begins the connect loop and the offer expiry sweep.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(2)
	go s.connectionLoop()
	go s.sweepOffers()
	return nil
}

// Stop disconnects and stops the engine.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.RLock()
		cancel := s.cancel
		conn := s.conn
		s.mu.RUnlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			_ = conn.Close()
		}
		s.wg.Wait()
		_ = s.engine.Close()
	})
}

// Engine returns the transfer engine driven by this session.
func (s *Session) Engine() *transfer.Engine {
	return s.engine
}

// DeviceID returns the id currently in use. It changes after an id conflict.
func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

// DisplayName returns the local display name.
func (s *Session) DisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayName
}

// Connected reports whether a relay connection is live.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// Peers returns the last peer list received from the relay.
func (s *Session) Peers() []models.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Peer(nil), s.peers...)
}

// Send implements transfer.Outbound over the current relay connection.
func (s *Session) Send(ctx context.Context, message any) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendMessage(ctx, message)
}

// SetDisplayName changes the local name and announces it when connected.
func (s *Session) SetDisplayName(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("display name is required")
	}
	s.mu.Lock()
	s.displayName = name
	s.mu.Unlock()

	err := s.Send(ctx, protocol.UpdateDeviceName{Type: protocol.TypeUpdateDeviceName, Name: name})
	if errors.Is(err, ErrNotConnected) {
		// sent on the next connect
		return nil
	}
	return err
}

// DiscoverPeers asks the relay for a fresh peer list.
func (s *Session) DiscoverPeers(ctx context.Context) error {
	return s.Send(ctx, protocol.DiscoverPeers{Type: protocol.TypeDiscoverPeers})
}

// WaitForPeer blocks until peerID appears in the peer list.
func (s *Session) WaitForPeer(ctx context.Context, peerID string) (models.Peer, error) {
	for {
		s.mu.RLock()
		changed := s.peersChanged
		for _, peer := range s.peers {
			if peer.ID == peerID {
				s.mu.RUnlock()
				return peer, nil
			}
		}
		s.mu.RUnlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return models.Peer{}, fmt.Errorf("wait for peer %s: %w", peerID, ctx.Err())
		}
	}
}

func (s *Session) connectionLoop() {
	defer s.wg.Done()

	for {
		err := s.runOnce(s.ctx)
		if s.ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrIDConflict) {
			s.regenerateID()
			continue
		}

		s.log.Warn("relay connection lost, retrying",
			zap.Duration("delay", s.options.ReconnectDelay),
			zap.Error(err),
		)
		timer := time.NewTimer(s.options.ReconnectDelay)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Session) runOnce(ctx context.Context) error {
	relayURL, err := s.relayURL(ctx)
	if err != nil {
		return err
	}

	deviceID := s.DeviceID()
	conn, err := Dial(ctx, relayURL, DialOptions{
		DeviceID:   deviceID,
		Session:    s.token,
		Name:       s.DisplayName(),
		Connection: s.options.Connection,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.log.Info("connected to relay", zap.String("relay", relayURL), zap.String("device_id", deviceID))
	if s.options.OnConnected != nil {
		s.options.OnConnected(deviceID)
	}

	err = s.readLoop(ctx, conn)

	_ = conn.Close()
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	s.engine.ConnectionLost()
	s.setPeers(nil)
	if s.options.OnDisconnected != nil {
		s.options.OnDisconnected(err)
	}
	return err
}

func (s *Session) readLoop(ctx context.Context, conn *Conn) error {
	if err := conn.SendMessage(ctx, protocol.UpdateDeviceName{
		Type: protocol.TypeUpdateDeviceName,
		Name: s.DisplayName(),
	}); err != nil {
		s.log.Debug("announce name failed", zap.Error(err))
	}
	if err := conn.SendMessage(ctx, protocol.DiscoverPeers{Type: protocol.TypeDiscoverPeers}); err != nil {
		s.log.Debug("discover peers failed", zap.Error(err))
	}

	for {
		payload, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, conn, payload); err != nil {
			return err
		}
	}
}

// dispatch handles one relay message. Only an id conflict ends the connection.
func (s *Session) dispatch(ctx context.Context, conn *Conn, payload []byte) error {
	msgType, err := protocol.DecodeMessageType(payload)
	if err != nil {
		s.log.Warn("dropping malformed message", zap.Error(err))
		return nil
	}

	switch msgType {
	case protocol.TypePeersList:
		msg, err := protocol.Decode[protocol.PeersList](payload)
		if err != nil {
			s.dropMalformed(msgType, err)
			return nil
		}
		s.setPeers(msg.Peers)
	case protocol.TypePeersUpdated:
		if err := conn.SendMessage(ctx, protocol.DiscoverPeers{Type: protocol.TypeDiscoverPeers}); err != nil {
			s.log.Debug("discover peers failed", zap.Error(err))
		}
	case protocol.TypeFileOffer:
		msg, err := protocol.Decode[protocol.FileOffer](payload)
		if err != nil {
			s.dropMalformed(msgType, err)
			return nil
		}
		s.engine.ReceiveOffer(msg.From, msg.FromName, msg.FileInfo)
	case protocol.TypeFileOfferSent:
		msg, err := protocol.Decode[protocol.FileOfferSent](payload)
		if err != nil {
			s.dropMalformed(msgType, err)
			return nil
		}
		s.engine.HandleOfferSent(msg.FileName)
	case protocol.TypeFileAccepted:
		msg, err := protocol.Decode[protocol.FileDecisionResult](payload)
		if err != nil {
			s.dropMalformed(msgType, err)
			return nil
		}
		s.engine.HandleAccepted(msg.FileName, msg.ToName)
	case protocol.TypeFileRejected:
		msg, err := protocol.Decode[protocol.FileDecisionResult](payload)
		if err != nil {
			s.dropMalformed(msgType, err)
			return nil
		}
		s.engine.HandleRejected(msg.FileName, msg.ToName)
	case protocol.TypeFileChunk:
		msg, err := protocol.Decode[protocol.FileChunk](payload)
		if err != nil {
			s.dropMalformed(msgType, err)
			return nil
		}
		s.engine.HandleChunk(msg)
	case protocol.TypeFileCancelled:
		msg, err := protocol.Decode[protocol.FileCancelled](payload)
		if err != nil {
			s.dropMalformed(msgType, err)
			return nil
		}
		s.engine.HandleCancelled(msg.From, msg.FileName)
	case protocol.TypeError:
		msg, err := protocol.Decode[protocol.ErrorMessage](payload)
		if err != nil {
			s.dropMalformed(msgType, err)
			return nil
		}
		if msg.Code == protocol.CodeIDConflict {
			return fmt.Errorf("%w: %s", ErrIDConflict, msg.Message)
		}
		s.engine.HandleRelayError(msg)
	default:
		s.log.Debug("ignoring unknown message type", zap.String("type", msgType))
	}
	return nil
}

func (s *Session) sweepOffers() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.options.OfferSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.engine.ExpireOffers(s.ctx, now)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) relayURL(ctx context.Context) (string, error) {
	if s.options.RelayURL != "" {
		return s.options.RelayURL, nil
	}
	relayURL, err := s.options.ResolveRelay(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve relay: %w", err)
	}
	return relayURL, nil
}

func (s *Session) regenerateID() {
	s.mu.Lock()
	oldID := s.deviceID
	newID := NewDeviceID()
	for newID == oldID {
		newID = NewDeviceID()
	}
	s.deviceID = newID
	if s.displayName == DefaultDisplayName(oldID) {
		s.displayName = DefaultDisplayName(newID)
	}
	s.mu.Unlock()

	s.log.Warn("device id already in use, switching", zap.String("old_id", oldID), zap.String("new_id", newID))
	if s.options.OnIDChanged != nil {
		s.options.OnIDChanged(oldID, newID)
	}
}

func (s *Session) setPeers(peers []models.Peer) {
	s.mu.Lock()
	s.peers = append([]models.Peer(nil), peers...)
	close(s.peersChanged)
	s.peersChanged = make(chan struct{})
	s.mu.Unlock()

	if peers != nil && s.options.OnPeers != nil {
		s.options.OnPeers(peers)
	}
}

func (s *Session) dropMalformed(msgType string, err error) {
	s.log.Warn("dropping malformed message", zap.String("type", msgType), zap.Error(err))
}

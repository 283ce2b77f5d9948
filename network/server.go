package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"nicedrop/models"
	"nicedrop/protocol"
	"nicedrop/storage"
)

const (
	// WebSocketPath prefixes the per-device endpoint /ws/{id}.
	WebSocketPath = "/ws/"

	maxDeviceIDLength = 64
	shutdownTimeout   = 5 * time.Second
)

// History persists relay activity. *storage.Store implements it.
type History interface {
	RecordOffer(fromDeviceID, toDeviceID string, file models.FileInfo) (string, error)
	UpdateTransferStatus(fromDeviceID, toDeviceID, fileName, status string) error
	RecordChunkRelayed(fromDeviceID, toDeviceID, fileName string, last bool) error
	RecordDeviceEvent(event models.DeviceEvent) error
	ListTransfers(filter storage.TransferFilter) ([]models.Transfer, error)
}

// RelayOptions configures a RelayServer.
type RelayOptions struct {
	Logger  *zap.Logger
	History History

	RouteTimeout     time.Duration
	HandshakeTimeout time.Duration
	Connection       ConnectionOptions
}

// RelayServer accepts device websockets and routes messages between them.
type RelayServer struct {
	listener   net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader
	registry   *Registry
	options    RelayOptions
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenRelay starts the relay on address.
func ListenRelay(address string, options RelayOptions) (*RelayServer, error) {
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = 10 * time.Second
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	log := options.Logger.Named("relay")
	ctx, cancel := context.WithCancel(context.Background())
	s := &RelayServer{
		listener: listener,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: options.HandshakeTimeout,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
			// devices connect from arbitrary LAN origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
		registry: NewRegistry(options.Logger, options.RouteTimeout),
		options:  options,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{id}", s.handleWebSocket)
	mux.HandleFunc("GET /api/peers", s.handlePeers)
	mux.HandleFunc("GET /api/transfers", s.handleTransfers)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: options.HandshakeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("relay server stopped", zap.Error(err))
		}
	}()

	log.Info("relay listening", zap.String("addr", listener.Addr().String()))
	return s, nil
}

// Addr returns the listening address.
func (s *RelayServer) Addr() net.Addr {
	return s.listener.Addr()
}

// URL returns the base URL devices dial.
func (s *RelayServer) URL() string {
	return "ws://" + s.listener.Addr().String()
}

// Registry exposes the peer registry.
func (s *RelayServer) Registry() *Registry {
	return s.registry
}

// Close stops accepting and disconnects every device.
func (s *RelayServer) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		closeErr = s.httpServer.Shutdown(ctx)
		s.cancel()
		s.registry.CloseAll()
		s.wg.Wait()
	})
	return closeErr
}

func (s *RelayServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" || len(id) > maxDeviceIDLength {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return
	}
	query := r.URL.Query()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("device_id", id), zap.Error(err))
		return
	}
	conn := newConn(ws, s.options.Connection)

	s.wg.Add(1)
	defer s.wg.Done()

	remoteIP := remoteHost(r.RemoteAddr)
	err = s.registry.Register(s.ctx, Device{
		ID:         id,
		Name:       query.Get("name"),
		Session:    query.Get("session"),
		Conn:       conn,
		RemoteAddr: r.RemoteAddr,
	})
	if err != nil {
		s.log.Warn("registration refused", zap.String("device_id", id), zap.Error(err))
		code := protocol.CodeInvalidMessage
		if errors.Is(err, ErrIDConflict) {
			code = protocol.CodeIDConflict
		}
		s.reply(conn, protocol.NewError(code, err.Error(), ""))
		s.recordEvent(id, storage.DeviceEventRejected, err.Error(), remoteIP)
		_ = conn.Close()
		<-conn.Done()
		return
	}
	s.recordEvent(id, storage.DeviceEventConnected, s.registry.DisplayName(id), remoteIP)

	s.connectionLoop(id, conn)

	_ = conn.Close()
	if s.registry.Disconnect(s.ctx, id, conn) {
		s.recordEvent(id, storage.DeviceEventDisconnected, "", remoteIP)
	}
}

func (s *RelayServer) connectionLoop(id string, conn *Conn) {
	for {
		payload, err := conn.Receive(s.ctx)
		if err != nil {
			if !errors.Is(err, ErrConnectionClosed) && !errors.Is(err, context.Canceled) {
				s.log.Debug("device connection ended", zap.String("device_id", id), zap.Error(err))
			}
			return
		}

		msgType, err := protocol.DecodeMessageType(payload)
		if err != nil {
			s.log.Warn("dropping malformed message", zap.String("device_id", id), zap.Error(err))
			continue
		}

		switch msgType {
		case protocol.TypeUpdateDeviceName:
			msg, err := protocol.Decode[protocol.UpdateDeviceName](payload)
			if err != nil {
				s.dropMalformed(id, msgType, err)
				continue
			}
			s.handleUpdateDeviceName(id, msg)
		case protocol.TypeDiscoverPeers:
			s.reply(conn, protocol.PeersList{
				Type:  protocol.TypePeersList,
				Peers: s.registry.ListPeers(id),
			})
		case protocol.TypeFileOffer:
			msg, err := protocol.Decode[protocol.FileOffer](payload)
			if err != nil {
				s.dropMalformed(id, msgType, err)
				continue
			}
			s.handleFileOffer(id, conn, msg)
		case protocol.TypeFileAccept, protocol.TypeFileReject:
			msg, err := protocol.Decode[protocol.FileDecision](payload)
			if err != nil {
				s.dropMalformed(id, msgType, err)
				continue
			}
			s.handleFileDecision(id, conn, msg)
		case protocol.TypeFileChunk:
			msg, err := protocol.Decode[protocol.FileChunk](payload)
			if err != nil {
				s.dropMalformed(id, msgType, err)
				continue
			}
			s.handleFileChunk(id, conn, msg)
		case protocol.TypeFileCancel:
			msg, err := protocol.Decode[protocol.FileCancel](payload)
			if err != nil {
				s.dropMalformed(id, msgType, err)
				continue
			}
			s.handleFileCancel(id, msg)
		default:
			s.log.Debug("ignoring unknown message type", zap.String("device_id", id), zap.String("type", msgType))
		}
	}
}

func (s *RelayServer) handleUpdateDeviceName(id string, msg protocol.UpdateDeviceName) {
	if msg.Name == "" {
		return
	}
	if err := s.registry.UpdateDisplayName(s.ctx, id, msg.Name); err != nil {
		s.log.Warn("rename failed", zap.String("device_id", id), zap.Error(err))
		return
	}
	s.recordEvent(id, storage.DeviceEventRenamed, msg.Name, "")
}

func (s *RelayServer) handleFileOffer(id string, conn *Conn, msg protocol.FileOffer) {
	if msg.Target == "" || msg.FileInfo.Name == "" {
		s.dropMalformed(id, msg.Type, errors.New("offer without target or file name"))
		return
	}

	err := s.registry.RouteTo(s.ctx, msg.Target, protocol.FileOffer{
		Type:     protocol.TypeFileOffer,
		From:     id,
		FromName: s.registry.DisplayName(id),
		FileInfo: msg.FileInfo,
	})
	if err != nil {
		s.replyRouteError(conn, msg.Target, msg.FileInfo.Name, err)
		return
	}

	s.reply(conn, protocol.FileOfferSent{Type: protocol.TypeFileOfferSent, FileName: msg.FileInfo.Name})
	if s.options.History != nil {
		if _, err := s.options.History.RecordOffer(id, msg.Target, msg.FileInfo); err != nil {
			s.log.Warn("record offer failed", zap.Error(err))
		}
	}
}

func (s *RelayServer) handleFileDecision(id string, conn *Conn, msg protocol.FileDecision) {
	if msg.From == "" {
		s.dropMalformed(id, msg.Type, errors.New("decision without original sender"))
		return
	}

	resultType, status := protocol.TypeFileAccepted, storage.TransferStatusAccepted
	if msg.Type == protocol.TypeFileReject {
		resultType, status = protocol.TypeFileRejected, storage.TransferStatusRejected
	}

	err := s.registry.RouteTo(s.ctx, msg.From, protocol.FileDecisionResult{
		Type:     resultType,
		FileName: msg.FileName,
		ToName:   s.registry.DisplayName(id),
	})
	if err != nil {
		s.replyRouteError(conn, msg.From, msg.FileName, err)
		return
	}
	s.updateStatus(msg.From, id, msg.FileName, status)
}

func (s *RelayServer) handleFileChunk(id string, conn *Conn, msg protocol.FileChunk) {
	if msg.Target == "" {
		s.dropMalformed(id, msg.Type, errors.New("chunk without target"))
		return
	}

	err := s.registry.RouteTo(s.ctx, msg.Target, protocol.FileChunk{
		Type:        protocol.TypeFileChunk,
		From:        id,
		FromName:    s.registry.DisplayName(id),
		ChunkData:   msg.ChunkData,
		FileName:    msg.FileName,
		ChunkIndex:  msg.ChunkIndex,
		TotalChunks: msg.TotalChunks,
	})
	if err != nil {
		s.replyRouteError(conn, msg.Target, msg.FileName, err)
		s.updateStatus(id, msg.Target, msg.FileName, storage.TransferStatusFailed)
		return
	}

	if s.options.History != nil {
		last := msg.ChunkIndex == msg.TotalChunks-1
		if err := s.options.History.RecordChunkRelayed(id, msg.Target, msg.FileName, last); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("record chunk failed", zap.Error(err))
		}
	}
}

func (s *RelayServer) handleFileCancel(id string, msg protocol.FileCancel) {
	err := s.registry.RouteTo(s.ctx, msg.Target, protocol.FileCancelled{
		Type:     protocol.TypeFileCancelled,
		From:     id,
		FromName: s.registry.DisplayName(id),
		FileName: msg.FileName,
	})
	if err != nil {
		s.log.Debug("cancel not delivered", zap.String("target", msg.Target), zap.Error(err))
	}
	s.updateStatus(id, msg.Target, msg.FileName, storage.TransferStatusCancelled)
}

func (s *RelayServer) replyRouteError(conn *Conn, targetID, fileName string, err error) {
	s.log.Info("route failed", zap.String("target", targetID), zap.String("file", fileName), zap.Error(err))
	s.reply(conn, protocol.NewError(protocol.CodePeerNotFound, fmt.Sprintf("device %s is not connected", targetID), fileName))
}

func (s *RelayServer) reply(conn *Conn, message any) {
	ctx, cancel := context.WithTimeout(s.ctx, s.registry.routeTimeout)
	defer cancel()
	if err := conn.SendMessage(ctx, message); err != nil {
		s.log.Debug("reply not delivered", zap.Error(err))
	}
}

func (s *RelayServer) dropMalformed(id, msgType string, err error) {
	s.log.Warn("dropping malformed message", zap.String("device_id", id), zap.String("type", msgType), zap.Error(err))
}

func (s *RelayServer) updateStatus(from, to, fileName, status string) {
	if s.options.History == nil {
		return
	}
	if err := s.options.History.UpdateTransferStatus(from, to, fileName, status); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("update transfer status failed", zap.String("status", status), zap.Error(err))
	}
}

func (s *RelayServer) recordEvent(id, eventType, details, remoteIP string) {
	if s.options.History == nil {
		return
	}
	if err := s.options.History.RecordDeviceEvent(models.DeviceEvent{
		DeviceID:  id,
		EventType: eventType,
		Details:   details,
		RemoteIP:  remoteIP,
	}); err != nil {
		s.log.Warn("record device event failed", zap.String("event", eventType), zap.Error(err))
	}
}

func (s *RelayServer) handlePeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListPeers(""))
}

func (s *RelayServer) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if s.options.History == nil {
		http.Error(w, "history disabled", http.StatusServiceUnavailable)
		return
	}

	filter := storage.TransferFilter{
		DeviceID: r.URL.Query().Get("device"),
		Status:   r.URL.Query().Get("status"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	transfers, err := s.options.History.ListTransfers(filter)
	if err != nil {
		s.log.Warn("list transfers failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, transfers)
}

func (s *RelayServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"devices": s.registry.Count(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHandshakeTimeout bounds the websocket upgrade.
const DefaultHandshakeTimeout = 10 * time.Second

// DialOptions configures a device connection to the relay.
type DialOptions struct {
	DeviceID string
	// Session distinguishes this process from another device claiming the same id.
	Session string
	Name    string

	HandshakeTimeout time.Duration
	Connection       ConnectionOptions
}

// Dial connects to the relay at relayURL as options.DeviceID.
func Dial(ctx context.Context, relayURL string, options DialOptions) (*Conn, error) {
	if options.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = DefaultHandshakeTimeout
	}

	target, err := DeviceURL(relayURL, options.DeviceID, options.Session, options.Name)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: options.HandshakeTimeout,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %q: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %q: %w", target, err)
	}

	return newConn(ws, options.Connection), nil
}

// DeviceURL builds the websocket URL for one device. http and https schemes
// map to ws and wss; a bare host:port is treated as ws.
func DeviceURL(relayURL, deviceID, session, name string) (string, error) {
	raw := strings.TrimSpace(relayURL)
	if raw == "" {
		return "", errors.New("relay url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse relay url %q: %w", relayURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q has no host", relayURL)
	}

	u.Path = WebSocketPath + url.PathEscape(deviceID)
	u.RawPath = ""
	query := url.Values{}
	if session != "" {
		query.Set("session", session)
	}
	if name != "" {
		query.Set("name", name)
	}
	u.RawQuery = query.Encode()
	u.Fragment = ""
	return u.String(), nil
}

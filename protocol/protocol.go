package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"nicedrop/models"
)

const (
	TypeUpdateDeviceName = "update_device_name"
	TypeDiscoverPeers    = "discover_peers"
	TypePeersList        = "peers_list"
	TypePeersUpdated     = "peers_updated"
	TypeFileOffer        = "file_offer"
	TypeFileOfferSent    = "file_offer_sent"
	TypeFileAccept       = "file_accept"
	TypeFileReject       = "file_reject"
	TypeFileAccepted     = "file_accepted"
	TypeFileRejected     = "file_rejected"
	TypeFileChunk        = "file_chunk"
	TypeFileCancel       = "file_cancel"
	TypeFileCancelled    = "file_cancelled"
	TypeError            = "error"
)

// Error codes carried by ErrorMessage.
const (
	CodePeerNotFound   = "peer_not_found"
	CodeIDConflict     = "id_conflict"
	CodeInvalidMessage = "invalid_message"
)

var (
	// ErrInvalidMessageType indicates the message type is missing.
	ErrInvalidMessageType = errors.New("protocol: invalid message type")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// UpdateDeviceName sets the sender's display name on the relay.
type UpdateDeviceName struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// DiscoverPeers asks the relay for the current peer list.
type DiscoverPeers struct {
	Type string `json:"type"`
}

// PeersList answers discover_peers. The requester is never included.
type PeersList struct {
	Type  string        `json:"type"`
	Peers []models.Peer `json:"peers"`
}

// PeersUpdated tells a device that the registry changed.
type PeersUpdated struct {
	Type string `json:"type"`
}

// FileOffer proposes a transfer. Clients set Target; the relay replaces it
// with From and FromName before forwarding.
type FileOffer struct {
	Type     string          `json:"type"`
	Target   string          `json:"target,omitempty"`
	From     string          `json:"from,omitempty"`
	FromName string          `json:"from_name,omitempty"`
	FileInfo models.FileInfo `json:"file_info"`
}

// FileOfferSent confirms to the sender that an offer was delivered.
type FileOfferSent struct {
	Type     string `json:"type"`
	FileName string `json:"file_name"`
}

// FileDecision is a receiver's file_accept or file_reject. From names the
// original sender of the offer.
type FileDecision struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	FileName string `json:"file_name"`
}

// FileDecisionResult is the relayed file_accepted or file_rejected.
type FileDecisionResult struct {
	Type     string `json:"type"`
	FileName string `json:"file_name"`
	ToName   string `json:"to_name"`
}

// FileChunk carries one base64 encoded slice of a file.
type FileChunk struct {
	Type        string `json:"type"`
	Target      string `json:"target,omitempty"`
	From        string `json:"from,omitempty"`
	FromName    string `json:"from_name,omitempty"`
	ChunkData   string `json:"chunk_data"`
	FileName    string `json:"file_name"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
}

// FileCancel withdraws a pending offer.
type FileCancel struct {
	Type     string `json:"type"`
	Target   string `json:"target"`
	FileName string `json:"file_name"`
}

// FileCancelled is the relayed form of FileCancel.
type FileCancelled struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	FromName string `json:"from_name"`
	FileName string `json:"file_name"`
}

// ErrorMessage reports relay-side failures to a client.
type ErrorMessage struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	FileName string `json:"file_name,omitempty"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// Decode unmarshals payload into a message of type T.
func Decode[T any](payload []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decode %T: %w", msg, err)
	}
	return msg, nil
}

// NewError builds an error message.
func NewError(code, message, fileName string) ErrorMessage {
	return ErrorMessage{
		Type:     TypeError,
		Code:     code,
		Message:  message,
		FileName: fileName,
	}
}

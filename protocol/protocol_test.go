package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"nicedrop/models"
)

func TestDecodeMessageType(t *testing.T) {
	msgType, err := DecodeMessageType([]byte(`{"type":"file_offer","target":"100002"}`))
	if err != nil {
		t.Fatalf("DecodeMessageType failed: %v", err)
	}
	if msgType != TypeFileOffer {
		t.Fatalf("unexpected type: got %q want %q", msgType, TypeFileOffer)
	}
}

func TestDecodeMessageTypeRejectsMissingType(t *testing.T) {
	if _, err := DecodeMessageType([]byte(`{"name":"x"}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}
	if _, err := DecodeMessageType([]byte(`not json`)); err == nil {
		t.Fatalf("expected malformed payload to fail")
	}
}

func TestFileOfferWireFormat(t *testing.T) {
	payload, err := EncodeJSON(FileOffer{
		Type:     TypeFileOffer,
		Target:   "100002",
		FileInfo: models.FileInfo{Name: "report.pdf", Size: 200000, Type: "application/pdf"},
	})
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}

	text := string(payload)
	if strings.Contains(text, `"from"`) || strings.Contains(text, `"from_name"`) {
		t.Fatalf("client offer should omit relay-filled fields: %s", text)
	}

	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	info, ok := raw["file_info"].(map[string]any)
	if !ok {
		t.Fatalf("missing file_info: %s", text)
	}
	if info["name"] != "report.pdf" || info["type"] != "application/pdf" || info["size"] != float64(200000) {
		t.Fatalf("unexpected file_info: %v", info)
	}
}

func TestDecodeGeneric(t *testing.T) {
	chunk, err := Decode[FileChunk]([]byte(`{"type":"file_chunk","from":"100001","from_name":"A","chunk_data":"AAE=","file_name":"f","chunk_index":2,"total_chunks":4}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if chunk.From != "100001" || chunk.ChunkIndex != 2 || chunk.TotalChunks != 4 || chunk.ChunkData != "AAE=" {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}

	if _, err := Decode[FileChunk]([]byte(`{"chunk_index":"two"}`)); err == nil {
		t.Fatalf("expected type mismatch to fail")
	}
}

package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrReleased indicates an artifact whose bytes were already released.
var ErrReleased = errors.New("transfer: artifact released")

// Artifact is a completely assembled incoming file. Its memory is held until
// Release is called.
type Artifact struct {
	FileName   string
	FromID     string
	FromName   string
	MimeType   string
	ReceivedAt time.Time

	mu       sync.RWMutex
	data     []byte
	size     int64
	released bool
}

func newArtifact(fileName, fromID, fromName string, data []byte, receivedAt time.Time) *Artifact {
	return &Artifact{
		FileName:   fileName,
		FromID:     fromID,
		FromName:   fromName,
		MimeType:   mimeTypeFor(fileName),
		ReceivedAt: receivedAt,
		data:       data,
		size:       int64(len(data)),
	}
}

// Size returns the assembled size in bytes.
func (a *Artifact) Size() int64 {
	return a.size
}

// Bytes returns the assembled contents. The slice must not be modified.
func (a *Artifact) Bytes() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.released {
		return nil, ErrReleased
	}
	return a.data, nil
}

// WriteTo implements io.WriterTo.
func (a *Artifact) WriteTo(w io.Writer) (int64, error) {
	data, err := a.Bytes()
	if err != nil {
		return 0, err
	}
	return bytes.NewReader(data).WriteTo(w)
}

// SaveTo writes the artifact into dir and returns the final path. An
// existing file with the same name is never overwritten.
func (a *Artifact) SaveTo(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	path := filepath.Join(dir, safeFilename(a.FileName))
	if _, err := os.Stat(path); err == nil {
		path = collisionPath(path, a.ReceivedAt)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create %q: %w", path, err)
	}
	if _, err := a.WriteTo(file); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write %q: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close %q: %w", path, err)
	}
	return path, nil
}

// Release drops the assembled bytes.
func (a *Artifact) Release() {
	a.mu.Lock()
	a.data = nil
	a.released = true
	a.mu.Unlock()
}

func safeFilename(name string) string {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, `\`, "/")))
	if base == "" || base == "/" || base == "." {
		return "file.bin"
	}
	return base
}

func collisionPath(path string, at time.Time) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext) + "_" + strconv.FormatInt(at.Unix(), 10)
	candidate := stem + ext
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
		candidate = stem + "_" + strconv.Itoa(i) + ext
	}
}

package transfer

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
)

const defaultMimeType = "application/octet-stream"

// Source is a file offered to a peer.
type Source interface {
	io.ReaderAt
	Name() string
	Size() int64
	Type() string
}

// FileSource is a Source backed by a file on disk.
type FileSource struct {
	file     *os.File
	name     string
	size     int64
	mimeType string
}

// OpenFile opens path for sending. The caller hands ownership to the engine
// once it is passed to MakeOffer.
func OpenFile(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("source %q is a directory", path)
	}

	return &FileSource{
		file:     file,
		name:     filepath.Base(path),
		size:     info.Size(),
		mimeType: mimeTypeFor(path),
	}, nil
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) { return s.file.ReadAt(p, off) }
func (s *FileSource) Name() string                             { return s.name }
func (s *FileSource) Size() int64                              { return s.size }
func (s *FileSource) Type() string                             { return s.mimeType }

// Close closes the underlying file.
func (s *FileSource) Close() error {
	return s.file.Close()
}

// BytesSource is an in-memory Source.
type BytesSource struct {
	*bytes.Reader
	name     string
	mimeType string
}

// NewBytesSource wraps data. An empty mimeType is derived from the name.
func NewBytesSource(name, mimeType string, data []byte) *BytesSource {
	if mimeType == "" {
		mimeType = mimeTypeFor(name)
	}
	return &BytesSource{Reader: bytes.NewReader(data), name: name, mimeType: mimeType}
}

func (s *BytesSource) Name() string { return s.name }
func (s *BytesSource) Type() string { return s.mimeType }

func mimeTypeFor(name string) string {
	if mimeType := mime.TypeByExtension(filepath.Ext(name)); mimeType != "" {
		return mimeType
	}
	return defaultMimeType
}

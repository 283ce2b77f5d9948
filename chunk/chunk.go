// Package chunk splits files into fixed-size base64 encoded chunks and
// reassembles them on the receiving side.
package chunk

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Size is the default chunk size in bytes.
const Size = 64 * 1024

var (
	// ErrIndexOutOfRange indicates a chunk index outside [0, totalChunks).
	ErrIndexOutOfRange = errors.New("chunk: index out of range")
	// ErrInvalidSize indicates a non-positive chunk size.
	ErrInvalidSize = errors.New("chunk: invalid chunk size")
)

// Count returns ceil(size/chunkSize). Empty files have zero chunks.
func Count(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}

// Read returns chunk index of a source of the given size. The slice holds
// min(chunkSize, size-index*chunkSize) bytes.
func Read(r io.ReaderAt, size int64, index, chunkSize int) ([]byte, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidSize
	}
	total := Count(size, chunkSize)
	if index < 0 || index >= total {
		return nil, fmt.Errorf("read chunk %d of %d: %w", index, total, ErrIndexOutOfRange)
	}

	offset := int64(index) * int64(chunkSize)
	length := int64(chunkSize)
	if remaining := size - offset; remaining < length {
		length = remaining
	}

	buffer := make([]byte, length)
	n, err := r.ReadAt(buffer, offset)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == length) {
		return nil, fmt.Errorf("read chunk at offset %d: %w", offset, err)
	}
	return buffer, nil
}

// Split reads every chunk of the source in index order and calls fn for each.
func Split(r io.ReaderAt, size int64, chunkSize int, fn func(index, total int, data []byte) error) error {
	total := Count(size, chunkSize)
	for index := 0; index < total; index++ {
		data, err := Read(r, size, index, chunkSize)
		if err != nil {
			return err
		}
		if err := fn(index, total, data); err != nil {
			return err
		}
	}
	return nil
}

// Encode returns the standard base64 form of data.
func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// EncodeDataURL returns data as "data:<mime>;base64,<payload>", the form
// browser FileReader clients send and split on ','.
func EncodeDataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + Encode(data)
}

// Decode accepts plain base64 or a data URL ("data:<mime>;base64,<payload>").
func Decode(text string) ([]byte, error) {
	if strings.HasPrefix(text, "data:") {
		comma := strings.IndexByte(text, ',')
		if comma < 0 {
			return nil, errors.New("chunk: malformed data url")
		}
		text = text[comma+1:]
	}
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("decode chunk payload: %w", err)
	}
	return data, nil
}

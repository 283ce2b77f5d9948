package chunk

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrIncomplete indicates an assembly was declared complete while some
// slots were still empty.
var ErrIncomplete = errors.New("chunk: assembly has empty slots")

// CountMode selects how an Assembly counts received chunks.
type CountMode int

const (
	// CountMessages counts every chunk message, duplicates included. A
	// duplicate index can therefore declare completion before all distinct
	// indices have arrived.
	CountMessages CountMode = iota
	// CountDistinct counts only the first write to each index.
	CountDistinct
)

// String implements fmt.Stringer.
func (m CountMode) String() string {
	switch m {
	case CountDistinct:
		return "distinct"
	default:
		return "messages"
	}
}

// ParseCountMode parses "messages" or "distinct".
func ParseCountMode(value string) (CountMode, error) {
	switch value {
	case "", "messages":
		return CountMessages, nil
	case "distinct":
		return CountDistinct, nil
	default:
		return CountMessages, fmt.Errorf("unknown count mode %q", value)
	}
}

// Assembly collects the chunks of one incoming file.
type Assembly struct {
	mu sync.Mutex

	fileName    string
	fromName    string
	totalChunks int
	mode        CountMode

	slots    [][]byte
	filled   []bool
	received int
}

// NewAssembly allocates totalChunks empty slots.
func NewAssembly(fileName, fromName string, totalChunks int, mode CountMode) *Assembly {
	if totalChunks < 0 {
		totalChunks = 0
	}
	return &Assembly{
		fileName:    fileName,
		fromName:    fromName,
		totalChunks: totalChunks,
		mode:        mode,
		slots:       make([][]byte, totalChunks),
		filled:      make([]bool, totalChunks),
	}
}

func (a *Assembly) FileName() string { return a.fileName }
func (a *Assembly) FromName() string { return a.fromName }
func (a *Assembly) TotalChunks() int { return a.totalChunks }

// Put writes data at index. Rewriting an index replaces the earlier data.
// It reports whether the assembly reached its completion count.
func (a *Assembly) Put(index int, data []byte) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if index < 0 || index >= a.totalChunks {
		return false, fmt.Errorf("put chunk %d of %d: %w", index, a.totalChunks, ErrIndexOutOfRange)
	}

	first := !a.filled[index]
	a.slots[index] = append([]byte(nil), data...)
	a.filled[index] = true
	if first || a.mode == CountMessages {
		a.received++
	}
	return a.received >= a.totalChunks, nil
}

// Received returns the current completion count.
func (a *Assembly) Received() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.received
}

// Progress returns round(received/total*100).
func (a *Assembly) Progress() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return percent(a.received, a.totalChunks)
}

// Missing lists indices that have never been written.
func (a *Assembly) Missing() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var missing []int
	for index, ok := range a.filled {
		if !ok {
			missing = append(missing, index)
		}
	}
	return missing
}

// Bytes joins all slots in index order.
func (a *Assembly) Bytes() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := 0
	for index, ok := range a.filled {
		if !ok {
			return nil, fmt.Errorf("assemble %q: slot %d: %w", a.fileName, index, ErrIncomplete)
		}
		size += len(a.slots[index])
	}

	out := make([]byte, 0, size)
	for _, slot := range a.slots {
		out = append(out, slot...)
	}
	return out, nil
}

func percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}

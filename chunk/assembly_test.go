package chunk

import (
	"bytes"
	"errors"
	"testing"
)

func TestAssemblyOutOfOrder(t *testing.T) {
	parts := [][]byte{[]byte("aa"), []byte("bb"), []byte("cc")}
	assembly := NewAssembly("f.txt", "A", 3, CountMessages)

	for _, index := range []int{2, 0, 1} {
		complete, err := assembly.Put(index, parts[index])
		if err != nil {
			t.Fatalf("Put(%d) failed: %v", index, err)
		}
		if complete != (index == 1) {
			t.Fatalf("Put(%d): unexpected completion %v", index, complete)
		}
	}

	got, err := assembly.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if !bytes.Equal(got, []byte("aabbcc")) {
		t.Fatalf("unexpected bytes %q", got)
	}
}

func TestAssemblyProgressRounds(t *testing.T) {
	assembly := NewAssembly("f", "A", 3, CountMessages)
	if _, err := assembly.Put(0, []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if got := assembly.Progress(); got != 33 {
		t.Fatalf("progress: got %d want 33", got)
	}
	if _, err := assembly.Put(1, []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if got := assembly.Progress(); got != 67 {
		t.Fatalf("progress: got %d want 67", got)
	}
}

func TestAssemblyCountMessagesDuplicateCompletesEarly(t *testing.T) {
	assembly := NewAssembly("f", "A", 3, CountMessages)

	for _, index := range []int{0, 0} {
		if _, err := assembly.Put(index, []byte("x")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	complete, err := assembly.Put(1, []byte("y"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !complete {
		t.Fatalf("expected duplicate message to count toward completion")
	}

	if _, err := assembly.Bytes(); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if missing := assembly.Missing(); len(missing) != 1 || missing[0] != 2 {
		t.Fatalf("unexpected missing slots %v", missing)
	}
}

func TestAssemblyCountDistinctIgnoresDuplicates(t *testing.T) {
	assembly := NewAssembly("f", "A", 3, CountDistinct)

	for _, index := range []int{0, 0, 1} {
		complete, err := assembly.Put(index, []byte{byte('a' + index)})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if complete {
			t.Fatalf("completed after duplicate of index %d", index)
		}
	}
	if got := assembly.Received(); got != 2 {
		t.Fatalf("received: got %d want 2", got)
	}

	complete, err := assembly.Put(2, []byte("c"))
	if err != nil || !complete {
		t.Fatalf("expected completion, complete=%v err=%v", complete, err)
	}
	got, err := assembly.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("unexpected bytes %q", got)
	}
}

func TestAssemblyLastWriteWins(t *testing.T) {
	assembly := NewAssembly("f", "A", 1, CountDistinct)
	_, _ = assembly.Put(0, []byte("old"))
	_, _ = assembly.Put(0, []byte("new"))
	got, err := assembly.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if string(got) != "new" {
		t.Fatalf("got %q want new", got)
	}
}

func TestAssemblyRejectsOutOfRange(t *testing.T) {
	assembly := NewAssembly("f", "A", 2, CountMessages)
	if _, err := assembly.Put(2, nil); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
	if got := assembly.Received(); got != 0 {
		t.Fatalf("out of range write counted: %d", got)
	}
}

func TestParseCountMode(t *testing.T) {
	for value, want := range map[string]CountMode{"": CountMessages, "messages": CountMessages, "distinct": CountDistinct} {
		got, err := ParseCountMode(value)
		if err != nil || got != want {
			t.Fatalf("ParseCountMode(%q) = %v, %v", value, got, err)
		}
	}
	if _, err := ParseCountMode("bogus"); err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
}

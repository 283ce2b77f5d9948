package chunk

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"
)

func fixture(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	return data
}

func TestCountAndChunkLengths(t *testing.T) {
	sizes := []int64{0, 1, Size - 1, Size, Size + 1, 200000, 10_000_000}
	for _, size := range sizes {
		total := Count(size, Size)
		want := int((size + Size - 1) / Size)
		if total != want {
			t.Fatalf("Count(%d): got %d want %d", size, total, want)
		}

		data := fixture(int(size))
		var sum int64
		err := Split(bytes.NewReader(data), size, Size, func(index, n int, chunk []byte) error {
			if n != total {
				t.Fatalf("size %d: total mismatch %d != %d", size, n, total)
			}
			if index < total-1 && len(chunk) != Size {
				t.Fatalf("size %d: chunk %d has %d bytes", size, index, len(chunk))
			}
			sum += int64(len(chunk))
			return nil
		})
		if err != nil {
			t.Fatalf("Split(%d) failed: %v", size, err)
		}
		if sum != size {
			t.Fatalf("size %d: chunk lengths sum to %d", size, sum)
		}
	}
}

func TestReportPDFIsFourChunks(t *testing.T) {
	if got := Count(200000, Size); got != 4 {
		t.Fatalf("expected 4 chunks, got %d", got)
	}
	last, err := Read(bytes.NewReader(fixture(200000)), 200000, 3, Size)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(last) != 200000-3*Size {
		t.Fatalf("unexpected last chunk length %d", len(last))
	}
}

func TestReadRejectsOutOfRangeIndex(t *testing.T) {
	data := fixture(10)
	if _, err := Read(bytes.NewReader(data), 10, 1, Size); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
	if _, err := Read(bytes.NewReader(data), 10, -1, Size); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
	if _, err := Read(bytes.NewReader(data), 10, 0, 0); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, Size - 1, Size, Size + 1, 10_000_000} {
		data := fixture(size)
		total := Count(int64(size), Size)
		assembly := NewAssembly("blob.bin", "Device 100001", total, CountMessages)

		complete := total == 0
		err := Split(bytes.NewReader(data), int64(size), Size, func(index, _ int, chunk []byte) error {
			decoded, err := Decode(Encode(chunk))
			if err != nil {
				return err
			}
			complete, err = assembly.Put(index, decoded)
			return err
		})
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		if !complete {
			t.Fatalf("size %d: assembly not complete", size)
		}

		got, err := assembly.Bytes()
		if err != nil {
			t.Fatalf("size %d: Bytes failed: %v", size, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("size %d: assembled bytes differ", size)
		}
	}
}

func TestDecodeAcceptsDataURL(t *testing.T) {
	want := []byte("hello chunk")
	got, err := Decode("data:application/octet-stream;base64," + Encode(want))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}

	if _, err := Decode("data:application/octet-stream;base64"); err == nil {
		t.Fatalf("expected data url without payload to fail")
	}
	if _, err := Decode("%%%"); err == nil {
		t.Fatalf("expected invalid base64 to fail")
	}
}

func TestEncodeDataURL(t *testing.T) {
	want := []byte("%PDF-1.7")
	text := EncodeDataURL("application/pdf", want)
	if !strings.HasPrefix(text, "data:application/pdf;base64,") {
		t.Fatalf("unexpected data url %q", text)
	}
	// browser clients take everything after the first comma
	if payload := strings.SplitN(text, ",", 2)[1]; payload != Encode(want) {
		t.Fatalf("unexpected payload %q", payload)
	}
	got, err := Decode(text)
	if err != nil || !bytes.Equal(got, want) {
		t.Fatalf("Decode(%q) = %q, %v", text, got, err)
	}

	if text := EncodeDataURL("", nil); text != "data:application/octet-stream;base64," {
		t.Fatalf("unexpected empty data url %q", text)
	}
}

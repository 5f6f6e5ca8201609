package framing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/loqalabs/loqa-dialog/internal/protocol"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestRoundTrip(t *testing.T) {
	const chunk = 16
	for _, n := range []int{0, 1, chunk - 1, chunk, chunk + 1, 3 * chunk, 3*chunk + 7} {
		in := payload(n)
		out, err := Unframe(Frame(in, chunk))
		if err != nil {
			t.Fatalf("size %d: unframe: %v", n, err)
		}
		if !bytes.Equal(in, out) {
			t.Fatalf("size %d: round trip mismatch", n)
		}
	}
}

func TestFrameShape(t *testing.T) {
	units := Frame(payload(40), 16)
	if len(units) != 5 {
		t.Fatalf("expected begin + 3 chunks + end, got %d units", len(units))
	}
	if !units[0].IsText(protocol.AudioChunksBegin) || !units[4].IsText(protocol.AudioChunksEnd) {
		t.Fatalf("missing markers")
	}
	for _, u := range units[1:4] {
		if u.Kind != Binary || len(u.Data) > 16 {
			t.Fatalf("bad chunk: kind=%d len=%d", u.Kind, len(u.Data))
		}
	}

	single := Frame(payload(16), 16)
	if len(single) != 1 || single[0].Kind != Binary {
		t.Fatalf("payload at threshold must be one binary unit")
	}
}

func TestDefaultChunkSize(t *testing.T) {
	units := Frame(payload(DefaultChunkSize+1), 0)
	if len(units) != 4 {
		t.Fatalf("expected 4 units with default chunk size, got %d", len(units))
	}
}

func TestReassemblerStatusAndFraming(t *testing.T) {
	var r Reassembler
	msg, ok := r.Push(TextUnit("BUSY"))
	if !ok || msg.IsAudio() || msg.Status != "BUSY" {
		t.Fatalf("expected status message, got %+v %v", msg, ok)
	}

	units := []Unit{
		TextUnit(protocol.AudioChunksBegin),
		BinaryUnit([]byte("ab")),
		TextUnit("stray"),
		BinaryUnit([]byte("cd")),
		TextUnit(protocol.AudioChunksEnd),
	}
	var got []Message
	for _, u := range units {
		if m, ok := r.Push(u); ok {
			got = append(got, m)
		}
	}
	if len(got) != 1 || string(got[0].Audio) != "abcd" {
		t.Fatalf("expected reassembled abcd, got %+v", got)
	}
	if r.Pending() {
		t.Fatal("reassembler should be idle after end marker")
	}
}

func TestBeginMarkerRestartsSequence(t *testing.T) {
	var r Reassembler
	r.Push(TextUnit(protocol.AudioChunksBegin))
	r.Push(BinaryUnit([]byte("lost")))
	r.Push(TextUnit(protocol.AudioChunksBegin))
	r.Push(BinaryUnit([]byte("kept")))
	msg, ok := r.Push(TextUnit(protocol.AudioChunksEnd))
	if !ok || string(msg.Audio) != "kept" {
		t.Fatalf("expected only bytes after last begin marker, got %q", msg.Audio)
	}
}

func TestUnframeIncomplete(t *testing.T) {
	units := Frame(payload(40), 16)
	if _, err := Unframe(units[:3]); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

type recordingWriter struct {
	units []Unit
	fail  int
}

func (w *recordingWriter) WriteUnit(_ context.Context, u Unit) error {
	if w.fail > 0 && len(w.units) == w.fail {
		return errors.New("closed")
	}
	w.units = append(w.units, u)
	return nil
}

func TestWrite(t *testing.T) {
	w := &recordingWriter{}
	in := payload(100)
	if err := Write(context.Background(), w, in, 30); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := Unframe(w.units)
	if err != nil || !bytes.Equal(in, out) {
		t.Fatalf("written units do not round trip: %v", err)
	}

	failing := &recordingWriter{fail: 2}
	if err := Write(context.Background(), failing, in, 30); err == nil {
		t.Fatal("expected write error")
	}
}

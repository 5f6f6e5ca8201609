// Package framing splits large binary payloads into bounded websocket units and
// reassembles them on the receiving side.
package framing

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-dialog/internal/protocol"
)

// DefaultChunkSize is the largest binary unit sent without framing.
const DefaultChunkSize = 1 << 20

type Kind int

const (
	Text Kind = iota
	Binary
)

// Unit is one message on a message-oriented connection.
type Unit struct {
	Kind Kind
	Data []byte
}

func TextUnit(s string) Unit { return Unit{Kind: Text, Data: []byte(s)} }

func BinaryUnit(b []byte) Unit { return Unit{Kind: Binary, Data: b} }

func (u Unit) Text() string { return string(u.Data) }

func (u Unit) IsText(s string) bool { return u.Kind == Text && string(u.Data) == s }

// Frame returns the units that carry payload. A payload no larger than chunkSize
// is a single binary unit; anything larger is bracketed by begin and end markers.
// The chunks alias payload.
func Frame(payload []byte, chunkSize int) []Unit {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if len(payload) <= chunkSize {
		return []Unit{BinaryUnit(payload)}
	}
	units := make([]Unit, 0, len(payload)/chunkSize+3)
	units = append(units, TextUnit(protocol.AudioChunksBegin))
	for off := 0; off < len(payload); off += chunkSize {
		end := min(off+chunkSize, len(payload))
		units = append(units, BinaryUnit(payload[off:end]))
	}
	return append(units, TextUnit(protocol.AudioChunksEnd))
}

// UnitWriter sends units in order.
type UnitWriter interface {
	WriteUnit(ctx context.Context, u Unit) error
}

// Write frames payload and sends every unit. The caller must hold whatever lock keeps
// other writers from interleaving with the sequence.
func Write(ctx context.Context, w UnitWriter, payload []byte, chunkSize int) error {
	for i, u := range Frame(payload, chunkSize) {
		if err := w.WriteUnit(ctx, u); err != nil {
			return fmt.Errorf("write unit %d: %w", i, err)
		}
	}
	return nil
}

// Message is what a Reassembler yields: either a complete audio payload or a status text.
type Message struct {
	Kind   Kind
	Audio  []byte
	Status string
}

func (m Message) IsAudio() bool { return m.Kind == Binary }

// Reassembler restores payloads from a unit stream. Not safe for concurrent use.
type Reassembler struct {
	framing bool
	buf     []byte
}

// Push consumes one unit and reports a completed message, if any.
func (r *Reassembler) Push(u Unit) (Message, bool) {
	if u.Kind == Text {
		switch string(u.Data) {
		case protocol.AudioChunksBegin:
			r.framing = true
			r.buf = nil
			return Message{}, false
		case protocol.AudioChunksEnd:
			if !r.framing {
				return Message{}, false
			}
			audio := r.buf
			r.framing = false
			r.buf = nil
			if audio == nil {
				audio = []byte{}
			}
			return Message{Kind: Binary, Audio: audio}, true
		}
		if r.framing {
			return Message{}, false
		}
		return Message{Kind: Text, Status: string(u.Data)}, true
	}

	if r.framing {
		r.buf = append(r.buf, u.Data...)
		return Message{}, false
	}
	return Message{Kind: Binary, Audio: u.Data}, true
}

// Pending reports whether a framed sequence is open.
func (r *Reassembler) Pending() bool {
	return r.framing
}

var ErrIncomplete = errors.New("framing: sequence ended before end marker")

// Unframe reassembles the first payload carried by units.
func Unframe(units []Unit) ([]byte, error) {
	var r Reassembler
	for _, u := range units {
		msg, ok := r.Push(u)
		if !ok {
			continue
		}
		if msg.IsAudio() {
			return msg.Audio, nil
		}
	}
	if r.Pending() {
		return nil, ErrIncomplete
	}
	return nil, errors.New("framing: no payload in units")
}

// Package stream consumes the chat event stream of a single generation request. A Decoder turns
// raw response bytes into typed events, and a Session drives one generation from the request to a
// terminal outcome while writing tokens into a bound transcript message.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
)

// EventType is the discriminant of a stream event.
type EventType string

const (
	// EventToken carries an incremental text fragment.
	EventToken EventType = "token"
	// EventDone signals normal termination.
	EventDone EventType = "done"
	// EventError carries a human-readable failure message.
	EventError EventType = "error"
)

// Event is one decoded frame of the stream.
type Event struct {
	Type  EventType `json:"type"`
	Value string    `json:"value,omitempty"`
}

// Terminal reports whether no event may follow e.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// MaxFrameSize bounds the bytes buffered for a single undelimited frame.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a frame grows past MaxFrameSize without a delimiter.
var ErrFrameTooLarge = errors.New("stream frame exceeds maximum size")

var (
	frameDelimiter = []byte("\n\n")
	dataMarker     = []byte("data:")
	crlf           = []byte("\r\n")
	lf             = []byte("\n")
)

// Decoder splits a byte stream into frames and decodes their payloads. A Decoder holds the partial
// frame between chunks, so it must be used for exactly one stream.
type Decoder struct {
	buf  []byte
	done bool
}

// NewDecoder returns a decoder ready for the first chunk of a stream.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk and returns the events of every frame the chunk completed, in order. Frames
// whose payload isn't a valid event are dropped. After a terminal event has been returned, Feed
// discards its input and returns nothing.
func (d *Decoder) Feed(chunk []byte) ([]Event, error) {
	if d.done {
		return nil, nil
	}

	d.buf = append(d.buf, chunk...)
	// A "\r" at the end of a chunk pairs with a "\n" from the next one, so normalising the whole
	// buffer keeps frame boundaries independent of how the bytes were chunked.
	if bytes.Contains(d.buf, crlf) {
		d.buf = bytes.ReplaceAll(d.buf, crlf, lf)
	}

	var events []Event
	consumed := false
	for {
		idx := bytes.Index(d.buf, frameDelimiter)
		if idx < 0 {
			break
		}
		frame := d.buf[:idx]
		d.buf = d.buf[idx+len(frameDelimiter):]
		consumed = true

		ev, ok := parseFrame(frame)
		if !ok {
			continue
		}
		events = append(events, ev)
		if ev.Terminal() {
			d.done = true
			d.buf = nil
			return events, nil
		}
	}

	if len(d.buf) > MaxFrameSize {
		return events, ErrFrameTooLarge
	}
	if consumed {
		// Compact so the retained partial frame doesn't pin the memory of consumed frames.
		d.buf = append([]byte(nil), d.buf...)
	}
	return events, nil
}

// Done reports whether a terminal event has been decoded.
func (d *Decoder) Done() bool {
	return d.done
}

func parseFrame(frame []byte) (Event, bool) {
	var payload []byte
	found := false
	for _, line := range bytes.Split(frame, lf) {
		if !bytes.HasPrefix(line, dataMarker) {
			continue
		}
		if found {
			payload = append(payload, '\n')
		}
		payload = append(payload, line[len(dataMarker):]...)
		found = true
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Event{}, false
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, false
	}
	switch ev.Type {
	case EventToken, EventError:
	case EventDone:
		ev.Value = ""
	default:
		return Event{}, false
	}
	return ev, true
}

const readChunkSize = 4096

// Decode reads r until a terminal event, the end of the stream, or the cancellation of ctx, and
// yields the decoded events in order. A read error other than io.EOF is yielded as the last element;
// a partial frame left at the end of the stream is discarded.
func Decode(ctx context.Context, r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		dec := NewDecoder()
		chunk := make([]byte, readChunkSize)
		for {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}

			n, readErr := r.Read(chunk)
			if n > 0 {
				events, err := dec.Feed(chunk[:n])
				for _, ev := range events {
					if !yield(ev, nil) {
						return
					}
				}
				if err != nil {
					yield(Event{}, err)
					return
				}
				if dec.Done() {
					return
				}
			}

			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					return
				}
				yield(Event{}, fmt.Errorf("error reading stream: %w", readErr))
				return
			}
		}
	}
}

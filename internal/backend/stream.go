package backend

import (
	"bytes"
	"context"
	"io"

	"github.com/tidwall/gjson"
)

// streamChannelDepth bounds the per-request event channel. A full channel
// blocks the upstream reader, so a slow client throttles the upstream read
// instead of growing an unbounded buffer.
const streamChannelDepth = 16

// readChunkSize is the upstream read granularity. Network chunks may split
// records mid-line, including inside the data prefix or the JSON payload.
const readChunkSize = 1024

var dataPrefix = []byte("data:")

// Decoder parses upstream event-stream bytes into StreamEvents. It retains a
// partial trailing line across feeds so records split across network reads
// are reassembled before parsing. Malformed lines are dropped silently.
type Decoder struct {
	pending []byte
}

// Feed consumes the next chunk of upstream bytes and returns the events
// parsed from every complete line it now holds. The final incomplete line is
// held back for the next feed.
func (d *Decoder) Feed(p []byte) []StreamEvent {
	if len(p) == 0 {
		return nil
	}
	d.pending = append(d.pending, p...)

	var events []StreamEvent
	for {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			return events
		}
		line := d.pending[:idx]
		d.pending = d.pending[idx+1:]
		if ev, ok := decodeLine(line); ok {
			events = append(events, ev)
		}
	}
}

// Flush parses whatever trailing bytes remain after the upstream stream
// ends. Streams are not required to terminate their last record with a
// newline.
func (d *Decoder) Flush() []StreamEvent {
	line := d.pending
	d.pending = nil
	if ev, ok := decodeLine(line); ok {
		return []StreamEvent{ev}
	}
	return nil
}

// decodeLine parses one complete record line. Blank lines, lines without the
// data prefix, unparseable JSON, unknown discriminators and empty fragments
// all yield no event.
func decodeLine(line []byte) (StreamEvent, bool) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return StreamEvent{}, false
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		return StreamEvent{}, false
	}
	payload := bytes.TrimLeft(line[len(dataPrefix):], " ")

	record := gjson.ParseBytes(payload)
	if !record.IsObject() {
		return StreamEvent{}, false
	}
	answer := record.Get("answer").String()
	if answer == "" {
		return StreamEvent{}, false
	}
	switch record.Get("event").String() {
	case "think_message":
		return StreamEvent{Channel: ChannelReasoning, Text: answer}, true
	case "message":
		return StreamEvent{Channel: ChannelAnswer, Text: answer}, true
	default:
		return StreamEvent{}, false
	}
}

// StreamEvents pumps an upstream event-stream body through a Decoder and
// delivers the resulting events on a bounded channel. The events channel is
// closed when the body is exhausted or ctx is cancelled; a read error other
// than EOF is delivered on the error channel. The body is always closed.
func StreamEvents(ctx context.Context, body io.ReadCloser) (<-chan StreamEvent, <-chan error) {
	events := make(chan StreamEvent, streamChannelDepth)
	errs := make(chan error, 1)

	// Closing the body on cancellation unblocks a reader stuck in Read, so a
	// client disconnect never strands the pump goroutine.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = body.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(events)
		defer close(done)
		defer func() { _ = body.Close() }()

		var dec Decoder
		buf := make([]byte, readChunkSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				for _, ev := range dec.Feed(buf[:n]) {
					select {
					case events <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
			if err != nil {
				if err == io.EOF {
					for _, ev := range dec.Flush() {
						select {
						case events <- ev:
						case <-ctx.Done():
						}
					}
					return
				}
				if ctx.Err() == nil {
					errs <- err
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	return events, errs
}

// FailedStream returns an already-terminated event sequence carrying a
// single setup error, for adapters whose stream request never got off the
// ground.
func FailedStream(err error) (<-chan StreamEvent, <-chan error) {
	events := make(chan StreamEvent)
	close(events)
	errs := make(chan error, 1)
	errs <- err
	return events, errs
}

// Collect drains a stream produced by StreamEvents into a finished Result.
// Both adapters implement their batch query by draining their own stream,
// mirroring how the upstream platforms only speak the streaming shape.
func Collect(events <-chan StreamEvent, errs <-chan error) (Result, error) {
	var res Result
	for ev := range events {
		switch ev.Channel {
		case ChannelReasoning:
			res.Reasoning += ev.Text
		case ChannelAnswer:
			res.Answer += ev.Text
		}
	}
	select {
	case err := <-errs:
		return res, err
	default:
		return res, nil
	}
}

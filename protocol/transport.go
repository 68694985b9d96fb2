package protocol

import "sync/atomic"

// CommandHandler is a function type for handling decoded commands
type CommandHandler func(op Opcode, args *[][]byte) error

type scanResult uint8

const (
	scanNone    scanResult = iota // no complete frame buffered
	scanFrame                     // a frame was decoded
	scanDropped                   // bytes were discarded (malformed or over-long)
)

// frameScanner pulls frames out of an input stream and resynchronizes after
// garbage by discarding up to the next terminator
type frameScanner struct {
	discarding bool
}

func (s *frameScanner) next(input InputBuffer) (Frame, scanResult) {
	data := input.Data()
	if len(data) == 0 {
		return Frame{}, scanNone
	}

	end := FindTerminator(data)
	if s.discarding {
		if end < 0 {
			input.Pop(len(data))
			return Frame{}, scanNone
		}
		input.Pop(end + 1)
		s.discarding = false
		return Frame{}, scanDropped
	}

	if end < 0 {
		if len(data) > MessageMax {
			// No terminator in sight; skip to the next one
			input.Pop(len(data))
			s.discarding = true
			return Frame{}, scanDropped
		}
		return Frame{}, scanNone
	}

	frame, err := DecodeFrame(data[:end])
	input.Pop(end + 1)
	if err != nil {
		return Frame{}, scanDropped
	}
	return frame, scanFrame
}

func (s *frameScanner) reset() {
	s.discarding = false
}

// TransportStats holds firmware transport counters
type TransportStats struct {
	FramesReceived uint32
	FramesDropped  uint32
	HandlerErrors  uint32
	ResponsesSent  uint32
}

// Transport is the controller side of the link. It decodes at most one frame
// per Receive call so the control loop never stalls on serial input.
type Transport struct {
	scanner frameScanner
	output  OutputBuffer
	handler CommandHandler

	framesReceived atomic.Uint32
	framesDropped  atomic.Uint32
	handlerErrors  atomic.Uint32
	responsesSent  atomic.Uint32

	flushCallback func() // Called after a response frame is queued
}

// NewTransport creates a new Transport instance
func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	return &Transport{
		output:  output,
		handler: handler,
	}
}

// Receive decodes and dispatches at most one frame from the input buffer.
// It returns true when bytes were consumed, whether or not they formed a
// valid frame.
func (t *Transport) Receive(input InputBuffer) bool {
	frame, result := t.scanner.next(input)
	switch result {
	case scanDropped:
		t.framesDropped.Add(1)
		return true
	case scanFrame:
		t.framesReceived.Add(1)
		t.dispatch(frame)
		return true
	}
	return false
}

// dispatch calls the handler for a frame
func (t *Transport) dispatch(frame Frame) {
	// Recover from any panics in command handlers to prevent firmware crash
	defer func() {
		if r := recover(); r != nil {
			t.handlerErrors.Add(1)
		}
	}()

	if t.handler == nil {
		return
	}
	args := frame.Args
	if err := t.handler(frame.Opcode, &args); err != nil {
		t.handlerErrors.Add(1)
	}
}

// SendResponse encodes a response frame into the output buffer
func (t *Transport) SendResponse(op Opcode, args func(output OutputBuffer)) {
	EncodeFrame(t.output, op, args)
	t.responsesSent.Add(1)

	if t.flushCallback != nil {
		t.flushCallback()
	}
}

// Reset drops any partial resync state (useful after USB disconnect/reconnect)
func (t *Transport) Reset() {
	t.scanner.reset()
}

// SetFlushCallback sets a callback to push queued responses out immediately
func (t *Transport) SetFlushCallback(callback func()) {
	t.flushCallback = callback
}

// Stats returns a snapshot of the transport counters
func (t *Transport) Stats() TransportStats {
	return TransportStats{
		FramesReceived: t.framesReceived.Load(),
		FramesDropped:  t.framesDropped.Load(),
		HandlerErrors:  t.handlerErrors.Load(),
		ResponsesSent:  t.responsesSent.Load(),
	}
}

package protocol

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrResponseTimeout = errors.New("response timeout")
	ErrTransportClosed = errors.New("transport stopped")
)

// HostTransport is the host side of the link. Commands are written in order
// under a single mutex; only query opcodes wait for a response.
type HostTransport struct {
	// Serial I/O
	port io.ReadWriteCloser

	inputBuffer *FifoBuffer
	scanner     frameScanner

	// Decoded response frames
	responseChan chan Frame

	writeMutex sync.Mutex
	queryMutex sync.Mutex

	framesDropped atomic.Uint32

	// Stop channel for graceful shutdown
	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

// NewHostTransport creates a new host-side transport and starts its reader
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:         port,
		inputBuffer:  NewFifoBuffer(1024),
		responseChan: make(chan Frame, 16),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}

	go t.readLoop()

	return t
}

// Send writes one command frame. Motion commands are never acknowledged.
func (t *HostTransport) Send(op Opcode, args func(output OutputBuffer)) error {
	if !op.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidOpcode, op)
	}

	scratch := NewScratchOutput()
	EncodeFrame(scratch, op, args)
	if scratch.Overflowed() {
		return fmt.Errorf("frame for %s exceeds %d bytes", op, OutputMax)
	}

	return t.writeMessage(scratch.Result())
}

// Query sends a query opcode and waits for the matching response frame.
// Stale responses queued before the request are discarded.
func (t *HostTransport) Query(op Opcode, args func(output OutputBuffer), timeout time.Duration) (Frame, error) {
	t.queryMutex.Lock()
	defer t.queryMutex.Unlock()

	t.drainResponses()

	if err := t.Send(op, args); err != nil {
		return Frame{}, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case frame := <-t.responseChan:
			if frame.Opcode == op {
				return frame, nil
			}
			// Unrelated frame, keep waiting

		case <-deadline.C:
			return Frame{}, fmt.Errorf("%w: %s after %v", ErrResponseTimeout, op, timeout)

		case <-t.stopChan:
			return Frame{}, ErrTransportClosed
		}
	}
}

// writeMessage sends raw bytes to the serial port
func (t *HostTransport) writeMessage(msg []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	select {
	case <-t.stopChan:
		return ErrTransportClosed
	default:
	}

	n, err := t.port.Write(msg)
	if err != nil {
		return err
	}
	if n != len(msg) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(msg))
	}

	return nil
}

// readLoop continuously reads from the port and decodes response frames
func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buffer := make([]byte, 256)

	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buffer)
		if n > 0 {
			t.ingest(buffer[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// ingest feeds bytes through the FIFO, decoding as space frees up
func (t *HostTransport) ingest(chunk []byte) {
	for len(chunk) > 0 {
		n := t.inputBuffer.Write(chunk)
		chunk = chunk[n:]
		t.processMessages()
		if n == 0 && t.inputBuffer.Free() == 0 {
			// Buffer full of an unterminated run; force a resync
			t.inputBuffer.Reset()
			t.scanner.discarding = true
			t.framesDropped.Add(1)
		}
	}
}

// processMessages decodes every complete frame in the input buffer
func (t *HostTransport) processMessages() {
	for {
		frame, result := t.scanner.next(t.inputBuffer)
		switch result {
		case scanNone:
			return
		case scanDropped:
			t.framesDropped.Add(1)
		case scanFrame:
			t.dispatchFrame(frame)
		}
	}
}

// dispatchFrame queues a response, dropping the oldest if nobody is reading
func (t *HostTransport) dispatchFrame(frame Frame) {
	select {
	case t.responseChan <- frame:
	default:
		select {
		case <-t.responseChan:
		default:
		}
		t.responseChan <- frame
	}
}

func (t *HostTransport) drainResponses() {
	for {
		select {
		case <-t.responseChan:
		default:
			return
		}
	}
}

// Close stops the transport and closes the serial port
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopChan)
		if t.port != nil {
			err = t.port.Close()
		}
		<-t.doneChan // Wait for read loop to finish
	})
	return err
}

// Dropped returns the number of malformed or discarded inbound frames
func (t *HostTransport) Dropped() uint32 {
	return t.framesDropped.Load()
}

package protocol

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func encodeTestFrame(op Opcode, args func(output OutputBuffer)) []byte {
	output := NewScratchOutput()
	EncodeFrame(output, op, args)
	return append([]byte(nil), output.Result()...)
}

func TestTransportOneFramePerReceive(t *testing.T) {
	var received []Opcode
	tr := NewTransport(NewScratchOutput(), func(op Opcode, args *[][]byte) error {
		received = append(received, op)
		return nil
	})

	stream := append(encodeTestFrame(OpResetAll, nil), encodeTestFrame(OpQueryPositions, nil)...)
	input := NewSliceInputBuffer(stream)

	if !tr.Receive(input) {
		t.Fatal("Expected first Receive to consume a frame")
	}
	if len(received) != 1 || received[0] != OpResetAll {
		t.Fatalf("Expected only reset_all after one Receive, got %v", received)
	}

	tr.Receive(input)
	if len(received) != 2 || received[1] != OpQueryPositions {
		t.Fatalf("Expected query_positions second, got %v", received)
	}

	if tr.Receive(input) {
		t.Error("Receive on empty input should report no progress")
	}
}

func TestTransportDropsMalformedAndResyncs(t *testing.T) {
	var received []Opcode
	tr := NewTransport(NewScratchOutput(), func(op Opcode, args *[][]byte) error {
		received = append(received, op)
		return nil
	})

	stream := []byte("99,xx;garbage;")
	stream = append(stream, encodeTestFrame(OpResetOne, func(output OutputBuffer) {
		EncodeArgInt16(output, 2)
	})...)
	input := NewSliceInputBuffer(stream)

	for i := 0; i < 5; i++ {
		tr.Receive(input)
	}

	if len(received) != 1 || received[0] != OpResetOne {
		t.Errorf("Expected only reset_one to be dispatched, got %v", received)
	}
	stats := tr.Stats()
	if stats.FramesDropped != 2 {
		t.Errorf("Expected 2 dropped frames, got %d", stats.FramesDropped)
	}
	if stats.FramesReceived != 1 {
		t.Errorf("Expected 1 received frame, got %d", stats.FramesReceived)
	}
}

func TestTransportDiscardsOverlongRun(t *testing.T) {
	calls := 0
	tr := NewTransport(NewScratchOutput(), func(op Opcode, args *[][]byte) error {
		calls++
		return nil
	})

	fifo := NewFifoBuffer(1024)
	fifo.Write(bytes.Repeat([]byte{'x'}, MessageMax+1))
	tr.Receive(fifo)
	if !fifo.IsEmpty() {
		t.Fatal("Over-long run should be discarded")
	}

	// Tail of the garbage run, then a good frame
	fifo.Write([]byte("yyy;"))
	fifo.Write(encodeTestFrame(OpResetAll, nil))
	tr.Receive(fifo) // consumes through the terminator
	tr.Receive(fifo)

	if calls != 1 {
		t.Errorf("Expected 1 dispatched frame after resync, got %d", calls)
	}
}

func TestTransportHandlerErrorAndPanicCounted(t *testing.T) {
	tr := NewTransport(NewScratchOutput(), func(op Opcode, args *[][]byte) error {
		if op == OpResetAll {
			panic("boom")
		}
		return errors.New("bad args")
	})

	input := NewSliceInputBuffer(append(encodeTestFrame(OpResetAll, nil), encodeTestFrame(OpResetOne, nil)...))
	tr.Receive(input)
	tr.Receive(input)

	if got := tr.Stats().HandlerErrors; got != 2 {
		t.Errorf("Expected 2 handler errors, got %d", got)
	}
}

func TestTransportSendResponse(t *testing.T) {
	output := NewScratchOutput()
	flushed := 0
	tr := NewTransport(output, nil)
	tr.SetFlushCallback(func() { flushed++ })

	tr.SendResponse(OpQueryFreeMemory, func(output OutputBuffer) {
		EncodeArgUint32(output, 4096)
	})

	frame, err := DecodeFrame(output.Result()[:len(output.Result())-1])
	if err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	args := frame.Args
	free, err := DecodeArgUint32(&args)
	if err != nil || free != 4096 {
		t.Errorf("Expected 4096, got %d (%v)", free, err)
	}
	if flushed != 1 {
		t.Errorf("Expected flush callback once, got %d", flushed)
	}
}

func TestHostTransportQuery(t *testing.T) {
	hostEnd, deviceEnd := net.Pipe()
	ht := NewHostTransport(hostEnd)
	defer ht.Close()

	// Fake controller: answer query_positions with two int16 fields
	go func() {
		buf := make([]byte, 64)
		n, err := deviceEnd.Read(buf)
		if err != nil || string(buf[:n]) != "1;" {
			return
		}
		deviceEnd.Write([]byte("junk;"))
		deviceEnd.Write(encodeTestFrame(OpQueryPositions, func(output OutputBuffer) {
			EncodeArgInt16(output, 10)
			EncodeArgInt16(output, -4)
		}))
	}()

	frame, err := ht.Query(OpQueryPositions, nil, time.Second)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	args := frame.Args
	a, _ := DecodeArgInt16(&args)
	b, _ := DecodeArgInt16(&args)
	if a != 10 || b != -4 {
		t.Errorf("Expected positions [10 -4], got [%d %d]", a, b)
	}
}

func TestHostTransportQueryTimeout(t *testing.T) {
	hostEnd, deviceEnd := net.Pipe()
	ht := NewHostTransport(hostEnd)
	defer ht.Close()

	go io.Copy(io.Discard, deviceEnd)

	_, err := ht.Query(OpQueryFreeMemory, nil, 20*time.Millisecond)
	if !errors.Is(err, ErrResponseTimeout) {
		t.Errorf("Expected ErrResponseTimeout, got %v", err)
	}
}

func TestHostTransportSendAfterClose(t *testing.T) {
	hostEnd, deviceEnd := net.Pipe()
	defer deviceEnd.Close()
	ht := NewHostTransport(hostEnd)

	if err := ht.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := ht.Send(OpResetAll, nil); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Expected ErrTransportClosed, got %v", err)
	}
	// Second close is a no-op
	if err := ht.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}

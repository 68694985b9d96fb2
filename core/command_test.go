package core

import (
	"testing"

	"stringdriver/protocol"
)

func TestCommandRegistry(t *testing.T) {
	registry := NewCommandRegistry()

	var called bool
	registry.Register(protocol.OpResetAll, "", func(args *[][]byte) error {
		called = true
		return nil
	})

	cmd, ok := registry.GetCommand(protocol.OpResetAll)
	if !ok {
		t.Fatal("Failed to retrieve registered command")
	}
	if cmd.Opcode != protocol.OpResetAll {
		t.Errorf("Expected opcode reset_all, got %s", cmd.Opcode)
	}

	var args [][]byte
	if err := registry.Dispatch(protocol.OpResetAll, &args); err != nil {
		t.Errorf("Dispatch failed: %v", err)
	}
	if !called {
		t.Error("Command handler was not called")
	}

	// Test unknown command
	if err := registry.Dispatch(protocol.OpSetSpeed, &args); err == nil {
		t.Error("Expected error for unregistered opcode")
	}
}

func TestCommandRegistryReplace(t *testing.T) {
	registry := NewCommandRegistry()

	first, second := 0, 0
	registry.Register(protocol.OpResetOne, "axis=%h", func(args *[][]byte) error { first++; return nil })
	registry.Register(protocol.OpResetOne, "axis=%h", func(args *[][]byte) error { second++; return nil })

	if registry.Count() != 1 {
		t.Errorf("Expected 1 command after re-registering, got %d", registry.Count())
	}

	var args [][]byte
	_ = registry.Dispatch(protocol.OpResetOne, &args)
	if first != 0 || second != 1 {
		t.Errorf("Expected only the replacement handler to run, got first=%d second=%d", first, second)
	}
}

func TestCommandWithArguments(t *testing.T) {
	registry := NewCommandRegistry()

	var receivedAxis int16
	var receivedValue int32
	registry.Register(protocol.OpSetPosition, "axis=%h value=%i", func(args *[][]byte) error {
		axis, err := protocol.DecodeArgInt16(args)
		if err != nil {
			return err
		}
		value, err := protocol.DecodeArgInt32(args)
		if err != nil {
			return err
		}
		receivedAxis, receivedValue = axis, value
		return nil
	})

	output := protocol.NewScratchOutput()
	protocol.EncodeFrame(output, protocol.OpSetPosition, func(output protocol.OutputBuffer) {
		protocol.EncodeArgInt16(output, 3)
		protocol.EncodeArgInt32(output, 12345)
	})
	encoded := output.Result()
	frame, err := protocol.DecodeFrame(encoded[:len(encoded)-1])
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}

	if err := registry.Dispatch(frame.Opcode, &frame.Args); err != nil {
		t.Errorf("Dispatch failed: %v", err)
	}
	if receivedAxis != 3 || receivedValue != 12345 {
		t.Errorf("Expected axis 3 value 12345, got axis %d value %d", receivedAxis, receivedValue)
	}
}

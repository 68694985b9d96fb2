//go:build rp2040

package main

import "machine"

// On RP2040 machine.Serial is the USB CDC-ACM port
func initUSB() {
	_ = machine.Serial.Configure(machine.UARTConfig{})
}

func usbAvailable() int {
	return machine.Serial.Buffered()
}

func usbRead() (byte, error) {
	return machine.Serial.ReadByte()
}

func usbWrite(data []byte) (int, error) {
	return machine.Serial.Write(data)
}

//go:build rp2040

package main

import (
	"machine"
	"time"

	"stringdriver/core"
	"stringdriver/protocol"
	"stringdriver/targets/pio"
)

var (
	inputBuffer  *protocol.FifoBuffer
	outputBuffer *protocol.ScratchOutput

	// Debug counters
	loopPanics    uint32
	readErrors    uint32
	inputOverruns uint32
	writeFailures uint32
)

func main() {
	// Clear any watchdog state left over from before the reset
	if err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0}); err != nil {
		return
	}

	initUSB()

	led := machine.Pin(pinLED)
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})

	inputBuffer = protocol.NewFifoBuffer(protocol.MessageMax * 2)
	outputBuffer = protocol.NewScratchOutput()

	ctrl, err := core.NewController(pinTable(), newGPIODriver(), pio.Factory, outputBuffer)
	if err != nil {
		// Nothing can run without a valid pin table; blink fast forever
		for {
			led.Set(!led.Get())
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Any passthrough frame toggles the status LED
	ctrl.SetPassthroughHook(func(payload []byte) {
		led.Set(!led.Get())
	})
	ctrl.Transport().SetFlushCallback(writeUSB)

	go usbReaderLoop()

	for {
		func() {
			defer func() {
				if r := recover(); r != nil {
					loopPanics++
					inputBuffer.Reset()
					outputBuffer.Reset()
				}
			}()

			ctrl.Iterate(inputBuffer, nowMicros())
			writeUSB()
		}()

		time.Sleep(10 * time.Microsecond)
	}
}

// usbReaderLoop moves received bytes into the input FIFO
func usbReaderLoop() {
	defer func() {
		if r := recover(); r != nil {
			loopPanics++
			time.Sleep(100 * time.Millisecond)
			go usbReaderLoop()
		}
	}()

	for {
		for usbAvailable() > 0 {
			b, err := usbRead()
			if err != nil {
				readErrors++
				break
			}
			if inputBuffer.Write([]byte{b}) == 0 {
				inputOverruns++
			}
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// writeUSB drains the output buffer to the host. Output that cannot be
// written is dropped rather than replayed to a reconnecting host.
func writeUSB() {
	result := outputBuffer.Result()
	if len(result) == 0 {
		return
	}
	written := 0
	for written < len(result) {
		n, err := usbWrite(result[written:])
		if err != nil || n == 0 {
			writeFailures++
			break
		}
		written += n
	}
	outputBuffer.Reset()
}

//go:build rp2040

package pio

import (
	"errors"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"

	"stringdriver/core"
)

var errStateMachineBusy = errors.New("pio state machine already claimed")

var (
	// RP2040 has 2 PIO blocks (PIO0, PIO1) with 4 state machines each
	pioAllocations = [2][4]bool{} // [pioNum][smNum]
	nextPIONum     = uint8(0)
	nextSMNum      = uint8(0)

	// Instruction offset of the step program per PIO block, once loaded
	programOffsets [2]*uint8
)

// Factory picks a backend for one axis of the pin table: the coil driver
// when coil pins are given, otherwise a PIO state machine while any is
// free, then plain GPIO.
func Factory(index int, cfg core.AxisConfig) core.StepperBackend {
	if cfg.CoilPins[0] != core.NoPin {
		return NewCoilStepperBackend()
	}
	if pioNum, smNum, ok := allocatePIO(); ok {
		return NewPIOStepperBackend(pioNum, smNum)
	}
	return NewGPIOStepperBackend()
}

// allocatePIO hands out state machines round-robin across both blocks
func allocatePIO() (uint8, uint8, bool) {
	for i := 0; i < 8; i++ {
		pioNum := nextPIONum
		smNum := nextSMNum

		nextSMNum++
		if nextSMNum >= 4 {
			nextSMNum = 0
			nextPIONum = (nextPIONum + 1) % 2
		}

		if !pioAllocations[pioNum][smNum] {
			pioAllocations[pioNum][smNum] = true
			return pioNum, smNum, true
		}
	}
	return 0, 0, false
}

// loadProgram adds the step program to a PIO block once. Its jumps are
// absolute, so it must sit at offset 0.
func loadProgram(pioNum uint8, block *rp2pio.PIO, program []uint16) (uint8, error) {
	if off := programOffsets[pioNum]; off != nil {
		return *off, nil
	}
	offset, err := block.AddProgram(program, 0)
	if err != nil {
		return 0, err
	}
	programOffsets[pioNum] = &offset
	return offset, nil
}

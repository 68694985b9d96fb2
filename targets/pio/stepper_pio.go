//go:build rp2040

package pio

import (
	"machine"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"

	"stringdriver/core"
)

// Command word, shifted out right:
//
//	Bits 0-15:  pulse count minus one
//	Bits 16-23: delay loop count between pulses
//	Bit 24:     level of the direction pin
//
// The program pulls a word, sets the direction pin, then emits the pulses.
func buildStepperProgram() []uint16 {
	asm := rp2pio.AssemblerV0{SidesetBits: 0}
	return []uint16{
		// .wrap_target
		asm.Pull(false, true).Encode(),          // 0: pull block
		asm.Out(rp2pio.OutDestX, 16).Encode(),   // 1: out x, 16 (pulse count)
		asm.Out(rp2pio.OutDestY, 8).Encode(),    // 2: out y, 8 (delay cycles)
		asm.Out(rp2pio.OutDestPins, 1).Encode(), // 3: out pins, 1 (direction)
		// step_loop:
		asm.Set(rp2pio.SetDestPins, 1).Delay(7).Encode(), // 4: set pins, 1 [7]
		asm.Set(rp2pio.SetDestPins, 0).Encode(),          // 5: set pins, 0
		// delay_loop:
		asm.Jmp(6, rp2pio.JmpYNZeroDec).Encode(), // 6: jmp y--, 6
		asm.Jmp(4, rp2pio.JmpXNZeroDec).Encode(), // 7: jmp x--, 4
		// .wrap
	}
}

// PIOStepperBackend times step pulses on a PIO state machine
type PIOStepperBackend struct {
	pio       *rp2pio.PIO
	sm        rp2pio.StateMachine
	stepPin   machine.Pin
	dirPin    machine.Pin
	direction bool
	invertDir bool
	offset    uint8
	pioNum    uint8
	smNum     uint8
}

// NewPIOStepperBackend binds a backend to state machine smNum of PIO block
// pioNum
func NewPIOStepperBackend(pioNum, smNum uint8) *PIOStepperBackend {
	var pioHW *rp2pio.PIO
	if pioNum == 0 {
		pioHW = rp2pio.PIO0
	} else {
		pioHW = rp2pio.PIO1
	}

	return &PIOStepperBackend{
		pio:    pioHW,
		sm:     pioHW.StateMachine(smNum),
		pioNum: pioNum,
		smNum:  smNum,
	}
}

// Init loads the step program and hands the step/dir pins of cfg to the
// state machine
func (b *PIOStepperBackend) Init(cfg core.AxisConfig) error {
	b.stepPin = machine.Pin(cfg.StepPin)
	b.dirPin = machine.Pin(cfg.DirPin)
	b.invertDir = cfg.InvertDir

	if !b.sm.TryClaim() {
		return errStateMachineBusy
	}

	program := buildStepperProgram()
	offset, err := loadProgram(b.pioNum, b.pio, program)
	if err != nil {
		return err
	}
	b.offset = offset

	b.stepPin.Configure(machine.PinConfig{Mode: b.pio.PinMode()})
	b.dirPin.Configure(machine.PinConfig{Mode: b.pio.PinMode()})

	smc := rp2pio.DefaultStateMachineConfig()
	smc.SetSetPins(b.stepPin, 1)
	smc.SetOutPins(b.dirPin, 1)
	smc.SetOutShift(true, false, 32) // explicit pull
	smc.SetWrap(offset+uint8(len(program))-1, offset)
	smc.SetClkDivIntFrac(1000, 0)

	// Pin directions only stick after Init
	b.sm.Init(offset, smc)
	b.sm.SetPindirsConsecutive(b.stepPin, 1, true)
	b.sm.SetPindirsConsecutive(b.dirPin, 1, true)
	b.sm.SetPinsConsecutive(b.stepPin, 1, false)
	b.sm.SetPinsConsecutive(b.dirPin, 1, false)
	b.sm.SetEnabled(true)

	return nil
}

// Step queues one pulse. The controller paces steps itself, so the
// program's repeat count and spacing are both left at their minimum.
func (b *PIOStepperBackend) Step() {
	cmd := uint32(0) | (1 << 16)
	if b.direction != b.invertDir {
		cmd |= 1 << 24
	}
	for b.sm.IsTxFIFOFull() {
	}
	b.sm.TxPut(cmd)
}

// SetDirection latches the direction sent with the next step
func (b *PIOStepperBackend) SetDirection(forward bool) {
	b.direction = forward
}

// Stop halts the PIO state machine
func (b *PIOStepperBackend) Stop() {
	b.sm.SetEnabled(false)
	b.sm.ClearFIFOs()
	b.sm.Restart()
	b.sm.SetEnabled(true)
}

// GetName returns the backend name
func (b *PIOStepperBackend) GetName() string {
	return "PIO"
}

package core

// MicrostepBank is a set of mode-select pins shared by every driver on it
type MicrostepBank struct {
	MS1, MS2, MS3 GPIOPin
}

// Microstep modes accepted by set_microstep
const (
	MicrostepFull      int32 = 1
	MicrostepHalf      int32 = 2
	MicrostepQuarter   int32 = 4
	MicrostepEighth    int32 = 8
	MicrostepSixteenth int32 = 16
)

// microstepPins returns the MS1/MS2/MS3 levels for a mode (A4988 table).
// Unknown modes fall back to full step.
func microstepPins(mode int32) (ms1, ms2, ms3 bool, actual int32) {
	switch mode {
	case MicrostepHalf:
		return true, false, false, mode
	case MicrostepQuarter:
		return false, true, false, mode
	case MicrostepEighth:
		return true, true, false, mode
	case MicrostepSixteenth:
		return true, true, true, mode
	default:
		return false, false, false, MicrostepFull
	}
}

// apply drives the bank pins and returns the mode actually selected
func (b MicrostepBank) apply(gpio GPIODriver, mode int32) int32 {
	ms1, ms2, ms3, actual := microstepPins(mode)
	setIfConnected(gpio, b.MS1, ms1)
	setIfConnected(gpio, b.MS2, ms2)
	setIfConnected(gpio, b.MS3, ms3)
	return actual
}

func setIfConnected(gpio GPIODriver, pin GPIOPin, value bool) {
	if pin == NoPin {
		return
	}
	_ = gpio.SetPin(pin, value)
}

package core

import (
	"stringdriver/protocol"
)

// Controller command handlers, one per opcode.
// Only the two query opcodes produce a response frame.

func (c *Controller) registerCommands() {
	r := c.registry
	r.Register(protocol.OpCommand, "payload=%*s", c.cmdPassthrough)
	r.Register(protocol.OpQueryPositions, "", c.cmdQueryPositions)
	r.Register(protocol.OpAbsoluteMove, "axis=%h target=%i", c.cmdAbsoluteMove)
	r.Register(protocol.OpRelativeMove, "axis=%h delta=%i", c.cmdRelativeMove)
	r.Register(protocol.OpSetPosition, "axis=%h value=%i", c.cmdSetPosition)
	r.Register(protocol.OpResetAll, "", c.cmdResetAll)
	r.Register(protocol.OpResetOne, "axis=%h", c.cmdResetOne)
	r.Register(protocol.OpSetAcceleration, "axis=%h accel=%f", c.cmdSetAcceleration)
	r.Register(protocol.OpSetSpeed, "axis=%h speed=%f", c.cmdSetSpeed)
	r.Register(protocol.OpSetMinBound, "axis=%h min=%i", c.cmdSetMinBound)
	r.Register(protocol.OpSetMaxBound, "axis=%h max=%i", c.cmdSetMaxBound)
	r.Register(protocol.OpSetMicrostep, "bank=%h mode=%i", c.cmdSetMicrostep)
	r.Register(protocol.OpQueryFreeMemory, "", c.cmdQueryFreeMemory)
}

// axisArg decodes an axis index. An index outside the table is not an error;
// the command is ignored.
func (c *Controller) axisArg(args *[][]byte) (*Axis, error) {
	idx, err := protocol.DecodeArgInt16(args)
	if err != nil {
		return nil, err
	}
	a := c.Axis(int(idx))
	if a == nil {
		c.stats.IgnoredAxis++
	}
	return a, nil
}

// targetAxes resolves an axis argument that may be AllAxes
func (c *Controller) targetAxes(idx int16) []*Axis {
	if idx == protocol.AllAxes {
		return c.axes
	}
	if a := c.Axis(int(idx)); a != nil {
		return []*Axis{a}
	}
	c.stats.IgnoredAxis++
	return nil
}

func (c *Controller) cmdPassthrough(args *[][]byte) error {
	var payload []byte
	if len(*args) > 0 {
		payload, _ = protocol.DecodeArgBytes(args)
	}
	if c.passthrough != nil {
		c.passthrough(payload)
	}
	return nil
}

func (c *Controller) cmdQueryPositions(args *[][]byte) error {
	c.transport.SendResponse(protocol.OpQueryPositions, func(output protocol.OutputBuffer) {
		for _, a := range c.axes {
			protocol.EncodeArgInt16(output, saturateInt16(a.Position))
		}
	})
	return nil
}

func (c *Controller) cmdAbsoluteMove(args *[][]byte) error {
	a, err := c.axisArg(args)
	if err != nil {
		return err
	}
	target, err := protocol.DecodeArgInt32(args)
	if err != nil || a == nil {
		return err
	}
	a.overridden = false
	a.MoveTo(int64(target), c.now)
	return nil
}

func (c *Controller) cmdRelativeMove(args *[][]byte) error {
	a, err := c.axisArg(args)
	if err != nil {
		return err
	}
	delta, err := protocol.DecodeArgInt32(args)
	if err != nil || a == nil {
		return err
	}
	a.overridden = false
	a.MoveBy(delta, c.now)
	return nil
}

func (c *Controller) cmdSetPosition(args *[][]byte) error {
	a, err := c.axisArg(args)
	if err != nil {
		return err
	}
	value, err := protocol.DecodeArgInt32(args)
	if err != nil || a == nil {
		return err
	}
	a.SetPosition(value)
	return nil
}

// cmdResetAll zeroes every counter. Nothing moves.
func (c *Controller) cmdResetAll(args *[][]byte) error {
	for _, a := range c.axes {
		a.SetPosition(0)
	}
	return nil
}

func (c *Controller) cmdResetOne(args *[][]byte) error {
	a, err := c.axisArg(args)
	if err != nil || a == nil {
		return err
	}
	a.SetPosition(0)
	return nil
}

func (c *Controller) cmdSetAcceleration(args *[][]byte) error {
	idx, err := protocol.DecodeArgInt16(args)
	if err != nil {
		return err
	}
	accel, err := protocol.DecodeArgFloat32(args)
	if err != nil {
		return err
	}
	if accel != accel {
		return nil // NaN
	}
	for _, a := range c.targetAxes(idx) {
		a.Acceleration = accel
	}
	return nil
}

func (c *Controller) cmdSetSpeed(args *[][]byte) error {
	idx, err := protocol.DecodeArgInt16(args)
	if err != nil {
		return err
	}
	speed, err := protocol.DecodeArgFloat32(args)
	if err != nil {
		return err
	}
	if !(speed > 0) {
		return nil // zero, negative or NaN would stall the axis
	}
	for _, a := range c.targetAxes(idx) {
		a.Speed = speed
	}
	return nil
}

func (c *Controller) cmdSetMinBound(args *[][]byte) error {
	a, err := c.axisArg(args)
	if err != nil {
		return err
	}
	v, err := protocol.DecodeArgInt32(args)
	if err != nil || a == nil {
		return err
	}
	if v > a.Max {
		return nil
	}
	a.Min = v
	return nil
}

func (c *Controller) cmdSetMaxBound(args *[][]byte) error {
	a, err := c.axisArg(args)
	if err != nil {
		return err
	}
	v, err := protocol.DecodeArgInt32(args)
	if err != nil || a == nil {
		return err
	}
	if v < a.Min {
		return nil
	}
	a.Max = v
	return nil
}

func (c *Controller) cmdSetMicrostep(args *[][]byte) error {
	idx, err := protocol.DecodeArgInt16(args)
	if err != nil {
		return err
	}
	mode, err := protocol.DecodeArgInt32(args)
	if err != nil {
		return err
	}

	if idx == protocol.AllAxes {
		for i, bank := range c.banks {
			c.bankModes[i] = bank.apply(c.gpio, mode)
		}
		return nil
	}
	if idx < 0 || int(idx) >= len(c.banks) {
		c.stats.IgnoredAxis++
		return nil
	}
	c.bankModes[idx] = c.banks[idx].apply(c.gpio, mode)
	return nil
}

func (c *Controller) cmdQueryFreeMemory(args *[][]byte) error {
	free := FreeMemory()
	c.transport.SendResponse(protocol.OpQueryFreeMemory, func(output protocol.OutputBuffer) {
		protocol.EncodeArgUint32(output, free)
	})
	return nil
}

func saturateInt16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

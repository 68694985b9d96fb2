// Package protocol implements the axis controller serial protocol
package protocol

// Version represents the stringdriver protocol version
const Version = "0.1.0"

// Protocol constants
const (
	Baud = 115200

	FieldSeparator = ',' // Separates opcode and arguments
	CommandEnd     = ';' // Terminates a frame
	EscapeChar     = '/' // Prefixes a reserved byte inside an argument

	MessageMax = 256 // Longest unterminated run kept before resync

	AllAxes = -1 // Axis/bank argument addressing every axis
)

// Opcode identifies a command on the wire. It is sent as decimal ASCII.
type Opcode uint8

const (
	OpCommand           Opcode = iota // passthrough
	OpQueryPositions                  // responds with one int16 per axis
	OpAbsoluteMove                    // axis, target
	OpRelativeMove                    // axis, delta
	OpSetPosition                     // axis, value (no motion)
	OpResetAll                        // zero every counter (no motion)
	OpResetOne                        // axis (no motion)
	OpSetAcceleration                 // axis, float32
	OpSetSpeed                        // axis, float32
	OpSetMinBound                     // axis, int32
	OpSetMaxBound                     // axis, int32
	OpSetMicrostep                    // bank, int32 mode
	OpQueryFreeMemory                 // responds with uint32

	opcodeCount
)

var opcodeNames = [opcodeCount]string{
	"command",
	"query_positions",
	"absolute_move",
	"relative_move",
	"set_position",
	"reset_all",
	"reset_one",
	"set_acceleration",
	"set_speed",
	"set_min",
	"set_max",
	"set_microstep",
	"query_free_memory",
}

// Valid reports whether op is part of the opcode table
func (op Opcode) Valid() bool {
	return op < opcodeCount
}

// IsQuery reports whether the controller answers op with a response frame
func (op Opcode) IsQuery() bool {
	return op == OpQueryPositions || op == OpQueryFreeMemory
}

func (op Opcode) String() string {
	if !op.Valid() {
		return "unknown"
	}
	return opcodeNames[op]
}

// Frame is one decoded command or response
type Frame struct {
	Opcode Opcode
	Args   [][]byte // Unescaped argument fields
}

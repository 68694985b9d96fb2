package protocol

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	ErrInvalidOpcode  = errors.New("invalid opcode field")
	ErrBufferTooSmall = errors.New("missing argument")
	ErrArgumentWidth  = errors.New("argument has wrong width")
	ErrEmptyFrame     = errors.New("empty frame")
)

// needsEscape reports whether b must be prefixed with EscapeChar inside an argument
func needsEscape(b byte) bool {
	return b == FieldSeparator || b == CommandEnd || b == EscapeChar || b == 0
}

// EncodeEscaped writes data with reserved bytes escaped
func EncodeEscaped(output OutputBuffer, data []byte) {
	for _, b := range data {
		if needsEscape(b) {
			output.Output([]byte{EscapeChar, b})
		} else {
			output.Output([]byte{b})
		}
	}
}

// EncodeOpcode writes the opcode as decimal ASCII
func EncodeOpcode(output OutputBuffer, op Opcode) {
	if op >= 10 {
		output.Output([]byte{'0' + byte(op/10), '0' + byte(op%10)})
		return
	}
	output.Output([]byte{'0' + byte(op)})
}

// EncodeArgInt16 writes a field separator and a little-endian int16
func EncodeArgInt16(output OutputBuffer, v int16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(v))
	output.Output([]byte{FieldSeparator})
	EncodeEscaped(output, buf[:])
}

// EncodeArgInt32 writes a field separator and a little-endian int32
func EncodeArgInt32(output OutputBuffer, v int32) {
	EncodeArgUint32(output, uint32(v))
}

// EncodeArgUint32 writes a field separator and a little-endian uint32
func EncodeArgUint32(output OutputBuffer, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	output.Output([]byte{FieldSeparator})
	EncodeEscaped(output, buf[:])
}

// EncodeArgFloat32 writes a field separator and a little-endian IEEE-754 float32
func EncodeArgFloat32(output OutputBuffer, v float32) {
	EncodeArgUint32(output, math.Float32bits(v))
}

// EncodeArgBytes writes a field separator and an escaped byte string
func EncodeArgBytes(output OutputBuffer, data []byte) {
	output.Output([]byte{FieldSeparator})
	EncodeEscaped(output, data)
}

// nextArg pops the next argument field and checks its width
func nextArg(args *[][]byte, width int) ([]byte, error) {
	if len(*args) == 0 {
		return nil, ErrBufferTooSmall
	}
	field := (*args)[0]
	*args = (*args)[1:]
	if width > 0 && len(field) != width {
		return nil, ErrArgumentWidth
	}
	return field, nil
}

// DecodeArgInt16 decodes the next argument as a little-endian int16.
// The args slice is advanced past the consumed field.
func DecodeArgInt16(args *[][]byte) (int16, error) {
	field, err := nextArg(args, 2)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(field)), nil
}

// DecodeArgInt32 decodes the next argument as a little-endian int32
func DecodeArgInt32(args *[][]byte) (int32, error) {
	v, err := DecodeArgUint32(args)
	return int32(v), err
}

// DecodeArgUint32 decodes the next argument as a little-endian uint32
func DecodeArgUint32(args *[][]byte) (uint32, error) {
	field, err := nextArg(args, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(field), nil
}

// DecodeArgFloat32 decodes the next argument as a little-endian float32
func DecodeArgFloat32(args *[][]byte) (float32, error) {
	v, err := DecodeArgUint32(args)
	return math.Float32frombits(v), err
}

// DecodeArgBytes returns the next argument unchanged
func DecodeArgBytes(args *[][]byte) ([]byte, error) {
	return nextArg(args, 0)
}

// FindTerminator returns the index of the first unescaped CommandEnd, or -1
func FindTerminator(data []byte) int {
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case EscapeChar:
			i++
		case CommandEnd:
			return i
		}
	}
	return -1
}

// ParseOpcode parses a decimal ASCII opcode field
func ParseOpcode(field []byte) (Opcode, error) {
	if len(field) == 0 || len(field) > 2 {
		return 0, ErrInvalidOpcode
	}
	v := 0
	for _, c := range field {
		if c < '0' || c > '9' {
			return 0, ErrInvalidOpcode
		}
		v = v*10 + int(c-'0')
	}
	op := Opcode(v)
	if !op.Valid() {
		return 0, ErrInvalidOpcode
	}
	return op, nil
}

// DecodeFrame splits a frame body (terminator excluded) into an opcode and
// unescaped argument fields
func DecodeFrame(body []byte) (Frame, error) {
	if len(body) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	var fields [][]byte
	field := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		b := body[i]
		switch {
		case b == EscapeChar:
			if i+1 >= len(body) {
				// Dangling escape
				return Frame{}, ErrArgumentWidth
			}
			i++
			field = append(field, body[i])
		case b == FieldSeparator:
			fields = append(fields, field)
			field = make([]byte, 0, len(body)-i)
		default:
			field = append(field, b)
		}
	}
	fields = append(fields, field)

	op, err := ParseOpcode(fields[0])
	if err != nil {
		return Frame{}, err
	}
	return Frame{Opcode: op, Args: fields[1:]}, nil
}

// EncodeFrame writes a complete frame: opcode, arguments and terminator
func EncodeFrame(output OutputBuffer, op Opcode, args func(output OutputBuffer)) {
	EncodeOpcode(output, op)
	if args != nil {
		args(output)
	}
	output.Output([]byte{CommandEnd})
}

package sdmmc

import (
	"encoding/binary"
	"fmt"
)

// Opcode is the index of an SPI-mode card command.
type Opcode uint8

const (
	GoIdleState     Opcode = 0  // CMD0, software reset into SPI mode
	SendOpCond      Opcode = 1  // CMD1, start initialization and poll readiness
	ReadSingleBlock Opcode = 17 // CMD17
	WriteBlock      Opcode = 24 // CMD24
)

func (op Opcode) String() string {
	switch op {
	case GoIdleState:
		return "GO_IDLE_STATE"
	case SendOpCond:
		return "SEND_OP_COND"
	case ReadSingleBlock:
		return "READ_SINGLE_BLOCK"
	case WriteBlock:
		return "WRITE_BLOCK"
	default:
		return fmt.Sprintf("CMD%d", uint8(op))
	}
}

const (
	// IdleChecksum is the precomputed CRC7 (plus end bit) of CMD0 with a
	// zero argument. The card still checks checksums when it receives CMD0,
	// since it is not yet in SPI mode.
	IdleChecksum byte = 0x95
	// UncheckedChecksum is sent with every other command. Checksum
	// verification is off once the card is in SPI mode.
	UncheckedChecksum byte = 0xFF
)

// FrameSize is the length in bytes of a command on the wire.
const FrameSize = 6

// Frame is a single command as sent over the bus:
//
//	0x40|opcode  argument (big-endian uint32)  checksum
type Frame struct {
	Opcode   Opcode
	Argument uint32
	Checksum byte
}

// NewFrame builds the frame for op with the checksum convention of this
// transport: IdleChecksum for GoIdleState, UncheckedChecksum otherwise.
func NewFrame(op Opcode, arg uint32) Frame {
	crc := UncheckedChecksum
	if op == GoIdleState {
		crc = IdleChecksum
	}
	return Frame{Opcode: op, Argument: arg, Checksum: crc}
}

// MarshalTo writes the wire form of f into buf, which must hold at least
// FrameSize bytes.
func (f Frame) MarshalTo(buf []byte) {
	_ = buf[FrameSize-1]
	buf[0] = 0x40 | (byte(f.Opcode) & 0x3F)
	binary.BigEndian.PutUint32(buf[1:5], f.Argument)
	buf[5] = f.Checksum
}

// ParseFrame decodes a command from its wire form.
func ParseFrame(buf []byte) (Frame, error) {
	if len(buf) < FrameSize {
		return Frame{}, fmt.Errorf("sdmmc: short frame: %d bytes", len(buf))
	}
	if buf[0]&0xC0 != 0x40 {
		return Frame{}, fmt.Errorf("sdmmc: bad frame start bits: %#02x", buf[0])
	}
	if buf[5]&0x01 != 0x01 {
		return Frame{}, fmt.Errorf("sdmmc: missing frame end bit: %#02x", buf[5])
	}
	return Frame{
		Opcode:   Opcode(buf[0] & 0x3F),
		Argument: binary.BigEndian.Uint32(buf[1:5]),
		Checksum: buf[5],
	}, nil
}

func (f Frame) String() string {
	return fmt.Sprintf("%v(%#08x) crc=%#02x", f.Opcode, f.Argument, f.Checksum)
}

// R1 is the one-byte response the card sends after every command.
type R1 byte

const (
	R1Ready          R1 = 0x00
	R1Idle           R1 = 0x01
	R1EraseReset     R1 = 0x02
	R1IllegalCommand R1 = 0x04
	R1ChecksumError  R1 = 0x08
	R1EraseSequence  R1 = 0x10
	R1AddressError   R1 = 0x20
	R1ParameterError R1 = 0x40
)

// Valid reports whether r is a response rather than an idle bus
// (the most significant bit of an R1 is always clear).
func (r R1) Valid() bool {
	return r&0x80 == 0
}

// Data tokens.
const (
	// StartBlockToken precedes a data block in both directions.
	StartBlockToken byte = 0xFE
	// DataResponseMask selects the status bits of the token the card sends
	// after receiving a data block.
	DataResponseMask byte = 0x1F
	// DataAccepted is the masked data response for an accepted block.
	DataAccepted byte = 0x05
	// DataChecksumError is the masked data response for a block rejected
	// because of a checksum error.
	DataChecksumError byte = 0x0B
	// DataWriteError is the masked data response for a block rejected
	// because of a write error.
	DataWriteError byte = 0x0D

	// filler is clocked out by the host whenever it only wants to receive.
	filler byte = 0xFF
)

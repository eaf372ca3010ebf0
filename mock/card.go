// Package mock emulates a memory card speaking the SPI-mode protocol at
// the byte level, for exercising the transport without hardware.
package mock

import (
	"github.com/rabidaudio/nofs/sdmmc"
)

// Faults make an emulated card misbehave.
type Faults struct {
	IgnoreIdle    bool // never answer GoIdleState
	NeverReady    bool // answer SendOpCond with idle forever
	BusyAttempts  int  // answer SendOpCond with idle this many times first
	RejectWrites  int  // reject the next n data blocks with a write error
	DropDataToken bool // never send the start token for a read
	StuckBusy     bool // hold the line low forever once a block is accepted
}

type mode int

const (
	modeCommand mode = iota
	modeWriteToken
	modeWriteData
)

// minPowerUpBytes is the number of bytes (74 clock cycles, rounded up) the
// card must see while deselected before it accepts its first command.
const minPowerUpBytes = 10

// busyBytes is how long the card holds the line low after a write.
const busyBytes = 2

// Card is an emulated card attached directly to the transport as its bus.
// The exported counters record what the host did.
type Card struct {
	Medium Medium
	Faults Faults

	Frames       []sdmmc.Frame // every command received, in order
	Writes       []uint32      // every sector programmed, in order
	Exchanges    int           // bytes clocked, selected or not
	Transactions int           // number of times the card was selected
	Speeds       []int         // clock rates requested by the host

	selected bool
	spiMode  bool
	idle     bool
	busy     bool
	clocks   int
	opConds  int

	mode      mode
	cmd       []byte
	out       []byte
	block     []byte
	writeAddr uint32
}

// ensure interface conformation
var _ sdmmc.Bus = (*Card)(nil)
var _ sdmmc.SpeedSetter = (*Card)(nil)

// NewCard returns a powered-off card storing its sectors in m.
func NewCard(m Medium) *Card {
	return &Card{Medium: m}
}

func (c *Card) Select() {
	c.selected = true
	c.Transactions++
}

// Deselect ends the current exchange. Partial frames and any response
// not yet clocked out are dropped.
func (c *Card) Deselect() {
	c.selected = false
	c.cmd = c.cmd[:0]
	c.out = c.out[:0]
	c.mode = modeCommand
	c.busy = false
}

func (c *Card) SetSpeed(hz int) {
	c.Speeds = append(c.Speeds, hz)
}

func (c *Card) ExchangeBytes(buf []byte) {
	for i := range buf {
		buf[i] = c.Exchange(buf[i])
	}
}

func (c *Card) Exchange(in byte) byte {
	c.Exchanges++
	if !c.selected {
		if !c.spiMode {
			c.clocks++
		}
		return 0xFF
	}
	out := byte(0xFF)
	if len(c.out) > 0 {
		out = c.out[0]
		c.out = c.out[1:]
	} else if c.busy {
		return 0x00
	}
	c.receive(in)
	return out
}

// Selected reports whether the host currently holds the chip select.
func (c *Card) Selected() bool {
	return c.selected
}

// Idle reports whether the card is in SPI mode and still initializing.
func (c *Card) Idle() bool {
	return c.spiMode && c.idle
}

// Count returns how many commands with opcode op were received.
func (c *Card) Count(op sdmmc.Opcode) int {
	n := 0
	for _, f := range c.Frames {
		if f.Opcode == op {
			n++
		}
	}
	return n
}

func (c *Card) receive(in byte) {
	switch c.mode {
	case modeCommand:
		if len(c.cmd) == 0 && in&0xC0 != 0x40 {
			return
		}
		c.cmd = append(c.cmd, in)
		if len(c.cmd) < sdmmc.FrameSize {
			return
		}
		f, err := sdmmc.ParseFrame(c.cmd)
		c.cmd = c.cmd[:0]
		if err == nil {
			c.command(f)
		}
	case modeWriteToken:
		if in == sdmmc.StartBlockToken {
			c.block = c.block[:0]
			c.mode = modeWriteData
		}
	case modeWriteData:
		c.block = append(c.block, in)
		if len(c.block) == sdmmc.SectorSize+2 {
			c.mode = modeCommand
			c.program()
		}
	}
}

func (c *Card) respond(b ...byte) {
	// one byte of command response time (NCR) before the answer
	c.out = append(c.out, 0xFF)
	c.out = append(c.out, b...)
}

func (c *Card) r1(r sdmmc.R1) byte {
	if c.idle {
		r |= sdmmc.R1Idle
	}
	return byte(r)
}

func (c *Card) command(f sdmmc.Frame) {
	c.Frames = append(c.Frames, f)

	if f.Opcode == sdmmc.GoIdleState {
		if !c.spiMode && (c.clocks < minPowerUpBytes || f.Checksum != sdmmc.IdleChecksum) {
			return
		}
		if c.Faults.IgnoreIdle {
			return
		}
		c.spiMode, c.idle, c.opConds = true, true, 0
		c.respond(c.r1(sdmmc.R1Idle))
		return
	}
	if !c.spiMode {
		return
	}

	switch f.Opcode {
	case sdmmc.SendOpCond:
		if c.Faults.NeverReady || c.opConds < c.Faults.BusyAttempts {
			c.opConds++
			c.respond(c.r1(sdmmc.R1Idle))
			return
		}
		c.idle = false
		c.respond(c.r1(sdmmc.R1Ready))
	case sdmmc.ReadSingleBlock, sdmmc.WriteBlock:
		if c.idle {
			c.respond(c.r1(sdmmc.R1IllegalCommand))
			return
		}
		if f.Argument%sdmmc.SectorSize != 0 || f.Argument/sdmmc.SectorSize >= c.Medium.Sectors() {
			c.respond(c.r1(sdmmc.R1AddressError))
			return
		}
		if f.Opcode == sdmmc.WriteBlock {
			c.writeAddr = f.Argument
			c.mode = modeWriteToken
			c.respond(c.r1(sdmmc.R1Ready))
			return
		}
		c.read(f.Argument / sdmmc.SectorSize)
	default:
		c.respond(c.r1(sdmmc.R1IllegalCommand))
	}
}

func (c *Card) read(index uint32) {
	if c.Faults.DropDataToken {
		c.respond(c.r1(sdmmc.R1Ready))
		return
	}
	data := make([]byte, sdmmc.SectorSize)
	if err := c.Medium.ReadSector(index, data); err != nil {
		// R1, then a data error token in place of the block
		c.respond(c.r1(sdmmc.R1Ready), 0xFF, 0x01)
		return
	}
	c.respond(c.r1(sdmmc.R1Ready), 0xFF, sdmmc.StartBlockToken)
	c.out = append(c.out, data...)
	c.out = append(c.out, 0xFF, 0xFF)
}

func (c *Card) program() {
	index := c.writeAddr / sdmmc.SectorSize
	if c.Faults.RejectWrites > 0 {
		c.Faults.RejectWrites--
		c.out = append(c.out, 0xE0|sdmmc.DataWriteError)
		return
	}
	if err := c.Medium.WriteSector(index, c.block[:sdmmc.SectorSize]); err != nil {
		c.out = append(c.out, 0xE0|sdmmc.DataWriteError)
		return
	}
	c.Writes = append(c.Writes, index)
	c.out = append(c.out, 0xE0|sdmmc.DataAccepted)
	if c.Faults.StuckBusy {
		c.busy = true
		return
	}
	for i := 0; i < busyBytes; i++ {
		c.out = append(c.out, 0x00)
	}
}

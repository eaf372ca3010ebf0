// Package sdmmc drives a memory card in SPI mode: it brings the card from
// power-up to ready and performs single 512-byte sector reads and writes.
//
// Cards are byte addressed (standard capacity), so the address sent with a
// sector command is the sector index times [SectorSize]. All waits on the
// card are bounded by the budgets in [Options]; nothing is retried beyond
// them.
package sdmmc

import (
	"fmt"
	"time"

	log "github.com/fclairamb/go-log"
	lognoop "github.com/fclairamb/go-log/noop"
)

// SectorSize is the size of a sector in bytes.
const SectorSize = 512

// State is the lifecycle state of a card.
type State int

const (
	Uninitialized State = iota
	Idle                // GoIdleState acknowledged
	Ready               // SendOpCond reported the card operational
	Faulted             // a handshake failed; terminal
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Default budgets.
const (
	DefaultIdleRetries   = 10
	DefaultOpCondRetries = 1000
	DefaultPollBudget    = 4096
	DefaultRetryDelay    = time.Millisecond
	DefaultInitSpeed     = 400_000    // 400 kHz
	DefaultSpeed         = 10_000_000 // 10 MHz
)

// MaxCapacity is the largest sector count reachable with byte addressing.
const MaxCapacity = 1 << 23

// responsePolls is the longest the card may take to answer a command, in
// bytes (NCR).
const responsePolls = 8

// powerUpBytes is clocked with the card deselected before the first
// command; the card needs at least 74 cycles.
const powerUpBytes = 10

// Options configures a Card. The zero value of any field selects its
// default, except Capacity, which must be set.
type Options struct {
	Capacity      uint32        // number of addressable sectors
	IdleRetries   int           // GoIdleState attempts after the first
	OpCondRetries int           // SendOpCond attempts
	PollBudget    int           // bytes to poll for a data token or the end of busy
	RetryDelay    time.Duration // pause between handshake attempts
	InitSpeed     int           // bus clock during the handshake, if the bus is a SpeedSetter
	Speed         int           // bus clock once ready
	Timer         Timer         // defaults to time.Sleep
	Logger        log.Logger    // defaults to a no-op logger
}

func (o *Options) setDefaults() {
	if o.IdleRetries == 0 {
		o.IdleRetries = DefaultIdleRetries
	}
	if o.OpCondRetries == 0 {
		o.OpCondRetries = DefaultOpCondRetries
	}
	if o.PollBudget == 0 {
		o.PollBudget = DefaultPollBudget
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.InitSpeed == 0 {
		o.InitSpeed = DefaultInitSpeed
	}
	if o.Speed == 0 {
		o.Speed = DefaultSpeed
	}
	if o.Timer == nil {
		o.Timer = sleepTimer{}
	}
	if o.Logger == nil {
		o.Logger = lognoop.NewNoOpLogger()
	}
}

// Card is a memory card attached to a Bus. A Card must be initialized with
// [Card.Init] before sectors can be read or written. It is not safe for
// concurrent use.
type Card struct {
	bus    Bus
	opts   Options
	state  State
	logger log.Logger

	frame [FrameSize]byte
	block [SectorSize]byte
}

// New returns an uninitialized card on bus.
func New(bus Bus, opts Options) *Card {
	opts.setDefaults()
	return &Card{
		bus:    bus,
		opts:   opts,
		state:  Uninitialized,
		logger: opts.Logger.With("component", "sdmmc"),
	}
}

// State returns the current lifecycle state.
func (c *Card) State() State {
	return c.state
}

// Capacity returns the number of addressable sectors.
func (c *Card) Capacity() uint32 {
	return c.opts.Capacity
}

// Init runs the power-up handshake. It sends GoIdleState until the card
// reports idle, retrying at most IdleRetries times, then SendOpCond until
// the card reports ready, at most OpCondRetries times. If either budget
// runs out the card is Faulted and ErrInitializationFailed is returned.
//
// Init may be called again on a Ready card to reset it. A Faulted card is
// never touched again.
func (c *Card) Init() error {
	if c.state == Faulted {
		return fmt.Errorf("init: card faulted: %w", ErrInitializationFailed)
	}
	c.state = Uninitialized
	if ss, ok := c.bus.(SpeedSetter); ok {
		ss.SetSpeed(c.opts.InitSpeed)
	}
	c.powerUp()

	r1, err := c.handshake(GoIdleState, R1Idle, 1+c.opts.IdleRetries)
	if err != nil {
		c.state = Faulted
		c.logger.Error("card did not enter idle state", "r1", r1, "err", err)
		return fmt.Errorf("init: %v: %w", GoIdleState, ErrInitializationFailed)
	}
	c.state = Idle
	c.logger.Debug("card idle")

	r1, err = c.handshake(SendOpCond, R1Ready, c.opts.OpCondRetries)
	if err != nil {
		c.state = Faulted
		c.logger.Error("card did not become ready", "r1", r1, "err", err)
		return fmt.Errorf("init: %v: %w", SendOpCond, ErrInitializationFailed)
	}
	c.state = Ready

	if ss, ok := c.bus.(SpeedSetter); ok {
		ss.SetSpeed(c.opts.Speed)
	}
	c.logger.Info("card ready", "capacity", c.opts.Capacity)
	return nil
}

// handshake sends op until the card answers want, for at most attempts
// tries. It returns the last response seen.
func (c *Card) handshake(op Opcode, want R1, attempts int) (r1 R1, err error) {
	for i := 0; i < attempts; i++ {
		if i > 0 {
			c.opts.Timer.Sleep(c.opts.RetryDelay)
		}
		r1, err = c.Command(op, 0)
		if err == nil && r1 == want {
			return r1, nil
		}
		c.logger.Debug("handshake attempt", "op", op, "attempt", i+1, "r1", r1, "err", err)
	}
	if err == nil {
		err = fmt.Errorf("unexpected response %#02x", byte(r1))
	}
	return r1, err
}

func (c *Card) powerUp() {
	c.bus.Deselect()
	for i := 0; i < powerUpBytes; i++ {
		c.bus.Exchange(filler)
	}
}

// Command sends a single command in its own bus transaction and returns
// the card's response.
func (c *Card) Command(op Opcode, arg uint32) (R1, error) {
	if c.state == Faulted {
		return 0, fmt.Errorf("command %v: card faulted: %w", op, ErrPrecondition)
	}
	var r1 R1
	err := c.transaction(func() (err error) {
		r1, err = c.send(op, arg)
		return err
	})
	return r1, err
}

// transaction runs fn with the card selected. The chip select is released
// and one filler byte is clocked afterwards, so the card lets go of its
// output line.
func (c *Card) transaction(fn func() error) error {
	c.bus.Select()
	defer func() {
		c.bus.Deselect()
		c.bus.Exchange(filler)
	}()
	return fn()
}

// send writes a command frame and polls for its response. The card must
// already be selected.
func (c *Card) send(op Opcode, arg uint32) (R1, error) {
	NewFrame(op, arg).MarshalTo(c.frame[:])
	c.bus.ExchangeBytes(c.frame[:])
	for i := 0; i < responsePolls; i++ {
		if r1 := R1(c.bus.Exchange(filler)); r1.Valid() {
			return r1, nil
		}
	}
	return 0xFF, fmt.Errorf("%v: no response: %w", op, ErrSectorIO)
}

func (c *Card) checkSector(op string, index uint32, n int) error {
	if c.state != Ready {
		return fmt.Errorf("%v sector %d: card %v: %w", op, index, c.state, ErrPrecondition)
	}
	if index >= c.opts.Capacity || index >= MaxCapacity {
		return fmt.Errorf("%v sector %d: out of range (capacity %d): %w", op, index, c.opts.Capacity, ErrPrecondition)
	}
	if n > SectorSize {
		return fmt.Errorf("%v sector %d: %d bytes exceeds sector size: %w", op, index, n, ErrPrecondition)
	}
	return nil
}

// WriteSector replaces the contents of sector index with data, padded with
// zeros to a full sector. It waits for the card to finish programming
// before returning. A failed write is not retried.
func (c *Card) WriteSector(index uint32, data []byte) error {
	if err := c.checkSector("write", index, len(data)); err != nil {
		return err
	}
	return c.transaction(func() error {
		r1, err := c.send(WriteBlock, index*SectorSize)
		if err != nil {
			return fmt.Errorf("write sector %d: %w", index, err)
		}
		if r1 != R1Ready {
			return fmt.Errorf("write sector %d: rejected with r1 %#02x: %w", index, byte(r1), ErrSectorIO)
		}

		c.bus.Exchange(filler)
		c.bus.Exchange(StartBlockToken)
		n := copy(c.block[:], data)
		clear(c.block[n:])
		c.bus.ExchangeBytes(c.block[:])
		c.bus.Exchange(filler)
		c.bus.Exchange(filler)

		if resp := c.bus.Exchange(filler) & DataResponseMask; resp != DataAccepted {
			return fmt.Errorf("write sector %d: data rejected with %#02x: %w", index, resp, ErrSectorIO)
		}
		if !c.waitIdle() {
			return fmt.Errorf("write sector %d: still busy after %d polls: %w", index, c.opts.PollBudget, ErrSectorIO)
		}
		c.logger.Debug("wrote sector", "sector", index, "bytes", len(data))
		return nil
	})
}

// waitIdle polls until the card stops holding the line low.
func (c *Card) waitIdle() bool {
	for i := 0; i < c.opts.PollBudget; i++ {
		if c.bus.Exchange(filler) != 0x00 {
			return true
		}
	}
	return false
}

// ReadSector reads sector index into out. If out is shorter than a
// sector only its length is kept; the rest of the sector is clocked out
// and discarded.
func (c *Card) ReadSector(index uint32, out []byte) error {
	if err := c.checkSector("read", index, len(out)); err != nil {
		return err
	}
	return c.transaction(func() error {
		r1, err := c.send(ReadSingleBlock, index*SectorSize)
		if err != nil {
			return fmt.Errorf("read sector %d: %w", index, err)
		}
		if r1 != R1Ready {
			return fmt.Errorf("read sector %d: rejected with r1 %#02x: %w", index, byte(r1), ErrSectorIO)
		}

		if err := c.awaitStartToken(); err != nil {
			return fmt.Errorf("read sector %d: %w", index, err)
		}
		for i := range c.block {
			c.block[i] = filler
		}
		c.bus.ExchangeBytes(c.block[:])
		copy(out, c.block[:])
		c.bus.Exchange(filler)
		c.bus.Exchange(filler)
		return nil
	})
}

func (c *Card) awaitStartToken() error {
	for i := 0; i < c.opts.PollBudget; i++ {
		switch b := c.bus.Exchange(filler); {
		case b == StartBlockToken:
			return nil
		case b&0xF0 == 0:
			return fmt.Errorf("error token %#02x: %w", b, ErrSectorIO)
		}
	}
	return fmt.Errorf("no data token after %d polls: %w", c.opts.PollBudget, ErrSectorIO)
}

// Package spi connects a memory card to the SPI controller of a Raspberry
// Pi.
//
// The controller's own chip select is released after every transfer, but
// a card expects it held for a whole command exchange, so the card's chip
// select is wired to a plain GPIO pin and driven by hand.
package spi

import (
	"fmt"

	"github.com/rabidaudio/nofs/sdmmc"
	rpio "github.com/stianeikeland/go-rpio/v4"
)

const SPI_SPEED = sdmmc.DefaultInitSpeed // 400 kHz until the card is ready

// DEFAULT_CS_PIN is the BCM number of the GPIO driving the card's chip
// select (CE0 on the header, used as a plain output).
const DEFAULT_CS_PIN = 8

// unusedChipSelect is the controller chip select left to toggle on its own.
const unusedChipSelect = 1

type Spi struct {
	dev rpio.SpiDev
	cs  rpio.Pin
	buf [1]byte
}

// ensure interface conformation
var _ sdmmc.Bus = (*Spi)(nil)
var _ sdmmc.SpeedSetter = (*Spi)(nil)

func Open() (*Spi, error) {
	return OpenDevice(rpio.Spi0, DEFAULT_CS_PIN)
}

// OpenDevice maps the GPIO registers and starts controller dev in mode 0,
// with the card's chip select on BCM pin csPin.
func OpenDevice(dev rpio.SpiDev, csPin uint8) (spi *Spi, err error) {
	err = rpio.Open()
	if err != nil {
		return nil, fmt.Errorf("spi: open gpio: %w", err)
	}
	err = rpio.SpiBegin(dev)
	if err != nil {
		rpio.Close()
		return nil, fmt.Errorf("spi: begin: %w", err)
	}
	rpio.SpiChipSelect(unusedChipSelect)
	rpio.SpiMode(0, 0)
	rpio.SpiSpeed(SPI_SPEED)

	spi = &Spi{dev: dev, cs: rpio.Pin(csPin)}
	spi.cs.Output()
	spi.cs.High()
	return spi, nil
}

// Select drives the chip select low.
func (s *Spi) Select() {
	s.cs.Low()
}

func (s *Spi) Deselect() {
	s.cs.High()
}

func (s *Spi) Exchange(b byte) byte {
	s.buf[0] = b
	rpio.SpiExchange(s.buf[:])
	return s.buf[0]
}

func (s *Spi) ExchangeBytes(buf []byte) {
	if len(buf) == 0 {
		return
	}
	rpio.SpiExchange(buf)
}

func (s *Spi) SetSpeed(hz int) {
	rpio.SpiSpeed(hz)
}

func (s *Spi) Close() error {
	s.cs.High()
	rpio.SpiEnd(s.dev)
	return rpio.Close()
}

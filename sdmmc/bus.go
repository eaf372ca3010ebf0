package sdmmc

import "time"

// Bus is a synchronous serial bus with a single card attached.
//
// Every byte sent clocks one byte back from the card. The transport holds
// the chip select for the whole of one command-response exchange and
// always releases it before returning.
type Bus interface {
	Select()
	Deselect()
	// Exchange sends b and returns the byte received at the same time.
	Exchange(b byte) byte
	// ExchangeBytes sends buf and replaces its contents with the bytes
	// received.
	ExchangeBytes(buf []byte)
}

// SpeedSetter is implemented by buses that can change their clock rate.
// Cards must be identified at 400 kHz or less; the transport raises the
// clock once the card is ready.
type SpeedSetter interface {
	SetSpeed(hz int)
}

// Timer provides the delay between handshake retries.
type Timer interface {
	Sleep(d time.Duration)
}

type sleepTimer struct{}

func (sleepTimer) Sleep(d time.Duration) {
	time.Sleep(d)
}

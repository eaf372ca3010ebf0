package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rabidaudio/nofs/mock"
	"github.com/rabidaudio/nofs/nofs"
	"github.com/rabidaudio/nofs/sdmmc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
card:
  capacity_sectors: 3906250
  blank: 0xff
  flush_threshold: 4
  scan: linear
transport:
  idle_retries: 3
  retry_delay: 5ms
bus:
  device: 1
  chip_select_pin: 25
  speed_hz: 4000000
`

func TestDefault(t *testing.T) {
	c := Default()
	assert.NoError(t, c.Validate())
	assert.Equal(t, nofs.DefaultFlushThreshold, c.Card.FlushThreshold)
	assert.Equal(t, "gallop", c.Card.Scan)
	assert.Equal(t, uint8(8), c.Bus.ChipSelectPin)
	assert.Equal(t, byte(0xFF), c.Card.Blank, "erased cards read as 0xff")
}

func TestTransportBudgetsPassThrough(t *testing.T) {
	c, err := Parse([]byte("transport:\n  idle_retries: 1\n  op_cond_retries: 2\n  poll_budget: 3\n"))
	require.NoError(t, err)

	opts := c.CardOptions(8, nil)
	assert.Equal(t, 1, opts.IdleRetries)
	assert.Equal(t, 2, opts.OpCondRetries)
	assert.Equal(t, 3, opts.PollBudget)

	// the transport keeps what the file said
	bus := mock.NewCard(mock.NewMemoryMedium(8, 0xFF))
	bus.Faults.IgnoreIdle = true
	card := sdmmc.New(bus, opts)
	assert.ErrorIs(t, card.Init(), sdmmc.ErrInitializationFailed)
	assert.Equal(t, 2, bus.Count(sdmmc.GoIdleState))
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, uint32(3906250), c.Card.CapacitySectors)
	assert.Equal(t, byte(0xFF), c.Card.Blank)
	assert.Equal(t, 4, c.Card.FlushThreshold)
	assert.Equal(t, 3, c.Transport.IdleRetries)
	assert.Equal(t, 5*time.Millisecond, c.Transport.RetryDelay)
	assert.Equal(t, sdmmc.DefaultOpCondRetries, c.Transport.OpCondRetries, "unset keys keep their default")
	assert.Equal(t, 1, c.Bus.Device)
	assert.Equal(t, uint8(25), c.Bus.ChipSelectPin)
	assert.Equal(t, sdmmc.DefaultInitSpeed, c.Bus.InitSpeedHz)

	opts := c.StoreOptions(nil)
	assert.Equal(t, byte(0xFF), opts.Blank)
	assert.Equal(t, 4, opts.FlushThreshold)
	assert.Equal(t, nofs.ScanLinear, opts.Scan)

	card := c.CardOptions(0, nil)
	assert.Equal(t, uint32(3906250), card.Capacity)
	assert.Equal(t, 4000000, card.Speed)
	assert.Equal(t, 5*time.Millisecond, card.RetryDelay)

	card = c.CardOptions(64, nil)
	assert.Equal(t, uint32(64), card.Capacity)
}

func TestParseInvalid(t *testing.T) {
	for name, doc := range map[string]string{
		"scan":      "card:\n  scan: bisect\n",
		"threshold": "card:\n  flush_threshold: 0\n",
		"capacity":  "card:\n  capacity_sectors: 9000000\n",
		"clock":     "bus:\n  init_speed_hz: 1000000\n",
		"device":    "bus:\n  device: 7\n",
		"retries":   "transport:\n  idle_retries: 0\n",
		"negative":  "transport:\n  idle_retries: -1\n",
		"delay":     "transport:\n  retry_delay: 0s\n",
		"syntax":    "card: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestValidateReportsAll(t *testing.T) {
	c := Default()
	c.Card.Scan = "nope"
	c.Transport.PollBudget = 0
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "card.scan")
	assert.Contains(t, err.Error(), "transport.poll_budget")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nofs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "linear", c.Card.Scan)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

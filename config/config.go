// Package config loads the settings of a logging deployment from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/fclairamb/go-log"
	"github.com/rabidaudio/nofs/nofs"
	"github.com/rabidaudio/nofs/sdmmc"
	"gopkg.in/yaml.v3"
)

type Card struct {
	CapacitySectors uint32 `yaml:"capacity_sectors"`
	Blank           byte   `yaml:"blank"`
	FlushThreshold  int    `yaml:"flush_threshold"`
	Scan            string `yaml:"scan"`
}

type Transport struct {
	IdleRetries   int           `yaml:"idle_retries"`
	OpCondRetries int           `yaml:"op_cond_retries"`
	PollBudget    int           `yaml:"poll_budget"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

type Bus struct {
	Device        int   `yaml:"device"`
	ChipSelectPin uint8 `yaml:"chip_select_pin"`
	InitSpeedHz   int   `yaml:"init_speed_hz"`
	SpeedHz       int   `yaml:"speed_hz"`
}

type Config struct {
	Card      Card      `yaml:"card"`
	Transport Transport `yaml:"transport"`
	Bus       Bus       `yaml:"bus"`
}

// Default returns the configuration used when no file is given. The card
// capacity is left unset.
func Default() Config {
	return Config{
		Card: Card{
			Blank:          0xFF,
			FlushThreshold: nofs.DefaultFlushThreshold,
			Scan:           nofs.ScanGallop.String(),
		},
		Transport: Transport{
			IdleRetries:   sdmmc.DefaultIdleRetries,
			OpCondRetries: sdmmc.DefaultOpCondRetries,
			PollBudget:    sdmmc.DefaultPollBudget,
			RetryDelay:    sdmmc.DefaultRetryDelay,
		},
		Bus: Bus{
			ChipSelectPin: 8,
			InitSpeedHz:   sdmmc.DefaultInitSpeed,
			SpeedHz:       sdmmc.DefaultSpeed,
		},
	}
}

// Load reads the file at path over the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes data over the defaults and validates the result. Keys
// missing from data keep their default.
func Parse(data []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks every value is usable. A zero capacity is allowed here,
// since an image supplies its own. Transport budgets must be set
// explicitly: zero would select the transport default.
func (c Config) Validate() error {
	var errs []error
	if c.Card.CapacitySectors > sdmmc.MaxCapacity {
		errs = append(errs, fmt.Errorf("card.capacity_sectors: %d exceeds the addressable %d", c.Card.CapacitySectors, sdmmc.MaxCapacity))
	}
	if c.Card.FlushThreshold < 1 {
		errs = append(errs, fmt.Errorf("card.flush_threshold: must be at least 1"))
	}
	if _, err := nofs.ParseScanStrategy(c.Card.Scan); err != nil {
		errs = append(errs, fmt.Errorf("card.scan: %w", err))
	}
	if c.Transport.IdleRetries < 1 {
		errs = append(errs, fmt.Errorf("transport.idle_retries: must be at least 1"))
	}
	if c.Transport.OpCondRetries < 1 {
		errs = append(errs, fmt.Errorf("transport.op_cond_retries: must be at least 1"))
	}
	if c.Transport.PollBudget < 1 {
		errs = append(errs, fmt.Errorf("transport.poll_budget: must be at least 1"))
	}
	if c.Transport.RetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("transport.retry_delay: must be positive"))
	}
	if c.Bus.Device < 0 || c.Bus.Device > 2 {
		errs = append(errs, fmt.Errorf("bus.device: %d is not a spi controller", c.Bus.Device))
	}
	if c.Bus.InitSpeedHz < 1 || c.Bus.InitSpeedHz > sdmmc.DefaultInitSpeed {
		errs = append(errs, fmt.Errorf("bus.init_speed_hz: must be between 1 and %d", sdmmc.DefaultInitSpeed))
	}
	if c.Bus.SpeedHz < 1 {
		errs = append(errs, fmt.Errorf("bus.speed_hz: must be at least 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// CardOptions returns the transport options for a card of the given
// capacity. If capacity is 0 the configured one is used.
func (c Config) CardOptions(capacity uint32, logger log.Logger) sdmmc.Options {
	if capacity == 0 {
		capacity = c.Card.CapacitySectors
	}
	return sdmmc.Options{
		Capacity:      capacity,
		IdleRetries:   c.Transport.IdleRetries,
		OpCondRetries: c.Transport.OpCondRetries,
		PollBudget:    c.Transport.PollBudget,
		RetryDelay:    c.Transport.RetryDelay,
		InitSpeed:     c.Bus.InitSpeedHz,
		Speed:         c.Bus.SpeedHz,
		Logger:        logger,
	}
}

// StoreOptions returns the log store options. The configuration must be
// valid.
func (c Config) StoreOptions(logger log.Logger) nofs.Options {
	scan, _ := nofs.ParseScanStrategy(c.Card.Scan)
	return nofs.Options{
		Blank:          c.Card.Blank,
		FlushThreshold: c.Card.FlushThreshold,
		Scan:           scan,
		Logger:         logger,
	}
}

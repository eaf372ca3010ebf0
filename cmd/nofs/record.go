package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/fclairamb/go-log"
	"github.com/rabidaudio/nofs/config"
	"github.com/rabidaudio/nofs/image"
	"github.com/rabidaudio/nofs/mock"
	"github.com/rabidaudio/nofs/nofs"
	"github.com/rabidaudio/nofs/sdmmc"
	"github.com/rabidaudio/nofs/spi"
	"github.com/spf13/cobra"
	rpio "github.com/stianeikeland/go-rpio/v4"
)

type recordOpts struct {
	image        string
	spi          bool
	syncInterval time.Duration
}

func newRecordCmd(g *globals) *cobra.Command {
	var opts recordOpts

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Append lines from stdin to the log",
		Long: `Append every line read from stdin to the log as one record, on a card
attached over SPI or in a card image. The log resumes after whatever is
already on the card. Buffered records are committed at end of input and on
SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (opts.image == "") == !opts.spi {
				return fmt.Errorf("choose one of --image or --spi")
			}
			cfg, err := g.config()
			if err != nil {
				return err
			}
			logger := g.logger()

			card, closefn, err := openCard(cfg, opts, logger)
			if err != nil {
				return err
			}
			defer closefn()

			store := nofs.New(card, cfg.StoreOptions(logger))
			if err := store.Init(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			lines := make(chan string)
			readErr := make(chan error, 1)
			go func() {
				readErr <- readLines(ctx, cmd.InOrStdin(), lines)
				close(lines)
			}()

			n, err := pump(ctx, store, lines, opts.syncInterval)
			logger.Info("recording stopped", "records", n, "cursor", store.Cursor())
			if err != nil {
				return err
			}
			// a read error is delivered before lines is closed
			select {
			case err = <-readErr:
			default:
			}
			if err != nil {
				return fmt.Errorf("record: reading input: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.image, "image", "i", "", "record into the card image at this path")
	cmd.Flags().BoolVar(&opts.spi, "spi", false, "record onto the card attached to the spi bus")
	cmd.Flags().DurationVar(&opts.syncInterval, "sync-interval", 0, "commit buffered records after this long without input (0 disables)")
	return cmd
}

// openCard returns the card selected by opts, and a func releasing it.
func openCard(cfg config.Config, opts recordOpts, logger log.Logger) (*sdmmc.Card, func() error, error) {
	if opts.image != "" {
		img, err := image.Open(opts.image)
		if err != nil {
			return nil, nil, err
		}
		card := sdmmc.New(mock.NewCard(img), cfg.CardOptions(img.Sectors(), logger))
		return card, img.Close, nil
	}

	if cfg.Card.CapacitySectors == 0 {
		return nil, nil, fmt.Errorf("card.capacity_sectors must be configured for --spi")
	}
	bus, err := spi.OpenDevice(rpio.SpiDev(cfg.Bus.Device), cfg.Bus.ChipSelectPin)
	if err != nil {
		return nil, nil, err
	}
	return sdmmc.New(bus, cfg.CardOptions(0, logger)), bus.Close, nil
}

// readLines sends every line of r, newline included, until r is exhausted
// or ctx is done. A final line without a newline is sent as is. Lines
// have no length limit.
func readLines(ctx context.Context, r io.Reader, lines chan<- string) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			select {
			case lines <- line:
			case <-ctx.Done():
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// pump appends each line to store until lines is closed or ctx is done,
// then commits the buffer. If interval is non-zero the buffer is also
// committed whenever no line has arrived for that long.
func pump(ctx context.Context, store *nofs.Store, lines <-chan string, interval time.Duration) (n int, err error) {
	for {
		var sync <-chan time.Time
		if interval > 0 && store.Buffered() > 0 {
			sync = time.After(interval)
		}
		select {
		case line, ok := <-lines:
			if !ok {
				return n, store.Close()
			}
			if err := store.AppendRecord(line); err != nil {
				return n, err
			}
			n++
		case <-sync:
			if err := store.Flush(); err != nil {
				return n, err
			}
		case <-ctx.Done():
			return n, store.Close()
		}
	}
}

// Package nofs is an append-only log written straight onto the sectors of
// a memory card, with no file system.
//
// The log starts at sector 0 and grows one sector at a time. There is no
// header or index: the end of the log is the first blank sector, which
// [Store.Init] finds again after a restart so that writing resumes without
// overwriting anything and without leaving a gap.
//
// Small writes are collected in a one-sector buffer and committed when the
// buffer fills or after every [DefaultFlushThreshold] writes, whichever
// comes first. Anything written since the last commit is lost on power
// failure.
//
// The store can only be written. Reading the log back is left to offline
// tools working on the card directly.
package nofs

import (
	"errors"
	"fmt"

	log "github.com/fclairamb/go-log"
	lognoop "github.com/fclairamb/go-log/noop"
	"github.com/rabidaudio/nofs/sdmmc"
)

// SectorSize is the size of the write buffer and of every commit.
const SectorSize = sdmmc.SectorSize

// DefaultFlushThreshold is the number of writes after which the buffer is
// committed even if it is not full.
const DefaultFlushThreshold = 10

// Error kinds, shared with the transport.
var (
	ErrInitializationFailed = sdmmc.ErrInitializationFailed
	ErrSectorIO             = sdmmc.ErrSectorIO
	ErrPrecondition         = sdmmc.ErrPrecondition
)

// BlockDevice is the sector storage under a Store.
type BlockDevice interface {
	Init() error
	ReadSector(index uint32, out []byte) error
	WriteSector(index uint32, data []byte) error
	Capacity() uint32
}

// ensure interface conformation
var _ BlockDevice = (*sdmmc.Card)(nil)

// Options configures a Store.
type Options struct {
	// Blank is the value of every byte of a sector that has never been
	// written: 0xFF for erased cards and for images made by the nofs
	// tool, 0x00 for zeroed media.
	Blank byte
	// FlushThreshold is the number of writes between forced commits. If 0,
	// DefaultFlushThreshold is used.
	FlushThreshold int
	// Scan selects the recovery scan.
	Scan ScanStrategy
	// Logger defaults to a no-op logger.
	Logger log.Logger
}

// Store is an append-only, write-only log on a BlockDevice. A Store must
// be initialized with [Store.Init] before it accepts writes.
//
// Store implements [io.Writer]. It is not safe for concurrent use; the
// caller is the single writer.
type Store struct {
	dev    BlockDevice
	opts   Options
	logger log.Logger

	ready   bool
	cursor  uint32
	fill    int
	pending int

	buf     [SectorSize]byte
	scratch [SectorSize]byte
}

// New returns an uninitialized store on dev.
func New(dev BlockDevice, opts Options) *Store {
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = DefaultFlushThreshold
	}
	if opts.Logger == nil {
		opts.Logger = lognoop.NewNoOpLogger()
	}
	return &Store{
		dev:    dev,
		opts:   opts,
		logger: opts.Logger.With("component", "nofs"),
	}
}

// Init initializes the device and finds the end of the log. Anything
// buffered but not yet committed is discarded, as after a restart.
//
// If the device cannot be initialized the store refuses all writes and
// the returned error is an ErrInitializationFailed; the caller should stop
// logging.
func (s *Store) Init() error {
	s.ready = false
	s.fill = 0
	s.pending = 0

	if err := s.dev.Init(); err != nil {
		s.logger.Error("device init failed", "err", err)
		if !errors.Is(err, ErrInitializationFailed) {
			return fmt.Errorf("nofs: init: %w: %w", ErrInitializationFailed, err)
		}
		return fmt.Errorf("nofs: init: %w", err)
	}

	cursor, err := s.scan()
	if err != nil {
		s.logger.Error("recovery scan failed", "err", err)
		return fmt.Errorf("nofs: recovery scan: %w", err)
	}
	s.cursor = cursor
	s.ready = true
	s.logger.Info("log recovered", "cursor", cursor, "capacity", s.dev.Capacity())
	return nil
}

// Write appends p to the log. The buffer is committed each time it fills,
// so p may span several sectors. Every call counts towards the flush
// threshold.
//
// If a commit fails, n is the number of bytes of p accepted into the
// buffer; they stay buffered and are resubmitted by the next commit.
func (s *Store) Write(p []byte) (n int, err error) {
	if !s.ready {
		return 0, fmt.Errorf("nofs: write: store not initialized: %w", ErrPrecondition)
	}
	for n < len(p) {
		if s.fill == SectorSize {
			if err = s.Flush(); err != nil {
				return n, err
			}
		}
		c := copy(s.buf[s.fill:], p[n:])
		s.fill += c
		n += c
		if s.fill == SectorSize {
			if err = s.Flush(); err != nil {
				return n, err
			}
		}
	}

	s.pending++
	if s.pending >= s.opts.FlushThreshold {
		if err = s.Flush(); err != nil {
			return n, err
		}
		s.pending = 0
	}
	return n, nil
}

// AppendRecord appends text to the log. See [Store.Write].
func (s *Store) AppendRecord(text string) error {
	_, err := s.Write([]byte(text))
	return err
}

// Flush commits the buffer to the sector at the cursor, zero padded, and
// moves the cursor on. An empty buffer is not committed. On failure
// nothing changes and the same content is committed by the next Flush.
//
// A buffer that would read back as blank is refused with ErrPrecondition:
// the next recovery scan would write over it. With the 0xFF pattern this
// takes a whole sector of 0xFF bytes; with 0x00, any run of NUL bytes.
func (s *Store) Flush() error {
	if !s.ready {
		return fmt.Errorf("nofs: flush: store not initialized: %w", ErrPrecondition)
	}
	if s.fill == 0 {
		return nil
	}
	if s.cursor >= s.dev.Capacity() {
		return fmt.Errorf("nofs: flush: medium full at sector %d: %w", s.cursor, ErrPrecondition)
	}
	if s.readsBlank() {
		return fmt.Errorf("nofs: flush sector %d: content matches the blank pattern %#02x: %w", s.cursor, s.opts.Blank, ErrPrecondition)
	}
	if err := s.dev.WriteSector(s.cursor, s.buf[:s.fill]); err != nil {
		s.logger.Warn("flush failed", "sector", s.cursor, "err", err)
		return fmt.Errorf("nofs: flush sector %d: %w", s.cursor, err)
	}
	s.logger.Debug("flushed", "sector", s.cursor, "bytes", s.fill)
	s.cursor++
	s.fill = 0
	return nil
}

// readsBlank reports whether the buffer, once zero padded, would be taken
// for an unwritten sector by the recovery scan.
func (s *Store) readsBlank() bool {
	if s.fill < SectorSize && s.opts.Blank != 0 {
		return false
	}
	for _, b := range s.buf[:s.fill] {
		if b != s.opts.Blank {
			return false
		}
	}
	return true
}

// Close commits anything still buffered. The store remains usable.
func (s *Store) Close() error {
	if !s.ready {
		return nil
	}
	return s.Flush()
}

// Cursor returns the sector the next commit will be written to.
func (s *Store) Cursor() uint32 {
	return s.cursor
}

// Buffered returns the number of bytes waiting for a commit.
func (s *Store) Buffered() int {
	return s.fill
}

// Pending returns the number of writes since the last threshold commit.
func (s *Store) Pending() int {
	return s.pending
}

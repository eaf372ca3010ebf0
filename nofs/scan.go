package nofs

import "fmt"

// ScanStrategy selects how Init searches for the end of the log.
type ScanStrategy int

const (
	// ScanGallop probes sectors 0, 1, 3, 7, ... until it finds a blank
	// one, then binary searches the last interval. It reads O(log n)
	// sectors.
	ScanGallop ScanStrategy = iota
	// ScanLinear reads every sector from 0 until the first blank one.
	ScanLinear
)

func (s ScanStrategy) String() string {
	switch s {
	case ScanGallop:
		return "gallop"
	case ScanLinear:
		return "linear"
	default:
		return fmt.Sprintf("ScanStrategy(%d)", int(s))
	}
}

// ParseScanStrategy is the inverse of [ScanStrategy.String].
func ParseScanStrategy(name string) (ScanStrategy, error) {
	switch name {
	case "gallop", "":
		return ScanGallop, nil
	case "linear":
		return ScanLinear, nil
	default:
		return 0, fmt.Errorf("nofs: unknown scan strategy %q", name)
	}
}

// scan returns the index of the first blank sector, or the capacity if
// there is none. Written sectors always form a prefix of the medium, since
// the log never commits a blank sector and never skips one.
func (s *Store) scan() (uint32, error) {
	capacity := s.dev.Capacity()
	if s.opts.Scan == ScanLinear {
		return s.scanLinear(capacity)
	}
	return s.scanGallop(capacity)
}

func (s *Store) scanLinear(capacity uint32) (uint32, error) {
	for i := uint32(0); i < capacity; i++ {
		blank, err := s.blank(i)
		if err != nil {
			return 0, err
		}
		if blank {
			return i, nil
		}
	}
	return capacity, nil
}

func (s *Store) scanGallop(capacity uint32) (uint32, error) {
	// every sector below lo is written; hi is blank or the capacity
	lo, hi := uint64(0), uint64(capacity)
	for probe := uint64(0); probe < hi; probe = 2*probe + 1 {
		blank, err := s.blank(uint32(probe))
		if err != nil {
			return 0, err
		}
		if blank {
			hi = probe
			break
		}
		lo = probe + 1
	}
	for lo < hi {
		mid := lo + (hi-lo)/2
		blank, err := s.blank(uint32(mid))
		if err != nil {
			return 0, err
		}
		if blank {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return uint32(lo), nil
}

func (s *Store) blank(index uint32) (bool, error) {
	if err := s.dev.ReadSector(index, s.scratch[:]); err != nil {
		return false, fmt.Errorf("sector %d: %w", index, err)
	}
	for _, b := range s.scratch {
		if b != s.opts.Blank {
			return false, nil
		}
	}
	return true, nil
}

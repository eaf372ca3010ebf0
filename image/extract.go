package image

import (
	"bytes"
	"fmt"
	"io"
)

// Extract copies the log stored in the image to w. The log is every
// sector from 0 up to the first one made entirely of blank bytes; the zero
// padding at the end of each commit is dropped. It returns the number of
// log sectors found.
//
// This is the only way to read a log back: the store itself is
// write-only.
func (img *Image) Extract(w io.Writer, blank byte) (uint32, error) {
	var sector [SECTOR_SIZE]byte
	for i := uint32(0); i < img.sectors; i++ {
		if err := img.ReadSector(i, sector[:]); err != nil {
			return i, err
		}
		if isBlank(sector[:], blank) {
			return i, nil
		}
		if _, err := w.Write(bytes.TrimRight(sector[:], "\x00")); err != nil {
			return i, fmt.Errorf("image: extract sector %d: %w", i, err)
		}
	}
	return img.sectors, nil
}

func isBlank(sector []byte, blank byte) bool {
	for _, b := range sector {
		if b != blank {
			return false
		}
	}
	return true
}

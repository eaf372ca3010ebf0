package mock

import (
	"fmt"

	"github.com/rabidaudio/nofs/sdmmc"
)

// Medium is the sector storage behind an emulated card.
type Medium interface {
	ReadSector(index uint32, out []byte) error
	WriteSector(index uint32, data []byte) error
	Sectors() uint32
}

// MemoryMedium is a Medium held in memory.
type MemoryMedium struct {
	data []byte
}

var _ Medium = (*MemoryMedium)(nil)

// NewMemoryMedium returns a medium of the given size with every byte set
// to blank.
func NewMemoryMedium(sectors uint32, blank byte) *MemoryMedium {
	data := make([]byte, int(sectors)*sdmmc.SectorSize)
	if blank != 0 {
		for i := range data {
			data[i] = blank
		}
	}
	return &MemoryMedium{data: data}
}

func (m *MemoryMedium) Sectors() uint32 {
	return uint32(len(m.data) / sdmmc.SectorSize)
}

func (m *MemoryMedium) ReadSector(index uint32, out []byte) error {
	if index >= m.Sectors() {
		return fmt.Errorf("mock: read sector %d out of range", index)
	}
	off := int(index) * sdmmc.SectorSize
	copy(out, m.data[off:off+sdmmc.SectorSize])
	return nil
}

func (m *MemoryMedium) WriteSector(index uint32, data []byte) error {
	if index >= m.Sectors() {
		return fmt.Errorf("mock: write sector %d out of range", index)
	}
	off := int(index) * sdmmc.SectorSize
	copy(m.data[off:off+sdmmc.SectorSize], data)
	return nil
}

// Sector returns a copy of the stored contents of sector index.
func (m *MemoryMedium) Sector(index uint32) []byte {
	off := int(index) * sdmmc.SectorSize
	return append([]byte(nil), m.data[off:off+sdmmc.SectorSize]...)
}

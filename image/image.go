// Package image stores the sectors of an emulated card in a raw image
// file, and reads a log back out of one.
package image

import (
	"fmt"
	"io"
	"os"

	"github.com/diskfs/go-diskfs"
	"github.com/rabidaudio/nofs/mock"
	"github.com/rabidaudio/nofs/sdmmc"
	"github.com/spf13/afero"
)

// SECTOR_SIZE is the size of a sector of the image.
const SECTOR_SIZE = sdmmc.SectorSize

// Image is a raw card image: a flat array of sectors from sector 0,
// without partitions.
type Image struct {
	r       io.ReaderAt
	w       io.WriterAt // nil if read-only
	sectors uint32
	closefn func() error
}

// ensure interface conformation
var _ mock.Medium = (*Image)(nil)

// New returns an image over f holding the given number of sectors. The
// image is writable if f is an [io.WriterAt].
func New(f io.ReaderAt, sectors uint32) *Image {
	img := Image{r: f, sectors: sectors, closefn: func() error { return nil }}
	if w, ok := f.(io.WriterAt); ok {
		img.w = w
	}
	return &img
}

func sizeOf(sectors uint32) int64 {
	return int64(sectors) * SECTOR_SIZE
}

func sectorsOf(size int64) (uint32, error) {
	if size%SECTOR_SIZE != 0 {
		return 0, fmt.Errorf("image: size %d is not a multiple of %d", size, SECTOR_SIZE)
	}
	n := size / SECTOR_SIZE
	if n > sdmmc.MaxCapacity {
		return 0, fmt.Errorf("image: %d sectors exceeds the addressable %d", n, sdmmc.MaxCapacity)
	}
	return uint32(n), nil
}

// Create makes a new image file at path with every byte set to blank.
// It fails if the file already exists.
func Create(path string, sectors uint32, blank byte) (*Image, error) {
	if sectors > sdmmc.MaxCapacity {
		return nil, fmt.Errorf("image: %d sectors exceeds the addressable %d", sectors, sdmmc.MaxCapacity)
	}
	dsk, err := diskfs.Create(path, sizeOf(sectors), diskfs.SectorSize512)
	if err != nil {
		return nil, fmt.Errorf("image: create %v: %w", path, err)
	}
	f, err := dsk.Backend.Writable()
	if err != nil {
		dsk.Backend.Close()
		return nil, fmt.Errorf("image: create %v: %w", path, err)
	}
	img := &Image{r: f, w: f, sectors: sectors, closefn: dsk.Backend.Close}
	if blank != 0 {
		if err := img.Fill(blank); err != nil {
			img.Close()
			return nil, err
		}
	}
	return img, nil
}

// Open opens an existing image file for reading and writing.
func Open(path string) (*Image, error) {
	return open(path, diskfs.ReadWrite)
}

// OpenReadOnly opens an existing image file for reading.
func OpenReadOnly(path string) (*Image, error) {
	return open(path, diskfs.ReadOnly)
}

func open(path string, mode diskfs.OpenModeOption) (*Image, error) {
	dsk, err := diskfs.Open(path, diskfs.WithOpenMode(mode))
	if err != nil {
		return nil, fmt.Errorf("image: open %v: %w", path, err)
	}
	sectors, err := sectorsOf(dsk.Size)
	if err != nil {
		dsk.Backend.Close()
		return nil, err
	}
	img := &Image{r: dsk.Backend, sectors: sectors, closefn: dsk.Backend.Close}
	if mode != diskfs.ReadOnly {
		f, err := dsk.Backend.Writable()
		if err != nil {
			dsk.Backend.Close()
			return nil, fmt.Errorf("image: open %v: %w", path, err)
		}
		img.r, img.w = f, f
	}
	return img, nil
}

// CreateFs makes a new image at path on fsys with every byte set to blank.
func CreateFs(fsys afero.Fs, path string, sectors uint32, blank byte) (*Image, error) {
	if sectors > sdmmc.MaxCapacity {
		return nil, fmt.Errorf("image: %d sectors exceeds the addressable %d", sectors, sdmmc.MaxCapacity)
	}
	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("image: create %v: %w", path, err)
	}
	if err := f.Truncate(sizeOf(sectors)); err != nil {
		f.Close()
		return nil, fmt.Errorf("image: create %v: %w", path, err)
	}
	img := &Image{r: f, w: f, sectors: sectors, closefn: f.Close}
	if blank != 0 {
		if err := img.Fill(blank); err != nil {
			img.Close()
			return nil, err
		}
	}
	return img, nil
}

// OpenFs opens an existing image at path on fsys for reading and writing.
func OpenFs(fsys afero.Fs, path string) (*Image, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("image: open %v: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("image: open %v: %w", path, err)
	}
	sectors, err := sectorsOf(info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Image{r: f, w: f, sectors: sectors, closefn: f.Close}, nil
}

// Sectors returns the number of sectors in the image.
func (img *Image) Sectors() uint32 {
	return img.sectors
}

// ReadSector reads sector index into out, up to the length of out.
func (img *Image) ReadSector(index uint32, out []byte) error {
	if index >= img.sectors {
		return fmt.Errorf("image: read sector %d: out of range (%d sectors)", index, img.sectors)
	}
	if len(out) > SECTOR_SIZE {
		out = out[:SECTOR_SIZE]
	}
	n, err := img.r.ReadAt(out, sizeOf(index))
	if err != nil && !(err == io.EOF && n == len(out)) {
		return fmt.Errorf("image: read sector %d: %w", index, err)
	}
	return nil
}

// WriteSector replaces sector index with data, zero padded.
func (img *Image) WriteSector(index uint32, data []byte) error {
	if img.w == nil {
		return fmt.Errorf("image: write sector %d: image is read-only", index)
	}
	if index >= img.sectors {
		return fmt.Errorf("image: write sector %d: out of range (%d sectors)", index, img.sectors)
	}
	if len(data) > SECTOR_SIZE {
		return fmt.Errorf("image: write sector %d: %d bytes exceeds sector size", index, len(data))
	}
	var sector [SECTOR_SIZE]byte
	copy(sector[:], data)
	if _, err := img.w.WriteAt(sector[:], sizeOf(index)); err != nil {
		return fmt.Errorf("image: write sector %d: %w", index, err)
	}
	return nil
}

// Fill sets every byte of the image to b.
func (img *Image) Fill(b byte) error {
	if img.w == nil {
		return fmt.Errorf("image: fill: image is read-only")
	}
	var sector [SECTOR_SIZE]byte
	for i := range sector {
		sector[i] = b
	}
	for i := uint32(0); i < img.sectors; i++ {
		if _, err := img.w.WriteAt(sector[:], sizeOf(i)); err != nil {
			return fmt.Errorf("image: fill sector %d: %w", i, err)
		}
	}
	return nil
}

// Close releases the underlying file.
func (img *Image) Close() error {
	return img.closefn()
}

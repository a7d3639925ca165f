package testing

import (
	"fmt"
	"testing"

	"github.com/dargueta/fatfs/blockdev"
	"github.com/dargueta/fatfs/errors"
	"github.com/stretchr/testify/require"
)

// NewMemoryImage creates a zero-filled in-memory device, failing the test if
// that isn't possible.
func NewMemoryImage(totalSize int64, sectorSize int, t *testing.T) *blockdev.MemoryDevice {
	device, err := blockdev.NewMemoryDevice(totalSize, sectorSize)
	require.NoErrorf(
		t, err, "failed to create %d-byte memory device with %d-byte sectors", totalSize, sectorSize)
	return device
}

// LoadImage creates an in-memory device holding a copy of `image`. Writes to
// the device don't affect `image`.
func LoadImage(image []byte, sectorSize int, readOnly bool, t *testing.T) *blockdev.MemoryDevice {
	require.Greater(t, len(image), 0, "image is empty")

	data := append([]byte(nil), image...)
	device, err := blockdev.NewMemoryDeviceFromBytes(data, sectorSize, readOnly)
	require.NoError(t, err)
	return device
}

////////////////////////////////////////////////////////////////////////////////

// SparseDevice is an in-memory device that only stores the sectors that have
// been written to, so tests can work with volumes far larger than the memory
// they'd need. Sectors never written read back as zeroes.
type SparseDevice struct {
	sectors    map[int64][]byte
	sectorSize int
	totalSize  int64
}

// NewSparseDevice creates an empty sparse device.
func NewSparseDevice(totalSize int64, sectorSize int) *SparseDevice {
	return &SparseDevice{
		sectors:    make(map[int64][]byte),
		sectorSize: sectorSize,
		totalSize:  totalSize,
	}
}

// forEachSector splits the byte range starting at `offset` into pieces that
// don't cross sector boundaries.
func (dev *SparseDevice) forEachSector(
	offset int64, length int, fn func(sector int64, inSector int, start, end int),
) {
	done := 0
	for done < length {
		position := offset + int64(done)
		sector := position / int64(dev.sectorSize)
		inSector := int(position % int64(dev.sectorSize))

		count := dev.sectorSize - inSector
		if count > length-done {
			count = length - done
		}
		fn(sector, inSector, done, done+count)
		done += count
	}
}

func (dev *SparseDevice) ReadSectors(offset int64, buffer []byte) error {
	err := blockdev.CheckIOBounds(offset, len(buffer), dev.totalSize)
	if err != nil {
		return err
	}

	dev.forEachSector(offset, len(buffer), func(sector int64, inSector int, start, end int) {
		stored, ok := dev.sectors[sector]
		if !ok {
			for i := start; i < end; i++ {
				buffer[i] = 0
			}
			return
		}
		copy(buffer[start:end], stored[inSector:])
	})
	return nil
}

func (dev *SparseDevice) WriteSectors(offset int64, data []byte) error {
	err := blockdev.CheckIOBounds(offset, len(data), dev.totalSize)
	if err != nil {
		return err
	}

	dev.forEachSector(offset, len(data), func(sector int64, inSector int, start, end int) {
		stored, ok := dev.sectors[sector]
		if !ok {
			stored = make([]byte, dev.sectorSize)
			dev.sectors[sector] = stored
		}
		copy(stored[inSector:], data[start:end])
	})
	return nil
}

func (dev *SparseDevice) SectorSize() int  { return dev.sectorSize }
func (dev *SparseDevice) TotalSize() int64 { return dev.totalSize }
func (dev *SparseDevice) Flush() error     { return nil }
func (dev *SparseDevice) IsReadOnly() bool { return false }
func (dev *SparseDevice) Close() error     { return nil }

// StoredSectors gives the number of sectors that have been written to.
func (dev *SparseDevice) StoredSectors() int {
	return len(dev.sectors)
}

////////////////////////////////////////////////////////////////////////////////

// CountingDevice wraps another device and records every write and flush that
// passes through it.
type CountingDevice struct {
	blockdev.Device
	Writes       int
	BytesWritten int64
	Flushes      int

	// FailWritesAfter makes every write fail with EIO once this many writes
	// have succeeded. Negative values disable it.
	FailWritesAfter int
}

// NewCountingDevice wraps `device`.
func NewCountingDevice(device blockdev.Device) *CountingDevice {
	return &CountingDevice{Device: device, FailWritesAfter: -1}
}

func (dev *CountingDevice) WriteSectors(offset int64, data []byte) error {
	if dev.FailWritesAfter >= 0 && dev.Writes >= dev.FailWritesAfter {
		return errors.NewWithMessage(
			errors.EIO, fmt.Sprintf("simulated failure writing %d bytes at %d", len(data), offset))
	}

	err := dev.Device.WriteSectors(offset, data)
	if err != nil {
		return err
	}
	dev.Writes++
	dev.BytesWritten += int64(len(data))
	return nil
}

func (dev *CountingDevice) Flush() error {
	dev.Flushes++
	return dev.Device.Flush()
}

// Reset zeroes all the counters.
func (dev *CountingDevice) Reset() {
	dev.Writes = 0
	dev.BytesWritten = 0
	dev.Flushes = 0
}

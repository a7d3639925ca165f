// Package blockdev defines the block device contract the FAT engine is built
// on, along with a few concrete devices.
//
// A device is a fixed-size array of bytes that is conventionally accessed in
// whole sectors. The engine mostly reads and writes whole sectors, but cluster
// I/O for file data may start and end anywhere inside a cluster, so devices
// must accept any byte range that lies completely within the device.
package blockdev

import (
	"fmt"

	"github.com/dargueta/fatfs/errors"
)

//go:generate mockgen -source=device.go -destination=device_mock.go -package blockdev

// Device is the only external dependency of the FAT engine.
//
// Implementations don't need to be safe for concurrent use. They must never
// retry failed I/O on their own behalf unless that's their documented purpose;
// the engine propagates device errors unchanged.
type Device interface {
	// ReadSectors fills `buffer` with the bytes starting at `offset`.
	ReadSectors(offset int64, buffer []byte) error
	// WriteSectors writes all of `data` to the device starting at `offset`.
	WriteSectors(offset int64, data []byte) error
	// SectorSize gives the size of a physical sector, in bytes.
	SectorSize() int
	// TotalSize gives the size of the device, in bytes.
	TotalSize() int64
	// Flush commits any buffered writes to the backing storage.
	Flush() error
	// IsReadOnly returns true if WriteSectors always fails.
	IsReadOnly() bool
	// Close flushes the device and releases its resources.
	Close() error
}

// IsValidSectorSize returns true if `size` is a sector size FAT can live on.
func IsValidSectorSize(size int) bool {
	switch size {
	case 512, 1024, 2048, 4096:
		return true
	default:
		return false
	}
}

// CheckIOBounds verifies that `length` bytes starting at `offset` lie within a
// device of `totalSize` bytes. If not, it returns an error describing exactly
// what went wrong.
func CheckIOBounds(offset int64, length int, totalSize int64) error {
	if offset < 0 {
		return errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("negative device offset %d", offset))
	}
	if offset+int64(length) > totalSize {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"%d bytes at offset %d extends past end of device (%d bytes)",
				length,
				offset,
				totalSize,
			),
		)
	}
	return nil
}

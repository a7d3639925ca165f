package blockdev

import (
	"fmt"
	"io"

	"github.com/dargueta/fatfs/errors"
	"github.com/xaionaro-go/bytesextra"
)

// StreamDevice is a [Device] on top of any seekable stream, such as an image
// file or an in-memory buffer.
//
// The exposed fields are for informational purposes only and should never be
// changed.
type StreamDevice struct {
	stream     io.ReadSeeker
	totalSize  int64
	sectorSize int
	readOnly   bool
}

// NewStreamDevice creates a device from a stream. If `stream` doesn't
// implement [io.Writer] the device is read-only regardless of `readOnly`.
func NewStreamDevice(
	stream io.ReadSeeker, totalSize int64, sectorSize int, readOnly bool,
) (*StreamDevice, error) {
	if !IsValidSectorSize(sectorSize) {
		return nil, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("sector size must be 512, 1024, 2048, or 4096, got %d", sectorSize),
		)
	}
	if totalSize <= 0 || totalSize%int64(sectorSize) != 0 {
		return nil, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"device size must be a positive multiple of the sector size (%d), got %d",
				sectorSize,
				totalSize,
			),
		)
	}

	if _, ok := stream.(io.Writer); !ok {
		readOnly = true
	}

	return &StreamDevice{
		stream:     stream,
		totalSize:  totalSize,
		sectorSize: sectorSize,
		readOnly:   readOnly,
	}, nil
}

// DetermineStreamSize gives the total size of a stream by seeking to its end.
// The stream pointer is left at the end.
func DetermineStreamSize(stream io.Seeker) (int64, error) {
	return stream.Seek(0, io.SeekEnd)
}

func (dev *StreamDevice) ReadSectors(offset int64, buffer []byte) error {
	err := CheckIOBounds(offset, len(buffer), dev.totalSize)
	if err != nil {
		return err
	}

	_, err = dev.stream.Seek(offset, io.SeekStart)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	_, err = io.ReadFull(dev.stream, buffer)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (dev *StreamDevice) WriteSectors(offset int64, data []byte) error {
	if dev.readOnly {
		return errors.ErrReadOnlyFileSystem.WithMessage(
			fmt.Sprintf("can't write %d bytes at offset %d: device is read-only", len(data), offset),
		)
	}

	err := CheckIOBounds(offset, len(data), dev.totalSize)
	if err != nil {
		return err
	}

	_, err = dev.stream.Seek(offset, io.SeekStart)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	written, err := dev.stream.(io.Writer).Write(data)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	} else if written < len(data) {
		return errors.ErrIOFailed.Wrap(io.ErrShortWrite)
	}
	return nil
}

func (dev *StreamDevice) SectorSize() int {
	return dev.sectorSize
}

func (dev *StreamDevice) TotalSize() int64 {
	return dev.totalSize
}

// Flush syncs the stream if it supports it, e.g. an [os.File].
func (dev *StreamDevice) Flush() error {
	if syncer, ok := dev.stream.(interface{ Sync() error }); ok && !dev.readOnly {
		return syncer.Sync()
	}
	return nil
}

func (dev *StreamDevice) IsReadOnly() bool {
	return dev.readOnly
}

// Close flushes the device, then closes the stream if it's an [io.Closer].
func (dev *StreamDevice) Close() error {
	err := dev.Flush()
	if err != nil {
		return err
	}
	if closer, ok := dev.stream.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// MemoryDevice is a writable device that lives entirely in memory. It's mostly
// useful for tests and for building images before writing them out.
type MemoryDevice struct {
	*StreamDevice
}

// NewMemoryDevice creates a zero-filled in-memory device of `totalSize` bytes.
func NewMemoryDevice(totalSize int64, sectorSize int) (*MemoryDevice, error) {
	if totalSize <= 0 {
		return nil, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("invalid device size %d", totalSize))
	}
	return NewMemoryDeviceFromBytes(make([]byte, totalSize), sectorSize, false)
}

// NewMemoryDeviceFromBytes creates an in-memory device on top of an existing
// buffer, such as a previously captured image.
func NewMemoryDeviceFromBytes(data []byte, sectorSize int, readOnly bool) (*MemoryDevice, error) {
	stream, err := NewStreamDevice(
		bytesextra.NewReadWriteSeeker(data),
		int64(len(data)),
		sectorSize,
		readOnly,
	)
	if err != nil {
		return nil, err
	}
	return &MemoryDevice{StreamDevice: stream}, nil
}

// Bytes returns a copy of the device's entire contents.
func (dev *MemoryDevice) Bytes() []byte {
	buffer := make([]byte, dev.totalSize)
	// Reading the whole in-memory device can't fail.
	if err := dev.ReadSectors(0, buffer); err != nil {
		panic(err)
	}
	return buffer
}

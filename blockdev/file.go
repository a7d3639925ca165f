package blockdev

import (
	"fmt"
	"io"

	"github.com/dargueta/fatfs/errors"
	"github.com/spf13/afero"
)

// FileDevice is a [Device] backed by an image file on any [afero.Fs], which
// makes it possible to use the same code for files on disk and in memory.
type FileDevice struct {
	file       afero.File
	totalSize  int64
	sectorSize int
	readOnly   bool
}

// NewFileDevice wraps an open file. The device size is the size of the file
// at the time this is called.
func NewFileDevice(file afero.File, sectorSize int, readOnly bool) (*FileDevice, error) {
	if !IsValidSectorSize(sectorSize) {
		return nil, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("sector size must be 512, 1024, 2048, or 4096, got %d", sectorSize),
		)
	}

	info, err := file.Stat()
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	size := info.Size()
	if size == 0 || size%int64(sectorSize) != 0 {
		return nil, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"image %q is %d bytes, not a positive multiple of the sector size (%d)",
				file.Name(),
				size,
				sectorSize,
			),
		)
	}

	return &FileDevice{
		file:       file,
		totalSize:  size,
		sectorSize: sectorSize,
		readOnly:   readOnly,
	}, nil
}

// CreateFileDevice creates (or truncates) an image file of `totalSize` bytes
// and returns a writable device for it.
func CreateFileDevice(
	fs afero.Fs, path string, totalSize int64, sectorSize int,
) (*FileDevice, error) {
	file, err := fs.Create(path)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	err = file.Truncate(totalSize)
	if err != nil {
		file.Close()
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	dev, err := NewFileDevice(file, sectorSize, false)
	if err != nil {
		file.Close()
		return nil, err
	}
	return dev, nil
}

func (dev *FileDevice) ReadSectors(offset int64, buffer []byte) error {
	err := CheckIOBounds(offset, len(buffer), dev.totalSize)
	if err != nil {
		return err
	}

	n, err := dev.file.ReadAt(buffer, offset)
	if n == len(buffer) {
		// ReadAt may return io.EOF along with a full buffer at the end of the
		// file.
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return errors.ErrIOFailed.Wrap(err)
}

func (dev *FileDevice) WriteSectors(offset int64, data []byte) error {
	if dev.readOnly {
		return errors.ErrReadOnlyFileSystem.WithMessage(
			fmt.Sprintf("can't write to %q: device is read-only", dev.file.Name()),
		)
	}

	err := CheckIOBounds(offset, len(data), dev.totalSize)
	if err != nil {
		return err
	}

	_, err = dev.file.WriteAt(data, offset)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (dev *FileDevice) SectorSize() int {
	return dev.sectorSize
}

func (dev *FileDevice) TotalSize() int64 {
	return dev.totalSize
}

func (dev *FileDevice) Flush() error {
	if dev.readOnly {
		return nil
	}
	err := dev.file.Sync()
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (dev *FileDevice) IsReadOnly() bool {
	return dev.readOnly
}

func (dev *FileDevice) Close() error {
	flushErr := dev.Flush()
	closeErr := dev.file.Close()
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return errors.ErrIOFailed.Wrap(closeErr)
	}
	return nil
}

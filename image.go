// Package fatfs reads and writes FAT12, FAT16, and FAT32 disk images.
//
// The engine itself lives in [fat]; this package ties it to image files on any
// [afero.Fs] and adds a path-based API on top of it.
package fatfs

import (
	"fmt"
	"os"

	"github.com/dargueta/fatfs/blockdev"
	"github.com/dargueta/fatfs/errors"
	"github.com/dargueta/fatfs/file_systems/fat"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// DefaultSectorSize is the sector size used when none is given.
const DefaultSectorSize = 512

type OpenOptions struct {
	ReadOnly bool
	// SectorSize defaults to [DefaultSectorSize].
	SectorSize           int
	IgnoreFATDifferences bool
	Logger               logrus.FieldLogger
}

// Image is a FAT volume stored in an image file.
type Image struct {
	*Driver
	device *blockdev.FileDevice
}

// OpenImage mounts the image file at `path`.
func OpenImage(afs afero.Fs, path string, options OpenOptions) (*Image, error) {
	sectorSize := options.SectorSize
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}

	flags := os.O_RDWR
	if options.ReadOnly {
		flags = os.O_RDONLY
	}

	file, err := afs.OpenFile(path, flags, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrNotFound.Wrap(err)
		}
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	device, err := blockdev.NewFileDevice(file, sectorSize, options.ReadOnly)
	if err != nil {
		file.Close()
		return nil, err
	}

	fs, err := fat.MountWithOptions(device, fat.MountOptions{
		ReadOnly:             options.ReadOnly,
		IgnoreFATDifferences: options.IgnoreFATDifferences,
		Logger:               options.Logger,
	})
	if err != nil {
		device.Close()
		return nil, errors.CastToDriverError(err).WithMessage(
			fmt.Sprintf("failed to mount %q", path))
	}

	return &Image{Driver: NewDriver(fs), device: device}, nil
}

// CreateImage creates an image file of `totalSize` bytes at `path` and formats
// it. An existing file is overwritten.
func CreateImage(
	afs afero.Fs, path string, totalSize int64, sectorSize int, options fat.FormatOptions,
) (*Image, error) {
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}

	device, err := blockdev.CreateFileDevice(afs, path, totalSize, sectorSize)
	if err != nil {
		return nil, err
	}

	fs, err := fat.Format(device, options)
	if err != nil {
		device.Close()
		return nil, errors.CastToDriverError(err).WithMessage(
			fmt.Sprintf("failed to format %q", path))
	}

	return &Image{Driver: NewDriver(fs), device: device}, nil
}

// Close flushes all changes and closes the image file. The image must not be
// used afterwards.
func (img *Image) Close() error {
	var result *multierror.Error

	err := img.fs.Close()
	if err != nil {
		result = multierror.Append(result, err)
	}
	err = img.device.Close()
	if err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

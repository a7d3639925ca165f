package fat

import (
	"fmt"
	"os"
	"time"

	"github.com/dargueta/fatfs/blockdev"
	"github.com/dargueta/fatfs/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// MountOptions controls how a volume is mounted. The zero value mounts the
// volume writable with the default logger and short name generator.
type MountOptions struct {
	// ReadOnly mounts the volume read-only. This is implied if the device itself
	// is read-only.
	ReadOnly bool
	// IgnoreFATDifferences allows mounting a volume whose copies of the FAT
	// disagree. The first copy is used, and the next flush overwrites the
	// others with it.
	IgnoreFATDifferences bool
	Logger               logrus.FieldLogger
	// ShortNames generates the placeholder short names given to files whose
	// names don't fit the 8.3 format.
	ShortNames ShortNameGenerator
	// Clock returns the time used for timestamps in directory entries.
	Clock func() time.Time
}

// FileSystem is a mounted FAT volume.
type FileSystem struct {
	device     blockdev.Device
	bootSector *BootSector
	fat        *FAT
	fsInfo     *FSInfoSector
	root       *Directory
	fatType    FATType
	readOnly   bool
	closed     bool

	logger     logrus.FieldLogger
	shortNames ShortNameGenerator
	clock      func() time.Time
}

// DefaultLogger returns the logger used when none is given: warnings and
// errors only, written to stderr.
func DefaultLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

// Mount mounts the FAT volume on `device` with default options.
func Mount(device blockdev.Device, readOnly bool) (*FileSystem, error) {
	return MountWithOptions(device, MountOptions{ReadOnly: readOnly})
}

// MountWithOptions reads the boot sector, the FAT, and the root directory of
// the volume on `device`.
//
// Mounting fails if the copies of the FAT differ (unless the options say to
// ignore that) or if a FAT32 volume's FS information sector has a free cluster
// count that doesn't match the FAT.
func MountWithOptions(device blockdev.Device, options MountOptions) (*FileSystem, error) {
	fs := &FileSystem{
		device:     device,
		readOnly:   options.ReadOnly || device.IsReadOnly(),
		logger:     options.Logger,
		shortNames: options.ShortNames,
		clock:      options.Clock,
	}
	if fs.logger == nil {
		fs.logger = DefaultLogger()
	}
	if fs.shortNames == nil {
		fs.shortNames = NewDefaultShortNameGenerator()
	}
	if fs.clock == nil {
		fs.clock = time.Now
	}

	bs, err := ReadBootSector(device)
	if err != nil {
		return nil, err
	}
	fs.bootSector = bs
	fs.fatType = bs.FATType()

	volumeSize := int64(bs.TotalSectors()) * int64(bs.BytesPerSector())
	if device.TotalSize() < volumeSize {
		return nil, errors.NewWithMessage(
			errors.EMEDIUMTYPE,
			fmt.Sprintf(
				"volume is %d bytes but the device is only %d",
				volumeSize,
				device.TotalSize()))
	}

	err = fs.loadFAT(options.IgnoreFATDifferences)
	if err != nil {
		return nil, err
	}

	if fs.fatType == FAT32 {
		err = fs.loadFSInfo()
		if err != nil {
			return nil, err
		}
	}

	err = fs.loadRoot()
	if err != nil {
		return nil, err
	}

	fs.logger.WithFields(logrus.Fields{
		"type":                fs.fatType.String(),
		"bytes_per_sector":    bs.BytesPerSector(),
		"sectors_per_cluster": bs.SectorsPerCluster(),
		"clusters":            bs.DataClusterCount(),
		"fats":                bs.NumFATs(),
		"read_only":           fs.readOnly,
	}).Debug("mounted volume")
	return fs, nil
}

func (fs *FileSystem) loadFAT(ignoreDifferences bool) error {
	tbl, err := ReadFAT(fs.device, fs.bootSector, 0)
	if err != nil {
		return err
	}

	for i := uint(1); i < fs.bootSector.NumFATs(); i++ {
		mirror, err := ReadFAT(fs.device, fs.bootSector, i)
		if err != nil {
			return err
		}
		if tbl.Equal(mirror) {
			continue
		}
		if !ignoreDifferences {
			return corruption("FAT %d differs from FAT 0", i)
		}

		fs.logger.WithField("fat", i).Warn("FAT copy differs from FAT 0, ignoring")
		// Make sure the first flush brings the copies back in sync.
		if !fs.readOnly {
			err = tbl.cache.MarkBlockRangeDirty(0, tbl.cache.TotalBlocks())
			if err != nil {
				return err
			}
		}
	}

	fs.fat = tbl
	return nil
}

func (fs *FileSystem) loadFSInfo() error {
	info, err := ReadFSInfo(fs.device, fs.bootSector)
	if err != nil {
		return err
	}

	cached := info.FreeClusterCount()
	if cached != UnknownFreeCount {
		actual := fs.fat.FreeClusterCount()
		if cached != actual {
			return corruption(
				"FS information sector says %d clusters are free, the FAT says %d",
				cached,
				actual)
		}
	}

	fs.fat.SetLastAllocated(info.LastAllocatedCluster())
	fs.fsInfo = info
	return nil
}

func (fs *FileSystem) loadRoot() error {
	var store *dirStore
	var err error

	if fs.fatType == FAT32 {
		start := fs.bootSector.RootDirFirstCluster()
		if !fs.fat.IsValidCluster(start) {
			return corruption("root directory starts at invalid cluster %d", start)
		}
		chain := NewClusterChain(fs.device, fs.bootSector, fs.fat, start, fs.readOnly)
		store, err = newChainStore(chain)
	} else {
		store, err = newFixedRootStore(fs.device, fs.bootSector)
	}
	if err != nil {
		return err
	}

	root, err := loadDirectory(fs, store, nil, true)
	if err != nil {
		return errors.CastToDriverError(err).WithMessage("failed to read root directory")
	}
	fs.root = root
	return nil
}

func (fs *FileSystem) now() time.Time {
	return fs.clock()
}

func (fs *FileSystem) checkOpen() error {
	if fs.closed {
		return errors.NewWithMessage(errors.EBADF, "file system is closed")
	}
	return nil
}

// Root returns the root directory of the volume.
func (fs *FileSystem) Root() *Directory {
	return fs.root
}

// Flush writes every pending change to the device: the boot sector if it
// changed, the FAT, every directory opened since the last flush, and on FAT32
// the FS information sector. Flushing a read-only volume does nothing.
func (fs *FileSystem) Flush() error {
	err := fs.checkOpen()
	if err != nil {
		return err
	}
	if fs.readOnly {
		return nil
	}

	if fs.bootSector.IsDirty() {
		err = fs.bootSector.Write(fs.device)
		if err != nil {
			return err
		}
	}

	fatSectors, err := fs.fat.Flush()
	if err != nil {
		return err
	}

	err = fs.root.Flush()
	if err != nil {
		return err
	}

	// Writing directories can allocate clusters.
	moreSectors, err := fs.flushAllocations()
	if err != nil {
		return err
	}
	fatSectors += moreSectors

	fs.logger.WithField("fat_sectors", fatSectors).Debug("flushed volume")
	return fs.device.Flush()
}

// flushAllocations writes out the FAT and then, on FAT32, brings the FS
// information sector up to date with it. The two must never disagree on disk,
// since mounting treats that as corruption.
func (fs *FileSystem) flushAllocations() (uint, error) {
	fatSectors, err := fs.fat.Flush()
	if err != nil {
		return fatSectors, err
	}
	if fs.fsInfo == nil {
		return fatSectors, nil
	}

	fs.fsInfo.SetFreeClusterCount(fs.fat.FreeClusterCount())
	fs.fsInfo.SetLastAllocatedCluster(fs.fat.LastAllocated())
	return fatSectors, fs.fsInfo.Write(fs.device)
}

// Close flushes the volume. The device is left open; it belongs to the caller.
// Closing an already-closed volume does nothing.
func (fs *FileSystem) Close() error {
	if fs.closed {
		return nil
	}

	var result *multierror.Error
	err := fs.Flush()
	if err != nil {
		result = multierror.Append(result, err)
	}
	fs.closed = true
	return result.ErrorOrNil()
}

func (fs *FileSystem) FATType() FATType {
	return fs.fatType
}

func (fs *FileSystem) BootSector() *BootSector {
	return fs.bootSector
}

func (fs *FileSystem) IsReadOnly() bool {
	return fs.readOnly
}

// FreeSpace returns the number of bytes available for new data.
func (fs *FileSystem) FreeSpace() int64 {
	return int64(fs.fat.FreeClusterCount()) * int64(fs.bootSector.BytesPerCluster())
}

// TotalSpace returns the size of the volume, including the reserved region, the
// FATs, and the root directory.
func (fs *FileSystem) TotalSpace() int64 {
	return int64(fs.bootSector.TotalSectors()) * int64(fs.bootSector.BytesPerSector())
}

// UsableSpace returns the size of the data region, in bytes.
func (fs *FileSystem) UsableSpace() int64 {
	return int64(fs.bootSector.DataClusterCount()) * int64(fs.bootSector.BytesPerCluster())
}

// VolumeLabel returns the volume label from the root directory, falling back to
// the one in the boot sector if the root directory has none.
func (fs *FileSystem) VolumeLabel() string {
	label := fs.root.Label()
	if label != "" {
		return label
	}
	return fs.bootSector.VolumeLabel()
}

// SetVolumeLabel sets the volume label in both the root directory and the boot
// sector. An empty label removes the root directory's label entry.
func (fs *FileSystem) SetVolumeLabel(label string) error {
	if fs.readOnly {
		return errors.ErrReadOnlyFileSystem.WithMessage("can't change the volume label")
	}
	err := ValidateVolumeLabel(label)
	if err != nil {
		return err
	}

	err = fs.root.SetLabel(label)
	if err != nil {
		return err
	}
	return fs.bootSector.SetVolumeLabel(label)
}

package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/dargueta/fatfs/blockdev"
	"github.com/dargueta/fatfs/errors"
	"github.com/noxer/bytewriter"
)

// BootSectorSize is the number of bytes of the boot sector that are
// interpreted, regardless of the device's sector size.
const BootSectorSize = 512

// Offsets of the layout-specific portions of the boot sector.
const (
	rawBPBSize          = 36
	fat16ExtBPBOffset   = rawBPBSize
	fat32ExtBPBOffset   = rawBPBSize + 28
	bootSignatureOffset = 510
	extendedBootSig     = 0x29
	defaultMedia        = 0xF8
	defaultDriveNumber  = 0x80
)

// RawBPB is the on-disk representation of the portion of the boot sector
// common to all FAT versions. Fields specific to a particular version can be
// found in [RawExtendedBPB] and [RawFAT32Extension].
type RawBPB struct {
	JmpBoot           [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT16   uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
}

// RawFAT32Extension holds the fields only present in FAT32 boot sectors. They
// come immediately after the [RawBPB].
type RawFAT32Extension struct {
	SectorsPerFAT32  uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfoSector     uint16
	BackupBootSector uint16
	Reserved         [12]byte
}

// RawExtendedBPB holds the drive number, serial number, and labels. It comes
// right after the [RawBPB] on FAT12/16, and after the [RawFAT32Extension] on
// FAT32.
type RawExtendedBPB struct {
	DriveNumber    uint8
	Reserved1      uint8
	BootSignature  uint8
	VolumeID       uint32
	VolumeLabel    [11]byte
	FileSystemType [8]byte
}

// BootSector is the decoded form of sector 0 of a FAT volume. The layout, which
// determines where the extended fields live, is decided once when the sector
// is read or created and never changes afterwards.
//
// The FAT type of the volume is never stored; it's always derived from the
// number of data clusters. See [BootSector.FATType].
type BootSector struct {
	bpb    RawBPB
	ext32  RawFAT32Extension
	ext    RawExtendedBPB
	layout FATType

	// Bytes we don't interpret (boot code etc.) are carried through unchanged.
	data  [BootSectorSize]byte
	dirty bool
}

// NewBootSector creates an empty boot sector with the field layout of the given
// FAT type. Call [BootSector.Init] and the setters to fill it in.
func NewBootSector(layout FATType) (*BootSector, error) {
	if !layout.IsValid() {
		return nil, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("invalid FAT type %d", int(layout)))
	}
	return &BootSector{layout: layout, dirty: true}, nil
}

// ReadBootSector reads and validates the boot sector of `device`.
func ReadBootSector(device blockdev.Device) (*BootSector, error) {
	if device.TotalSize() < BootSectorSize {
		return nil, errors.NewWithMessage(
			errors.EMEDIUMTYPE,
			fmt.Sprintf("device is only %d bytes, too small for a FAT volume", device.TotalSize()),
		)
	}

	bs := &BootSector{}
	err := device.ReadSectors(0, bs.data[:])
	if err != nil {
		return nil, errors.CastToDriverError(err).WithMessage("failed to read boot sector")
	}

	err = bs.decode()
	if err != nil {
		return nil, err
	}
	return bs, nil
}

func corruption(format string, args ...interface{}) errors.DriverError {
	return errors.ErrFileSystemCorrupted.WithMessage(
		"corruption detected: " + fmt.Sprintf(format, args...))
}

func (bs *BootSector) decode() error {
	if bs.data[bootSignatureOffset] != 0x55 || bs.data[bootSignatureOffset+1] != 0xAA {
		return corruption(
			"missing boot sector signature, expected 55 AA got %02X %02X",
			bs.data[bootSignatureOffset],
			bs.data[bootSignatureOffset+1],
		)
	}

	reader := bytes.NewReader(bs.data[:])
	err := binary.Read(reader, binary.LittleEndian, &bs.bpb)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	// The FAT32 extension is read regardless of the type so that we can get
	// the 32-bit FAT size if the 16-bit one is zero. If it turns out this isn't
	// a FAT32 volume we throw it away.
	err = binary.Read(reader, binary.LittleEndian, &bs.ext32)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	// BytesPerSector must be 512, 1024, 2048, or 4096.
	if !blockdev.IsValidSectorSize(int(bs.bpb.BytesPerSector)) {
		return corruption(
			"BytesPerSector must be 512, 1024, 2048, or 4096, got %d",
			bs.bpb.BytesPerSector)
	}

	// SectorsPerCluster must be 2^x with x in [0, 8)
	if !isPowerOfTwo(uint(bs.bpb.SectorsPerCluster)) {
		return corruption(
			"SectorsPerCluster must be a power of 2 in 1-128, got %d",
			bs.bpb.SectorsPerCluster)
	}

	if bs.BytesPerCluster() > 32768 {
		return corruption(
			"BytesPerCluster cannot exceed 32,768 but got %d", bs.BytesPerCluster())
	}
	if bs.bpb.ReservedSectors == 0 {
		return corruption("ReservedSectors must be at least 1")
	}
	if bs.bpb.NumFATs == 0 {
		return corruption("NumFATs must be at least 1")
	}

	if bs.bpb.SectorsPerFAT16 != 0 {
		bs.layout = FAT16
	} else {
		bs.layout = FAT32
	}
	if bs.SectorsPerFAT() == 0 {
		return corruption("SectorsPerFAT is 0")
	}
	if bs.TotalSectors() == 0 {
		return corruption("TotalSectors is 0")
	}

	overhead := uint64(bs.DataOffset()) / uint64(bs.bpb.BytesPerSector)
	if overhead >= uint64(bs.TotalSectors()) {
		return corruption(
			"metadata occupies %d sectors but the volume only has %d",
			overhead,
			bs.TotalSectors())
	}

	fatType := bs.FATType()
	if fatType == FAT32 {
		if bs.bpb.RootEntryCount != 0 {
			return corruption(
				"RootEntryCount is nonzero for a FAT32 volume: %d", bs.bpb.RootEntryCount)
		}
		if bs.bpb.SectorsPerFAT16 != 0 {
			return corruption("SectorsPerFAT16 is nonzero for a FAT32 volume")
		}
		bs.layout = FAT32
	} else {
		if bs.layout == FAT32 {
			return corruption(
				"volume has %d clusters, too few for FAT32, but uses the FAT32 layout",
				bs.DataClusterCount())
		}
		if bs.bpb.RootEntryCount == 0 {
			return corruption("RootEntryCount is 0 on a %s volume", fatType)
		}
		bs.layout = fatType
		bs.ext32 = RawFAT32Extension{}
	}

	extOffset := fat16ExtBPBOffset
	if bs.layout == FAT32 {
		extOffset = fat32ExtBPBOffset
	}
	err = binary.Read(
		bytes.NewReader(bs.data[extOffset:]), binary.LittleEndian, &bs.ext)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

// encode serializes the decoded fields back into the raw sector.
func (bs *BootSector) encode() error {
	writer := bytewriter.New(bs.data[:])
	err := binary.Write(writer, binary.LittleEndian, &bs.bpb)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	if bs.layout == FAT32 {
		err = binary.Write(writer, binary.LittleEndian, &bs.ext32)
		if err != nil {
			return errors.ErrIOFailed.Wrap(err)
		}
	}

	err = binary.Write(writer, binary.LittleEndian, &bs.ext)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	bs.data[bootSignatureOffset] = 0x55
	bs.data[bootSignatureOffset+1] = 0xAA
	return nil
}

// Init sets up the fields every freshly formatted boot sector needs: the jump
// instruction, the extended boot signature, the file system type label, and
// the 55 AA trailer. Geometry is left untouched.
func (bs *BootSector) Init() {
	if bs.layout == FAT32 {
		bs.bpb.JmpBoot = [3]byte{0xEB, 0x58, 0x90}
	} else {
		bs.bpb.JmpBoot = [3]byte{0xEB, 0x3C, 0x90}
	}

	// Without boot code, the jump lands on an infinite loop.
	jumpTarget := int(bs.bpb.JmpBoot[1]) + 2
	bs.data[jumpTarget] = 0xEB
	bs.data[jumpTarget+1] = 0xFE

	bs.bpb.Media = defaultMedia
	bs.bpb.SectorsPerTrack = 32
	bs.bpb.NumHeads = 64
	bs.ext.DriveNumber = defaultDriveNumber
	bs.ext.BootSignature = extendedBootSig
	bs.ext.FileSystemType = bs.layout.fileSystemTypeLabel()
	bs.ext.VolumeLabel = [11]byte{'N', 'O', ' ', 'N', 'A', 'M', 'E', ' ', ' ', ' ', ' '}
	copy(bs.bpb.OEMName[:], "FATFS1.0")
	bs.dirty = true
}

// Write writes the boot sector to `device`, along with the backup copy on FAT32
// volumes that have one.
func (bs *BootSector) Write(device blockdev.Device) error {
	err := bs.encode()
	if err != nil {
		return err
	}

	err = device.WriteSectors(0, bs.data[:])
	if err != nil {
		return errors.CastToDriverError(err).WithMessage("failed to write boot sector")
	}

	if bs.layout == FAT32 && bs.ext32.BackupBootSector != 0 {
		err = device.WriteSectors(bs.sectorOffset(uint32(bs.ext32.BackupBootSector)), bs.data[:])
		if err != nil {
			return errors.CastToDriverError(err).WithMessage(
				"failed to write backup boot sector")
		}
	}

	bs.dirty = false
	return nil
}

// IsDirty returns true if the boot sector was modified since it was last
// written.
func (bs *BootSector) IsDirty() bool {
	return bs.dirty
}

// Bytes returns a copy of the encoded sector.
func (bs *BootSector) Bytes() ([]byte, error) {
	err := bs.encode()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), bs.data[:]...), nil
}

// Getters ---------------------------------------------------------------------

// Layout gives the field layout of this boot sector. It's the same as FATType()
// for any valid volume.
func (bs *BootSector) Layout() FATType { return bs.layout }

func (bs *BootSector) BytesPerSector() uint    { return uint(bs.bpb.BytesPerSector) }
func (bs *BootSector) SectorsPerCluster() uint { return uint(bs.bpb.SectorsPerCluster) }
func (bs *BootSector) ReservedSectors() uint   { return uint(bs.bpb.ReservedSectors) }
func (bs *BootSector) NumFATs() uint           { return uint(bs.bpb.NumFATs) }
func (bs *BootSector) RootDirEntryCount() uint { return uint(bs.bpb.RootEntryCount) }
func (bs *BootSector) MediumDescriptor() uint8 { return bs.bpb.Media }
func (bs *BootSector) VolumeID() uint32        { return bs.ext.VolumeID }

// OEMName returns the name of the system that formatted the volume, with
// trailing spaces removed.
func (bs *BootSector) OEMName() string {
	return strings.TrimRight(string(bs.bpb.OEMName[:]), " \x00")
}

// VolumeLabel returns the label stored in the boot sector. The root directory
// may hold a different one; see [FileSystem.VolumeLabel].
func (bs *BootSector) VolumeLabel() string {
	return strings.TrimRight(string(bs.ext.VolumeLabel[:]), " \x00")
}

// FileSystemTypeLabel returns the informational type string, e.g. "FAT16".
// It's never used to determine the actual FAT type.
func (bs *BootSector) FileSystemTypeLabel() string {
	return strings.TrimRight(string(bs.ext.FileSystemType[:]), " \x00")
}

// TotalSectors returns the number of sectors in the volume, from whichever of
// the 16- or 32-bit fields is in use.
func (bs *BootSector) TotalSectors() uint32 {
	if bs.bpb.TotalSectors16 != 0 {
		return uint32(bs.bpb.TotalSectors16)
	}
	return bs.bpb.TotalSectors32
}

// SectorsPerFAT returns the size of a single copy of the FAT, in sectors.
func (bs *BootSector) SectorsPerFAT() uint32 {
	if bs.bpb.SectorsPerFAT16 != 0 {
		return uint32(bs.bpb.SectorsPerFAT16)
	}
	return bs.ext32.SectorsPerFAT32
}

// RootDirFirstCluster returns the first cluster of the root directory. It's
// only meaningful on FAT32.
func (bs *BootSector) RootDirFirstCluster() ClusterID {
	return ClusterID(bs.ext32.RootCluster)
}

// FSInfoSector returns the sector number of the FS information sector, or 0 if
// there isn't one.
func (bs *BootSector) FSInfoSector() uint {
	if bs.layout != FAT32 || bs.ext32.FSInfoSector == 0xFFFF {
		return 0
	}
	return uint(bs.ext32.FSInfoSector)
}

// BackupBootSector returns the sector number of the boot sector's backup copy,
// or 0 if there isn't one.
func (bs *BootSector) BackupBootSector() uint {
	if bs.layout != FAT32 || bs.ext32.BackupBootSector == 0xFFFF {
		return 0
	}
	return uint(bs.ext32.BackupBootSector)
}

// Derived geometry ------------------------------------------------------------

func (bs *BootSector) sectorOffset(sector uint32) int64 {
	return int64(sector) * int64(bs.bpb.BytesPerSector)
}

// BytesPerCluster gives the size of a single cluster, in bytes.
func (bs *BootSector) BytesPerCluster() uint {
	return uint(bs.bpb.BytesPerSector) * uint(bs.bpb.SectorsPerCluster)
}

// FATSizeBytes gives the size of a single copy of the FAT, in bytes.
func (bs *BootSector) FATSizeBytes() int64 {
	return bs.sectorOffset(bs.SectorsPerFAT())
}

// FATOffset gives the device offset of the `index`th copy of the FAT.
func (bs *BootSector) FATOffset(index uint) int64 {
	return bs.sectorOffset(uint32(bs.bpb.ReservedSectors)) + int64(index)*bs.FATSizeBytes()
}

// RootDirSectors gives the number of sectors taken up by the root directory on
// FAT12/16 volumes. On FAT32 volumes this is 0.
func (bs *BootSector) RootDirSectors() uint32 {
	bytesPerSector := uint32(bs.bpb.BytesPerSector)
	if bytesPerSector == 0 {
		return 0
	}
	return (uint32(bs.bpb.RootEntryCount)*DirentSize + bytesPerSector - 1) / bytesPerSector
}

// RootDirOffset gives the device offset of the FAT12/16 root directory region.
func (bs *BootSector) RootDirOffset() int64 {
	return bs.FATOffset(uint(bs.bpb.NumFATs))
}

// DataOffset gives the device offset of the first data cluster.
func (bs *BootSector) DataOffset() int64 {
	return bs.RootDirOffset() + bs.sectorOffset(bs.RootDirSectors())
}

// DataClusterCount gives the number of clusters in the data region.
func (bs *BootSector) DataClusterCount() uint32 {
	if bs.bpb.SectorsPerCluster == 0 || bs.bpb.BytesPerSector == 0 {
		return 0
	}

	metadataSectors := uint64(bs.DataOffset()) / uint64(bs.bpb.BytesPerSector)
	totalSectors := uint64(bs.TotalSectors())
	if metadataSectors >= totalSectors {
		return 0
	}
	return uint32((totalSectors - metadataSectors) / uint64(bs.bpb.SectorsPerCluster))
}

// FATType determines the FAT type from the number of data clusters. A boot
// sector whose geometry hasn't been set up yet reports its layout instead.
func (bs *BootSector) FATType() FATType {
	if bs.bpb.SectorsPerCluster == 0 || bs.TotalSectors() == 0 {
		return bs.layout
	}
	return DetermineFATType(bs.DataClusterCount())
}

// Setters ---------------------------------------------------------------------

func isPowerOfTwo(value uint) bool {
	return value != 0 && value&(value-1) == 0
}

func (bs *BootSector) SetBytesPerSector(value uint) error {
	if !blockdev.IsValidSectorSize(int(value)) {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("bytes per sector must be 512, 1024, 2048, or 4096, got %d", value))
	}
	bs.bpb.BytesPerSector = uint16(value)
	bs.dirty = true
	return nil
}

func (bs *BootSector) SetSectorsPerCluster(value uint) error {
	if !isPowerOfTwo(value) || value > 128 {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("sectors per cluster must be a power of 2 in 1-128, got %d", value))
	}
	bs.bpb.SectorsPerCluster = uint8(value)
	bs.dirty = true
	return nil
}

func (bs *BootSector) SetReservedSectors(value uint) error {
	if value == 0 || value > 0xFFFF {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("reserved sector count must be in [1, 65535], got %d", value))
	}
	bs.bpb.ReservedSectors = uint16(value)
	bs.dirty = true
	return nil
}

func (bs *BootSector) SetNumFATs(value uint) error {
	if value == 0 || value > 0xFF {
		return errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("FAT count must be in [1, 255], got %d", value))
	}
	bs.bpb.NumFATs = uint8(value)
	bs.dirty = true
	return nil
}

// SetTotalSectors stores the size of the volume. FAT12/16 volumes use the 16-bit
// field when the value fits; FAT32 always uses the 32-bit one.
func (bs *BootSector) SetTotalSectors(value uint32) error {
	if value == 0 {
		return errors.NewWithMessage(errors.EINVAL, "total sector count can't be 0")
	}
	if value <= 0xFFFF && bs.layout != FAT32 {
		bs.bpb.TotalSectors16 = uint16(value)
		bs.bpb.TotalSectors32 = 0
	} else {
		bs.bpb.TotalSectors16 = 0
		bs.bpb.TotalSectors32 = value
	}
	bs.dirty = true
	return nil
}

func (bs *BootSector) SetSectorsPerFAT(value uint32) error {
	if value == 0 {
		return errors.NewWithMessage(errors.EINVAL, "sectors per FAT can't be 0")
	}

	if bs.layout == FAT32 {
		bs.bpb.SectorsPerFAT16 = 0
		bs.ext32.SectorsPerFAT32 = value
	} else {
		if value > 0xFFFF {
			return errors.NewWithMessage(
				errors.EINVAL,
				fmt.Sprintf("sectors per FAT must be at most 65535 on %s, got %d", bs.layout, value))
		}
		bs.bpb.SectorsPerFAT16 = uint16(value)
	}
	bs.dirty = true
	return nil
}

func (bs *BootSector) SetRootDirEntryCount(value uint) error {
	if bs.layout == FAT32 && value != 0 {
		return errors.NewWithMessage(
			errors.EINVAL, "the root directory entry count must be 0 on FAT32")
	}
	if value > 0xFFFF {
		return errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("root directory entry count too large: %d", value))
	}
	if bs.bpb.BytesPerSector != 0 && (value*DirentSize)%uint(bs.bpb.BytesPerSector) != 0 {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"root directory of %d entries doesn't fill a whole number of %d-byte sectors",
				value,
				bs.bpb.BytesPerSector))
	}
	bs.bpb.RootEntryCount = uint16(value)
	bs.dirty = true
	return nil
}

// SetMediumDescriptor sets the media byte. Legal values are 0xF0 and 0xF8-0xFF.
func (bs *BootSector) SetMediumDescriptor(value uint8) error {
	if value != 0xF0 && value < 0xF8 {
		return errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("invalid medium descriptor 0x%02X", value))
	}
	bs.bpb.Media = value
	bs.dirty = true
	return nil
}

func (bs *BootSector) SetOEMName(name string) error {
	if len(name) > 8 {
		return errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("OEM name %q is longer than 8 bytes", name))
	}
	copy(bs.bpb.OEMName[:], fmt.Sprintf("%-8s", name))
	bs.dirty = true
	return nil
}

// SetVolumeLabel stores the volume label in the boot sector. See
// [ValidateVolumeLabel] for the rules.
func (bs *BootSector) SetVolumeLabel(label string) error {
	encoded, err := encodeVolumeLabel(label)
	if err != nil {
		return err
	}
	if encoded == [11]byte{' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '} {
		encoded = [11]byte{'N', 'O', ' ', 'N', 'A', 'M', 'E', ' ', ' ', ' ', ' '}
	}
	bs.ext.VolumeLabel = encoded
	bs.dirty = true
	return nil
}

func (bs *BootSector) SetVolumeID(id uint32) {
	bs.ext.VolumeID = id
	bs.dirty = true
}

func (bs *BootSector) requireFAT32(what string) error {
	if bs.layout != FAT32 {
		return errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("%s only exists on FAT32, this is %s", what, bs.layout))
	}
	return nil
}

func (bs *BootSector) SetRootDirFirstCluster(cluster ClusterID) error {
	err := bs.requireFAT32("the root directory cluster")
	if err != nil {
		return err
	}
	if cluster < FirstCluster {
		return errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("invalid root directory cluster %d", cluster))
	}
	bs.ext32.RootCluster = uint32(cluster)
	bs.dirty = true
	return nil
}

func (bs *BootSector) SetFSInfoSector(sector uint) error {
	err := bs.requireFAT32("the FS information sector")
	if err != nil {
		return err
	}
	if sector == 0 || sector >= uint(bs.bpb.ReservedSectors) {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("FS info sector %d must be inside the reserved region", sector))
	}
	bs.ext32.FSInfoSector = uint16(sector)
	bs.dirty = true
	return nil
}

func (bs *BootSector) SetBackupBootSector(sector uint) error {
	err := bs.requireFAT32("the backup boot sector")
	if err != nil {
		return err
	}
	if sector == 0 || sector >= uint(bs.bpb.ReservedSectors) {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("backup boot sector %d must be inside the reserved region", sector))
	}
	bs.ext32.BackupBootSector = uint16(sector)
	bs.dirty = true
	return nil
}

package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dargueta/fatfs/blockdev"
	"github.com/dargueta/fatfs/errors"
	"github.com/noxer/bytewriter"
)

const (
	fsInfoLeadSignature   = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature  = 0xAA550000

	// UnknownFreeCount is stored in the FS information sector when the number of
	// free clusters isn't known and must be computed from the FAT.
	UnknownFreeCount = 0xFFFFFFFF
)

// RawFSInfo is the on-disk layout of the FAT32 FS information sector.
type RawFSInfo struct {
	LeadSignature   uint32
	Reserved1       [480]byte
	StructSignature uint32
	FreeCount       uint32
	NextFree        uint32
	Reserved2       [12]byte
	TrailSignature  uint32
}

// FSInfoSector caches the free cluster count and the allocation hint of a
// FAT32 volume. Neither value is authoritative; the FAT is.
type FSInfoSector struct {
	raw    RawFSInfo
	offset int64
	dirty  bool
}

// ReadFSInfo reads and validates the FS information sector named in the boot
// sector.
func ReadFSInfo(device blockdev.Device, bs *BootSector) (*FSInfoSector, error) {
	sector := bs.FSInfoSector()
	if sector == 0 {
		return nil, errors.NewWithMessage(
			errors.EINVAL, "the boot sector doesn't have an FS information sector")
	}

	info := &FSInfoSector{offset: int64(sector) * int64(bs.BytesPerSector())}
	buffer := make([]byte, BootSectorSize)
	err := device.ReadSectors(info.offset, buffer)
	if err != nil {
		return nil, errors.CastToDriverError(err).WithMessage(
			"failed to read FS information sector")
	}

	err = binary.Read(bytes.NewReader(buffer), binary.LittleEndian, &info.raw)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	if info.raw.LeadSignature != fsInfoLeadSignature {
		return nil, corruption(
			"bad FS information sector lead signature 0x%08X", info.raw.LeadSignature)
	}
	if info.raw.StructSignature != fsInfoStructSignature {
		return nil, corruption(
			"bad FS information sector struct signature 0x%08X", info.raw.StructSignature)
	}
	if info.raw.TrailSignature != fsInfoTrailSignature {
		return nil, corruption(
			"bad FS information sector trail signature 0x%08X", info.raw.TrailSignature)
	}
	return info, nil
}

// NewFSInfo creates an FS information sector for a volume being formatted. Both
// values start out unknown.
func NewFSInfo(bs *BootSector) (*FSInfoSector, error) {
	sector := bs.FSInfoSector()
	if sector == 0 {
		return nil, errors.NewWithMessage(
			errors.EINVAL, "the boot sector doesn't have an FS information sector")
	}

	return &FSInfoSector{
		raw: RawFSInfo{
			LeadSignature:   fsInfoLeadSignature,
			StructSignature: fsInfoStructSignature,
			FreeCount:       UnknownFreeCount,
			NextFree:        UnknownFreeCount,
			TrailSignature:  fsInfoTrailSignature,
		},
		offset: int64(sector) * int64(bs.BytesPerSector()),
		dirty:  true,
	}, nil
}

// FreeClusterCount returns the cached number of free clusters, or
// [UnknownFreeCount].
func (info *FSInfoSector) FreeClusterCount() uint32 {
	return info.raw.FreeCount
}

func (info *FSInfoSector) SetFreeClusterCount(count uint32) {
	if count != info.raw.FreeCount {
		info.raw.FreeCount = count
		info.dirty = true
	}
}

// LastAllocatedCluster returns the allocation hint.
func (info *FSInfoSector) LastAllocatedCluster() ClusterID {
	return ClusterID(info.raw.NextFree)
}

func (info *FSInfoSector) SetLastAllocatedCluster(cluster ClusterID) {
	if uint32(cluster) != info.raw.NextFree {
		info.raw.NextFree = uint32(cluster)
		info.dirty = true
	}
}

// IsDirty returns true if the sector changed since it was last written.
func (info *FSInfoSector) IsDirty() bool {
	return info.dirty
}

// Bytes returns the encoded sector.
func (info *FSInfoSector) Bytes() []byte {
	buffer := make([]byte, BootSectorSize)
	// The buffer is exactly the size of the struct, so this can't fail.
	binary.Write(bytewriter.New(buffer), binary.LittleEndian, &info.raw)
	return buffer
}

// Write writes the sector to the device if it was modified.
func (info *FSInfoSector) Write(device blockdev.Device) error {
	if !info.dirty {
		return nil
	}
	err := device.WriteSectors(info.offset, info.Bytes())
	if err != nil {
		return errors.CastToDriverError(err).WithMessage(
			fmt.Sprintf("failed to write FS information sector at offset %d", info.offset))
	}
	info.dirty = false
	return nil
}

// Package fat implements the FAT12, FAT16, and FAT32 file systems on top of a
// [blockdev.Device].
//
// The package is organized from the bottom up: the boot sector codec, the file
// allocation table, the FAT32 FS information sector, cluster chains, directory
// storage, the long file name directory layer, files, and finally the
// [FileSystem] that ties them together. [Format] creates a new "superfloppy"
// file system, i.e. one that occupies an entire device without a partition
// table.
//
// Nothing in this package is safe for concurrent use. Callers sharing a mounted
// file system across goroutines must serialize access themselves.
package fat

import "fmt"

type SectorID uint32
type ClusterID uint32

// FirstCluster is the index of the first cluster in the data region. Entries 0
// and 1 of the FAT are reserved.
const FirstCluster = ClusterID(2)

// DirentSize is the size of a single raw directory entry, in bytes.
const DirentSize = 32

// MaxDirectoryEntries is the maximum number of raw entries a directory stored
// in a cluster chain may hold.
const MaxDirectoryEntries = 65536

// MaxFileSize is the largest file size a directory entry can record.
const MaxFileSize = int64(0xFFFFFFFF)

// FATType identifies which of the three FAT variants a file system is. The
// numeric value is the width of a FAT entry in bits (FAT32 entries only use 28
// of them).
type FATType int

const (
	FAT12 = FATType(12)
	FAT16 = FATType(16)
	FAT32 = FATType(32)
)

func (t FATType) String() string {
	switch t {
	case FAT12, FAT16, FAT32:
		return fmt.Sprintf("FAT%d", int(t))
	default:
		return fmt.Sprintf("FATType(%d)", int(t))
	}
}

// IsValid returns true if `t` is one of [FAT12], [FAT16], or [FAT32].
func (t FATType) IsValid() bool {
	return t == FAT12 || t == FAT16 || t == FAT32
}

// entryMask gives the bits of a FAT entry that are significant.
func (t FATType) entryMask() uint32 {
	switch t {
	case FAT12:
		return 0x00000FFF
	case FAT16:
		return 0x0000FFFF
	default:
		return 0x0FFFFFFF
	}
}

// EOFMarker is the value written to a FAT entry to mark the end of a chain.
func (t FATType) EOFMarker() uint32 {
	return t.entryMask()
}

// BadClusterMarker is the value of a FAT entry for a cluster that must never
// be allocated.
func (t FATType) BadClusterMarker() uint32 {
	return t.entryMask() - 8
}

// IsEOF returns true if `value` is any of the end-of-chain markers.
func (t FATType) IsEOF(value uint32) bool {
	return value&t.entryMask() >= t.entryMask()-7
}

// MaxClusters is the largest data cluster count a file system of this type can
// have.
func (t FATType) MaxClusters() uint32 {
	switch t {
	case FAT12:
		return 4084
	case FAT16:
		return 65524
	default:
		// Leaves room for the reserved entries 0 and 1 and the bad cluster
		// marker 0x0FFFFFF7.
		return 0x0FFFFFF5
	}
}

// MinClusters is the smallest data cluster count a file system of this type can
// have without being mistaken for a smaller type.
func (t FATType) MinClusters() uint32 {
	switch t {
	case FAT12:
		return 1
	case FAT16:
		return FAT12.MaxClusters() + 1
	default:
		return FAT16.MaxClusters() + 1
	}
}

// fileSystemTypeLabel is the informational string stored in the extended BPB.
func (t FATType) fileSystemTypeLabel() [8]byte {
	var label [8]byte
	copy(label[:], fmt.Sprintf("%-8s", t.String()))
	return label
}

// DetermineFATType determines the version of the FAT file system based on the
// number of data clusters on the system. (This is the only proper way to do so.)
func DetermineFATType(totalClusters uint32) FATType {
	// These cluster counts, while odd-looking, are correct. They're taken
	// directly from Microsoft's FAT documentation, v1.03, page 14.
	if totalClusters < 4085 {
		return FAT12
	}
	if totalClusters < 65525 {
		return FAT16
	}
	return FAT32
}

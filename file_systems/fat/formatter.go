package fat

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dargueta/fatfs/blockdev"
	"github.com/dargueta/fatfs/errors"
	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FormatOptions controls the layout of a new volume. Zero values pick
// defaults based on the size of the device.
type FormatOptions struct {
	// FATType forces the FAT type. By default volumes under 4 MiB get FAT12,
	// volumes under 512 MiB get FAT16, and anything larger gets FAT32.
	FATType FATType
	// VolumeLabel is stored in the boot sector and the root directory.
	VolumeLabel string
	OEMName     string
	// SectorsPerCluster must be a power of 2 in [1, 128]. By default it's taken
	// from the table Microsoft recommends for the size of the volume.
	SectorsPerCluster uint
	// NumFATs defaults to 2.
	NumFATs uint
	// RootDirEntries is the size of the root directory on FAT12/16 volumes. It's
	// rounded up to fill a whole number of sectors. Defaults to 512.
	RootDirEntries uint
	// VolumeID is the volume serial number. A random one is generated if this
	// is 0.
	VolumeID         uint32
	MediumDescriptor uint8
	Logger           logrus.FieldLogger
	Clock            func() time.Time
	ShortNames       ShortNameGenerator
}

const (
	defaultNumFATs        = 2
	defaultRootDirEntries = 512
	fat32ReservedSectors  = 32
	fat32FSInfoSector     = 1
	fat32BackupBootSector = 6
	maxClusterSize        = 32768

	fat12SizeLimit = 4 * 1024 * 1024
	fat16SizeLimit = 512 * 1024 * 1024
)

// clusterSizeRow is one row of the recommended cluster size table. Sizes are in
// 512-byte sectors regardless of the device's actual sector size.
type clusterSizeRow struct {
	FATType           FATType `csv:"fat_type"`
	MaxSectors        uint32  `csv:"max_sectors"`
	SectorsPerCluster uint    `csv:"sectors_per_cluster"`
}

//go:embed clustersizes.csv
var clusterSizesRawCSV []byte
var clusterSizeTable []clusterSizeRow

func init() {
	err := gocsv.UnmarshalBytes(clusterSizesRawCSV, &clusterSizeTable)
	if err != nil {
		panic(fmt.Errorf("failed to decode cluster size table: %w", err))
	}
}

// DefaultFATType picks the FAT type for a volume of `totalBytes` bytes.
func DefaultFATType(totalBytes int64) FATType {
	switch {
	case totalBytes < fat12SizeLimit:
		return FAT12
	case totalBytes < fat16SizeLimit:
		return FAT16
	default:
		return FAT32
	}
}

// recommendedSectorsPerCluster looks up the cluster size for a volume of
// `totalSectors` sectors of `bytesPerSector` bytes each.
func recommendedSectorsPerCluster(fatType FATType, totalSectors uint32, bytesPerSector uint) uint {
	sectorsOf512 := uint64(totalSectors) * uint64(bytesPerSector) / 512

	for _, row := range clusterSizeTable {
		if row.FATType != fatType || sectorsOf512 > uint64(row.MaxSectors) {
			continue
		}

		// The table is in 512-byte sectors; keep the cluster size in bytes the
		// same for bigger sectors.
		spc := row.SectorsPerCluster * 512 / bytesPerSector
		if spc == 0 {
			return 1
		}
		return spc
	}
	return 1
}

// volumeGeometry is everything about the layout of a volume that depends on
// the cluster size.
type volumeGeometry struct {
	fatType           FATType
	bytesPerSector    uint
	totalSectors      uint32
	reservedSectors   uint
	numFATs           uint
	rootDirEntries    uint
	sectorsPerCluster uint
	sectorsPerFAT     uint32
	clusters          uint32
}

func (g *volumeGeometry) rootDirSectors() uint32 {
	return uint32((g.rootDirEntries*DirentSize + g.bytesPerSector - 1) / g.bytesPerSector)
}

func (g *volumeGeometry) clustersFor(sectorsPerFAT uint32) uint32 {
	metadata := uint64(g.reservedSectors) + uint64(g.rootDirSectors()) +
		uint64(g.numFATs)*uint64(sectorsPerFAT)
	if metadata >= uint64(g.totalSectors) {
		return 0
	}
	return uint32((uint64(g.totalSectors) - metadata) / uint64(g.sectorsPerCluster))
}

// computeSectorsPerFAT sets the FAT size and the resulting cluster count for the
// current cluster size.
//
// FAT16 and FAT32 use the closed-form approximation from Microsoft's FAT
// specification, which may overshoot by a sector or so but never comes up
// short. It doesn't hold for the 1.5-byte entries of FAT12, which instead
// iterates until the table is big enough for the clusters it leaves room for.
func (g *volumeGeometry) computeSectorsPerFAT() {
	if g.fatType == FAT12 {
		sectorsPerFAT := uint32(1)
		for {
			clusters := g.clustersFor(sectorsPerFAT)
			tableBytes := (uint64(clusters)+uint64(FirstCluster))*3/2 + 1
			needed := uint32((tableBytes + uint64(g.bytesPerSector) - 1) / uint64(g.bytesPerSector))
			if needed <= sectorsPerFAT {
				break
			}
			sectorsPerFAT = needed
		}
		g.sectorsPerFAT = sectorsPerFAT
		g.clusters = g.clustersFor(sectorsPerFAT)
		return
	}

	tmpVal1 := uint64(g.totalSectors) - (uint64(g.reservedSectors) + uint64(g.rootDirSectors()))
	tmpVal2 := uint64(g.bytesPerSector/2)*uint64(g.sectorsPerCluster) + uint64(g.numFATs)
	if g.fatType == FAT32 {
		tmpVal2 /= 2
	}
	g.sectorsPerFAT = uint32((tmpVal1 + tmpVal2 - 1) / tmpVal2)
	g.clusters = g.clustersFor(g.sectorsPerFAT)
}

// fitClusterSize adjusts the cluster size until the cluster count is legal for
// the FAT type. Too many clusters means bigger clusters, too few means smaller
// ones. A cluster size chosen by the caller is never changed, only checked.
func (g *volumeGeometry) fitClusterSize(fixed bool) error {
	triedBigger := false
	triedSmaller := false

	for {
		g.computeSectorsPerFAT()

		actual := DetermineFATType(g.clusters)
		tooMany := actual > g.fatType || g.clusters > g.fatType.MaxClusters()
		tooFew := actual < g.fatType || g.clusters < g.fatType.MinClusters()
		if !tooMany && !tooFew {
			return nil
		}

		if fixed {
			return errors.NewWithMessage(
				errors.EINVAL,
				fmt.Sprintf(
					"%d sectors per cluster gives %d clusters, which isn't valid for %s",
					g.sectorsPerCluster,
					g.clusters,
					g.fatType))
		}

		if tooMany && !triedSmaller && g.sectorsPerCluster < 128 &&
			g.sectorsPerCluster*2*g.bytesPerSector <= maxClusterSize {
			g.sectorsPerCluster *= 2
			triedBigger = true
			continue
		}
		if tooFew && !triedBigger && g.sectorsPerCluster > 1 {
			g.sectorsPerCluster /= 2
			triedSmaller = true
			continue
		}

		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"a volume of %d %d-byte sectors can't be formatted as %s",
				g.totalSectors,
				g.bytesPerSector,
				g.fatType))
	}
}

// planGeometry works out the layout of a volume on `device`.
func planGeometry(device blockdev.Device, options *FormatOptions) (volumeGeometry, error) {
	g := volumeGeometry{bytesPerSector: uint(device.SectorSize())}
	if !blockdev.IsValidSectorSize(int(g.bytesPerSector)) {
		return g, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("unsupported sector size %d", g.bytesPerSector))
	}

	totalSectors := device.TotalSize() / int64(g.bytesPerSector)
	if totalSectors > 0xFFFFFFFF {
		return g, errors.NewWithMessage(
			errors.EFBIG,
			fmt.Sprintf("device has %d sectors, FAT can address at most 2^32-1", totalSectors))
	}
	g.totalSectors = uint32(totalSectors)

	g.fatType = options.FATType
	if g.fatType == 0 {
		g.fatType = DefaultFATType(device.TotalSize())
	} else if !g.fatType.IsValid() {
		return g, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("invalid FAT type %d", int(g.fatType)))
	}

	g.numFATs = options.NumFATs
	if g.numFATs == 0 {
		g.numFATs = defaultNumFATs
	}

	if g.fatType == FAT32 {
		g.reservedSectors = fat32ReservedSectors
	} else {
		g.reservedSectors = 1

		g.rootDirEntries = options.RootDirEntries
		if g.rootDirEntries == 0 {
			g.rootDirEntries = defaultRootDirEntries
		}
		entriesPerSector := g.bytesPerSector / DirentSize
		g.rootDirEntries = (g.rootDirEntries + entriesPerSector - 1) / entriesPerSector * entriesPerSector
	}

	g.sectorsPerCluster = options.SectorsPerCluster
	fixed := g.sectorsPerCluster != 0
	if !fixed {
		g.sectorsPerCluster = recommendedSectorsPerCluster(
			g.fatType, g.totalSectors, g.bytesPerSector)
	}

	err := g.fitClusterSize(fixed)
	return g, err
}

// newVolumeID derives a volume serial number from a random UUID.
func newVolumeID() uint32 {
	id := uuid.New()
	return binary.LittleEndian.Uint32(id[:4])
}

func buildBootSector(g *volumeGeometry, options *FormatOptions) (*BootSector, error) {
	bs, err := NewBootSector(g.fatType)
	if err != nil {
		return nil, err
	}
	bs.Init()

	steps := []func() error{
		func() error { return bs.SetBytesPerSector(g.bytesPerSector) },
		func() error { return bs.SetSectorsPerCluster(g.sectorsPerCluster) },
		func() error { return bs.SetReservedSectors(g.reservedSectors) },
		func() error { return bs.SetNumFATs(g.numFATs) },
		func() error { return bs.SetRootDirEntryCount(g.rootDirEntries) },
		func() error { return bs.SetTotalSectors(g.totalSectors) },
		func() error { return bs.SetSectorsPerFAT(g.sectorsPerFAT) },
	}
	if options.MediumDescriptor != 0 {
		steps = append(steps, func() error { return bs.SetMediumDescriptor(options.MediumDescriptor) })
	}
	if options.OEMName != "" {
		steps = append(steps, func() error { return bs.SetOEMName(options.OEMName) })
	}
	if g.fatType == FAT32 {
		steps = append(
			steps,
			func() error { return bs.SetRootDirFirstCluster(FirstCluster) },
			func() error { return bs.SetFSInfoSector(fat32FSInfoSector) },
			func() error { return bs.SetBackupBootSector(fat32BackupBootSector) },
		)
	}

	for _, step := range steps {
		err = step()
		if err != nil {
			return nil, err
		}
	}

	volumeID := options.VolumeID
	if volumeID == 0 {
		volumeID = newVolumeID()
	}
	bs.SetVolumeID(volumeID)

	if bs.FATType() != g.fatType {
		return nil, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"layout with %d clusters is %s, not %s",
				bs.DataClusterCount(),
				bs.FATType(),
				g.fatType))
	}
	return bs, nil
}

// zeroRegion writes `length` null bytes to `device` starting at `offset`, a
// chunk at a time.
func zeroRegion(device blockdev.Device, offset, length int64) error {
	const chunkSize = 64 * 1024
	zeroes := make([]byte, chunkSize)

	for length > 0 {
		count := length
		if count > chunkSize {
			count = chunkSize
		}
		err := device.WriteSectors(offset, zeroes[:count])
		if err != nil {
			return err
		}
		offset += count
		length -= count
	}
	return nil
}

// Format creates an empty FAT volume on `device`, spanning the entire device,
// and mounts it. There's no partition table; the boot sector is sector 0.
func Format(device blockdev.Device, options FormatOptions) (*FileSystem, error) {
	if device.IsReadOnly() {
		return nil, errors.ErrReadOnlyFileSystem.WithMessage("can't format a read-only device")
	}

	logger := options.Logger
	if logger == nil {
		logger = DefaultLogger()
	}

	if options.VolumeLabel != "" {
		err := ValidateVolumeLabel(options.VolumeLabel)
		if err != nil {
			return nil, err
		}
	}

	g, err := planGeometry(device, &options)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"type":                g.fatType.String(),
		"total_sectors":       g.totalSectors,
		"sectors_per_cluster": g.sectorsPerCluster,
		"sectors_per_fat":     g.sectorsPerFAT,
		"clusters":            g.clusters,
	}).Debug("formatting volume")

	bs, err := buildBootSector(&g, &options)
	if err != nil {
		return nil, err
	}

	bytesPerSector := int64(g.bytesPerSector)
	err = zeroRegion(device, bytesPerSector, int64(g.reservedSectors-1)*bytesPerSector)
	if err != nil {
		return nil, err
	}

	err = bs.Write(device)
	if err != nil {
		return nil, err
	}

	tbl, err := NewFAT(device, bs)
	if err != nil {
		return nil, err
	}

	if g.fatType == FAT32 {
		// The root directory is one empty cluster.
		rootCluster, err := tbl.AllocNew()
		if err != nil {
			return nil, err
		}
		err = zeroRegion(device, bs.DataOffset(), int64(bs.BytesPerCluster()))
		if err != nil {
			return nil, err
		}

		info, err := NewFSInfo(bs)
		if err != nil {
			return nil, err
		}
		info.SetFreeClusterCount(tbl.FreeClusterCount())
		info.SetLastAllocatedCluster(rootCluster)
		err = info.Write(device)
		if err != nil {
			return nil, err
		}

		// Keep a copy of the FS information sector right after the backup boot
		// sector.
		err = device.WriteSectors(
			int64(fat32BackupBootSector+1)*bytesPerSector, info.Bytes())
		if err != nil {
			return nil, errors.CastToDriverError(err).WithMessage(
				"failed to write backup FS information sector")
		}
	} else {
		err = zeroRegion(device, bs.RootDirOffset(), int64(bs.RootDirSectors())*bytesPerSector)
		if err != nil {
			return nil, err
		}
	}

	_, err = tbl.Flush()
	if err != nil {
		return nil, err
	}

	err = device.Flush()
	if err != nil {
		return nil, err
	}

	fs, err := MountWithOptions(device, MountOptions{
		Logger:     logger,
		Clock:      options.Clock,
		ShortNames: options.ShortNames,
	})
	if err != nil {
		return nil, errors.CastToDriverError(err).WithMessage(
			"failed to mount freshly formatted volume")
	}

	if options.VolumeLabel != "" {
		err = fs.SetVolumeLabel(options.VolumeLabel)
		if err != nil {
			return nil, err
		}
	}

	err = fs.Flush()
	if err != nil {
		return nil, err
	}
	return fs, nil
}

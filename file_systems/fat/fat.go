package fat

import (
	"bytes"
	"fmt"

	"github.com/dargueta/fatfs/blockdev"
	"github.com/dargueta/fatfs/errors"
	c "github.com/dargueta/fatfs/file_systems/common"
	"github.com/dargueta/fatfs/file_systems/common/blockcache"
	"github.com/hashicorp/go-multierror"
)

// FAT is the in-memory copy of the file allocation table.
//
// The table is kept in its encoded on-disk form in a sector cache, so flushing
// only writes the sectors that actually changed. Every dirty sector is written
// to all copies of the FAT, which keeps the copies identical.
type FAT struct {
	device        blockdev.Device
	bootSector    *BootSector
	fatType       FATType
	cache         *blockcache.BlockCache
	data          []byte
	entryCount    uint32
	lastCluster   ClusterID
	lastAllocated ClusterID
}

func newFAT(device blockdev.Device, bs *BootSector, fetch blockcache.FetchBlockCallback) (*FAT, error) {
	fatType := bs.FATType()
	bytesPerSector := bs.BytesPerSector()
	fatSize := bs.FATSizeBytes()

	var entryCount uint32
	switch fatType {
	case FAT12:
		entryCount = uint32(fatSize * 2 / 3)
	case FAT16:
		entryCount = uint32(fatSize / 2)
	default:
		entryCount = uint32(fatSize / 4)
	}

	lastCluster := ClusterID(bs.DataClusterCount()) + 1
	if uint32(lastCluster) >= entryCount {
		return nil, corruption(
			"FAT has room for %d entries but the volume has %d clusters",
			entryCount,
			bs.DataClusterCount())
	}

	tbl := &FAT{
		device:        device,
		bootSector:    bs,
		fatType:       fatType,
		entryCount:    entryCount,
		lastCluster:   lastCluster,
		lastAllocated: FirstCluster - 1,
	}

	tbl.cache = blockcache.New(
		bytesPerSector,
		uint(bs.SectorsPerFAT()),
		fetch,
		tbl.flushSector,
		nil,
	)

	data, err := tbl.cache.Data()
	if err != nil {
		return nil, err
	}
	tbl.data = data
	return tbl, nil
}

// ReadFAT loads the `index`th copy of the FAT from `device`.
func ReadFAT(device blockdev.Device, bs *BootSector, index uint) (*FAT, error) {
	if index >= bs.NumFATs() {
		return nil, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("FAT index %d out of range; volume has %d", index, bs.NumFATs()))
	}

	fatOffset := bs.FATOffset(index)
	bytesPerSector := int64(bs.BytesPerSector())
	fetch := func(blockIndex c.LogicalBlock, buffer []byte) error {
		return device.ReadSectors(fatOffset+int64(blockIndex)*bytesPerSector, buffer)
	}

	tbl, err := newFAT(device, bs, fetch)
	if err != nil {
		return nil, errors.CastToDriverError(err).WithMessage(
			fmt.Sprintf("failed to read FAT %d", index))
	}
	return tbl, nil
}

// NewFAT creates a fresh, empty FAT for a volume being formatted. Entry 0 holds
// the medium descriptor and entry 1 an end-of-chain marker; everything else is
// free. Every sector is dirty, so the first flush writes out the whole table.
func NewFAT(device blockdev.Device, bs *BootSector) (*FAT, error) {
	zeroFill := func(blockIndex c.LogicalBlock, buffer []byte) error {
		for i := range buffer {
			buffer[i] = 0
		}
		return nil
	}

	tbl, err := newFAT(device, bs, zeroFill)
	if err != nil {
		return nil, err
	}

	err = tbl.cache.MarkBlockRangeDirty(0, tbl.cache.TotalBlocks())
	if err != nil {
		return nil, err
	}

	// The high bits of entry 0 are all set, with the medium descriptor in the
	// low byte.
	tbl.set(0, (tbl.fatType.entryMask()&^0xFF)|uint32(bs.MediumDescriptor()))
	tbl.set(1, tbl.fatType.EOFMarker())
	return tbl, nil
}

// flushSector writes one encoded sector of the table to every copy of the FAT.
func (tbl *FAT) flushSector(blockIndex c.LogicalBlock, buffer []byte) error {
	var result *multierror.Error
	sectorOffset := int64(blockIndex) * int64(tbl.bootSector.BytesPerSector())

	for i := uint(0); i < tbl.bootSector.NumFATs(); i++ {
		err := tbl.device.WriteSectors(tbl.bootSector.FATOffset(i)+sectorOffset, buffer)
		if err != nil {
			result = multierror.Append(
				result, fmt.Errorf("sector %d of FAT %d: %w", blockIndex, i, err))
		}
	}

	if result != nil {
		return errors.ErrIOFailed.Wrap(result.ErrorOrNil())
	}
	return nil
}

// Type returns the FAT type the table is encoded in.
func (tbl *FAT) Type() FATType {
	return tbl.fatType
}

// LastCluster returns the highest valid cluster index.
func (tbl *FAT) LastCluster() ClusterID {
	return tbl.lastCluster
}

// IsValidCluster returns true if `cluster` is in the data region.
func (tbl *FAT) IsValidCluster(cluster ClusterID) bool {
	return cluster >= FirstCluster && cluster <= tbl.lastCluster
}

// get returns the raw value of a FAT entry. The caller must ensure `index` is
// less than the entry count.
func (tbl *FAT) get(index ClusterID) uint32 {
	switch tbl.fatType {
	case FAT12:
		// Each entry is 1.5 bytes. Even entries are the low 12 bits of the two
		// bytes they start in, odd entries the high 12 bits.
		offset := uint(index) + uint(index)/2
		pair := uint32(tbl.data[offset]) | uint32(tbl.data[offset+1])<<8
		if index%2 == 0 {
			return pair & 0x0FFF
		}
		return pair >> 4
	case FAT16:
		offset := uint(index) * 2
		return uint32(tbl.data[offset]) | uint32(tbl.data[offset+1])<<8
	default:
		offset := uint(index) * 4
		value := uint32(tbl.data[offset]) |
			uint32(tbl.data[offset+1])<<8 |
			uint32(tbl.data[offset+2])<<16 |
			uint32(tbl.data[offset+3])<<24
		return value & 0x0FFFFFFF
	}
}

// set writes the raw value of a FAT entry and marks the sectors it lives in as
// dirty. The caller must ensure `index` is less than the entry count.
func (tbl *FAT) set(index ClusterID, value uint32) {
	value &= tbl.fatType.entryMask()

	var offset, width uint
	switch tbl.fatType {
	case FAT12:
		offset = uint(index) + uint(index)/2
		width = 2
		if index%2 == 0 {
			tbl.data[offset] = byte(value)
			tbl.data[offset+1] = (tbl.data[offset+1] & 0xF0) | byte(value>>8)
		} else {
			tbl.data[offset] = (tbl.data[offset] & 0x0F) | byte(value<<4)
			tbl.data[offset+1] = byte(value >> 4)
		}
	case FAT16:
		offset = uint(index) * 2
		width = 2
		tbl.data[offset] = byte(value)
		tbl.data[offset+1] = byte(value >> 8)
	default:
		offset = uint(index) * 4
		width = 4
		// The top four bits are reserved and must be preserved.
		tbl.data[offset] = byte(value)
		tbl.data[offset+1] = byte(value >> 8)
		tbl.data[offset+2] = byte(value >> 16)
		tbl.data[offset+3] = (tbl.data[offset+3] & 0xF0) | byte(value>>24)
	}

	bytesPerSector := tbl.cache.BytesPerBlock()
	firstSector := offset / bytesPerSector
	lastSector := (offset + width - 1) / bytesPerSector
	// This can only fail if the offset is out of bounds, which the callers
	// already guarantee isn't the case.
	tbl.cache.MarkBlockRangeDirty(
		c.LogicalBlock(firstSector), lastSector-firstSector+1)
}

func (tbl *FAT) checkCluster(cluster ClusterID) error {
	if !tbl.IsValidCluster(cluster) {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"invalid cluster %d: not in [%d, %d]", cluster, FirstCluster, tbl.lastCluster))
	}
	return nil
}

// Entry returns the raw value stored for `cluster`.
func (tbl *FAT) Entry(cluster ClusterID) (uint32, error) {
	if uint32(cluster) >= tbl.entryCount {
		return 0, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("FAT index %d out of range [0, %d)", cluster, tbl.entryCount))
	}
	return tbl.get(cluster), nil
}

// IsFree returns true if `cluster` is unallocated.
func (tbl *FAT) IsFree(cluster ClusterID) bool {
	return tbl.IsValidCluster(cluster) && tbl.get(cluster) == 0
}

// IsEOF returns true if `cluster` is the last cluster of its chain.
func (tbl *FAT) IsEOF(cluster ClusterID) bool {
	return tbl.IsValidCluster(cluster) && tbl.fatType.IsEOF(tbl.get(cluster))
}

// Next returns the cluster following `cluster` in its chain. The second return
// value is false if `cluster` is the end of the chain.
//
// Any link that isn't another valid cluster or an EOF marker means the table
// is corrupted.
func (tbl *FAT) Next(cluster ClusterID) (ClusterID, bool, error) {
	err := tbl.checkCluster(cluster)
	if err != nil {
		return 0, false, err
	}

	value := tbl.get(cluster)
	if tbl.fatType.IsEOF(value) {
		return 0, false, nil
	}
	if !tbl.IsValidCluster(ClusterID(value)) {
		return 0, false, corruption(
			"cluster %d links to invalid cluster 0x%x", cluster, value)
	}
	return ClusterID(value), true, nil
}

// Chain returns the ordered list of clusters in the chain beginning at `start`.
// The start cluster must be allocated.
func (tbl *FAT) Chain(start ClusterID) ([]ClusterID, error) {
	err := tbl.checkCluster(start)
	if err != nil {
		return nil, err
	}
	if tbl.get(start) == 0 {
		return nil, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("cluster %d is free and can't start a chain", start))
	}

	maxLength := int(tbl.lastCluster - FirstCluster + 1)
	chain := []ClusterID{start}
	current := start

	for {
		next, ok, err := tbl.Next(current)
		if err != nil {
			return chain, err
		}
		if !ok {
			return chain, nil
		}

		chain = append(chain, next)
		if len(chain) > maxLength {
			return chain, corruption("cycle detected in cluster chain starting at %d", start)
		}
		current = next
	}
}

// AllocNew finds a free cluster, marks it as the end of a new chain, and
// returns it. The search begins right after the last cluster allocated and
// wraps around once.
func (tbl *FAT) AllocNew() (ClusterID, error) {
	totalClusters := uint32(tbl.lastCluster - FirstCluster + 1)
	start := tbl.lastAllocated + 1

	for i := uint32(0); i < totalClusters; i++ {
		candidate := start + ClusterID(i)
		if candidate > tbl.lastCluster {
			candidate = FirstCluster + (candidate - tbl.lastCluster - 1)
		}
		if candidate < FirstCluster {
			candidate = FirstCluster
		}

		if tbl.get(candidate) == 0 {
			tbl.set(candidate, tbl.fatType.EOFMarker())
			tbl.lastAllocated = candidate
			return candidate, nil
		}
	}

	return 0, errors.NewWithMessage(
		errors.ENOSPC, fmt.Sprintf("all %d clusters are in use", totalClusters))
}

// AllocAppend allocates a new cluster and links it to the end of the chain
// containing `cluster`.
func (tbl *FAT) AllocAppend(cluster ClusterID) (ClusterID, error) {
	err := tbl.checkCluster(cluster)
	if err != nil {
		return 0, err
	}

	tail := cluster
	if !tbl.IsEOF(tail) {
		chain, err := tbl.Chain(cluster)
		if err != nil {
			return 0, err
		}
		tail = chain[len(chain)-1]
	}

	newCluster, err := tbl.AllocNew()
	if err != nil {
		return 0, err
	}
	tbl.set(tail, uint32(newCluster))
	return newCluster, nil
}

// SetFree marks `cluster` as unallocated.
func (tbl *FAT) SetFree(cluster ClusterID) error {
	err := tbl.checkCluster(cluster)
	if err != nil {
		return err
	}
	tbl.set(cluster, 0)
	return nil
}

// FreeChainFrom releases `start` and every cluster following it in its chain.
// The cluster that linked to `start`, if any, must be re-terminated by the
// caller.
func (tbl *FAT) FreeChainFrom(start ClusterID) error {
	clusters, err := tbl.Chain(start)
	if err != nil {
		return err
	}
	for _, cluster := range clusters {
		tbl.set(cluster, 0)
	}
	return nil
}

// SetEOF marks `cluster` as the end of its chain.
func (tbl *FAT) SetEOF(cluster ClusterID) error {
	err := tbl.checkCluster(cluster)
	if err != nil {
		return err
	}
	tbl.set(cluster, tbl.fatType.EOFMarker())
	return nil
}

// SetNext links `cluster` to `next`.
func (tbl *FAT) SetNext(cluster, next ClusterID) error {
	err := tbl.checkCluster(cluster)
	if err != nil {
		return err
	}
	err = tbl.checkCluster(next)
	if err != nil {
		return err
	}
	tbl.set(cluster, uint32(next))
	return nil
}

// FreeClusterCount counts the free clusters in the data region. This scans the
// entire table.
func (tbl *FAT) FreeClusterCount() uint32 {
	count := uint32(0)
	for cluster := FirstCluster; cluster <= tbl.lastCluster; cluster++ {
		if tbl.get(cluster) == 0 {
			count++
		}
	}
	return count
}

// LastAllocated returns the allocation cursor: the cluster most recently
// handed out, where the next search for a free cluster begins.
func (tbl *FAT) LastAllocated() ClusterID {
	return tbl.lastAllocated
}

// SetLastAllocated moves the allocation cursor. Invalid values (such as the
// "unknown" marker from an FS information sector) are ignored.
func (tbl *FAT) SetLastAllocated(cluster ClusterID) {
	if tbl.IsValidCluster(cluster) {
		tbl.lastAllocated = cluster
	}
}

// Equal returns true if `other` is byte-for-byte identical to this table.
func (tbl *FAT) Equal(other *FAT) bool {
	return other != nil && bytes.Equal(tbl.data, other.data)
}

// DirtySectorCount gives the number of sectors the next flush will write to
// each copy of the FAT.
func (tbl *FAT) DirtySectorCount() uint {
	return tbl.cache.DirtyBlockCount()
}

// Flush writes every modified sector of the table to all copies of the FAT.
// It returns the number of sectors written per copy.
func (tbl *FAT) Flush() (uint, error) {
	return tbl.cache.Flush()
}

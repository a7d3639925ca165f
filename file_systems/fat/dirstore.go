package fat

import (
	"bytes"
	"fmt"

	"github.com/dargueta/fatfs/blockdev"
	"github.com/dargueta/fatfs/errors"
	c "github.com/dargueta/fatfs/file_systems/common"
	"github.com/dargueta/fatfs/file_systems/common/blockcache"
)

type dirStoreKind int

const (
	// fixedRootStore is the root directory region of a FAT12/16 volume. Its
	// size is set when the volume is formatted and can never change.
	fixedRootStore dirStoreKind = iota
	// chainStore is a directory kept in a cluster chain: every subdirectory,
	// and the root directory on FAT32.
	chainStore
)

// dirStore holds the raw entries of one directory. Both kinds keep the
// directory in a block cache so that only the blocks (sectors of the root
// region, or clusters of a chain) that changed get written back.
type dirStore struct {
	kind   dirStoreKind
	region *blockcache.BlockCache

	// Only for fixedRootStore.
	maxEntries int

	// Only for chainStore.
	chain *ClusterChain
}

func newFixedRootStore(device blockdev.Device, bs *BootSector) (*dirStore, error) {
	regionOffset := bs.RootDirOffset()
	bytesPerSector := int64(bs.BytesPerSector())

	fetch := func(blockIndex c.LogicalBlock, buffer []byte) error {
		return device.ReadSectors(regionOffset+int64(blockIndex)*bytesPerSector, buffer)
	}
	flush := func(blockIndex c.LogicalBlock, buffer []byte) error {
		return device.WriteSectors(regionOffset+int64(blockIndex)*bytesPerSector, buffer)
	}

	region := blockcache.New(
		uint(bytesPerSector), uint(bs.RootDirSectors()), fetch, flush, nil)
	err := region.LoadAll()
	if err != nil {
		return nil, errors.CastToDriverError(err).WithMessage(
			"failed to read root directory region")
	}

	return &dirStore{
		kind:       fixedRootStore,
		region:     region,
		maxEntries: int(bs.RootDirEntryCount()),
	}, nil
}

// newChainStore caches the directory in `chain` one cluster per block. Resizing
// the cache resizes the chain.
func newChainStore(chain *ClusterChain) (*dirStore, error) {
	length, err := chain.ChainLength()
	if err != nil {
		return nil, err
	}

	clusterSize := chain.ClusterSize()
	fetch := func(blockIndex c.LogicalBlock, buffer []byte) error {
		return chain.ReadData(int64(blockIndex)*clusterSize, buffer)
	}
	flush := func(blockIndex c.LogicalBlock, buffer []byte) error {
		return chain.WriteData(int64(blockIndex)*clusterSize, buffer)
	}
	resize := func(newTotalBlocks uint) error {
		return chain.SetChainLength(int(newTotalBlocks))
	}

	return &dirStore{
		kind:   chainStore,
		region: blockcache.New(uint(clusterSize), uint(length), fetch, flush, resize),
		chain:  chain,
	}, nil
}

// capacity gives the number of raw entries the directory can hold without
// changing its size.
func (s *dirStore) capacity() int {
	if s.kind == fixedRootStore {
		return s.maxEntries
	}

	entries := int(s.region.Size() / DirentSize)
	if entries > MaxDirectoryEntries {
		entries = MaxDirectoryEntries
	}
	return entries
}

// storageCluster gives the cluster that ".." entries of child directories
// point to. The fixed root region has no cluster, so this is 0.
func (s *dirStore) storageCluster() ClusterID {
	if s.kind == fixedRootStore {
		return 0
	}
	return s.chain.StartCluster()
}

// contents returns the cached bytes of the first `size` bytes of the directory,
// loading them first if needed. The slice belongs to the cache.
func (s *dirStore) contents(size int) ([]byte, error) {
	blockCount := s.region.LengthToNumBlocks(uint(size))
	data, err := s.region.GetSlice(0, blockCount)
	if err != nil {
		return nil, err
	}
	return data[:size], nil
}

// read returns the raw contents of the directory, `capacity() * 32` bytes.
func (s *dirStore) read() ([]byte, error) {
	data, err := s.contents(s.capacity() * DirentSize)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

// write replaces the contents of the directory. `data` must be exactly
// `capacity() * 32` bytes.
func (s *dirStore) write(data []byte) error {
	if len(data) != s.capacity()*DirentSize {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"directory data is %d bytes, expected %d", len(data), s.capacity()*DirentSize))
	}

	current, err := s.contents(len(data))
	if err != nil {
		return err
	}

	// Only rewrite the blocks that changed.
	blockSize := int(s.region.BytesPerBlock())
	for offset := 0; offset < len(data); offset += blockSize {
		end := offset + blockSize
		if end > len(data) {
			end = len(data)
		}
		if bytes.Equal(current[offset:end], data[offset:end]) {
			continue
		}
		_, err = s.region.WriteAt(data[offset:end], int64(offset))
		if err != nil {
			return err
		}
	}

	_, err = s.region.Flush()
	return err
}

// changeSize makes sure the directory can hold at least `entryCount` raw
// entries, growing it if needed. Directories are never shrunk.
func (s *dirStore) changeSize(entryCount int) error {
	if entryCount <= s.capacity() {
		return nil
	}

	if s.kind == fixedRootStore {
		return errors.ErrDirectoryFull.WithMessage(
			fmt.Sprintf(
				"the root directory holds %d entries, %d are needed",
				s.maxEntries,
				entryCount))
	}

	if entryCount > MaxDirectoryEntries {
		return errors.ErrDirectoryFull.WithMessage(
			fmt.Sprintf(
				"directories can't hold more than %d entries, %d are needed",
				MaxDirectoryEntries,
				entryCount))
	}

	// New clusters come in zeroed and dirty, so they're cleared on disk by the
	// next write.
	clusters := s.region.LengthToNumBlocks(uint(entryCount) * DirentSize)
	if clusters == 0 {
		clusters = 1
	}
	return s.region.Resize(clusters)
}

package testing

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/dargueta/fatfs/blockdev"
	"github.com/dargueta/fatfs/errors"
	c "github.com/dargueta/fatfs/file_systems/common"
	"github.com/dargueta/fatfs/file_systems/common/blockcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// CreateRandomImage returns `totalSectors` sectors of random bytes, or fails the
// test.
func CreateRandomImage(bytesPerSector, totalSectors uint, t *testing.T) []byte {
	backingData := make([]byte, bytesPerSector*totalSectors)

	_, err := rand.Read(backingData)
	require.NoErrorf(
		t,
		err,
		"failed to initialize %d sectors of size %d with random bytes",
		totalSectors,
		bytesPerSector,
	)
	return backingData
}

// FlushCounter records which blocks a cache wrote back to its device.
type FlushCounter struct {
	Blocks []c.LogicalBlock
}

// Reset forgets all recorded flushes.
func (counter *FlushCounter) Reset() {
	counter.Blocks = nil
}

// NewSectorCache creates a block cache over a region of `device`, one cache
// block per sector. This is how the FAT caches its table.
//
// Arguments:
//
//   - firstSector: Index of the first sector of the region on the device.
//   - sectorCount: The number of sectors in the region.
//   - counter: Optional. If not nil, every block flushed is recorded in it.
//
// Touching a block outside the region fails the test, so you can't use this
// to check that the cache itself rejects out-of-bounds accesses. Writes to a
// read-only device fail with whatever error the device returns.
func NewSectorCache(
	device blockdev.Device,
	firstSector,
	sectorCount uint,
	counter *FlushCounter,
	t *testing.T,
) *blockcache.BlockCache {
	sectorSize := int64(device.SectorSize())
	regionStart := int64(firstSector) * sectorSize
	require.LessOrEqualf(
		t,
		regionStart+int64(sectorCount)*sectorSize,
		device.TotalSize(),
		"sectors [%d, %d) don't fit on the device",
		firstSector,
		firstSector+sectorCount,
	)

	checkBounds := func(operation string, blockIndex c.LogicalBlock) error {
		if blockIndex < c.LogicalBlock(sectorCount) {
			return nil
		}
		message := fmt.Sprintf(
			"attempted to %s outside bounds: block %d not in [0, %d)",
			operation,
			blockIndex,
			sectorCount,
		)
		t.Error(message)
		return errors.ErrIOFailed.WithMessage(message)
	}

	fetchCallback := func(blockIndex c.LogicalBlock, buffer []byte) error {
		err := checkBounds("read", blockIndex)
		if err != nil {
			return err
		}
		return device.ReadSectors(regionStart+int64(blockIndex)*sectorSize, buffer)
	}

	flushCallback := func(blockIndex c.LogicalBlock, buffer []byte) error {
		err := checkBounds("write", blockIndex)
		if err != nil {
			return err
		}

		err = device.WriteSectors(regionStart+int64(blockIndex)*sectorSize, buffer)
		if err != nil {
			return err
		}
		if counter != nil {
			counter.Blocks = append(counter.Blocks, blockIndex)
		}
		return nil
	}

	cache := blockcache.New(uint(sectorSize), sectorCount, fetchCallback, flushCallback, nil)
	assert.EqualValues(t, sectorSize, cache.BytesPerBlock(), "wrong bytes per block")
	assert.EqualValues(t, sectorCount, cache.TotalBlocks(), "wrong total blocks")
	assert.EqualValues(t, sectorSize*int64(sectorCount), cache.Size(), "total size is wrong")
	return cache
}

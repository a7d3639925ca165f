package blockcache_test

import (
	"math/rand"
	"testing"

	"github.com/dargueta/fatfs/errors"
	c "github.com/dargueta/fatfs/file_systems/common"
	"github.com/dargueta/fatfs/file_systems/common/blockcache"
	fattest "github.com/dargueta/fatfs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The cached region starts at this sector, the way a FAT sits behind the
// reserved sectors.
const regionStart = 4

// Every block of the region reads back the sector it's mapped to.
func TestBlockCache__Fetch__Basic(t *testing.T) {
	rawSectors := fattest.CreateRandomImage(512, regionStart+64, t)
	device := fattest.LoadImage(rawSectors, 512, true, t)
	cache := fattest.NewSectorCache(device, regionStart, 64, nil, t)

	currentBlock := make([]byte, 512)
	for i := int64(0); i < 64; i++ {
		_, err := cache.ReadAt(currentBlock, i*512)
		if !assert.NoErrorf(t, err, "failed to read block %d of [0, 64)", i) {
			continue
		}

		start := (regionStart + i) * 512
		assert.Equalf(t, rawSectors[start:start+512], currentBlock, "block %d doesn't match", i)
	}
}

// Reads that straddle block boundaries return the right bytes.
func TestBlockCache__Fetch__Unaligned(t *testing.T) {
	rawSectors := fattest.CreateRandomImage(512, 8, t)
	device := fattest.LoadImage(rawSectors, 512, true, t)
	cache := fattest.NewSectorCache(device, 0, 8, nil, t)

	buffer := make([]byte, 700)
	n, err := cache.ReadAt(buffer, 300)
	require.NoError(t, err)
	assert.Equal(t, 700, n)
	assert.Equal(t, rawSectors[300:1000], buffer)
}

// Trying to read past the end of the region must fail, even though the device
// has more sectors after it.
func TestBlockCache__Fetch__ReadPastEnd(t *testing.T) {
	device := fattest.NewMemoryImage(32*512, 512, t)
	cache := fattest.NewSectorCache(device, regionStart, 16, nil, t)
	buffer := make([]byte, 512)

	nRead, err := cache.ReadAt(buffer, 0)
	assert.NoError(t, err, "failed to read first block")
	assert.Equal(t, len(buffer), nRead)

	nRead, err = cache.ReadAt(buffer, 15*512)
	assert.NoError(t, err, "failed to read last block")
	assert.Equal(t, len(buffer), nRead)

	nRead, err = cache.ReadAt(buffer, 16*512)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
	assert.Equal(t, 0, nRead)

	// Reading zero bytes exactly at the end is fine, one byte past isn't.
	nRead, err = cache.ReadAt([]byte{}, 16*512)
	assert.NoError(t, err)
	assert.Equal(t, 0, nRead)

	nRead, err = cache.ReadAt([]byte{}, 16*512+1)
	assert.Error(t, err)
	assert.Equal(t, 0, nRead)

	nRead, err = cache.ReadAt(make([]byte, 8192), 0)
	assert.NoError(t, err, "failed reading entire region into buffer")
	assert.EqualValues(t, cache.Size(), nRead)

	nRead, err = cache.ReadAt(make([]byte, 8193), 0)
	assert.Error(t, err, "should've failed to read entire region + 1 byte into buffer")
	assert.Equal(t, 0, nRead)
}

// Write to a block and then read back that same block. You should always get
// back what you wrote.
func TestBlockCache__Write__Basic(t *testing.T) {
	device := fattest.NewMemoryImage(16*512, 512, t)
	cache := fattest.NewSectorCache(device, 0, 16, nil, t)
	writeBuffer := make([]byte, cache.BytesPerBlock())
	readBuffer := make([]byte, cache.BytesPerBlock())

	for i := 0; i < int(cache.TotalBlocks()); i++ {
		rand.Read(writeBuffer)
		offset := int64(i) * int64(cache.BytesPerBlock())

		_, err := cache.WriteAt(writeBuffer, offset)
		require.NoError(t, err)
		_, err = cache.ReadAt(readBuffer, offset)
		require.NoError(t, err)

		assert.Equalf(
			t, writeBuffer, readBuffer, "wrote to block %d but read back different data", i)
	}
}

// Attempting to write starting past the end of the cache fails.
func TestBlockCache__Write__WriteStartingPastEndFails(t *testing.T) {
	device := fattest.NewMemoryImage(16*512, 512, t)
	cache := fattest.NewSectorCache(device, 0, 16, nil, t)
	writeBuffer := make([]byte, cache.BytesPerBlock())

	n, err := cache.WriteAt(writeBuffer, 16*512)
	assert.Error(t, err, "writing past the end of the buffer should've failed but it didn't")
	assert.Equal(t, 0, n)
}

// If we write to a block inside the cache but the buffer extends past the end
// of the cache, it fails immediately and no data is modified.
func TestBlockCache__Write__WriteOverlappingPastEndFails(t *testing.T) {
	rawSectors := fattest.CreateRandomImage(512, 16, t)
	device := fattest.LoadImage(rawSectors, 512, false, t)
	cache := fattest.NewSectorCache(device, 0, 16, nil, t)
	cacheData, err := cache.Data()
	require.NoError(t, err)

	writeBuffer := make([]byte, cache.BytesPerBlock()*5)
	rand.Read(writeBuffer)

	n, err := cache.WriteAt(writeBuffer, 12*512)
	assert.Error(t, err, "writing past the end of the buffer should've failed but it didn't")
	assert.Equal(t, 0, n)
	assert.Equal(t, rawSectors, cacheData, "cache data was modified but shouldn't've been")
	assert.EqualValues(t, 0, cache.DirtyBlockCount())
}

// Only the blocks touched by a write are flushed, they land in the right
// sectors of the device, and flushing again without any intervening writes
// doesn't write anything.
func TestBlockCache__Flush__OnlyDirtyBlocks(t *testing.T) {
	rawSectors := fattest.CreateRandomImage(512, regionStart+16, t)
	device := fattest.LoadImage(rawSectors, 512, false, t)
	counter := &fattest.FlushCounter{}
	cache := fattest.NewSectorCache(device, regionStart, 16, counter, t)

	// Touches blocks 3 and 4.
	payload := []byte("straddles a block boundary")
	payloadOffset := 4*512 - 10
	_, err := cache.WriteAt(payload, int64(payloadOffset))
	require.NoError(t, err)
	assert.EqualValues(t, 2, cache.DirtyBlockCount())

	flushed, err := cache.Flush()
	require.NoError(t, err)
	assert.EqualValues(t, 2, flushed)
	assert.Equal(t, []c.LogicalBlock{3, 4}, counter.Blocks)

	expected := append([]byte(nil), rawSectors...)
	copy(expected[regionStart*512+payloadOffset:], payload)
	assert.Equal(t, expected, device.Bytes())

	counter.Reset()
	flushed, err = cache.Flush()
	require.NoError(t, err)
	assert.EqualValues(t, 0, flushed)
	assert.Empty(t, counter.Blocks)
}

// A failed write-back leaves the block dirty so a later flush can retry it.
func TestBlockCache__Flush__ReadOnlyDevice(t *testing.T) {
	rawSectors := fattest.CreateRandomImage(512, 8, t)
	device := fattest.LoadImage(rawSectors, 512, true, t)
	cache := fattest.NewSectorCache(device, 0, 8, nil, t)

	_, err := cache.WriteAt([]byte{1, 2, 3}, 512)
	require.NoError(t, err, "writes only hit the cache")

	flushed, err := cache.Flush()
	assert.ErrorIs(t, err, errors.ErrReadOnlyFileSystem)
	assert.EqualValues(t, 0, flushed)
	assert.EqualValues(t, 1, cache.DirtyBlockCount())
	assert.Equal(t, rawSectors, device.Bytes())
}

// Resizing fails when the cache wasn't given a resize callback.
func TestBlockCache__Resize__NotSupportedByDefault(t *testing.T) {
	device := fattest.NewMemoryImage(4*512, 512, t)
	cache := fattest.NewSectorCache(device, 0, 4, nil, t)
	err := cache.Resize(8)
	assert.ErrorIs(t, err, errors.ErrNotSupported)
	assert.EqualValues(t, 4, cache.TotalBlocks())
}

// newGrowableCache creates a cache over `storage` whose resize callback grows
// or shrinks the slice, the way a directory's cluster chain is resized.
func newGrowableCache(storage *[]byte, blockSize, totalBlocks uint) *blockcache.BlockCache {
	fetch := func(blockIndex c.LogicalBlock, buffer []byte) error {
		copy(buffer, (*storage)[uint(blockIndex)*blockSize:])
		return nil
	}
	flush := func(blockIndex c.LogicalBlock, buffer []byte) error {
		copy((*storage)[uint(blockIndex)*blockSize:], buffer)
		return nil
	}
	resize := func(newTotalBlocks uint) error {
		if newTotalBlocks > 8 {
			return errors.ErrNoSpaceOnDevice
		}
		resized := make([]byte, newTotalBlocks*blockSize)
		copy(resized, *storage)
		*storage = resized
		return nil
	}
	return blockcache.New(blockSize, totalBlocks, fetch, flush, resize)
}

// Growing keeps the existing contents and appends zeroed dirty blocks.
func TestBlockCache__Resize__Grow(t *testing.T) {
	storage := fattest.CreateRandomImage(64, 2, t)
	original := append([]byte(nil), storage...)
	cache := newGrowableCache(&storage, 64, 2)

	require.NoError(t, cache.Resize(4))
	assert.EqualValues(t, 4, cache.TotalBlocks())
	assert.EqualValues(t, 2, cache.DirtyBlockCount(), "only the new blocks are dirty")

	data, err := cache.GetSlice(0, 4)
	require.NoError(t, err)
	assert.Equal(t, original, data[:128])
	assert.Equal(t, make([]byte, 128), data[128:])

	// The storage still has whatever was there until the cache is flushed.
	copy(storage[128:], []byte{0xFF, 0xFF})
	flushed, err := cache.Flush()
	require.NoError(t, err)
	assert.EqualValues(t, 2, flushed)
	assert.Equal(t, make([]byte, 128), storage[128:])
}

// Shrinking drops blocks from the end.
func TestBlockCache__Resize__Shrink(t *testing.T) {
	storage := fattest.CreateRandomImage(64, 4, t)
	cache := newGrowableCache(&storage, 64, 4)

	require.NoError(t, cache.Resize(1))
	assert.EqualValues(t, 1, cache.TotalBlocks())
	assert.EqualValues(t, 64, cache.Size())
	assert.Len(t, storage, 64)

	_, err := cache.GetSlice(0, 2)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

// A failed resize callback leaves the cache as it was.
func TestBlockCache__Resize__CallbackFails(t *testing.T) {
	storage := fattest.CreateRandomImage(64, 2, t)
	cache := newGrowableCache(&storage, 64, 2)

	err := cache.Resize(9)
	assert.ErrorIs(t, err, errors.ErrNoSpaceOnDevice)
	assert.EqualValues(t, 2, cache.TotalBlocks())
	assert.EqualValues(t, 0, cache.DirtyBlockCount())
}

// GetSlice only loads the blocks it's asked for.
func TestBlockCache__GetSlice__LoadsRange(t *testing.T) {
	storage := fattest.CreateRandomImage(64, 4, t)
	cache := newGrowableCache(&storage, 64, 4)

	data, err := cache.GetSlice(1, 2)
	require.NoError(t, err)
	assert.Equal(t, storage[64:192], data)
	assert.EqualValues(t, 0, cache.DirtyBlockCount())
}

func TestBlockCache__LengthToNumBlocks(t *testing.T) {
	storage := fattest.CreateRandomImage(64, 1, t)
	cache := newGrowableCache(&storage, 64, 1)

	assert.EqualValues(t, 0, cache.LengthToNumBlocks(0))
	assert.EqualValues(t, 1, cache.LengthToNumBlocks(1))
	assert.EqualValues(t, 1, cache.LengthToNumBlocks(64))
	assert.EqualValues(t, 2, cache.LengthToNumBlocks(65))
}

// Package blockcache provides a write-back, block-oriented cache that gives a
// linear view of an object stored in one or more regions of a device.
//
// Only blocks that were modified are written back on [BlockCache.Flush], so
// flushing a cache twice in a row without modifying it in between performs no
// I/O the second time.
//
// All block indices begin at 0.
package blockcache

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/fatfs/errors"
	c "github.com/dargueta/fatfs/file_systems/common"
)

// FetchBlockCallback is a pointer to a function that writes the contents of a
// single block from the backing storage into `buffer`. The following guarantees
// apply:
//
// - `blockIndex` is in the range [0, TotalBlocks).
// - `buffer` is always BytesPerBlock bytes.
type FetchBlockCallback func(blockIndex c.LogicalBlock, buffer []byte) error

// FlushBlockCallback is a pointer to a function that writes the contents of the
// given buffer to a block in the backing storage. All restrictions and
// guarantees in [FetchBlockCallback] apply here too.
type FlushBlockCallback func(blockIndex c.LogicalBlock, buffer []byte) error

// ResizeCallback is a pointer to a function that is called to allocate or free
// blocks in the backing storage. It takes one argument, the new total number of
// blocks to occupy.
//
// Standard conditions for error codes:
//
//   - [errors.ENOSPC]: Can't increase the size of the object because there's no
//     space left, e.g. a fixed-size FAT12/16 root directory is full.
//   - [errors.ENOTSUP]: The object can't be resized as a general rule.
type ResizeCallback func(newTotalBlocks uint) error

type BlockCache struct {
	loadedBlocks  bitmap.Bitmap
	dirtyBlocks   bitmap.Bitmap
	fetch         FetchBlockCallback
	flush         FlushBlockCallback
	resize        ResizeCallback
	bytesPerBlock uint
	totalBlocks   uint
	data          []byte
}

// New creates a new BlockCache. No blocks are loaded until they're accessed.
//
// There are three callback functions:
//
//   - `fetchCb` reads a single block from the backing storage.
//   - `flushCb` writes a single block to the backing storage.
//   - `resizeCb` resizes the backing storage to a given number of blocks. If
//     nil is passed for this argument, a stub function is provided that always
//     returns an error with code [errors.ENOTSUP].
func New(
	bytesPerBlock uint,
	totalBlocks uint,
	fetchCb FetchBlockCallback,
	flushCb FlushBlockCallback,
	resizeCb ResizeCallback,
) *BlockCache {
	if resizeCb == nil {
		resizeCb = func(newTotalBlocks uint) error {
			return errors.NewWithMessage(
				errors.ENOTSUP,
				fmt.Sprintf(
					"resizing is not supported; size fixed at %d bytes",
					bytesPerBlock*totalBlocks,
				),
			)
		}
	}

	return &BlockCache{
		loadedBlocks:  bitmap.New(int(totalBlocks)),
		dirtyBlocks:   bitmap.New(int(totalBlocks)),
		data:          make([]byte, int(bytesPerBlock*totalBlocks)),
		fetch:         fetchCb,
		flush:         flushCb,
		resize:        resizeCb,
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
	}
}

// BytesPerBlock returns the size of a single block, in bytes.
func (cache *BlockCache) BytesPerBlock() uint {
	return cache.bytesPerBlock
}

// TotalBlocks returns the size of the cache, in blocks. To change the size of
// the cache, use the Resize() function.
func (cache *BlockCache) TotalBlocks() uint {
	return cache.totalBlocks
}

// Size gives the size of the cache, in bytes (not blocks!).
func (cache *BlockCache) Size() int64 {
	return int64(cache.bytesPerBlock) * int64(cache.totalBlocks)
}

// LengthToNumBlocks gives the minimum number of blocks required to hold the
// given number of bytes.
func (cache *BlockCache) LengthToNumBlocks(size uint) uint {
	return (size + cache.bytesPerBlock - 1) / cache.bytesPerBlock
}

// checkByteRange verifies that `length` bytes starting at byte `offset` are
// inside the cache.
func (cache *BlockCache) checkByteRange(offset int64, length int) error {
	if offset < 0 || offset+int64(length) > cache.Size() {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"can't access %d bytes at offset %d; range not in [0, %d)",
				length,
				offset,
				cache.Size(),
			),
		)
	}
	return nil
}

// blockSpan gives the first block and the number of blocks touched by `length`
// bytes beginning at byte `offset`.
func (cache *BlockCache) blockSpan(offset int64, length int) (c.LogicalBlock, uint) {
	if length == 0 {
		return c.LogicalBlock(offset / int64(cache.bytesPerBlock)), 0
	}
	first := offset / int64(cache.bytesPerBlock)
	last := (offset + int64(length) - 1) / int64(cache.bytesPerBlock)
	return c.LogicalBlock(first), uint(last-first) + 1
}

// GetSlice returns a slice pointing to the cache's storage, beginning at block
// `start` and continuing for `count` blocks.
//
// If the returned slice is modified, the modified blocks MUST be marked as
// dirty.
func (cache *BlockCache) GetSlice(start c.LogicalBlock, count uint) ([]byte, error) {
	err := cache.loadBlockRange(start, count)
	if err != nil {
		return nil, err
	}

	startOffset := uint(start) * cache.bytesPerBlock
	endOffset := startOffset + (count * cache.bytesPerBlock)
	return cache.data[startOffset:endOffset], nil
}

// Data returns a slice of the entire cache's data, loading all missing blocks
// first.
//
// If the returned slice is modified, the modified blocks MUST be marked as
// dirty.
func (cache *BlockCache) Data() ([]byte, error) {
	err := cache.LoadAll()
	if err != nil {
		return nil, err
	}
	return cache.data, nil
}

// loadBlockRange ensures that all blocks in the range [start, start + count) are
// present in the cache, and loads any missing ones from storage.
func (cache *BlockCache) loadBlockRange(start c.LogicalBlock, count uint) error {
	if uint(start)+count > cache.totalBlocks {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"can't access %d blocks from block %d; range not in [0, %d)",
				count,
				start,
				cache.totalBlocks,
			),
		)
	}

	for blockIndex := int(start); blockIndex < int(start)+int(count); blockIndex++ {
		// Skip if the block is in the cache. Since dirty blocks are present by
		// definition, we don't need to check `dirtyBlocks`.
		if cache.loadedBlocks.Get(blockIndex) {
			continue
		}

		offset := uint(blockIndex) * cache.bytesPerBlock
		buffer := cache.data[offset : offset+cache.bytesPerBlock]

		err := cache.fetch(c.LogicalBlock(blockIndex), buffer)
		if err != nil {
			return errors.CastToDriverError(err).WithMessage(
				fmt.Sprintf("failed to load block %d from source", blockIndex),
			)
		}

		cache.loadedBlocks.Set(blockIndex, true)
		cache.dirtyBlocks.Set(blockIndex, false)
	}
	return nil
}

// LoadAll ensures all missing blocks are loaded from storage into the cache.
func (cache *BlockCache) LoadAll() error {
	return cache.loadBlockRange(0, cache.totalBlocks)
}

// Flush writes out all dirty blocks (and only dirty blocks) to the underlying
// storage and marks them as clean. It returns the number of blocks written.
func (cache *BlockCache) Flush() (uint, error) {
	flushed := uint(0)

	for blockIndex := 0; uint(blockIndex) < cache.totalBlocks; blockIndex++ {
		// Missing blocks are considered clean, so they get skipped here too.
		if !cache.dirtyBlocks.Get(blockIndex) {
			continue
		}

		offset := uint(blockIndex) * cache.bytesPerBlock
		buffer := cache.data[offset : offset+cache.bytesPerBlock]

		err := cache.flush(c.LogicalBlock(blockIndex), buffer)
		if err != nil {
			return flushed, errors.CastToDriverError(err).WithMessage(
				fmt.Sprintf("failed to flush block %d to storage", blockIndex),
			)
		}

		cache.dirtyBlocks.Set(blockIndex, false)
		flushed++
	}
	return flushed, nil
}

// DirtyBlockCount returns the number of blocks that would be written by the
// next call to [BlockCache.Flush].
func (cache *BlockCache) DirtyBlockCount() uint {
	count := uint(0)
	for i := 0; uint(i) < cache.totalBlocks; i++ {
		if cache.dirtyBlocks.Get(i) {
			count++
		}
	}
	return count
}

// ReadAt implements [io.ReaderAt]. Attempting to read past the end of the cache
// fails immediately and `buffer` is left unmodified.
func (cache *BlockCache) ReadAt(buffer []byte, offset int64) (int, error) {
	err := cache.checkByteRange(offset, len(buffer))
	if err != nil {
		return 0, err
	}

	start, count := cache.blockSpan(offset, len(buffer))
	err = cache.loadBlockRange(start, count)
	if err != nil {
		return 0, err
	}

	return copy(buffer, cache.data[offset:]), nil
}

// WriteAt implements [io.WriterAt]. All modified blocks are marked as dirty.
//
// Attempting to write past the end of the cache will result in an error, and
// the cache will be left unmodified.
func (cache *BlockCache) WriteAt(buffer []byte, offset int64) (int, error) {
	err := cache.checkByteRange(offset, len(buffer))
	if err != nil {
		return 0, err
	}

	// Partially overwritten blocks must be loaded first or we'd flush garbage
	// in the parts we didn't touch.
	start, count := cache.blockSpan(offset, len(buffer))
	err = cache.loadBlockRange(start, count)
	if err != nil {
		return 0, err
	}

	n := copy(cache.data[offset:], buffer)
	cache.markRange(start, count)
	return n, nil
}

func (cache *BlockCache) markRange(start c.LogicalBlock, count uint) {
	for i := uint(0); i < count; i++ {
		blockIndex := int(start) + int(i)
		cache.loadedBlocks.Set(blockIndex, true)
		cache.dirtyBlocks.Set(blockIndex, true)
	}
}

// MarkBlockRangeDirty marks a range of blocks as modified. They will be written
// out to the backing storage on the next call to [BlockCache.Flush].
func (cache *BlockCache) MarkBlockRangeDirty(start c.LogicalBlock, count uint) error {
	if uint(start)+count > cache.totalBlocks {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"can't mark %d blocks from block %d dirty; range not in [0, %d)",
				count,
				start,
				cache.totalBlocks,
			),
		)
	}
	cache.markRange(start, count)
	return nil
}

// Resize changes the number of blocks in the cache. Blocks are added to and
// removed from the end.
//
// If the cache size is increased, zeroed-out blocks are appended to the end.
// These new blocks are treated as dirty, so flushing the cache will write them
// out.
func (cache *BlockCache) Resize(newTotalBlocks uint) error {
	err := cache.resize(newTotalBlocks)
	if err != nil {
		return err
	}

	newCacheData := make([]byte, newTotalBlocks*cache.bytesPerBlock)
	copy(newCacheData, cache.data)

	newDirtyBlocks := bitmap.New(int(newTotalBlocks))
	newLoadedBlocks := bitmap.New(int(newTotalBlocks))
	for i := 0; uint(i) < newTotalBlocks && uint(i) < cache.totalBlocks; i++ {
		newDirtyBlocks.Set(i, cache.dirtyBlocks.Get(i))
		newLoadedBlocks.Set(i, cache.loadedBlocks.Get(i))
	}

	// If we didn't mark new blocks dirty they'd never get written, and we could
	// end up with trailing blocks filled with whatever was on the disk before.
	for i := cache.totalBlocks; i < newTotalBlocks; i++ {
		newDirtyBlocks.Set(int(i), true)
		newLoadedBlocks.Set(int(i), true)
	}

	cache.data = newCacheData
	cache.dirtyBlocks = newDirtyBlocks
	cache.loadedBlocks = newLoadedBlocks
	cache.totalBlocks = newTotalBlocks
	return nil
}

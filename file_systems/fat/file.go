package fat

import (
	"fmt"
	"io"

	"github.com/dargueta/fatfs/errors"
)

// File is the contents of a regular file: a cluster chain plus the length and
// timestamps kept in its directory entry.
//
// Changes to the length and timestamps go straight into the directory entry,
// so they're written out whenever the containing directory is flushed.
type File struct {
	dir   *Directory
	id    entryID
	chain *ClusterChain
}

func (f *File) entry() (*Entry, error) {
	entry, ok := f.dir.entries[f.id]
	if !ok {
		return nil, errors.NewWithMessage(errors.EBADF, "file has been removed")
	}
	return entry, nil
}

// Entry returns the directory entry of the file, or nil if the file has been
// removed.
func (f *File) Entry() *Entry {
	entry, _ := f.entry()
	return entry
}

// Length returns the size of the file, in bytes.
func (f *File) Length() int64 {
	entry, err := f.entry()
	if err != nil {
		return 0
	}
	return int64(entry.raw.FileSize)
}

func (f *File) checkWritable() (*Entry, error) {
	entry, err := f.entry()
	if err != nil {
		return nil, err
	}
	err = f.dir.checkWritable()
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func checkLength(length int64) error {
	if length < 0 {
		return errors.NewWithMessage(errors.EINVAL, fmt.Sprintf("invalid file size %d", length))
	}
	if length > MaxFileSize {
		return errors.NewWithMessage(
			errors.EFBIG,
			fmt.Sprintf("%d bytes exceeds the maximum file size of %d", length, MaxFileSize))
	}
	return nil
}

// zeroRange fills [start, end) of the chain with null bytes, one cluster at a
// time.
func (f *File) zeroRange(start, end int64) error {
	if start >= end {
		return nil
	}

	zeroes := make([]byte, f.chain.ClusterSize())
	for start < end {
		count := end - start
		if count > int64(len(zeroes)) {
			count = int64(len(zeroes))
		}
		err := f.chain.WriteData(start, zeroes[:count])
		if err != nil {
			return err
		}
		start += count
	}
	return nil
}

// resize changes the size of the chain to hold `length` bytes and zeroes out
// everything between the old end of the file and `zeroUntil`.
func (f *File) resize(entry *Entry, length, zeroUntil int64) error {
	oldLength := int64(entry.raw.FileSize)

	_, err := f.chain.SetSize(length)
	// The chain may have gotten a new start cluster even if growing failed
	// partway through, so this is recorded regardless.
	entry.raw.SetStartCluster(f.chain.StartCluster(), f.dir.fs.fatType)
	f.dir.dirty = true
	if err != nil {
		return err
	}

	if zeroUntil > length {
		zeroUntil = length
	}
	return f.zeroRange(oldLength, zeroUntil)
}

func (f *File) markModified(entry *Entry) {
	now := f.dir.fs.now()
	entry.raw.SetLastModifiedAt(now)
	entry.raw.SetLastAccessedAt(now)
	entry.raw.AttributeFlags |= AttrArchived
	f.dir.dirty = true
}

// SetLength truncates or extends the file to exactly `length` bytes. Space added
// to the end of the file is filled with null bytes.
func (f *File) SetLength(length int64) error {
	entry, err := f.checkWritable()
	if err != nil {
		return err
	}
	err = checkLength(length)
	if err != nil {
		return err
	}

	if length == int64(entry.raw.FileSize) {
		return nil
	}

	err = f.resize(entry, length, length)
	if err != nil {
		return err
	}
	entry.raw.FileSize = uint32(length)
	f.markModified(entry)
	return nil
}

// Read fills `buffer` with the contents of the file beginning at `offset`.
// Reading past the end of the file fails with [errors.ErrNoData] and reads
// nothing.
func (f *File) Read(offset int64, buffer []byte) error {
	entry, err := f.entry()
	if err != nil {
		return err
	}
	if offset < 0 {
		return errors.NewWithMessage(errors.EINVAL, fmt.Sprintf("negative offset %d", offset))
	}

	length := int64(entry.raw.FileSize)
	if offset+int64(len(buffer)) > length {
		return errors.ErrNoData.Wrap(io.EOF).WithMessage(
			fmt.Sprintf(
				"can't read %d bytes at offset %d from a %d-byte file",
				len(buffer),
				offset,
				length))
	}

	err = f.chain.ReadData(offset, buffer)
	if err != nil {
		return err
	}

	if !f.dir.fs.readOnly {
		accessed, _, _ := TimestampToParts(f.dir.fs.now())
		if accessed != entry.raw.LastAccessedDate {
			entry.raw.LastAccessedDate = accessed
			f.dir.dirty = true
		}
	}
	return nil
}

// Write writes all of `data` to the file beginning at `offset`, extending the
// file if necessary. If `offset` is past the end of the file, the gap is filled
// with null bytes. Writing nothing never changes the file.
func (f *File) Write(offset int64, data []byte) error {
	entry, err := f.checkWritable()
	if err != nil {
		return err
	}
	if offset < 0 {
		return errors.NewWithMessage(errors.EINVAL, fmt.Sprintf("negative offset %d", offset))
	}
	if len(data) == 0 {
		return nil
	}

	end := offset + int64(len(data))
	err = checkLength(end)
	if err != nil {
		return err
	}

	if end > int64(entry.raw.FileSize) {
		err = f.resize(entry, end, offset)
		if err != nil {
			return err
		}
	}

	err = f.chain.WriteData(offset, data)
	if err != nil {
		return err
	}

	if end > int64(entry.raw.FileSize) {
		entry.raw.FileSize = uint32(end)
	}
	f.markModified(entry)
	return nil
}

// Flush writes the FAT and then the file's directory entry to disk. The file's
// contents are never buffered, so they're already there. On FAT32 the FS
// information sector is rewritten too, so the volume can be mounted again even
// if nothing else gets flushed.
func (f *File) Flush() error {
	fs := f.dir.fs
	if fs.readOnly {
		return nil
	}
	_, err := fs.fat.Flush()
	if err != nil {
		return err
	}

	err = f.dir.writeTable()
	if err != nil {
		return err
	}

	// Rewriting the directory can grow it.
	_, err = fs.flushAllocations()
	return err
}

// Stream returns a new [Stream] positioned at the start of the file.
func (f *File) Stream() *Stream {
	return &Stream{file: f}
}

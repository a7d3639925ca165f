package fat

import (
	"fmt"
	"os"
	"time"

	"github.com/dargueta/fatfs/errors"
)

// entryID identifies an entry within its directory. IDs are never reused by
// the same [Directory] object, so open files and subdirectories are cached by
// ID rather than by pointer.
type entryID uint32

// Entry is one logical directory entry: a long name paired with the short entry
// that holds the file's metadata. It implements [os.FileInfo].
type Entry struct {
	parent *Directory
	id     entryID
	name   string
	raw    RawDirent
	// slots is the number of raw entries this takes up on disk, including any
	// long name fragments.
	slots int
}

// needsLongName returns true if the name can't be recovered from the short
// entry alone.
func (e *Entry) needsLongName() bool {
	return e.name != e.raw.DisplayName()
}

func (e *Entry) computeSlots() error {
	e.slots = 1
	if e.needsLongName() {
		fragments, err := fragmentCount(e.name)
		if err != nil {
			return err
		}
		e.slots += fragments
	}
	return nil
}

func (e *Entry) checkWritable() error {
	return e.parent.checkWritable()
}

func (e *Entry) touch() {
	e.parent.dirty = true
}

// Name returns the long name of the entry.
func (e *Entry) Name() string { return e.name }

// Size is the size of the entry if and ONLY if it's a regular file. Directories
// always report 0.
func (e *Entry) Size() int64 {
	if e.IsDir() {
		return 0
	}
	return int64(e.raw.FileSize)
}

// Mode returns the mode flags of this directory entry.
func (e *Entry) Mode() os.FileMode { return AttrFlagsToFileMode(e.raw.AttributeFlags) }

func (e *Entry) ModTime() time.Time { return e.raw.LastModifiedAt() }

func (e *Entry) IsDir() bool { return e.raw.IsDirectory() }

// Sys returns a copy of the raw short entry.
func (e *Entry) Sys() interface{} { return e.raw }

// Parent returns the directory containing this entry.
func (e *Entry) Parent() *Directory { return e.parent }

// ShortName returns the 8.3 name of the entry.
func (e *Entry) ShortName() ShortName { return e.raw.Name }

// StartCluster returns the first cluster of the entry's data, or 0 if none has
// been allocated.
func (e *Entry) StartCluster() ClusterID {
	return e.raw.StartCluster(e.parent.fs.fatType)
}

func (e *Entry) Attributes() uint8 { return e.raw.AttributeFlags }

func (e *Entry) IsFile() bool {
	return e.raw.AttributeFlags&(AttrDirectory|AttrVolumeLabel) == 0
}

func (e *Entry) IsReadOnly() bool { return e.raw.AttributeFlags&AttrReadOnly != 0 }
func (e *Entry) IsHidden() bool   { return e.raw.AttributeFlags&AttrHidden != 0 }
func (e *Entry) IsSystem() bool   { return e.raw.AttributeFlags&AttrSystem != 0 }
func (e *Entry) IsArchive() bool  { return e.raw.AttributeFlags&AttrArchived != 0 }

func (e *Entry) setFlag(flag uint8, value bool) error {
	err := e.checkWritable()
	if err != nil {
		return err
	}

	flags := e.raw.AttributeFlags
	if value {
		flags |= flag
	} else {
		flags &^= flag
	}
	if flags != e.raw.AttributeFlags {
		e.raw.AttributeFlags = flags
		e.touch()
	}
	return nil
}

func (e *Entry) SetReadOnly(value bool) error { return e.setFlag(AttrReadOnly, value) }
func (e *Entry) SetHidden(value bool) error   { return e.setFlag(AttrHidden, value) }
func (e *Entry) SetSystem(value bool) error   { return e.setFlag(AttrSystem, value) }
func (e *Entry) SetArchive(value bool) error  { return e.setFlag(AttrArchived, value) }

func (e *Entry) CreatedAt() time.Time      { return e.raw.CreatedAt() }
func (e *Entry) LastAccessedAt() time.Time { return e.raw.LastAccessedAt() }

func checkTimestamp(t time.Time) error {
	if t.Before(fatEpoch) || t.After(fatMaxTime) {
		return errors.NewWithMessage(
			errors.EDOM,
			fmt.Sprintf("%s can't be represented as a FAT timestamp", t.Format(time.RFC3339)))
	}
	return nil
}

// SetCreatedAt sets the creation time. It is an error to try to set a time
// before 1980-01-01 00:00:00 local time.
func (e *Entry) SetCreatedAt(t time.Time) error {
	err := e.checkWritable()
	if err == nil {
		err = checkTimestamp(t)
	}
	if err != nil {
		return err
	}
	e.raw.SetCreatedAt(t)
	e.touch()
	return nil
}

// SetLastModifiedAt sets the modification time. It is an error to try to set a
// time before 1980-01-01 00:00:00 local time.
func (e *Entry) SetLastModifiedAt(t time.Time) error {
	err := e.checkWritable()
	if err == nil {
		err = checkTimestamp(t)
	}
	if err != nil {
		return err
	}
	e.raw.SetLastModifiedAt(t)
	e.touch()
	return nil
}

// SetLastAccessedAt sets the last access date. Only the date is stored.
func (e *Entry) SetLastAccessedAt(t time.Time) error {
	err := e.checkWritable()
	if err == nil {
		err = checkTimestamp(t)
	}
	if err != nil {
		return err
	}
	e.raw.SetLastAccessedAt(t)
	e.touch()
	return nil
}

// File opens the entry as a file. Repeated calls return the same object.
func (e *Entry) File() (*File, error) {
	return e.parent.openFile(e)
}

// Directory opens the entry as a directory. Repeated calls return the same
// object.
func (e *Entry) Directory() (*Directory, error) {
	return e.parent.openDirectory(e)
}

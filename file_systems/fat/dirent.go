package fat

import (
	"bytes"
	"encoding/binary"
	"os"
	"time"

	"github.com/dargueta/fatfs/errors"
	"github.com/noxer/bytewriter"
)

// fatEpoch is 1980-01-01 00:00:00 at local time, the earliest representable
// FAT timestamp.
var fatEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.Local)

// fatMaxTime is the latest representable FAT timestamp.
var fatMaxTime = time.Date(2107, 12, 31, 23, 59, 58, 0, time.Local)

const (
	// AttrReadOnly is an attribute flag marking a directory entry as read-only.
	AttrReadOnly = 1

	// AttrHidden is an attribute flag marking a directory entry as "hidden", meaning it
	// wouldn't show up in normal directory listings. This is most commonly used for
	// hiding operating system files from normal users.
	//
	// Drivers don't need to honor this flag when reading, but should not modify it unless
	// explicitly requested by the user.
	AttrHidden = 2

	// AttrSystem is an attribute flag marking a directory entry as essential to the
	// operating system and must not be moved (e.g. during defragmentation) because the
	// OS may have hard-coded pointers to the file.
	AttrSystem = 4

	// AttrVolumeLabel is an attribute flag that marks a file as containing the true
	// volume label of the file system. It must reside in the root directory, and there
	// must be only one.
	//
	// The struct in the boot sector only has eleven bytes of space for the volume label.
	// This is not always enough, especially for systems or languages using multi-byte
	// character encodings.
	AttrVolumeLabel = 8

	// AttrDirectory is an attribute flag marking a directory entry as being a directory.
	AttrDirectory = 16

	// AttrArchived is an attribute flag used by some systems to mark a directory entry
	// as "dirty", and is set it whenever the directory entry is created or modified.
	// Archiving tools use this flag to determine whether the file/directory needs to be
	// backed up or not.
	AttrArchived = 32

	// AttrDevice is an attribute flag marking a directory entry as abstracting a device.
	// This is typically only found on in-memory file systems; if encountered on a disk,
	// it must not be modified.
	AttrDevice = 64

	// AttrReserved is an attribute flag that is undefined by the FAT standard and must
	// not be modified by tools.
	AttrReserved = 128

	// AttrLongName is the combination of flags that marks an entry as a long file
	// name fragment.
	AttrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeLabel
)

// Special values of the first byte of a directory entry's name.
const (
	direntEndMarker     = 0x00
	direntDeletedMarker = 0xE5
	// A name really beginning with 0xE5 stores 0x05 instead.
	direntE5Escape = 0x05
)

// Flags in RawDirent.NTReserved that Windows uses to mark the base name and
// extension of a short name as lowercase.
const (
	ntLowercaseBase      = 0x08
	ntLowercaseExtension = 0x10
)

// RawDirent is the on-disk representation of a short directory entry, broken
// down into its constituent fields.
type RawDirent struct {
	Name              ShortName
	AttributeFlags    uint8
	NTReserved        uint8
	CreatedTimeTenths uint8
	CreatedTime       uint16
	CreatedDate       uint16
	LastAccessedDate  uint16
	FirstClusterHigh  uint16
	LastModifiedTime  uint16
	LastModifiedDate  uint16
	FirstClusterLow   uint16
	FileSize          uint32
}

// NewRawDirentFromBytes deserializes 32 bytes into a RawDirent struct for
// further processing.
func NewRawDirentFromBytes(data []byte) (RawDirent, error) {
	dirent := RawDirent{}
	if len(data) < DirentSize {
		return dirent, errors.NewWithMessage(
			errors.EINVAL, "directory entries must be 32 bytes")
	}

	err := binary.Read(bytes.NewReader(data[:DirentSize]), binary.LittleEndian, &dirent)
	if err != nil {
		return dirent, errors.ErrIOFailed.Wrap(err)
	}
	return dirent, nil
}

// Encode serializes the entry into the first 32 bytes of `output`.
func (d *RawDirent) Encode(output []byte) error {
	err := binary.Write(bytewriter.New(output), binary.LittleEndian, d)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

// IsLongNameFragment returns true if this slot is actually part of a long name.
func (d *RawDirent) IsLongNameFragment() bool {
	return d.AttributeFlags&0x3F == AttrLongName
}

// IsVolumeLabel returns true if this is the volume label entry.
func (d *RawDirent) IsVolumeLabel() bool {
	return d.AttributeFlags&(AttrVolumeLabel|AttrDirectory) == AttrVolumeLabel &&
		!d.IsLongNameFragment()
}

func (d *RawDirent) IsDirectory() bool {
	return d.AttributeFlags&AttrDirectory != 0
}

func (d *RawDirent) IsDeleted() bool {
	return d.Name[0] == direntDeletedMarker
}

// StartCluster returns the first cluster of the entry's data. The high half is
// only used on FAT32.
func (d *RawDirent) StartCluster(fatType FATType) ClusterID {
	cluster := ClusterID(d.FirstClusterLow)
	if fatType == FAT32 {
		cluster |= ClusterID(d.FirstClusterHigh) << 16
	}
	return cluster
}

func (d *RawDirent) SetStartCluster(cluster ClusterID, fatType FATType) {
	d.FirstClusterLow = uint16(cluster)
	if fatType == FAT32 {
		d.FirstClusterHigh = uint16(cluster >> 16)
	} else {
		d.FirstClusterHigh = 0
	}
}

// DisplayName returns the short name as it should be shown to a user when
// there's no long name, applying the lowercase flags set by Windows.
func (d *RawDirent) DisplayName() string {
	return d.Name.displayString(
		d.NTReserved&ntLowercaseBase != 0, d.NTReserved&ntLowercaseExtension != 0)
}

func (d *RawDirent) CreatedAt() time.Time {
	return TimestampFromParts(d.CreatedDate, d.CreatedTime, d.CreatedTimeTenths)
}

func (d *RawDirent) LastModifiedAt() time.Time {
	return TimestampFromParts(d.LastModifiedDate, d.LastModifiedTime, 0)
}

func (d *RawDirent) LastAccessedAt() time.Time {
	return DateFromInt(d.LastAccessedDate)
}

func (d *RawDirent) SetCreatedAt(t time.Time) {
	d.CreatedDate, d.CreatedTime, d.CreatedTimeTenths = TimestampToParts(t)
}

func (d *RawDirent) SetLastModifiedAt(t time.Time) {
	d.LastModifiedDate, d.LastModifiedTime, _ = TimestampToParts(t)
}

// SetLastAccessedAt stores the date of `t`; the time of day is discarded.
func (d *RawDirent) SetLastAccessedAt(t time.Time) {
	d.LastAccessedDate, _, _ = TimestampToParts(t)
}

// DateFromInt converts the FAT on-disk representation of a date into a Go time.Time
// object.
func DateFromInt(value uint16) time.Time {
	day := int(value & 0x001f)
	month := time.Month((value >> 5) & 0x000f)
	year := int(1980 + (value >> 9))

	// Zeroed dates show up in the wild. Treat them as the epoch rather than
	// letting time.Date normalize them to November 1979.
	if day == 0 || month == 0 {
		return fatEpoch
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.Local)
}

// TimestampFromParts converts a FAT timestamp into a time.Time object. datePart is
// required; timePart and tenths should be 0 if they're not present in the source
// field(s). `tenths` is the creation time's 10-millisecond refinement, 0-199.
func TimestampFromParts(datePart uint16, timePart uint16, tenths uint8) time.Time {
	date := DateFromInt(datePart)

	seconds := int(timePart&0x001f) * 2
	minutes := int((timePart >> 5) & 0x003f)
	hours := int(timePart >> 11)

	if tenths > 199 {
		tenths = 0
	}
	seconds += int(tenths) / 100
	nanoseconds := (int(tenths) % 100) * 10 * int(time.Millisecond)

	return time.Date(
		date.Year(), date.Month(), date.Day(), hours, minutes, seconds, nanoseconds, time.Local)
}

// TimestampToParts converts a time into its FAT date, time, and 10 ms
// refinement. Times outside the representable range are clamped.
func TimestampToParts(t time.Time) (uint16, uint16, uint8) {
	t = t.In(time.Local)
	if t.Before(fatEpoch) {
		t = fatEpoch
	} else if t.After(fatMaxTime) {
		t = fatMaxTime
	}

	datePart := uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	timePart := uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	tenths := uint8((t.Second()%2)*100 + t.Nanosecond()/int(10*time.Millisecond))
	return datePart, timePart, tenths
}

// AttrFlagsToFileMode converts FAT attribute flags into the equivalent
// [os.FileMode].
func AttrFlagsToFileMode(flags uint8) os.FileMode {
	var mode os.FileMode

	// FAT has no way to mark files as executable or not, so the executable bit is always set.
	if (flags & AttrReadOnly) != 0 {
		mode = 0o555
	} else {
		mode = 0o777
	}

	if (flags & AttrDirectory) != 0 {
		mode |= os.ModeDir
	} else if (flags & AttrDevice) != 0 {
		mode |= os.ModeDevice | os.ModeCharDevice
	}

	return mode
}

package fat

import (
	"encoding/binary"
	stderrors "errors"
	"testing"

	"github.com/dargueta/fatfs/blockdev"
	"github.com/dargueta/fatfs/errors"
	fattest "github.com/dargueta/fatfs/testing"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat__FAT16__16MiB(t *testing.T) {
	device, fs := formatMemoryVolume(t, 16*mib, FormatOptions{VolumeLabel: "DATA"})
	bs := fs.BootSector()

	assert.Equal(t, FAT16, fs.FATType())
	assert.EqualValues(t, 512, bs.BytesPerSector())
	assert.EqualValues(t, 4, bs.SectorsPerCluster())
	assert.EqualValues(t, 1, bs.ReservedSectors())
	assert.EqualValues(t, 2, bs.NumFATs())
	assert.EqualValues(t, 512, bs.RootDirEntryCount())
	assert.EqualValues(t, 32, bs.SectorsPerFAT())
	assert.EqualValues(t, 8167, bs.DataClusterCount())
	assert.Equal(t, "FAT16", bs.FileSystemTypeLabel())
	assert.EqualValues(t, 8167*2048, fs.FreeSpace())
	assert.EqualValues(t, 8167*2048, fs.UsableSpace())
	assert.EqualValues(t, 16*mib, fs.TotalSpace())

	remounted := remount(t, device)
	assert.Equal(t, FAT16, remounted.FATType())
	assert.Equal(t, "DATA", remounted.VolumeLabel())
	assert.Equal(t, "DATA", remounted.BootSector().VolumeLabel())
	assert.Equal(t, 0, remounted.Root().Len())
	assert.Equal(t, bs.VolumeID(), remounted.BootSector().VolumeID())
}

func TestFormat__FAT32__1GiB(t *testing.T) {
	device := fattest.NewSparseDevice(1024*mib, 512)
	fs := formatDevice(t, device, FormatOptions{})
	bs := fs.BootSector()

	require.Equal(t, FAT32, fs.FATType())
	assert.EqualValues(t, 8, bs.SectorsPerCluster())
	assert.EqualValues(t, 32, bs.ReservedSectors())
	assert.EqualValues(t, 0, bs.RootDirEntryCount())
	assert.EqualValues(t, 2046, bs.SectorsPerFAT())
	assert.EqualValues(t, 261628, bs.DataClusterCount())
	assert.EqualValues(t, FirstCluster, bs.RootDirFirstCluster())
	assert.EqualValues(t, 1, bs.FSInfoSector())
	assert.EqualValues(t, 6, bs.BackupBootSector())
	assert.Equal(t, "FAT32", bs.FileSystemTypeLabel())

	// Everything but the root directory's cluster is free.
	assert.EqualValues(t, 261627, fs.fat.FreeClusterCount())
	assert.True(t, regionsEqual(t, device, 0, 6*512, 512), "backup boot sector differs")
	assert.True(t, regionsEqual(t, device, 512, 7*512, 512), "backup FS info sector differs")

	info, err := ReadFSInfo(device, bs)
	require.NoError(t, err)
	assert.EqualValues(t, 261627, info.FreeClusterCount())

	remounted := remount(t, device)
	assert.Equal(t, FAT32, remounted.FATType())
	assert.Equal(t, 0, remounted.Root().Len())
}

func TestMount__ReadOnly(t *testing.T) {
	memory, fs := formatMemoryVolume(t, 16*mib, FormatOptions{})
	writeFile(t, fs.Root(), "file.txt", []byte("contents"))
	require.NoError(t, fs.Flush())

	device := fattest.NewCountingDevice(memory)
	readOnly, err := Mount(device, true)
	require.NoError(t, err)
	assert.True(t, readOnly.IsReadOnly())

	assert.ErrorIs(t, readOnly.SetVolumeLabel("NOPE"), errors.ErrReadOnlyFileSystem)
	entry := readOnly.Root().GetEntry("file.txt")
	require.NotNil(t, entry)
	file, err := entry.File()
	require.NoError(t, err)
	assert.ErrorIs(t, file.Write(0, []byte("x")), errors.ErrReadOnlyFileSystem)
	assert.ErrorIs(t, file.SetLength(0), errors.ErrReadOnlyFileSystem)
	assert.Equal(t, []byte("contents"), readFile(t, entry))

	require.NoError(t, readOnly.Flush())
	require.NoError(t, readOnly.Close())
	assert.Equal(t, 0, device.Writes)
}

func TestMount__ReadOnlyDeviceImpliesReadOnly(t *testing.T) {
	memory, _ := formatMemoryVolume(t, 16*mib, FormatOptions{})
	device := fattest.LoadImage(memory.Bytes(), 512, true, t)

	fs, err := Mount(device, false)
	require.NoError(t, err)
	assert.True(t, fs.IsReadOnly())
}

func TestMount__DeviceTooSmallForVolume(t *testing.T) {
	memory, _ := formatMemoryVolume(t, 16*mib, FormatOptions{})
	truncated := fattest.LoadImage(memory.Bytes()[:8*mib], 512, false, t)

	_, err := Mount(truncated, false)
	assert.ErrorIs(t, err, errors.ErrWrongMediumType)
}

func TestFlush__Idempotent(t *testing.T) {
	memory, _ := formatMemoryVolume(t, 16*mib, FormatOptions{})
	device := fattest.NewCountingDevice(memory)
	fs := remount(t, device)

	writeFile(t, fs.Root(), "a.bin", randomBytes(t, 3000))
	require.NoError(t, fs.Flush())
	assert.Greater(t, device.Writes, 0)

	device.Reset()
	require.NoError(t, fs.Flush())
	assert.Equal(t, 0, device.Writes, "second flush shouldn't write anything")
	assert.Equal(t, 1, device.Flushes)
}

func TestFlush__WritesFATCopiesAndRoot(t *testing.T) {
	device, fs := formatMemoryVolume(t, 16*mib, FormatOptions{})
	bs := fs.BootSector()

	writeFile(t, fs.Root(), "big.bin", randomBytes(t, 100000))
	require.NoError(t, fs.Flush())

	assert.True(
		t,
		regionsEqual(t, device, bs.FATOffset(0), bs.FATOffset(1), bs.FATSizeBytes()),
		"FAT copies differ after flush")

	remounted := remount(t, device)
	assert.Equal(t, fs.FreeSpace(), remounted.FreeSpace())
	entry := remounted.Root().GetEntry("BIG.BIN")
	require.NotNil(t, entry)
	assert.EqualValues(t, 100000, entry.Size())
}

func TestMount__FATMirrorMismatch(t *testing.T) {
	device, fs := formatMemoryVolume(t, 16*mib, FormatOptions{})
	bs := fs.BootSector()

	// Claim cluster 5 is in use, but only in the second copy.
	require.NoError(t, device.WriteSectors(bs.FATOffset(1)+10, []byte{0xFF, 0xFF}))

	_, err := MountWithOptions(device, testMountOptions())
	assert.ErrorIs(t, err, errors.ErrFileSystemCorrupted)

	options := testMountOptions()
	options.IgnoreFATDifferences = true
	ignoring, err := MountWithOptions(device, options)
	require.NoError(t, err)
	assert.True(t, ignoring.fat.IsFree(5), "the first copy should win")

	require.NoError(t, ignoring.Flush())
	assert.True(
		t,
		regionsEqual(t, device, bs.FATOffset(0), bs.FATOffset(1), bs.FATSizeBytes()),
		"flush didn't bring the copies back in sync")
	remount(t, device)
}

func TestMount__FSInfoMismatch(t *testing.T) {
	device, fs := formatFAT32Volume(t)
	freeCountOffset := int64(fs.BootSector().FSInfoSector())*512 + 488
	actualFree := fs.fat.FreeClusterCount()

	wrong := make([]byte, 4)
	binary.LittleEndian.PutUint32(wrong, actualFree-1)
	require.NoError(t, device.WriteSectors(freeCountOffset, wrong))

	_, err := MountWithOptions(device, testMountOptions())
	assert.ErrorIs(t, err, errors.ErrFileSystemCorrupted)

	// An unknown count is fine, and gets fixed by the next flush.
	binary.LittleEndian.PutUint32(wrong, UnknownFreeCount)
	require.NoError(t, device.WriteSectors(freeCountOffset, wrong))

	remounted := remount(t, device)
	require.NoError(t, remounted.Flush())

	info, err := ReadFSInfo(device, remounted.BootSector())
	require.NoError(t, err)
	assert.Equal(t, actualFree, info.FreeClusterCount())
}

func TestMount__FSInfoTracksAllocation(t *testing.T) {
	device, fs := formatFAT32Volume(t)
	freeBefore := fs.fat.FreeClusterCount()

	writeFile(t, fs.Root(), "data.bin", randomBytes(t, 512*10))
	require.NoError(t, fs.Flush())

	info, err := ReadFSInfo(device, fs.BootSector())
	require.NoError(t, err)
	assert.Equal(t, freeBefore-10, info.FreeClusterCount())
	assert.Equal(t, fs.fat.LastAllocated(), info.LastAllocatedCluster())

	remounted := remount(t, device)
	assert.Equal(t, fs.fat.LastAllocated(), remounted.fat.LastAllocated())
}

func TestMount__BadSignature(t *testing.T) {
	device, _ := formatMemoryVolume(t, 16*mib, FormatOptions{})
	require.NoError(t, device.WriteSectors(510, []byte{0, 0}))

	_, err := Mount(device, false)
	assert.ErrorIs(t, err, errors.ErrFileSystemCorrupted)
}

func TestMount__ReadErrorPropagates(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	device := blockdev.NewMockDevice(ctrl)
	boom := stderrors.New("boom")

	device.EXPECT().IsReadOnly().Return(false).AnyTimes()
	device.EXPECT().SectorSize().Return(512).AnyTimes()
	device.EXPECT().TotalSize().Return(int64(16 * mib)).AnyTimes()
	device.EXPECT().ReadSectors(int64(0), gomock.Any()).Return(boom)

	_, err := Mount(device, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, errors.ErrIOFailed)
}

func TestFlush__WriteErrorPropagates(t *testing.T) {
	memory, _ := formatMemoryVolume(t, 16*mib, FormatOptions{})
	device := fattest.NewCountingDevice(memory)
	fs := remount(t, device)

	writeFile(t, fs.Root(), "doomed.bin", randomBytes(t, 5000))
	device.FailWritesAfter = 0
	assert.ErrorIs(t, fs.Flush(), errors.ErrIOFailed)
}

func TestClose(t *testing.T) {
	device, fs := formatMemoryVolume(t, 16*mib, FormatOptions{})
	writeFile(t, fs.Root(), "closing.txt", []byte("bye"))

	require.NoError(t, fs.Close())
	require.NoError(t, fs.Close(), "closing twice should be harmless")
	assert.ErrorIs(t, fs.Flush(), errors.ErrBadFileDescriptor)

	entry := remount(t, device).Root().GetEntry("closing.txt")
	require.NotNil(t, entry, "close didn't flush")
	assert.Equal(t, []byte("bye"), readFile(t, entry))
}

package fat

import (
	"testing"

	"github.com/dargueta/fatfs/errors"
	fattest "github.com/dargueta/fatfs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClusterSizeTable__Loaded(t *testing.T) {
	require.NotEmpty(t, clusterSizeTable)
	for _, row := range clusterSizeTable {
		assert.True(t, row.FATType.IsValid(), "bad FAT type in row %+v", row)
		assert.True(t, isPowerOfTwo(row.SectorsPerCluster), "bad cluster size in row %+v", row)
	}
}

func TestRecommendedSectorsPerCluster(t *testing.T) {
	cases := []struct {
		name           string
		fatType        FATType
		totalSectors   uint32
		bytesPerSector uint
		expected       uint
	}{
		{"floppy", FAT12, 2880, 512, 1},
		{"FAT16 16 MiB", FAT16, 32768, 512, 4},
		{"FAT16 smallest", FAT16, 8400, 512, 2},
		{"FAT16 1 GiB", FAT16, 2097152, 512, 32},
		{"FAT32 64 MiB", FAT32, 131072, 512, 1},
		{"FAT32 1 GiB", FAT32, 2097152, 512, 8},
		{"FAT32 16 GiB", FAT32, 33554432, 512, 16},
		{"FAT32 1 GiB big sectors", FAT32, 524288, 2048, 2},
		{"FAT16 4K sectors", FAT16, 4096, 4096, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.EqualValues(
				t,
				tc.expected,
				recommendedSectorsPerCluster(tc.fatType, tc.totalSectors, tc.bytesPerSector))
		})
	}
}

func TestDefaultFATType(t *testing.T) {
	assert.Equal(t, FAT12, DefaultFATType(floppySize))
	assert.Equal(t, FAT16, DefaultFATType(4*mib))
	assert.Equal(t, FAT16, DefaultFATType(511*mib))
	assert.Equal(t, FAT32, DefaultFATType(512*mib))
}

func TestFormat__Floppy(t *testing.T) {
	device, fs := formatMemoryVolume(t, floppySize, FormatOptions{VolumeLabel: "FLOPPY"})
	bs := fs.BootSector()

	require.Equal(t, FAT12, fs.FATType())
	assert.EqualValues(t, 1, bs.SectorsPerCluster())
	assert.EqualValues(t, 9, bs.SectorsPerFAT())
	assert.EqualValues(t, 2829, bs.DataClusterCount())
	assert.Equal(t, "FAT12", bs.FileSystemTypeLabel())

	// Entries 0 and 1 hold the medium descriptor and the EOF marker.
	header := make([]byte, 3)
	require.NoError(t, device.ReadSectors(bs.FATOffset(0), header))
	assert.Equal(t, []byte{0xF8, 0xFF, 0xFF}, header)
	require.NoError(t, device.ReadSectors(bs.FATOffset(1), header))
	assert.Equal(t, []byte{0xF8, 0xFF, 0xFF}, header)

	jump := make([]byte, 3)
	require.NoError(t, device.ReadSectors(0, jump))
	assert.Equal(t, []byte{0xEB, 0x3C, 0x90}, jump)

	remounted := remount(t, device)
	assert.Equal(t, "FLOPPY", remounted.VolumeLabel())
}

func TestFormat__Options(t *testing.T) {
	device, fs := formatMemoryVolume(t, 16*mib, FormatOptions{
		SectorsPerCluster: 8,
		NumFATs:           1,
		RootDirEntries:    100,
		VolumeID:          0xDEADBEEF,
		OEMName:           "TESTING",
		MediumDescriptor:  0xF0,
	})
	bs := fs.BootSector()

	assert.EqualValues(t, 8, bs.SectorsPerCluster())
	assert.EqualValues(t, 1, bs.NumFATs())
	assert.EqualValues(t, 112, bs.RootDirEntryCount(), "should be rounded up to a whole sector")
	assert.EqualValues(t, 0xDEADBEEF, bs.VolumeID())
	assert.Equal(t, "TESTING", bs.OEMName())
	assert.EqualValues(t, 0xF0, bs.MediumDescriptor())

	remounted := remount(t, device)
	assert.EqualValues(t, 0xDEADBEEF, remounted.BootSector().VolumeID())
}

func TestFormat__FixedClusterSizeMustFit(t *testing.T) {
	device := fattest.NewMemoryImage(16*mib, 512, t)

	// 128 sectors per cluster leaves 255 clusters, too few for FAT16.
	_, err := Format(device, FormatOptions{FATType: FAT16, SectorsPerCluster: 128})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestFormat__ForcedTypeTooSmall(t *testing.T) {
	device := fattest.NewMemoryImage(16*mib, 512, t)
	_, err := Format(device, FormatOptions{FATType: FAT32})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestFormat__ReadOnlyDevice(t *testing.T) {
	device := fattest.LoadImage(make([]byte, floppySize), 512, true, t)
	_, err := Format(device, FormatOptions{})
	assert.ErrorIs(t, err, errors.ErrReadOnlyFileSystem)
}

func TestFormat__InvalidLabel(t *testing.T) {
	device := fattest.NewMemoryImage(floppySize, 512, t)
	_, err := Format(device, FormatOptions{VolumeLabel: "way too long for a label"})
	assert.ErrorIs(t, err, errors.ErrNameTooLong)
}

func TestFormat__LargeSectors(t *testing.T) {
	device := fattest.NewMemoryImage(16*mib, 4096, t)
	fs := formatDevice(t, device, FormatOptions{})

	bs := fs.BootSector()
	assert.Equal(t, FAT16, fs.FATType())
	assert.EqualValues(t, 4096, bs.BytesPerSector())
	assert.EqualValues(t, 1, bs.SectorsPerCluster())

	writeFile(t, fs.Root(), "big sectors.txt", []byte("works"))
	require.NoError(t, fs.Flush())
	entry := remount(t, device).Root().GetEntry("big sectors.txt")
	require.NotNil(t, entry)
	assert.Equal(t, []byte("works"), readFile(t, entry))
}

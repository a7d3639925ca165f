package disks

import (
	"testing"

	"github.com/dargueta/fatfs/errors"
	"github.com/dargueta/fatfs/file_systems/fat"
	fattest "github.com/dargueta/fatfs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPredefinedDiskGeometry(t *testing.T) {
	geometry, err := GetPredefinedDiskGeometry("hd-1440")
	require.NoError(t, err)

	assert.Equal(t, "1.44M high density", geometry.Name)
	assert.Equal(t, "3.5 in", geometry.FormFactor)
	assert.EqualValues(t, 2880, geometry.TotalSectors())
	assert.EqualValues(t, 1474560, geometry.TotalSizeBytes())
	assert.EqualValues(t, 0xF0, geometry.MediumDescriptor)
	assert.Equal(t, "0xF0", geometry.MediumDescriptor.String())
	assert.Equal(t, "The most common floppy format", geometry.Notes)
}

func TestGetPredefinedDiskGeometry__Missing(t *testing.T) {
	_, err := GetPredefinedDiskGeometry("zip-100")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestListPredefinedDiskGeometries__Sorted(t *testing.T) {
	geometries := ListPredefinedDiskGeometries()
	require.Len(t, geometries, len(diskGeometries))
	assert.Equal(t, "ibm-160", geometries[0].Slug)
	assert.Equal(t, "ed-2880", geometries[len(geometries)-1].Slug)

	for i := 1; i < len(geometries); i++ {
		assert.LessOrEqual(t, geometries[i-1].TotalSizeBytes(), geometries[i].TotalSizeBytes())
	}
}

func TestFindDiskGeometryBySize(t *testing.T) {
	geometry, ok := FindDiskGeometryBySize(737280)
	require.True(t, ok)
	assert.Equal(t, "dd-720", geometry.Slug)

	_, ok = FindDiskGeometryBySize(1000000)
	assert.False(t, ok)
}

func TestMediumDescriptor__UnmarshalCSV(t *testing.T) {
	var m MediumDescriptor
	require.NoError(t, m.UnmarshalCSV(" f9 "))
	assert.EqualValues(t, 0xF9, m)

	assert.Error(t, m.UnmarshalCSV("G0"))
	assert.Error(t, m.UnmarshalCSV("100"))
}

func TestFormatAllGeometries(t *testing.T) {
	for _, geometry := range ListPredefinedDiskGeometries() {
		geometry := geometry
		t.Run(geometry.Slug, func(t *testing.T) {
			device := fattest.NewMemoryImage(
				geometry.TotalSizeBytes(), int(geometry.BytesPerSector), t)

			fs, err := fat.Format(device, geometry.FormatOptions())
			require.NoError(t, err)

			bs := fs.BootSector()
			assert.Equal(t, fat.FAT12, fs.FATType())
			assert.EqualValues(t, geometry.SectorsPerCluster, bs.SectorsPerCluster())
			assert.EqualValues(t, geometry.RootDirEntries, bs.RootDirEntryCount())
			assert.EqualValues(t, geometry.MediumDescriptor, bs.MediumDescriptor())
			assert.EqualValues(t, geometry.TotalSectors(), bs.TotalSectors())
		})
	}
}

package fat

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/dargueta/fatfs/blockdev"
	fattest "github.com/dargueta/fatfs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	floppySize = 1440 * 1024
	mib        = 1024 * 1024
)

var testTime = time.Date(2021, time.June, 15, 12, 30, 10, 0, time.Local)

func testClock() time.Time {
	return testTime
}

func testMountOptions() MountOptions {
	return MountOptions{
		Clock:      testClock,
		ShortNames: NewRandomShortNameGenerator(2),
	}
}

// formatDevice formats `device` with deterministic timestamps and short names.
func formatDevice(t *testing.T, device blockdev.Device, options FormatOptions) *FileSystem {
	if options.Clock == nil {
		options.Clock = testClock
	}
	if options.ShortNames == nil {
		options.ShortNames = NewRandomShortNameGenerator(1)
	}

	fs, err := Format(device, options)
	require.NoErrorf(t, err, "failed to format %d-byte device", device.TotalSize())
	return fs
}

// formatMemoryVolume creates a freshly formatted in-memory volume of `size`
// bytes.
func formatMemoryVolume(
	t *testing.T, size int64, options FormatOptions,
) (*blockdev.MemoryDevice, *FileSystem) {
	device := fattest.NewMemoryImage(size, 512, t)
	return device, formatDevice(t, device, options)
}

// formatFAT32Volume creates the smallest convenient FAT32 volume on a sparse
// device.
func formatFAT32Volume(t *testing.T) (*fattest.SparseDevice, *FileSystem) {
	device := fattest.NewSparseDevice(64*mib, 512)
	fs := formatDevice(t, device, FormatOptions{FATType: FAT32})
	require.Equal(t, FAT32, fs.FATType())
	return device, fs
}

func remount(t *testing.T, device blockdev.Device) *FileSystem {
	fs, err := MountWithOptions(device, testMountOptions())
	require.NoError(t, err, "failed to remount volume")
	return fs
}

func randomBytes(t *testing.T, size int) []byte {
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoErrorf(t, err, "failed to generate %d random bytes", size)
	return data
}

// writeFile creates a file called `name` in `dir` containing `data`.
func writeFile(t *testing.T, dir *Directory, name string, data []byte) *Entry {
	entry, err := dir.AddFile(name)
	require.NoErrorf(t, err, "failed to create %q", name)

	file, err := entry.File()
	require.NoError(t, err)
	require.NoErrorf(t, file.Write(0, data), "failed to write %d bytes to %q", len(data), name)
	return entry
}

func readFile(t *testing.T, entry *Entry) []byte {
	file, err := entry.File()
	require.NoError(t, err)

	data := make([]byte, file.Length())
	require.NoErrorf(t, file.Read(0, data), "failed to read %q", entry.Name())
	return data
}

// regionsEqual compares `length` bytes of `device` at two offsets.
func regionsEqual(t *testing.T, device blockdev.Device, first, second, length int64) bool {
	left := make([]byte, length)
	right := make([]byte, length)
	require.NoError(t, device.ReadSectors(first, left))
	require.NoError(t, device.ReadSectors(second, right))
	return bytes.Equal(left, right)
}

// checkChainIntegrity walks every directory reachable from the root and checks
// the cluster chain of each entry: a file's chain holds exactly enough clusters
// for its size, a directory's has at least one, every chain ends with an EOF
// marker, and no cluster belongs to two chains. It also checks that the clusters
// in use plus the free count add up to the size of the data region.
func checkChainIntegrity(t *testing.T, fs *FileSystem) {
	owners := map[ClusterID]string{}
	clusterSize := int64(fs.BootSector().BytesPerCluster())

	claim := func(path string, start ClusterID) []ClusterID {
		chain, err := fs.fat.Chain(start)
		require.NoErrorf(t, err, "chain of %q starting at %d is broken", path, start)
		assert.Truef(
			t, fs.fat.IsEOF(chain[len(chain)-1]), "chain of %q doesn't end in EOF", path)

		for _, cluster := range chain {
			if owner, taken := owners[cluster]; taken {
				assert.Failf(
					t, "cross-linked chains", "cluster %d is in %q and %q", cluster, owner, path)
				continue
			}
			owners[cluster] = path
		}
		return chain
	}

	if fs.FATType() == FAT32 {
		claim("/", fs.BootSector().RootDirFirstCluster())
	}

	var walk func(dir *Directory, prefix string)
	walk = func(dir *Directory, prefix string) {
		for _, entry := range dir.Entries() {
			path := prefix + entry.Name()
			start := entry.StartCluster()

			if entry.IsDir() {
				require.NotZerof(t, start, "directory %q has no clusters", path)
				claim(path, start)

				sub, err := entry.Directory()
				require.NoErrorf(t, err, "failed to open %q", path)
				walk(sub, path+"/")
				continue
			}

			expected := int((entry.Size() + clusterSize - 1) / clusterSize)
			if start == 0 {
				assert.Zerof(t, expected, "%q has %d bytes but no clusters", path, entry.Size())
				continue
			}
			chain := claim(path, start)
			assert.Lenf(
				t, chain, expected, "%q is %d bytes", path, entry.Size())
		}
	}
	walk(fs.Root(), "/")

	used := uint32(len(owners))
	assert.Equal(
		t,
		uint32(fs.BootSector().DataClusterCount()),
		used+fs.fat.FreeClusterCount(),
		"clusters in use plus free clusters don't cover the data region")
}

package fatfs_test

import (
	"os"
	"testing"

	"github.com/dargueta/fatfs"
	"github.com/dargueta/fatfs/errors"
	"github.com/dargueta/fatfs/file_systems/fat"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndOpenImage(t *testing.T) {
	afs := afero.NewMemMapFs()

	img, err := fatfs.CreateImage(
		afs, "/images/disk.img", 1440*1024, 0, fat.FormatOptions{VolumeLabel: "BACKUP"})
	require.NoError(t, err)
	require.NoError(t, img.MkdirAll("/docs/2021"))
	require.NoError(t, img.WriteFile("/docs/2021/notes.txt", []byte("remember the milk"), 0o644))
	require.NoError(t, img.Close())

	info, err := afs.Stat("/images/disk.img")
	require.NoError(t, err)
	assert.EqualValues(t, 1440*1024, info.Size())

	img, err = fatfs.OpenImage(afs, "/images/disk.img", fatfs.OpenOptions{ReadOnly: true})
	require.NoError(t, err)
	defer img.Close()

	assert.Equal(t, fat.FAT12, img.FileSystem().FATType())
	assert.Equal(t, "BACKUP", img.FileSystem().VolumeLabel())
	data, err := img.ReadFile("/DOCS/2021/NOTES.TXT")
	require.NoError(t, err)
	assert.Equal(t, "remember the milk", string(data))

	err = img.WriteFile("/docs/other.txt", []byte("nope"), 0o644)
	assert.ErrorIs(t, err, errors.ErrReadOnlyFileSystem)
}

func TestOpenImage__Missing(t *testing.T) {
	_, err := fatfs.OpenImage(afero.NewMemMapFs(), "/nope.img", fatfs.OpenOptions{})
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenImage__NotFAT(t *testing.T) {
	afs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(afs, "/zeroes.img", make([]byte, 64*1024), 0o644))

	_, err := fatfs.OpenImage(afs, "/zeroes.img", fatfs.OpenOptions{})
	assert.ErrorIs(t, err, errors.ErrFileSystemCorrupted)
}

func TestCreateImage__TooSmall(t *testing.T) {
	afs := afero.NewMemMapFs()
	_, err := fatfs.CreateImage(afs, "/tiny.img", 4096, 512, fat.FormatOptions{})
	assert.Error(t, err)
}

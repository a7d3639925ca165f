package main

import (
	"bytes"
	"io"
	"testing"

	"github.com/dargueta/fatfs"
	"github.com/dargueta/fatfs/errors"
	"github.com/dargueta/fatfs/file_systems/fat"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runTool(t *testing.T, afs afero.Fs, args ...string) (string, error) {
	var stdout bytes.Buffer
	app := newApp(afs, &stdout, io.Discard)
	err := app.Run(append([]string{"fattool"}, args...))
	return stdout.String(), err
}

func mustRunTool(t *testing.T, afs afero.Fs, args ...string) string {
	output, err := runTool(t, afs, args...)
	require.NoErrorf(t, err, "fattool %v failed", args)
	return output
}

func TestFormat__Preset(t *testing.T) {
	afs := afero.NewMemMapFs()
	output := mustRunTool(t, afs, "-i", "/floppy.img", "format", "--preset", "hd-1440", "--label", "DISK1")
	assert.Contains(t, output, "FAT12")

	info, err := afs.Stat("/floppy.img")
	require.NoError(t, err)
	assert.EqualValues(t, 1474560, info.Size())

	output = mustRunTool(t, afs, "-i", "/floppy.img", "label")
	assert.Equal(t, "DISK1\n", output)
}

func TestFormat__ConfigFileWithOverrides(t *testing.T) {
	afs := afero.NewMemMapFs()
	profile := "size: 16M\nfat_type: 16\nlabel: FROMFILE\nfats: 1\n"
	require.NoError(t, afero.WriteFile(afs, "/profile.yml", []byte(profile), 0o644))

	mustRunTool(
		t, afs, "-i", "/disk.img", "format", "--config", "/profile.yml", "--label", "FROMFLAG")

	img, err := fatfs.OpenImage(afs, "/disk.img", fatfs.OpenOptions{ReadOnly: true})
	require.NoError(t, err)
	defer img.Close()

	assert.Equal(t, fat.FAT16, img.FileSystem().FATType())
	assert.EqualValues(t, 1, img.FileSystem().BootSector().NumFATs())
	assert.Equal(t, "FROMFLAG", img.FileSystem().VolumeLabel())
	assert.EqualValues(t, 16*1024*1024, img.FileSystem().TotalSpace())
}

func TestFormat__BadConfig(t *testing.T) {
	afs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(afs, "/profile.yml", []byte("colour: blue\n"), 0o644))

	_, err := runTool(t, afs, "-i", "/disk.img", "format", "--config", "/profile.yml")
	assert.Error(t, err, "unknown keys should be rejected")

	_, err = runTool(t, afs, "-i", "/disk.img", "format")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument, "no size and no existing image")

	_, err = runTool(t, afs, "format", "--size", "1M")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument, "no image path")
}

func TestFormat__ReusesExistingSize(t *testing.T) {
	afs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(afs, "/x.txt", []byte("x"), 0o644))
	mustRunTool(t, afs, "-i", "/disk.img", "format", "--size", "2M")
	mustRunTool(t, afs, "-i", "/disk.img", "put", "/x.txt", "/x.txt")
	assert.Equal(t, "x.txt\n", mustRunTool(t, afs, "-i", "/disk.img", "ls"))

	mustRunTool(t, afs, "-i", "/disk.img", "format")
	info, err := afs.Stat("/disk.img")
	require.NoError(t, err)
	assert.EqualValues(t, 2*1024*1024, info.Size())
	assert.Empty(t, mustRunTool(t, afs, "-i", "/disk.img", "ls"))
}

func TestFileCommands(t *testing.T) {
	afs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(afs, "/host/hello.txt", []byte("hello, world\n"), 0o644))
	mustRunTool(t, afs, "-i", "/disk.img", "format", "--size", "4M")

	mustRunTool(t, afs, "-i", "/disk.img", "put", "-p", "/host/hello.txt", "/greetings/Hello World.txt")
	mustRunTool(t, afs, "-i", "/disk.img", "mkdir", "-p", "/a/b", "/c")

	output := mustRunTool(t, afs, "-i", "/disk.img", "ls")
	assert.Equal(t, "greetings/\na/\nc/\n", output)

	output = mustRunTool(t, afs, "-i", "/disk.img", "cat", "/greetings/Hello World.txt")
	assert.Equal(t, "hello, world\n", output)

	mustRunTool(t, afs, "-i", "/disk.img", "mv", "/greetings/Hello World.txt", "/a/b/hi.txt")
	mustRunTool(t, afs, "-i", "/disk.img", "get", "/a/b/hi.txt", "/host/out.txt")
	data, err := afero.ReadFile(afs, "/host/out.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello, world\n", string(data))

	output = mustRunTool(t, afs, "-i", "/disk.img", "ls", "-l", "/a/b")
	assert.Contains(t, output, "13")
	assert.Contains(t, output, "hi.txt")

	_, err = runTool(t, afs, "-i", "/disk.img", "rm", "/a")
	assert.ErrorIs(t, err, errors.ErrDirectoryNotEmpty)
	mustRunTool(t, afs, "-i", "/disk.img", "rm", "-r", "/a", "/greetings")

	output = mustRunTool(t, afs, "-i", "/disk.img", "ls")
	assert.Equal(t, "c/\n", output)
}

func TestInfo(t *testing.T) {
	afs := afero.NewMemMapFs()
	mustRunTool(t, afs, "-i", "/disk.img", "format", "--size", "16M", "--label", "INFO")

	output := mustRunTool(t, afs, "-i", "/disk.img", "info")
	assert.Contains(t, output, "FAT16")
	assert.Contains(t, output, "INFO")
	assert.Regexp(t, `Bytes per sector:\s+512`, output)
}

func TestPresets(t *testing.T) {
	output := mustRunTool(t, afero.NewMemMapFs(), "presets")
	assert.Contains(t, output, "hd-1440")
	assert.Contains(t, output, "1474560")
}

func TestLabel__Set(t *testing.T) {
	afs := afero.NewMemMapFs()
	mustRunTool(t, afs, "-i", "/disk.img", "format", "--preset", "dd-720")
	mustRunTool(t, afs, "-i", "/disk.img", "label", "NEWNAME")
	assert.Equal(t, "NEWNAME\n", mustRunTool(t, afs, "-i", "/disk.img", "label"))

	_, err := runTool(t, afs, "-i", "/disk.img", "label", "a", "b")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		input    string
		expected int64
	}{
		{"512", 512},
		{"1440K", 1440 * 1024},
		{"16m", 16 * 1024 * 1024},
		{"2G", 2 * 1024 * 1024 * 1024},
		{"", 0},
	}
	for _, tc := range cases {
		size, err := parseSize(tc.input)
		if assert.NoError(t, err, tc.input) {
			assert.Equal(t, tc.expected, size, tc.input)
		}
	}

	for _, bad := range []string{"K", "-5M", "12X", "1.5G"} {
		_, err := parseSize(bad)
		assert.ErrorIs(t, err, errors.ErrInvalidArgument, bad)
	}
}

package fat

import (
	"bytes"
	"io"
	"testing"

	"github.com/dargueta/fatfs/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStream(t *testing.T, contents []byte) (*FileSystem, *Stream) {
	_, fs := formatMemoryVolume(t, 16*mib, FormatOptions{})
	entry := writeFile(t, fs.Root(), "stream.bin", contents)
	file, err := entry.File()
	require.NoError(t, err)
	return fs, file.Stream()
}

func TestStream__ReadWriteSeek(t *testing.T) {
	_, stream := newTestStream(t, nil)

	n, err := stream.Write([]byte("hello, world"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.EqualValues(t, 12, stream.Tell())

	offset, err := stream.Seek(7, io.SeekStart)
	require.NoError(t, err)
	assert.EqualValues(t, 7, offset)

	buffer := make([]byte, 5)
	n, err = stream.Read(buffer)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", string(buffer))

	offset, err = stream.Seek(-12, io.SeekCurrent)
	require.NoError(t, err)
	assert.EqualValues(t, 0, offset)

	offset, err = stream.Seek(-5, io.SeekEnd)
	require.NoError(t, err)
	assert.EqualValues(t, 7, offset)
}

func TestStream__Seek__Invalid(t *testing.T) {
	_, stream := newTestStream(t, []byte("abc"))
	_, err := stream.Seek(2, io.SeekStart)
	require.NoError(t, err)

	offset, err := stream.Seek(-10, io.SeekCurrent)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
	assert.EqualValues(t, 2, offset, "a failed seek shouldn't move the stream")

	_, err = stream.Seek(0, 17)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
	assert.EqualValues(t, 2, stream.Tell())
}

func TestStream__ReadAtEnd(t *testing.T) {
	_, stream := newTestStream(t, []byte("0123456789"))

	buffer := make([]byte, 8)
	n, err := stream.ReadAt(buffer, 6)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "6789", string(buffer[:n]))

	n, err = stream.ReadAt(buffer, 10)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, n)

	n, err = stream.ReadAt(nil, 10)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = stream.ReadAt(buffer, -1)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestStream__WritePastEnd(t *testing.T) {
	_, stream := newTestStream(t, []byte("start"))

	_, err := stream.Seek(5000, io.SeekStart)
	require.NoError(t, err)
	_, err = stream.Write([]byte("end"))
	require.NoError(t, err)

	contents, err := io.ReadAll(io.NewSectionReader(stream, 0, 5003))
	require.NoError(t, err)
	assert.Equal(t, "start", string(contents[:5]))
	assert.Equal(t, make([]byte, 4995), contents[5:5000])
	assert.Equal(t, "end", string(contents[5000:]))
}

func TestStream__ReadFromAfterSeekingPastEnd(t *testing.T) {
	fs, stream := newTestStream(t, []byte("start"))
	freeBefore := fs.FreeSpace()

	_, err := stream.Seek(100000, io.SeekStart)
	require.NoError(t, err)
	n, err := stream.Write(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	copied, err := stream.ReadFrom(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.EqualValues(t, 0, copied)

	assert.EqualValues(t, 5, stream.file.Length(), "writing nothing changed the length")
	assert.Equal(t, freeBefore, fs.FreeSpace())
}

func TestStream__ReadFromWriteTo(t *testing.T) {
	_, stream := newTestStream(t, nil)
	contents := randomBytes(t, 12345)

	copied, err := io.Copy(stream, bytes.NewReader(contents))
	require.NoError(t, err)
	assert.EqualValues(t, 12345, copied)
	assert.EqualValues(t, 12345, stream.Tell())

	_, err = stream.Seek(0, io.SeekStart)
	require.NoError(t, err)

	var output bytes.Buffer
	written, err := stream.WriteTo(&output)
	require.NoError(t, err)
	assert.EqualValues(t, 12345, written)
	assert.Equal(t, contents, output.Bytes())
}

func TestStream__TruncateKeepsPosition(t *testing.T) {
	_, stream := newTestStream(t, randomBytes(t, 4000))
	_, err := stream.Seek(3000, io.SeekStart)
	require.NoError(t, err)

	require.NoError(t, stream.Truncate(100))
	assert.EqualValues(t, 3000, stream.Tell())

	n, err := stream.Read(make([]byte, 10))
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, n)
}

func TestStream__Sync(t *testing.T) {
	device, fs := formatMemoryVolume(t, 16*mib, FormatOptions{})
	file := openNewFile(t, fs.Root(), "synced.log")
	stream := file.Stream()

	_, err := stream.Write([]byte("line 1\n"))
	require.NoError(t, err)
	require.NoError(t, stream.Sync())

	entry := remount(t, device).Root().GetEntry("synced.log")
	require.NotNil(t, entry)
	assert.Equal(t, []byte("line 1\n"), readFile(t, entry))
}

func TestStream__Sync__FAT32(t *testing.T) {
	device, fs := formatFAT32Volume(t)
	file := openNewFile(t, fs.Root(), "synced.bin")
	contents := randomBytes(t, 10000)

	stream := file.Stream()
	_, err := stream.Write(contents)
	require.NoError(t, err)
	require.NoError(t, stream.Sync())

	// The volume was never flushed as a whole, so this only mounts if syncing
	// kept the FS information sector in step with the FAT.
	remounted := remount(t, device)
	assert.Equal(t, fs.FreeSpace(), remounted.FreeSpace())

	entry := remounted.Root().GetEntry("synced.bin")
	require.NotNil(t, entry)
	assert.Equal(t, contents, readFile(t, entry))
	checkChainIntegrity(t, remounted)
}

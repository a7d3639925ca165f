package fat

import (
	"fmt"
	"io"

	"github.com/dargueta/fatfs/errors"
)

// Stream is a file-like wrapper around a [File] that emulates a subset of the
// functionality provided by an [os.File] instance.
type Stream struct {
	file     *File
	position int64
}

var (
	_ io.ReadWriteSeeker = (*Stream)(nil)
	_ io.ReaderAt        = (*Stream)(nil)
	_ io.WriterAt        = (*Stream)(nil)
	_ io.ReaderFrom      = (*Stream)(nil)
	_ io.WriterTo        = (*Stream)(nil)
)

func (stream *Stream) Read(buffer []byte) (int, error) {
	totalRead, err := stream.ReadAt(buffer, stream.position)
	stream.position += int64(totalRead)
	return totalRead, err
}

// ReadAt reads as much of `buffer` as the file has data for, returning io.EOF
// if that's less than the whole buffer.
func (stream *Stream) ReadAt(buffer []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, errors.NewWithMessage(errors.EINVAL, fmt.Sprintf("negative offset %d", offset))
	}

	size := stream.file.Length()
	if offset >= size {
		if len(buffer) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	// Clamp the number of bytes to read to whichever is smaller; the length of
	// the buffer or the end of the file.
	numBytesToRead := int64(len(buffer))
	if offset+numBytesToRead > size {
		numBytesToRead = size - offset
	}

	err := stream.file.Read(offset, buffer[:numBytesToRead])
	if err != nil {
		return 0, err
	}

	if numBytesToRead < int64(len(buffer)) {
		return int(numBytesToRead), io.EOF
	}
	return int(numBytesToRead), nil
}

func (stream *Stream) Write(buffer []byte) (int, error) {
	n, err := stream.WriteAt(buffer, stream.position)
	stream.position += int64(n)
	return n, err
}

func (stream *Stream) WriteAt(buffer []byte, offset int64) (int, error) {
	err := stream.file.Write(offset, buffer)
	if err != nil {
		return 0, err
	}
	return len(buffer), nil
}

// ReadFrom copies everything from `r` into the stream at the current position,
// one cluster at a time.
func (stream *Stream) ReadFrom(r io.Reader) (int64, error) {
	buffer := make([]byte, stream.file.chain.ClusterSize())

	totalBytesRead := int64(0)
	for {
		lastReadSize, readErr := r.Read(buffer)
		totalBytesRead += int64(lastReadSize)

		if lastReadSize > 0 {
			_, writeErr := stream.Write(buffer[:lastReadSize])
			if writeErr != nil {
				return totalBytesRead, writeErr
			}
		}

		if readErr == io.EOF {
			return totalBytesRead, nil
		} else if readErr != nil {
			return totalBytesRead, readErr
		}
	}
}

// WriteTo copies the rest of the stream to `w`.
func (stream *Stream) WriteTo(w io.Writer) (int64, error) {
	buffer := make([]byte, stream.file.chain.ClusterSize())

	totalWritten := int64(0)
	for {
		n, readErr := stream.Read(buffer)
		if n > 0 {
			written, writeErr := w.Write(buffer[:n])
			totalWritten += int64(written)
			if writeErr != nil {
				return totalWritten, writeErr
			}
		}
		if readErr == io.EOF {
			return totalWritten, nil
		} else if readErr != nil {
			return totalWritten, readErr
		}
	}
}

// Seek resets the stream pointer to `offset` bytes from the origin specified in
// `whence`. It must be one of [io.SeekStart], [io.SeekCurrent], or [io.SeekEnd].
//
// Seeking past the end of the file is possible; the file will automatically be
// resized upon the first write. Attempting to read past the end of the file
// returns no data.
func (stream *Stream) Seek(offset int64, whence int) (int64, error) {
	var absoluteOffset int64

	switch whence {
	case io.SeekStart:
		absoluteOffset = offset
	case io.SeekCurrent:
		absoluteOffset = stream.position + offset
	case io.SeekEnd:
		absoluteOffset = stream.file.Length() + offset
	default:
		return stream.position, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("invalid seek origin: %d", whence))
	}

	if absoluteOffset < 0 {
		return stream.position, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("result of Seek(offset=%d, whence=%d) is negative", offset, whence))
	}

	stream.position = absoluteOffset
	return absoluteOffset, nil
}

// Tell returns the current stream position. It's a more concise way of calling
// `Seek(0, io.SeekCurrent)`.
func (stream *Stream) Tell() int64 {
	return stream.position
}

// Truncate resizes the file to the given number of bytes but does not move the
// stream pointer.
func (stream *Stream) Truncate(size int64) error {
	return stream.file.SetLength(size)
}

// Sync writes out the file's directory entry and the FAT.
func (stream *Stream) Sync() error {
	return stream.file.Flush()
}

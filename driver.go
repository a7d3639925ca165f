package fatfs

import (
	"fmt"
	"io"
	"os"
	posixpath "path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dargueta/fatfs/errors"
	"github.com/dargueta/fatfs/file_systems/fat"
)

// Driver gives path-based access to a mounted FAT volume, in the style of the
// [os] package. Paths use forward slashes. Relative paths are resolved against
// the working directory, which starts out as the root.
type Driver struct {
	fs             *fat.FileSystem
	workingDirPath string
}

// NewDriver creates a new [Driver] for a mounted file system.
func NewDriver(fs *fat.FileSystem) *Driver {
	return &Driver{fs: fs, workingDirPath: "/"}
}

// object is what a path resolves to. The root directory has no entry.
type object struct {
	absPath string
	parent  *fat.Directory
	entry   *fat.Entry
}

func (o object) isRoot() bool {
	return o.entry == nil
}

func (o object) isDir() bool {
	return o.entry == nil || o.entry.IsDir()
}

// rootInfo stands in for the directory entry the root directory doesn't have.
type rootInfo struct {
	fs *fat.FileSystem
}

func (r rootInfo) Name() string       { return "/" }
func (r rootInfo) Size() int64        { return 0 }
func (r rootInfo) Mode() os.FileMode  { return os.ModeDir | 0o777 }
func (r rootInfo) ModTime() time.Time { return time.Time{} }
func (r rootInfo) IsDir() bool        { return true }
func (r rootInfo) Sys() interface{}   { return r.fs.BootSector() }

func (driver *Driver) FileSystem() *fat.FileSystem {
	return driver.fs
}

func (driver *Driver) NormalizePath(path string) string {
	path = posixpath.Clean(filepath.ToSlash(path))
	if path == "." {
		path = "/"
	}
	if posixpath.IsAbs(path) {
		return path
	}
	return posixpath.Join(driver.workingDirPath, path)
}

// getObjectAtPath resolves a path to the entry it names and the directory
// containing it.
func (driver *Driver) getObjectAtPath(path string) (object, error) {
	absPath := driver.NormalizePath(path)
	current := driver.fs.Root()
	if absPath == "/" {
		return object{absPath: absPath}, nil
	}

	components := strings.Split(strings.TrimPrefix(absPath, "/"), "/")
	for i, name := range components {
		entry := current.GetEntry(name)
		if entry == nil {
			return object{}, errors.NewWithMessage(
				errors.ENOENT,
				fmt.Sprintf(
					"cannot resolve path %q: %q not found",
					absPath,
					"/"+strings.Join(components[:i+1], "/"),
				),
			)
		}

		if i == len(components)-1 {
			return object{absPath: absPath, parent: current, entry: entry}, nil
		}

		if !entry.IsDir() {
			return object{}, errors.NewWithMessage(
				errors.ENOTDIR,
				fmt.Sprintf(
					"cannot resolve path %q: %q is not a directory",
					absPath,
					"/"+strings.Join(components[:i+1], "/"),
				),
			)
		}

		next, err := entry.Directory()
		if err != nil {
			return object{}, err
		}
		current = next
	}

	// Unreachable; the loop always returns on the last component.
	return object{}, errors.ErrNotFound
}

// directoryOf opens the directory `o` refers to.
func (driver *Driver) directoryOf(o object) (*fat.Directory, error) {
	if o.isRoot() {
		return driver.fs.Root(), nil
	}
	if !o.entry.IsDir() {
		return nil, errors.ErrNotADirectory.WithMessage(o.absPath)
	}
	return o.entry.Directory()
}

func (driver *Driver) getDirectory(path string) (*fat.Directory, error) {
	o, err := driver.getObjectAtPath(path)
	if err != nil {
		return nil, err
	}
	return driver.directoryOf(o)
}

// splitParent returns the directory that would contain `path` and the base name
// of `path`.
func (driver *Driver) splitParent(path string) (*fat.Directory, string, error) {
	absPath := driver.NormalizePath(path)
	if absPath == "/" {
		return nil, "", errors.NewWithMessage(
			errors.EINVAL, "the root directory has no parent")
	}

	parentPath, baseName := posixpath.Split(absPath)
	parent, err := driver.getDirectory(parentPath)
	if err != nil {
		return nil, "", err
	}
	return parent, baseName, nil
}

func (driver *Driver) Chdir(path string) error {
	o, err := driver.getObjectAtPath(path)
	if err != nil {
		return err
	}
	if !o.isDir() {
		return errors.ErrNotADirectory.WithMessage(o.absPath)
	}

	driver.workingDirPath = o.absPath
	return nil
}

// Getwd returns the working directory as an absolute path. The error will always
// be nil; it's only there for compatibility with [os.Getwd].
func (driver *Driver) Getwd() (string, error) {
	return driver.workingDirPath, nil
}

func (driver *Driver) Stat(path string) (os.FileInfo, error) {
	o, err := driver.getObjectAtPath(path)
	if err != nil {
		return nil, err
	}
	if o.isRoot() {
		return rootInfo{fs: driver.fs}, nil
	}
	return o.entry, nil
}

func (driver *Driver) ReadDir(path string) ([]os.FileInfo, error) {
	directory, err := driver.getDirectory(path)
	if err != nil {
		return nil, err
	}
	return directory.ReadDir(), nil
}

// OpenFile opens a file for I/O. The flags are the same as for [os.OpenFile];
// O_SYNC is ignored. A file created without any write bits in `perm` gets the
// read-only attribute.
func (driver *Driver) OpenFile(path string, flags int, perm os.FileMode) (*fat.Stream, error) {
	absPath := driver.NormalizePath(path)
	wantsWrite := flags&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0

	if wantsWrite && driver.fs.IsReadOnly() {
		return nil, errors.ErrReadOnlyFileSystem.WithMessage(
			fmt.Sprintf("can't open %q for writing: image is mounted read-only", absPath))
	}

	o, err := driver.getObjectAtPath(absPath)
	if err != nil {
		// If the file is missing we may be able to create it and proceed.
		if !errors.Is(err, errors.ErrNotFound) || flags&os.O_CREATE == 0 {
			return nil, err
		}

		parent, baseName, err := driver.splitParent(absPath)
		if err != nil {
			return nil, err
		}
		entry, err := parent.AddFile(baseName)
		if err != nil {
			return nil, err
		}
		if perm&0o222 == 0 {
			err = entry.SetReadOnly(true)
			if err != nil {
				return nil, err
			}
		}
		o = object{absPath: absPath, parent: parent, entry: entry}
	} else if flags&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL {
		return nil, errors.ErrExists.WithMessage(absPath)
	}

	if o.isDir() {
		return nil, errors.ErrIsADirectory.WithMessage(absPath)
	}

	file, err := o.entry.File()
	if err != nil {
		return nil, err
	}

	if flags&os.O_TRUNC != 0 {
		err = file.SetLength(0)
		if err != nil {
			return nil, err
		}
	}

	stream := file.Stream()
	if flags&os.O_APPEND != 0 {
		_, err = stream.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, err
		}
	}
	return stream, nil
}

func (driver *Driver) Open(path string) (*fat.Stream, error) {
	return driver.OpenFile(path, os.O_RDONLY, 0)
}

// Create creates a file and opens it for reading and writing. It fails if the
// file already exists.
func (driver *Driver) Create(path string) (*fat.Stream, error) {
	return driver.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
}

func (driver *Driver) ReadFile(path string) ([]byte, error) {
	o, err := driver.getObjectAtPath(path)
	if err != nil {
		return nil, err
	}
	if o.isDir() {
		return nil, errors.ErrIsADirectory.WithMessage(o.absPath)
	}

	file, err := o.entry.File()
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, file.Length())
	err = file.Read(0, buffer)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}

// WriteFile sets the contents of a file to the given data, creating it if
// necessary.
func (driver *Driver) WriteFile(path string, data []byte, perm os.FileMode) error {
	stream, err := driver.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	_, err = stream.Write(data)
	return err
}

func (driver *Driver) Mkdir(path string) error {
	parent, baseName, err := driver.splitParent(path)
	if err != nil {
		return err
	}
	_, err = parent.AddDirectory(baseName)
	return err
}

// MkdirAll creates a directory along with any missing parents. It's not an
// error if the directory already exists.
func (driver *Driver) MkdirAll(path string) error {
	absPath := driver.NormalizePath(path)
	current := driver.fs.Root()
	if absPath == "/" {
		return nil
	}

	for _, name := range strings.Split(strings.TrimPrefix(absPath, "/"), "/") {
		entry := current.GetEntry(name)
		if entry == nil {
			var err error
			entry, err = current.AddDirectory(name)
			if err != nil {
				return err
			}
		} else if !entry.IsDir() {
			return errors.NewWithMessage(
				errors.ENOTDIR,
				fmt.Sprintf("cannot create %q: %q is a file", absPath, entry.Name()))
		}

		next, err := entry.Directory()
		if err != nil {
			return err
		}
		current = next
	}
	return nil
}

// Remove deletes a file or an empty directory.
func (driver *Driver) Remove(path string) error {
	o, err := driver.getObjectAtPath(path)
	if err != nil {
		return err
	}
	if o.isRoot() {
		return errors.ErrNotPermitted.WithMessage("you can't remove the root directory")
	}
	return o.parent.Remove(o.entry.Name())
}

// RemoveAll deletes `path` and everything in it. It's not an error if `path`
// doesn't exist.
func (driver *Driver) RemoveAll(path string) error {
	o, err := driver.getObjectAtPath(path)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	// Block an attempt at `rm -rf /`, because some clown is gonna try it.
	if o.isRoot() {
		return errors.ErrNotPermitted.WithMessage("you can't remove the root directory")
	}

	if o.entry.IsDir() {
		directory, err := o.entry.Directory()
		if err != nil {
			return err
		}
		err = driver.removeDirectoryContents(directory)
		if err != nil {
			return err
		}
	}
	return o.parent.Remove(o.entry.Name())
}

// removeDirectoryContents is equivalent to `rm -rf directory/*`.
//
// Deletion is depth-first, and terminates on the first error encountered.
func (driver *Driver) removeDirectoryContents(directory *fat.Directory) error {
	for _, entry := range directory.Entries() {
		// If this is a directory, recursively delete its contents.
		if entry.IsDir() {
			sub, err := entry.Directory()
			if err != nil {
				return err
			}
			err = driver.removeDirectoryContents(sub)
			if err != nil {
				return err
			}
		}

		// Delete the file or empty directory.
		err := directory.Remove(entry.Name())
		if err != nil {
			return err
		}
	}
	return nil
}

// Rename moves `oldPath` to `newPath`, which must not exist yet.
func (driver *Driver) Rename(oldPath, newPath string) error {
	o, err := driver.getObjectAtPath(oldPath)
	if err != nil {
		return err
	}
	if o.isRoot() {
		return errors.ErrNotPermitted.WithMessage("you can't move the root directory")
	}

	dest, baseName, err := driver.splitParent(newPath)
	if err != nil {
		return err
	}
	return o.parent.MoveTo(o.entry, dest, baseName)
}

// Truncate sets the size of a file, filling any new space with null bytes.
func (driver *Driver) Truncate(path string, size int64) error {
	o, err := driver.getObjectAtPath(path)
	if err != nil {
		return err
	}
	if o.isDir() {
		return errors.ErrIsADirectory.WithMessage(o.absPath)
	}

	file, err := o.entry.File()
	if err != nil {
		return err
	}
	return file.SetLength(size)
}

// Chtimes sets the access and modification times of a file or directory. Only
// the date of `atime` is stored.
func (driver *Driver) Chtimes(path string, atime time.Time, mtime time.Time) error {
	o, err := driver.getObjectAtPath(path)
	if err != nil {
		return err
	}
	if o.isRoot() {
		return errors.ErrNotSupported.WithMessage("the root directory has no timestamps")
	}

	err = o.entry.SetLastAccessedAt(atime)
	if err != nil {
		return err
	}
	return o.entry.SetLastModifiedAt(mtime)
}

// Chmod sets or clears the read-only attribute. A mode without any write bits
// makes the entry read-only. Nothing else in `mode` has a FAT equivalent.
func (driver *Driver) Chmod(path string, mode os.FileMode) error {
	o, err := driver.getObjectAtPath(path)
	if err != nil {
		return err
	}
	if o.isRoot() {
		return errors.ErrNotSupported.WithMessage("the root directory has no attributes")
	}
	return o.entry.SetReadOnly(mode&0o222 == 0)
}

// Flush writes all pending changes to the image.
func (driver *Driver) Flush() error {
	return driver.fs.Flush()
}

package fat

import (
	"fmt"
	"os"
	"strings"

	"github.com/dargueta/fatfs/errors"
	"github.com/sirupsen/logrus"
)

// maxShortNameAttempts bounds the number of placeholder short names tried
// before giving up on finding one that isn't in use.
const maxShortNameAttempts = 1000

// Directory is the logical view of a directory: an ordered list of named
// entries, with long names reassembled from their fragments.
//
// Two indices map names to entries: one by lowercase long name and one by
// short name. Every operation that adds, removes, or renames an entry updates
// both.
//
// Files and subdirectories opened through a directory are cached in it, so
// opening the same entry twice returns the same object. Flushing a directory
// flushes everything opened through it first.
type Directory struct {
	fs     *FileSystem
	store  *dirStore
	parent *Directory
	isRoot bool

	entries     map[entryID]*Entry
	order       []entryID
	nextID      entryID
	byLongName  map[string]entryID
	byShortName map[ShortName]entryID

	dot    *RawDirent
	dotDot *RawDirent
	label  *RawDirent

	files map[entryID]*File
	dirs  map[entryID]*Directory
	dirty bool
}

func newDirectory(fs *FileSystem, store *dirStore, parent *Directory, isRoot bool) *Directory {
	return &Directory{
		fs:          fs,
		store:       store,
		parent:      parent,
		isRoot:      isRoot,
		entries:     make(map[entryID]*Entry),
		byLongName:  make(map[string]entryID),
		byShortName: make(map[ShortName]entryID),
		files:       make(map[entryID]*File),
		dirs:        make(map[entryID]*Directory),
	}
}

// loadDirectory reads and parses the directory kept in `store`.
func loadDirectory(fs *FileSystem, store *dirStore, parent *Directory, isRoot bool) (*Directory, error) {
	dir := newDirectory(fs, store, parent, isRoot)
	data, err := store.read()
	if err != nil {
		return nil, err
	}

	err = dir.parse(data)
	if err != nil {
		return nil, err
	}
	return dir, nil
}

// parse rebuilds the entry list from the raw contents of the directory.
//
// Runs of long name fragments are collected until the short entry that ends
// them. A run followed by a deleted entry is dropped silently, as is a run
// interrupted by the start of another or one whose first fragment was erased.
// A run whose checksums or ordinals don't match its short entry means the
// directory is corrupted.
func (dir *Directory) parse(data []byte) error {
	var pending []RawLFNEntry

	for offset := 0; offset+DirentSize <= len(data); offset += DirentSize {
		slot := data[offset : offset+DirentSize]
		if slot[0] == direntEndMarker {
			break
		}
		if slot[0] == direntDeletedMarker {
			pending = nil
			continue
		}

		raw, err := NewRawDirentFromBytes(slot)
		if err != nil {
			return err
		}

		if raw.IsLongNameFragment() {
			fragment, err := NewRawLFNEntryFromBytes(slot)
			if err != nil {
				return err
			}
			if fragment.IsLast() && len(pending) > 0 {
				dir.fs.logger.WithField("offset", offset).Debug(
					"dropping orphaned long name fragments")
				pending = nil
			}
			// A run has to begin with its last fragment. Anything else is
			// left over from a run whose beginning was erased.
			if !fragment.IsLast() && len(pending) == 0 {
				dir.fs.logger.WithField("offset", offset).Debug(
					"dropping long name fragment with no beginning")
				continue
			}
			pending = append(pending, fragment)
			continue
		}

		if raw.IsVolumeLabel() {
			if !dir.isRoot {
				return corruption(
					"volume label entry found in a subdirectory at offset %d", offset)
			}
			if dir.label == nil {
				label := raw
				dir.label = &label
			}
			pending = nil
			continue
		}

		name := raw.DisplayName()
		if len(pending) > 0 {
			name, err = decodeLFNEntries(pending, raw.Name.Checksum())
			if err != nil {
				return errors.CastToDriverError(err).WithMessage(
					fmt.Sprintf("entry %q at offset %d", raw.Name.String(), offset))
			}
			pending = nil
		}

		switch raw.Name {
		case DotName:
			dot := raw
			dir.dot = &dot
			continue
		case DotDotName:
			dotDot := raw
			dir.dotDot = &dotDot
			continue
		}

		entry := &Entry{parent: dir, name: name, raw: raw}
		err = entry.computeSlots()
		if err != nil {
			return err
		}
		dir.insert(entry)
	}
	return nil
}

// insert adds an entry to the arena and both indices. If another entry already
// has the same name (only possible on damaged media) the new one is kept in
// the listing but can't be looked up by that name.
func (dir *Directory) insert(entry *Entry) {
	entry.id = dir.nextID
	dir.nextID++
	dir.entries[entry.id] = entry
	dir.order = append(dir.order, entry.id)

	lowerName := strings.ToLower(entry.name)
	if _, exists := dir.byLongName[lowerName]; !exists {
		dir.byLongName[lowerName] = entry.id
	}
	if _, exists := dir.byShortName[entry.raw.Name]; !exists {
		dir.byShortName[entry.raw.Name] = entry.id
	}
}

// unlink removes an entry from the arena, both indices, and the caches of
// open objects. It never touches the entry's clusters.
func (dir *Directory) unlink(entry *Entry) {
	if entry.raw.Name == DotName || entry.raw.Name == DotDotName {
		panic(fmt.Sprintf("attempted to unlink %q from a directory", entry.raw.Name.String()))
	}

	lowerName := strings.ToLower(entry.name)
	if id, ok := dir.byLongName[lowerName]; ok && id == entry.id {
		delete(dir.byLongName, lowerName)
	}
	if id, ok := dir.byShortName[entry.raw.Name]; ok && id == entry.id {
		delete(dir.byShortName, entry.raw.Name)
	}

	delete(dir.entries, entry.id)
	delete(dir.files, entry.id)
	delete(dir.dirs, entry.id)

	for i, id := range dir.order {
		if id == entry.id {
			dir.order = append(dir.order[:i], dir.order[i+1:]...)
			break
		}
	}
	dir.dirty = true
}

func (dir *Directory) checkWritable() error {
	if dir.fs.readOnly {
		return errors.ErrReadOnlyFileSystem
	}
	return nil
}

// IsRoot returns true if this is the root directory of the volume.
func (dir *Directory) IsRoot() bool { return dir.isRoot }

// Parent returns the directory containing this one, or nil for the root.
func (dir *Directory) Parent() *Directory { return dir.parent }

// clusterForChildren gives the cluster the ".." entries of subdirectories
// point to. By convention this is 0 for the root directory, even on FAT32.
func (dir *Directory) clusterForChildren() ClusterID {
	if dir.isRoot {
		return 0
	}
	return dir.store.storageCluster()
}

// slotCount gives the number of raw entries needed to store the directory.
func (dir *Directory) slotCount() int {
	count := 0
	if dir.dot != nil {
		count++
	}
	if dir.dotDot != nil {
		count++
	}
	if dir.label != nil {
		count++
	}
	for _, entry := range dir.entries {
		count += entry.slots
	}
	return count
}

// lookup finds an entry by name, ignoring case. If no long name matches, the
// name is tried as a short name.
func (dir *Directory) lookup(name string) *Entry {
	name = NormalizeName(name)
	if id, ok := dir.byLongName[strings.ToLower(name)]; ok {
		return dir.entries[id]
	}

	shortName, err := ParseShortName(name)
	if err == nil {
		if id, ok := dir.byShortName[shortName]; ok {
			return dir.entries[id]
		}
	}
	return nil
}

// makeShortName picks the short name for a new entry called `name`. Names that
// are valid 8.3 names (ignoring case) are used as-is; everything else gets a
// placeholder that isn't already in use.
func (dir *Directory) makeShortName(name string) (ShortName, error) {
	shortName, err := ParseShortName(name)
	if err == nil {
		if _, taken := dir.byShortName[shortName]; !taken {
			return shortName, nil
		}
	}

	for i := 0; i < maxShortNameAttempts; i++ {
		shortName = dir.fs.shortNames.Generate()
		if _, taken := dir.byShortName[shortName]; !taken {
			return shortName, nil
		}
	}
	return shortName, errors.NewWithMessage(
		errors.EEXIST,
		fmt.Sprintf("couldn't find an unused short name for %q", name))
}

// prepareName normalizes and validates a name for a new entry, and makes sure
// it isn't taken by anything other than `except`.
func (dir *Directory) prepareName(name string, except *Entry) (string, error) {
	name = NormalizeName(name)
	err := ValidateLongName(name)
	if err != nil {
		return "", err
	}

	existing := dir.lookup(name)
	if existing != nil && existing != except {
		return "", errors.NewWithMessage(
			errors.EEXIST, fmt.Sprintf("%q already exists", name))
	}
	return name, nil
}

// addEntry creates a new entry with the given attributes. The directory is
// grown first if needed; if that fails, nothing is changed.
func (dir *Directory) addEntry(name string, attributes uint8) (*Entry, error) {
	err := dir.checkWritable()
	if err != nil {
		return nil, err
	}

	name, err = dir.prepareName(name, nil)
	if err != nil {
		return nil, err
	}

	shortName, err := dir.makeShortName(name)
	if err != nil {
		return nil, err
	}

	now := dir.fs.now()
	entry := &Entry{parent: dir, name: name}
	entry.raw.Name = shortName
	entry.raw.AttributeFlags = attributes
	entry.raw.SetCreatedAt(now)
	entry.raw.SetLastModifiedAt(now)
	entry.raw.SetLastAccessedAt(now)

	err = entry.computeSlots()
	if err != nil {
		return nil, err
	}

	err = dir.store.changeSize(dir.slotCount() + entry.slots)
	if err != nil {
		return nil, err
	}

	dir.insert(entry)
	dir.dirty = true
	return entry, nil
}

// AddFile creates an empty file called `name`.
func (dir *Directory) AddFile(name string) (*Entry, error) {
	return dir.addEntry(name, AttrArchived)
}

// AddDirectory creates an empty subdirectory called `name`. A cluster is
// allocated for it right away and its "." and ".." entries are written to disk
// before this returns.
func (dir *Directory) AddDirectory(name string) (*Entry, error) {
	entry, err := dir.addEntry(name, AttrDirectory)
	if err != nil {
		return nil, err
	}

	chain := NewClusterChain(dir.fs.device, dir.fs.bootSector, dir.fs.fat, 0, false)
	err = chain.SetChainLength(1)
	if err != nil {
		dir.unlink(entry)
		return nil, err
	}
	entry.raw.SetStartCluster(chain.StartCluster(), dir.fs.fatType)

	store, err := newChainStore(chain)
	if err != nil {
		chain.SetChainLength(0)
		dir.unlink(entry)
		return nil, err
	}

	sub := newDirectory(dir.fs, store, dir, false)
	sub.dot = &RawDirent{Name: DotName}
	sub.dotDot = &RawDirent{Name: DotDotName}
	for _, dotEntry := range []*RawDirent{sub.dot, sub.dotDot} {
		dotEntry.AttributeFlags = AttrDirectory
		dotEntry.CreatedDate = entry.raw.CreatedDate
		dotEntry.CreatedTime = entry.raw.CreatedTime
		dotEntry.CreatedTimeTenths = entry.raw.CreatedTimeTenths
		dotEntry.LastModifiedDate = entry.raw.LastModifiedDate
		dotEntry.LastModifiedTime = entry.raw.LastModifiedTime
		dotEntry.LastAccessedDate = entry.raw.LastAccessedDate
	}
	sub.dot.SetStartCluster(chain.StartCluster(), dir.fs.fatType)
	sub.dotDot.SetStartCluster(dir.clusterForChildren(), dir.fs.fatType)
	sub.dirty = true

	err = sub.Flush()
	if err != nil {
		chain.SetChainLength(0)
		dir.unlink(entry)
		return nil, err
	}

	dir.dirs[entry.id] = sub
	return entry, nil
}

// GetEntry returns the entry called `name`, or nil if there isn't one. Names
// are matched without regard to case, and short names work too.
func (dir *Directory) GetEntry(name string) *Entry {
	return dir.lookup(name)
}

// Entries returns all entries in the order they're stored in, not including
// "." and "..".
func (dir *Directory) Entries() []*Entry {
	result := make([]*Entry, 0, len(dir.order))
	for _, id := range dir.order {
		result = append(result, dir.entries[id])
	}
	return result
}

// ReadDir returns the same list as [Directory.Entries] as [os.FileInfo].
func (dir *Directory) ReadDir() []os.FileInfo {
	result := make([]os.FileInfo, 0, len(dir.order))
	for _, id := range dir.order {
		result = append(result, dir.entries[id])
	}
	return result
}

// Len returns the number of entries, not including "." and "..".
func (dir *Directory) Len() int {
	return len(dir.order)
}

// Remove deletes the entry called `name` and frees its clusters. Removing an
// entry that doesn't exist does nothing. Directories must be empty.
func (dir *Directory) Remove(name string) error {
	err := dir.checkWritable()
	if err != nil {
		return err
	}

	normalized := NormalizeName(name)
	if normalized == "." || normalized == ".." {
		return errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("can't remove %q", normalized))
	}

	entry := dir.lookup(normalized)
	if entry == nil {
		return nil
	}

	if entry.IsDir() {
		sub, err := dir.openDirectory(entry)
		if err != nil {
			return err
		}
		if sub.Len() > 0 {
			return errors.NewWithMessage(
				errors.ENOTEMPTY,
				fmt.Sprintf("directory %q has %d entries", entry.name, sub.Len()))
		}
	}

	start := entry.StartCluster()
	if start != 0 {
		chain := NewClusterChain(dir.fs.device, dir.fs.bootSector, dir.fs.fat, start, false)
		err = chain.SetChainLength(0)
		if err != nil {
			return err
		}
	}

	dir.unlink(entry)
	return nil
}

// Rename changes the name of an entry within this directory. Changing only the
// case of a name is allowed.
func (dir *Directory) Rename(oldName, newName string) error {
	err := dir.checkWritable()
	if err != nil {
		return err
	}

	entry := dir.lookup(oldName)
	if entry == nil {
		return errors.NewWithMessage(errors.ENOENT, fmt.Sprintf("%q not found", oldName))
	}

	newName, err = dir.prepareName(newName, entry)
	if err != nil {
		return err
	}

	// The entry's own short name mustn't count as a collision.
	oldShortName := entry.raw.Name
	delete(dir.byShortName, oldShortName)
	shortName, err := dir.makeShortName(newName)
	if err != nil {
		dir.byShortName[oldShortName] = entry.id
		return err
	}

	renamed := *entry
	renamed.name = newName
	renamed.raw.Name = shortName
	renamed.raw.NTReserved = 0
	err = renamed.computeSlots()
	if err == nil {
		err = dir.store.changeSize(dir.slotCount() - entry.slots + renamed.slots)
	}
	if err != nil {
		dir.byShortName[oldShortName] = entry.id
		return err
	}

	delete(dir.byLongName, strings.ToLower(entry.name))
	entry.name = renamed.name
	entry.raw = renamed.raw
	entry.slots = renamed.slots
	dir.byLongName[strings.ToLower(entry.name)] = entry.id
	dir.byShortName[entry.raw.Name] = entry.id
	dir.dirty = true
	return nil
}

// isAncestorOf returns true if `dir` is `other` or one of its ancestors.
func (dir *Directory) isAncestorOf(other *Directory) bool {
	for current := other; current != nil; current = current.parent {
		if current == dir {
			return true
		}
	}
	return false
}

// Move moves the entry called `name` into `dest` under the name `newName`.
// Moving a directory updates its ".." entry. A directory can't be moved into
// itself or one of its descendants.
func (dir *Directory) Move(name string, dest *Directory, newName string) error {
	if dest == dir {
		return dir.Rename(name, newName)
	}

	err := dir.checkWritable()
	if err != nil {
		return err
	}
	if dest == nil || dest.fs != dir.fs {
		return errors.NewWithMessage(
			errors.EINVAL, "destination must be a directory on the same volume")
	}

	entry := dir.lookup(name)
	if entry == nil {
		return errors.NewWithMessage(errors.ENOENT, fmt.Sprintf("%q not found", name))
	}

	var sub *Directory
	if entry.IsDir() {
		sub, err = dir.openDirectory(entry)
		if err != nil {
			return err
		}
		if sub.isAncestorOf(dest) {
			return errors.NewWithMessage(
				errors.EINVAL,
				fmt.Sprintf("can't move %q into itself", entry.name))
		}
	}

	newName, err = dest.prepareName(newName, nil)
	if err != nil {
		return err
	}
	shortName, err := dest.makeShortName(newName)
	if err != nil {
		return err
	}

	moved := &Entry{parent: dest, name: newName, raw: entry.raw}
	moved.raw.Name = shortName
	moved.raw.NTReserved = 0
	err = moved.computeSlots()
	if err != nil {
		return err
	}
	err = dest.store.changeSize(dest.slotCount() + moved.slots)
	if err != nil {
		return err
	}

	file := dir.files[entry.id]
	dir.unlink(entry)
	dest.insert(moved)
	dest.dirty = true

	if file != nil {
		file.dir = dest
		file.id = moved.id
		dest.files[moved.id] = file
	}
	if sub != nil {
		sub.parent = dest
		sub.dotDot.SetStartCluster(dest.clusterForChildren(), dir.fs.fatType)
		sub.dirty = true
		dest.dirs[moved.id] = sub
	}
	return nil
}

// MoveTo moves `entry`, which must belong to this directory, into `dest` under
// the name `newName`. See [Directory.Move].
func (dir *Directory) MoveTo(entry *Entry, dest *Directory, newName string) error {
	if entry == nil || entry.parent != dir || dir.entries[entry.id] != entry {
		return errors.NewWithMessage(errors.ENOENT, "entry is not in this directory")
	}
	return dir.Move(entry.name, dest, newName)
}

// Label returns the volume label stored in the root directory, or an empty
// string if there's none.
func (dir *Directory) Label() string {
	if dir.label == nil {
		return ""
	}
	return strings.TrimRight(string(dir.label.Name[:]), " ")
}

// SetLabel sets the volume label entry of the root directory. An empty label
// removes the entry.
func (dir *Directory) SetLabel(label string) error {
	err := dir.checkWritable()
	if err != nil {
		return err
	}
	if !dir.isRoot {
		return errors.NewWithMessage(
			errors.EINVAL, "only the root directory can have a volume label")
	}

	encoded, err := encodeVolumeLabel(label)
	if err != nil {
		return err
	}

	if strings.TrimSpace(label) == "" {
		if dir.label != nil {
			dir.label = nil
			dir.dirty = true
		}
		return nil
	}

	if dir.label == nil {
		err = dir.store.changeSize(dir.slotCount() + 1)
		if err != nil {
			return err
		}
		dir.label = &RawDirent{AttributeFlags: AttrVolumeLabel}
	}

	dir.label.Name = ShortName(encoded)
	dir.label.SetLastModifiedAt(dir.fs.now())
	dir.dirty = true
	return nil
}

// openFile returns the cached file object for `entry`, creating it if needed.
func (dir *Directory) openFile(entry *Entry) (*File, error) {
	if entry.parent != dir || dir.entries[entry.id] != entry {
		return nil, errors.NewWithMessage(
			errors.ENOENT, fmt.Sprintf("%q is no longer in this directory", entry.name))
	}
	if !entry.IsFile() {
		return nil, errors.NewWithMessage(
			errors.EISDIR, fmt.Sprintf("%q is not a file", entry.name))
	}

	if file, ok := dir.files[entry.id]; ok {
		return file, nil
	}

	chain := NewClusterChain(
		dir.fs.device, dir.fs.bootSector, dir.fs.fat, entry.StartCluster(), dir.fs.readOnly)
	file := &File{dir: dir, id: entry.id, chain: chain}
	dir.files[entry.id] = file
	return file, nil
}

// openDirectory returns the cached directory object for `entry`, reading it
// from disk if needed.
func (dir *Directory) openDirectory(entry *Entry) (*Directory, error) {
	if entry.parent != dir || dir.entries[entry.id] != entry {
		return nil, errors.NewWithMessage(
			errors.ENOENT, fmt.Sprintf("%q is no longer in this directory", entry.name))
	}
	if !entry.IsDir() {
		return nil, errors.NewWithMessage(
			errors.ENOTDIR, fmt.Sprintf("%q is not a directory", entry.name))
	}

	if sub, ok := dir.dirs[entry.id]; ok {
		return sub, nil
	}

	start := entry.StartCluster()
	if !dir.fs.fat.IsValidCluster(start) {
		return nil, corruption("directory %q starts at invalid cluster %d", entry.name, start)
	}

	chain := NewClusterChain(dir.fs.device, dir.fs.bootSector, dir.fs.fat, start, dir.fs.readOnly)
	store, err := newChainStore(chain)
	if err != nil {
		return nil, err
	}

	sub, err := loadDirectory(dir.fs, store, dir, false)
	if err != nil {
		return nil, errors.CastToDriverError(err).WithMessage(
			fmt.Sprintf("failed to read directory %q", entry.name))
	}
	dir.dirs[entry.id] = sub
	return sub, nil
}

// encode serializes the directory into its compact on-disk form. Dot entries
// come first and never get long names, followed by the volume label (root
// only), then every entry with its long name fragments right before it.
func (dir *Directory) encode() ([]byte, error) {
	err := dir.store.changeSize(dir.slotCount())
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, dir.store.capacity()*DirentSize)
	offset := 0
	putRaw := func(raw *RawDirent) error {
		err := raw.Encode(buffer[offset : offset+DirentSize])
		offset += DirentSize
		return err
	}

	for _, special := range []*RawDirent{dir.dot, dir.dotDot, dir.label} {
		if special == nil {
			continue
		}
		err = putRaw(special)
		if err != nil {
			return nil, err
		}
	}

	for _, id := range dir.order {
		entry := dir.entries[id]
		if entry.needsLongName() {
			fragments, err := makeLFNEntries(entry.name, entry.raw.Name.Checksum())
			if err != nil {
				return nil, err
			}
			for i := range fragments {
				err = fragments[i].Encode(buffer[offset : offset+DirentSize])
				if err != nil {
					return nil, err
				}
				offset += DirentSize
			}
		}

		err = putRaw(&entry.raw)
		if err != nil {
			return nil, err
		}
	}
	return buffer, nil
}

// writeTable writes the entry table to disk if anything in it changed.
func (dir *Directory) writeTable() error {
	if !dir.dirty {
		return nil
	}

	data, err := dir.encode()
	if err != nil {
		return err
	}

	err = dir.store.write(data)
	if err != nil {
		return errors.CastToDriverError(err).WithMessage("failed to write directory")
	}

	dir.fs.logger.WithFields(logrus.Fields{
		"entries": len(dir.order),
		"slots":   dir.slotCount(),
		"root":    dir.isRoot,
	}).Debug("wrote directory")
	dir.dirty = false
	return nil
}

// Flush writes out every subdirectory opened through this one, and then this
// directory's own entries. Nothing is written if nothing changed.
func (dir *Directory) Flush() error {
	if dir.fs.readOnly {
		return nil
	}

	for _, id := range dir.order {
		sub, ok := dir.dirs[id]
		if !ok {
			continue
		}
		err := sub.Flush()
		if err != nil {
			return err
		}
	}
	return dir.writeTable()
}

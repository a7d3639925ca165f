package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/dargueta/fatfs/errors"
	"github.com/noxer/bytewriter"
	"golang.org/x/text/encoding/unicode"
)

const (
	// MaxLongNameLength is the maximum length of a long name, in UTF-16 code
	// units.
	MaxLongNameLength = 255

	// charsPerFragment is the number of UTF-16 code units in one LFN entry.
	charsPerFragment = 13

	lastFragmentFlag = 0x40
	maxFragments     = (MaxLongNameLength + charsPerFragment - 1) / charsPerFragment
)

// illegalLongNameChars can't appear anywhere in a long name.
const illegalLongNameChars = "\"*/:<>?\\|"

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// RawLFNEntry is the on-disk layout of one long file name fragment. The name
// characters are UTF-16LE and split across three fields.
type RawLFNEntry struct {
	Ordinal        uint8
	Name1          [10]byte
	AttributeFlags uint8
	EntryType      uint8
	Checksum       uint8
	Name2          [12]byte
	FirstCluster   uint16
	Name3          [4]byte
}

func (e *RawLFNEntry) chars() []byte {
	chars := make([]byte, 0, charsPerFragment*2)
	chars = append(chars, e.Name1[:]...)
	chars = append(chars, e.Name2[:]...)
	return append(chars, e.Name3[:]...)
}

func (e *RawLFNEntry) setChars(chars []byte) {
	copy(e.Name1[:], chars[0:10])
	copy(e.Name2[:], chars[10:22])
	copy(e.Name3[:], chars[22:26])
}

// Index returns the fragment's position in the name, starting at 1.
func (e *RawLFNEntry) Index() int {
	return int(e.Ordinal &^ lastFragmentFlag)
}

// IsLast returns true if this fragment holds the end of the name. It's the
// first fragment on disk.
func (e *RawLFNEntry) IsLast() bool {
	return e.Ordinal&lastFragmentFlag != 0
}

// NewRawLFNEntryFromBytes deserializes a 32-byte slot as a long name fragment.
func NewRawLFNEntryFromBytes(data []byte) (RawLFNEntry, error) {
	entry := RawLFNEntry{}
	err := binary.Read(bytes.NewReader(data[:DirentSize]), binary.LittleEndian, &entry)
	if err != nil {
		return entry, errors.ErrIOFailed.Wrap(err)
	}
	return entry, nil
}

// Encode serializes the fragment into the first 32 bytes of `output`.
func (e *RawLFNEntry) Encode(output []byte) error {
	err := binary.Write(bytewriter.New(output), binary.LittleEndian, e)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

// encodeUTF16 converts a name to UTF-16LE.
func encodeUTF16(name string) ([]byte, error) {
	encoded, err := utf16le.NewEncoder().Bytes([]byte(name))
	if err != nil {
		return nil, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("can't encode %q as UTF-16: %s", name, err))
	}
	return encoded, nil
}

// longNameLength returns the length of `name` in UTF-16 code units.
func longNameLength(name string) (int, error) {
	encoded, err := encodeUTF16(name)
	if err != nil {
		return 0, err
	}
	return len(encoded) / 2, nil
}

// fragmentCount gives the number of LFN entries needed to store `name`.
func fragmentCount(name string) (int, error) {
	length, err := longNameLength(name)
	if err != nil {
		return 0, err
	}
	return (length + charsPerFragment - 1) / charsPerFragment, nil
}

// ValidateLongName checks that `name` can be stored in a directory. `name`
// should already be trimmed; see [NormalizeName].
func ValidateLongName(name string) error {
	if name == "" {
		return errors.NewWithMessage(errors.EINVAL, "name is empty")
	}
	if name == "." || name == ".." {
		return errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("%q is reserved", name))
	}

	for _, char := range name {
		if char < 0x20 || char == 0x7F {
			return errors.NewWithMessage(
				errors.EINVAL, fmt.Sprintf("name %q contains a control character", name))
		}
		if strings.ContainsRune(illegalLongNameChars, char) {
			return errors.NewWithMessage(
				errors.EINVAL, fmt.Sprintf("name %q contains illegal character %q", name, char))
		}
	}

	length, err := longNameLength(name)
	if err != nil {
		return err
	}
	if length > MaxLongNameLength {
		return errors.NewWithMessage(
			errors.ENAMETOOLONG,
			fmt.Sprintf("name is %d UTF-16 characters, the limit is %d", length, MaxLongNameLength))
	}
	return nil
}

// NormalizeName strips the leading and trailing spaces and the trailing dots
// that FAT doesn't store.
func NormalizeName(name string) string {
	name = strings.Trim(name, " ")
	if name == "." || name == ".." {
		return name
	}
	return strings.TrimRight(name, ". ")
}

// makeLFNEntries creates the fragments for `name`, in the order they appear on
// disk: the last fragment (holding the end of the name) first.
func makeLFNEntries(name string, checksum uint8) ([]RawLFNEntry, error) {
	encoded, err := encodeUTF16(name)
	if err != nil {
		return nil, err
	}

	// The name is terminated with a null character unless it exactly fills
	// the last fragment, and the rest is padded with 0xFFFF.
	count := (len(encoded)/2 + charsPerFragment - 1) / charsPerFragment
	padded := make([]byte, count*charsPerFragment*2)
	for i := range padded {
		padded[i] = 0xFF
	}
	copy(padded, encoded)
	if len(encoded) < len(padded) {
		padded[len(encoded)] = 0
		padded[len(encoded)+1] = 0
	}

	fragments := make([]RawLFNEntry, count)
	for i := 0; i < count; i++ {
		ordinal := uint8(i + 1)
		if i == count-1 {
			ordinal |= lastFragmentFlag
		}

		fragment := RawLFNEntry{
			Ordinal:        ordinal,
			AttributeFlags: AttrLongName,
			Checksum:       checksum,
		}
		fragment.setChars(padded[i*charsPerFragment*2 : (i+1)*charsPerFragment*2])
		fragments[count-1-i] = fragment
	}
	return fragments, nil
}

// decodeLFNEntries reassembles a long name from fragments given in on-disk
// order, and verifies that they form a complete sequence bound to the short
// name with checksum `checksum`.
func decodeLFNEntries(fragments []RawLFNEntry, checksum uint8) (string, error) {
	count := len(fragments)
	if count == 0 || count > maxFragments {
		return "", corruption("invalid long name fragment count %d", count)
	}
	if !fragments[0].IsLast() {
		return "", corruption("long name doesn't start with its last fragment")
	}

	chars := make([]byte, 0, count*charsPerFragment*2)
	for i := count - 1; i >= 0; i-- {
		fragment := &fragments[i]
		if fragment.Checksum != checksum {
			return "", corruption(
				"long name fragment checksum 0x%02X doesn't match short entry checksum 0x%02X",
				fragment.Checksum,
				checksum)
		}
		if fragment.Index() != count-i {
			return "", corruption(
				"long name fragment %d found where %d was expected", fragment.Index(), count-i)
		}
		chars = append(chars, fragment.chars()...)
	}

	// Cut off at the null terminator, if any.
	for i := 0; i+1 < len(chars); i += 2 {
		if chars[i] == 0 && chars[i+1] == 0 {
			chars = chars[:i]
			break
		}
	}

	decoded, err := utf16le.NewDecoder().Bytes(chars)
	if err != nil {
		return "", corruption("long name isn't valid UTF-16: %s", err)
	}
	return string(decoded), nil
}

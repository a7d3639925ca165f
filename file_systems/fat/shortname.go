package fat

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/dargueta/fatfs/errors"
)

// ShortName is the 11-byte 8.3 name stored in a directory entry: eight bytes of
// base name and three of extension, both padded with spaces.
type ShortName [11]byte

var (
	// DotName is the name of the entry a directory uses to refer to itself.
	DotName = ShortName{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	// DotDotName is the name of the entry referring to the parent directory.
	DotDotName = ShortName{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
)

// shortNameSpecialChars are the non-alphanumeric characters allowed in short
// names.
const shortNameSpecialChars = "_^$~!#%&-{}()@'`"

// placeholderFiller contains the characters the random part of a placeholder
// short name is drawn from. Several of them are illegal in short names, which
// keeps the placeholder from being usable as a name.
const placeholderFiller = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789*?<>|\"+,;=[]"

// placeholderExtension is the extension of every placeholder short name.
var placeholderExtension = [3]byte{'I', 'F', 'L'}

func isLegalShortNameChar(char byte) bool {
	switch {
	case char >= 'A' && char <= 'Z':
		return true
	case char >= '0' && char <= '9':
		return true
	case char >= 0x80:
		// OEM code page characters.
		return true
	default:
		return strings.IndexByte(shortNameSpecialChars, char) >= 0
	}
}

// ParseShortName converts a name like "readme.txt" to its 8.3 form. It fails
// with [errors.ErrInvalidArgument] if the name isn't a valid 8.3 name once
// converted to uppercase.
func ParseShortName(name string) (ShortName, error) {
	sn := ShortName{' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}

	if name == "." {
		return DotName, nil
	} else if name == ".." {
		return DotDotName, nil
	}

	upper := strings.ToUpper(name)
	base := upper
	extension := ""
	if dot := strings.IndexByte(upper, '.'); dot >= 0 {
		base = upper[:dot]
		extension = upper[dot+1:]
		if strings.IndexByte(extension, '.') >= 0 {
			return sn, invalidShortName(name, "more than one dot")
		}
	}

	if len(base) == 0 || len(base) > 8 {
		return sn, invalidShortName(name, "base name must be 1-8 characters")
	}
	if len(extension) > 3 {
		return sn, invalidShortName(name, "extension must be at most 3 characters")
	}
	if strings.HasSuffix(upper, ".") {
		return sn, invalidShortName(name, "can't end with a dot")
	}

	for i := 0; i < len(base); i++ {
		if base[i] >= 0x80 || !isLegalShortNameChar(base[i]) {
			return sn, invalidShortName(name, fmt.Sprintf("illegal character %q", base[i]))
		}
	}
	for i := 0; i < len(extension); i++ {
		if extension[i] >= 0x80 || !isLegalShortNameChar(extension[i]) {
			return sn, invalidShortName(name, fmt.Sprintf("illegal character %q", extension[i]))
		}
	}

	copy(sn[:8], base)
	copy(sn[8:], extension)
	return sn, nil
}

func invalidShortName(name, reason string) error {
	return errors.NewWithMessage(
		errors.EINVAL, fmt.Sprintf("%q is not a valid 8.3 name: %s", name, reason))
}

// IsValidShortName returns true if `name` is a valid 8.3 name, ignoring case.
func IsValidShortName(name string) bool {
	_, err := ParseShortName(name)
	return err == nil
}

func (sn ShortName) base() string {
	base := sn[:8]
	if base[0] == direntE5Escape {
		base = append([]byte{direntDeletedMarker}, base[1:]...)
	}
	return strings.TrimRight(string(base), " ")
}

func (sn ShortName) extension() string {
	return strings.TrimRight(string(sn[8:]), " ")
}

// String returns the name in its usual "NAME.EXT" form.
func (sn ShortName) String() string {
	return sn.displayString(false, false)
}

func (sn ShortName) displayString(lowerBase, lowerExtension bool) string {
	base := sn.base()
	extension := sn.extension()
	if lowerBase {
		base = strings.ToLower(base)
	}
	if lowerExtension {
		extension = strings.ToLower(extension)
	}

	if extension == "" {
		return base
	}
	return base + "." + extension
}

// Checksum computes the checksum that binds long file name fragments to their
// short entry.
func (sn ShortName) Checksum() uint8 {
	sum := uint8(0)
	for _, char := range sn {
		// Rotate right by one bit, then add.
		sum = ((sum & 1) << 7) + (sum >> 1) + char
	}
	return sum
}

// IsPlaceholder returns true if this name was made by a [ShortNameGenerator].
func (sn ShortName) IsPlaceholder() bool {
	return sn[2] == '/' && [3]byte{sn[8], sn[9], sn[10]} == placeholderExtension
}

// ShortNameGenerator creates short names for entries whose names can't be
// represented in 8.3 form.
//
// Generated names are deliberately unusable. They contain a slash and other
// characters that are illegal in short names, so no system will ever let a
// user open the file by its short name. The directory rejects any generated
// name that collides with one already in use and asks for another.
type ShortNameGenerator interface {
	Generate() ShortName
}

type randomShortNameGenerator struct {
	rng *rand.Rand
}

// NewRandomShortNameGenerator creates a [ShortNameGenerator] seeded with `seed`.
// Two generators with the same seed produce the same names, which is useful
// for tests.
func NewRandomShortNameGenerator(seed int64) ShortNameGenerator {
	return &randomShortNameGenerator{rng: rand.New(rand.NewSource(seed))}
}

// NewDefaultShortNameGenerator creates a generator seeded from the clock.
func NewDefaultShortNameGenerator() ShortNameGenerator {
	return NewRandomShortNameGenerator(time.Now().UnixNano())
}

func (gen *randomShortNameGenerator) Generate() ShortName {
	const legal = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	var sn ShortName
	sn[0] = legal[gen.rng.Intn(len(legal))]
	sn[1] = legal[gen.rng.Intn(len(legal))]
	sn[2] = '/'
	for i := 3; i < 8; i++ {
		sn[i] = placeholderFiller[gen.rng.Intn(len(placeholderFiller))]
	}
	copy(sn[8:], placeholderExtension[:])
	return sn
}

// encodeVolumeLabel converts a volume label to its 11-byte on-disk form.
func encodeVolumeLabel(label string) ([11]byte, error) {
	encoded := [11]byte{' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	err := ValidateVolumeLabel(label)
	if err != nil {
		return encoded, err
	}
	copy(encoded[:], strings.ToUpper(label))
	return encoded, nil
}

// ValidateVolumeLabel checks that `label` can be stored as a volume label: at
// most 11 characters, each either a space or legal in a short name (ignoring
// case).
func ValidateVolumeLabel(label string) error {
	if len(label) > 11 {
		return errors.NewWithMessage(
			errors.ENAMETOOLONG,
			fmt.Sprintf("volume label %q is longer than 11 characters", label))
	}

	upper := strings.ToUpper(label)
	for i := 0; i < len(upper); i++ {
		if upper[i] != ' ' && (upper[i] >= 0x80 || !isLegalShortNameChar(upper[i])) {
			return errors.NewWithMessage(
				errors.EINVAL,
				fmt.Sprintf("illegal character %q in volume label %q", upper[i], label))
		}
	}
	return nil
}

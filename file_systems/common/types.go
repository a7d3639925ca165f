// Package common contains definitions of fundamental types and functions used
// across multiple parts of the file system implementation.
package common

import "math"

// LogicalBlock is the index of a block relative to the beginning of the object
// it belongs to, e.g. the third sector of a FAT.
type LogicalBlock uint

const InvalidLogicalBlock = LogicalBlock(math.MaxUint)

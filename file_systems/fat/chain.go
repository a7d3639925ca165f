package fat

import (
	"fmt"
	"io"

	"github.com/dargueta/fatfs/blockdev"
	"github.com/dargueta/fatfs/errors"
)

// ClusterChain presents a chain of clusters as a single linear array of bytes.
// Its length on disk is always a whole number of clusters.
//
// A chain that starts at cluster 0 is empty and has no clusters allocated to
// it. The first cluster is allocated the first time the chain is grown.
//
// The list of clusters is read from the FAT once and kept until the chain is
// resized through [ClusterChain.SetChainLength]. Nothing else may change the
// chain in the FAT while this object is in use.
type ClusterChain struct {
	fat         *FAT
	device      blockdev.Device
	start       ClusterID
	dataOffset  int64
	clusterSize int64
	readOnly    bool
	cached      []ClusterID
	cacheValid  bool
}

// NewClusterChain creates a chain beginning at `start`, which may be 0 for an
// empty chain.
func NewClusterChain(
	device blockdev.Device, bs *BootSector, fat *FAT, start ClusterID, readOnly bool,
) *ClusterChain {
	return &ClusterChain{
		fat:         fat,
		device:      device,
		start:       start,
		dataOffset:  bs.DataOffset(),
		clusterSize: int64(bs.BytesPerCluster()),
		readOnly:    readOnly,
	}
}

// StartCluster returns the first cluster of the chain, or 0 if it's empty.
func (chain *ClusterChain) StartCluster() ClusterID {
	return chain.start
}

// ClusterSize returns the size of one cluster, in bytes.
func (chain *ClusterChain) ClusterSize() int64 {
	return chain.clusterSize
}

// clusters returns the clusters of the chain in order. The slice is shared with
// the cache and must not be modified.
func (chain *ClusterChain) clusters() ([]ClusterID, error) {
	if chain.cacheValid {
		return chain.cached, nil
	}
	if chain.start == 0 {
		chain.cached = nil
		chain.cacheValid = true
		return nil, nil
	}

	clusters, err := chain.fat.Chain(chain.start)
	if err != nil {
		return nil, err
	}
	chain.cached = clusters
	chain.cacheValid = true
	return clusters, nil
}

// ChainLength returns the number of clusters in the chain.
func (chain *ClusterChain) ChainLength() (int, error) {
	clusters, err := chain.clusters()
	return len(clusters), err
}

// LengthOnDisk returns the size of the chain in bytes. This is always a multiple
// of the cluster size.
func (chain *ClusterChain) LengthOnDisk() (int64, error) {
	length, err := chain.ChainLength()
	return int64(length) * chain.clusterSize, err
}

func (chain *ClusterChain) checkWritable() error {
	if chain.readOnly {
		return errors.ErrReadOnlyFileSystem.WithMessage("cluster chain is read-only")
	}
	return nil
}

// SetChainLength grows or shrinks the chain to exactly `length` clusters.
// Shrinking to 0 frees every cluster and resets the start cluster to 0.
//
// If the volume runs out of space while growing, the clusters allocated by this
// call are released again and the chain is left unchanged.
func (chain *ClusterChain) SetChainLength(length int) error {
	err := chain.checkWritable()
	if err != nil {
		return err
	}
	if length < 0 {
		return errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("invalid chain length %d", length))
	}

	clusters, err := chain.clusters()
	if err != nil {
		return err
	}

	current := len(clusters)
	if length == current {
		return nil
	}

	chain.cached = nil
	chain.cacheValid = false
	switch {
	case length < current:
		return chain.shrink(clusters, length)
	default:
		return chain.grow(clusters, length-current)
	}
}

func (chain *ClusterChain) shrink(clusters []ClusterID, length int) error {
	err := chain.fat.FreeChainFrom(clusters[length])
	if err != nil {
		return err
	}

	if length == 0 {
		chain.start = 0
		return nil
	}
	return chain.fat.SetEOF(clusters[length-1])
}

func (chain *ClusterChain) grow(clusters []ClusterID, count int) error {
	allocated := make([]ClusterID, 0, count)

	rollback := func() {
		for _, cluster := range allocated {
			chain.fat.SetFree(cluster)
		}
		if len(clusters) > 0 {
			chain.fat.SetEOF(clusters[len(clusters)-1])
		}
	}

	var tail ClusterID
	if len(clusters) > 0 {
		tail = clusters[len(clusters)-1]
	}

	for i := 0; i < count; i++ {
		var next ClusterID
		var err error

		if tail == 0 {
			next, err = chain.fat.AllocNew()
		} else {
			next, err = chain.fat.AllocAppend(tail)
		}
		if err != nil {
			rollback()
			return err
		}

		allocated = append(allocated, next)
		tail = next
	}

	if chain.start == 0 {
		chain.start = allocated[0]
	}
	return nil
}

// SetSize resizes the chain to the minimum number of clusters needed to hold
// `size` bytes, and returns the new length on disk.
func (chain *ClusterChain) SetSize(size int64) (int64, error) {
	if size < 0 {
		return 0, errors.NewWithMessage(errors.EINVAL, fmt.Sprintf("invalid size %d", size))
	}

	clusterCount := (size + chain.clusterSize - 1) / chain.clusterSize
	err := chain.SetChainLength(int(clusterCount))
	if err != nil {
		return 0, err
	}
	return clusterCount * chain.clusterSize, nil
}

func (chain *ClusterChain) clusterOffset(cluster ClusterID) int64 {
	return chain.dataOffset + int64(cluster-FirstCluster)*chain.clusterSize
}

// forEachSpan splits the byte range [offset, offset+length) of the chain into
// pieces that don't cross cluster boundaries and calls `fn` with the device
// offset of each piece and its position relative to `offset`.
func (chain *ClusterChain) forEachSpan(
	clusters []ClusterID,
	offset int64,
	length int,
	fn func(deviceOffset int64, start, end int) error,
) error {
	done := 0
	for done < length {
		position := offset + int64(done)
		index := position / chain.clusterSize
		inCluster := position % chain.clusterSize

		spanLength := int(chain.clusterSize - inCluster)
		if spanLength > length-done {
			spanLength = length - done
		}

		deviceOffset := chain.clusterOffset(clusters[index]) + inCluster
		err := fn(deviceOffset, done, done+spanLength)
		if err != nil {
			return err
		}
		done += spanLength
	}
	return nil
}

// ReadData fills `dest` with the bytes of the chain starting at `offset`.
// Reading anything past the end of the chain fails with [errors.ErrNoData].
func (chain *ClusterChain) ReadData(offset int64, dest []byte) error {
	if offset < 0 {
		return errors.NewWithMessage(errors.EINVAL, fmt.Sprintf("negative offset %d", offset))
	}
	if len(dest) == 0 {
		return nil
	}

	clusters, err := chain.clusters()
	if err != nil {
		return err
	}

	lengthOnDisk := int64(len(clusters)) * chain.clusterSize
	if offset+int64(len(dest)) > lengthOnDisk {
		return errors.ErrNoData.Wrap(io.EOF).WithMessage(
			fmt.Sprintf(
				"can't read %d bytes at offset %d; chain is only %d bytes",
				len(dest),
				offset,
				lengthOnDisk))
	}

	return chain.forEachSpan(
		clusters,
		offset,
		len(dest),
		func(deviceOffset int64, start, end int) error {
			return chain.device.ReadSectors(deviceOffset, dest[start:end])
		},
	)
}

// WriteData writes all of `src` to the chain starting at `offset`, growing the
// chain first if needed.
func (chain *ClusterChain) WriteData(offset int64, src []byte) error {
	err := chain.checkWritable()
	if err != nil {
		return err
	}
	if offset < 0 {
		return errors.NewWithMessage(errors.EINVAL, fmt.Sprintf("negative offset %d", offset))
	}
	if len(src) == 0 {
		return nil
	}

	lengthOnDisk, err := chain.LengthOnDisk()
	if err != nil {
		return err
	}
	if offset+int64(len(src)) > lengthOnDisk {
		_, err = chain.SetSize(offset + int64(len(src)))
		if err != nil {
			return err
		}
	}

	clusters, err := chain.clusters()
	if err != nil {
		return err
	}

	return chain.forEachSpan(
		clusters,
		offset,
		len(src),
		func(deviceOffset int64, start, end int) error {
			return chain.device.WriteSectors(deviceOffset, src[start:end])
		},
	)
}

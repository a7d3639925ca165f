package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dargueta/fatfs/disks"
	"github.com/dargueta/fatfs/errors"
	"github.com/dargueta/fatfs/file_systems/fat"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

// formatProfile is a YAML file holding the settings of the format command, so
// that the same layout can be reproduced across images. Command-line flags
// override anything set here.
type formatProfile struct {
	// Size is given in bytes, or with a K, M, or G suffix.
	Size              string `yaml:"size"`
	Preset            string `yaml:"preset"`
	FATType           int    `yaml:"fat_type"`
	Label             string `yaml:"label"`
	OEMName           string `yaml:"oem_name"`
	SectorSize        int    `yaml:"sector_size"`
	SectorsPerCluster uint   `yaml:"sectors_per_cluster"`
	NumFATs           uint   `yaml:"fats"`
	RootDirEntries    uint   `yaml:"root_entries"`
	VolumeID          uint32 `yaml:"volume_id"`
}

func loadFormatProfile(afs afero.Fs, path string) (formatProfile, error) {
	profile := formatProfile{}

	data, err := afero.ReadFile(afs, path)
	if err != nil {
		return profile, fmt.Errorf("failed to read profile %q: %w", path, err)
	}

	err = yaml.UnmarshalStrict(data, &profile)
	if err != nil {
		return profile, fmt.Errorf("failed to parse profile %q: %w", path, err)
	}
	return profile, nil
}

// parseSize parses an image size. A bare number is in bytes; K, M, and G
// suffixes are powers of 1024.
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	multiplier := int64(1)
	switch s[len(s)-1] {
	case 'K':
		multiplier = 1024
	case 'M':
		multiplier = 1024 * 1024
	case 'G':
		multiplier = 1024 * 1024 * 1024
	}
	if multiplier != 1 {
		s = s[:len(s)-1]
	}

	value, err := strconv.ParseInt(s, 10, 64)
	if err != nil || value <= 0 {
		return 0, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("invalid size %q", s))
	}
	return value * multiplier, nil
}

func parseFATType(bits int) (fat.FATType, error) {
	switch bits {
	case 0:
		return 0, nil
	case 12, 16, 32:
		return fat.FATType(bits), nil
	default:
		return 0, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("FAT type must be 12, 16, or 32, got %d", bits))
	}
}

// formatPlan is everything needed to create and format an image.
type formatPlan struct {
	totalSize  int64
	sectorSize int
	options    fat.FormatOptions
}

// plan turns the profile into a [formatPlan]. A preset supplies the size and
// layout of a floppy disk; explicit settings take precedence over it.
func (p *formatProfile) plan() (formatPlan, error) {
	result := formatPlan{}

	if p.Preset != "" {
		geometry, err := disks.GetPredefinedDiskGeometry(p.Preset)
		if err != nil {
			return result, err
		}
		result.totalSize = geometry.TotalSizeBytes()
		result.sectorSize = int(geometry.BytesPerSector)
		result.options = geometry.FormatOptions()
	}

	if p.Size != "" {
		size, err := parseSize(p.Size)
		if err != nil {
			return result, err
		}
		result.totalSize = size
	}
	if p.SectorSize != 0 {
		result.sectorSize = p.SectorSize
	}

	fatType, err := parseFATType(p.FATType)
	if err != nil {
		return result, err
	}
	if fatType != 0 {
		result.options.FATType = fatType
	}
	if p.SectorsPerCluster != 0 {
		result.options.SectorsPerCluster = p.SectorsPerCluster
	}
	if p.NumFATs != 0 {
		result.options.NumFATs = p.NumFATs
	}
	if p.RootDirEntries != 0 {
		result.options.RootDirEntries = p.RootDirEntries
	}
	result.options.VolumeLabel = p.Label
	result.options.OEMName = p.OEMName
	result.options.VolumeID = p.VolumeID
	return result, nil
}

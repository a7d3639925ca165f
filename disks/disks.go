// Package disks holds the geometries of common floppy disk formats, along with
// the FAT layout DOS used for each of them.
package disks

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dargueta/fatfs/errors"
	"github.com/dargueta/fatfs/file_systems/fat"
	"github.com/gocarina/gocsv"
)

// MediumDescriptor is the media byte stored in the boot sector and the first
// entry of the FAT. It's written in hex in the geometry table.
type MediumDescriptor uint8

// UnmarshalCSV implements [gocsv.TypeUnmarshaller].
func (m *MediumDescriptor) UnmarshalCSV(value string) error {
	parsed, err := strconv.ParseUint(strings.TrimSpace(value), 16, 8)
	if err != nil {
		return fmt.Errorf("invalid medium descriptor %q: %w", value, err)
	}
	*m = MediumDescriptor(parsed)
	return nil
}

func (m MediumDescriptor) String() string {
	return fmt.Sprintf("0x%02X", uint8(m))
}

////////////////////////////////////////////////////////////////////////////////
// Geometry

type DiskGeometry struct {
	Name               string `csv:"name"`
	Slug               string `csv:"slug"`
	FormFactor         string `csv:"form_factor"`
	FirstYearAvailable uint   `csv:"first_year_available"`

	BytesPerSector  uint `csv:"bytes_per_sector"`
	SectorsPerTrack uint `csv:"sectors_per_track"`
	// Tracks gives the number of tracks per head.
	Tracks uint `csv:"tracks"`
	Heads  uint `csv:"heads"`

	// SectorsPerCluster and RootDirEntries are what DOS used when formatting
	// this kind of disk, which isn't always what the formatter would pick on
	// its own.
	SectorsPerCluster uint             `csv:"sectors_per_cluster"`
	RootDirEntries    uint             `csv:"root_dir_entries"`
	MediumDescriptor  MediumDescriptor `csv:"medium_descriptor"`
	Notes             string           `csv:"notes"`
}

// TotalSectors gives the number of sectors on the disk.
func (g *DiskGeometry) TotalSectors() uint {
	return g.SectorsPerTrack * g.Tracks * g.Heads
}

// TotalSizeBytes gives the size of the disk. This is the size an image file
// for it must have.
func (g *DiskGeometry) TotalSizeBytes() int64 {
	return int64(g.TotalSectors()) * int64(g.BytesPerSector)
}

// FormatOptions gives the options that reproduce the DOS layout of this disk.
// Callers can fill in the remaining fields (label, logger, etc.) themselves.
func (g *DiskGeometry) FormatOptions() fat.FormatOptions {
	return fat.FormatOptions{
		FATType:           fat.FAT12,
		SectorsPerCluster: g.SectorsPerCluster,
		RootDirEntries:    g.RootDirEntries,
		MediumDescriptor:  uint8(g.MediumDescriptor),
	}
}

////////////////////////////////////////////////////////////////////////////////

// https://en.wikipedia.org/wiki/List_of_floppy_disk_formats
//
//go:embed disk-geometries.csv
var diskGeometriesRawCSV string
var diskGeometries map[string]DiskGeometry

// GetPredefinedDiskGeometry returns the geometry with the given slug, such as
// "hd-1440".
func GetPredefinedDiskGeometry(slug string) (DiskGeometry, error) {
	geometry, ok := diskGeometries[slug]
	if ok {
		return geometry, nil
	}

	return DiskGeometry{}, errors.NewWithMessage(
		errors.ENOENT, fmt.Sprintf("no predefined disk geometry exists with slug %q", slug))
}

// ListPredefinedDiskGeometries returns every known geometry, smallest first.
func ListPredefinedDiskGeometries() []DiskGeometry {
	result := make([]DiskGeometry, 0, len(diskGeometries))
	for _, geometry := range diskGeometries {
		result = append(result, geometry)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].TotalSizeBytes() != result[j].TotalSizeBytes() {
			return result[i].TotalSizeBytes() < result[j].TotalSizeBytes()
		}
		return result[i].Slug < result[j].Slug
	})
	return result
}

// FindDiskGeometryBySize returns the geometry of a disk that's exactly
// `totalBytes` bytes. If more than one matches, the oldest format wins.
func FindDiskGeometryBySize(totalBytes int64) (DiskGeometry, bool) {
	var best DiskGeometry
	found := false

	for _, geometry := range diskGeometries {
		if geometry.TotalSizeBytes() != totalBytes {
			continue
		}
		if !found || geometry.FirstYearAvailable < best.FirstYearAvailable {
			best = geometry
			found = true
		}
	}
	return best, found
}

func init() {
	csvReader := csv.NewReader(strings.NewReader(diskGeometriesRawCSV))
	csvReader.Comma = '|'

	var rows []DiskGeometry
	err := gocsv.UnmarshalCSV(csvReader, &rows)
	if err != nil {
		panic(fmt.Errorf("failed to decode disk geometries: %w", err))
	}

	diskGeometries = make(map[string]DiskGeometry, len(rows))
	for i, row := range rows {
		_, exists := diskGeometries[row.Slug]
		if exists {
			message := fmt.Errorf(
				"duplicate definition for disk %q found on row %d", row.Slug, i+1)
			panic(message)
		}
		diskGeometries[row.Slug] = row
	}
}

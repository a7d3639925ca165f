package main

import (
	"fmt"
	"io"
	"os"
	posixpath "path"
	"text/tabwriter"

	"github.com/dargueta/fatfs"
	"github.com/dargueta/fatfs/disks"
	"github.com/dargueta/fatfs/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func requireImagePath(ctx *cli.Context) (string, error) {
	imagePath := ctx.String("image")
	if imagePath == "" {
		return "", errors.ErrInvalidArgument.WithMessage(
			"no image given; use --image or set FATTOOL_IMAGE")
	}
	return imagePath, nil
}

// requireArgs checks that the command got between `min` and `max` positional
// arguments. A negative `max` means there's no upper limit.
func requireArgs(ctx *cli.Context, min, max int) error {
	n := ctx.NArg()
	if n < min || (max >= 0 && n > max) {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("wrong number of arguments for %q: usage: %s %s",
				ctx.Command.Name, ctx.Command.Name, ctx.Command.ArgsUsage))
	}
	return nil
}

func (t *tool) formatImage(ctx *cli.Context) error {
	imagePath, err := requireImagePath(ctx)
	if err != nil {
		return err
	}

	profile := formatProfile{}
	if ctx.IsSet("config") {
		profile, err = loadFormatProfile(t.fs, ctx.String("config"))
		if err != nil {
			return err
		}
	}

	if ctx.IsSet("size") {
		profile.Size = ctx.String("size")
	}
	if ctx.IsSet("preset") {
		profile.Preset = ctx.String("preset")
	}
	if ctx.IsSet("sector-size") {
		profile.SectorSize = ctx.Int("sector-size")
	}
	if ctx.IsSet("fat-type") {
		profile.FATType = ctx.Int("fat-type")
	}
	if ctx.IsSet("label") {
		profile.Label = ctx.String("label")
	}
	if ctx.IsSet("oem-name") {
		profile.OEMName = ctx.String("oem-name")
	}
	if ctx.IsSet("sectors-per-cluster") {
		profile.SectorsPerCluster = ctx.Uint("sectors-per-cluster")
	}
	if ctx.IsSet("fats") {
		profile.NumFATs = ctx.Uint("fats")
	}
	if ctx.IsSet("root-entries") {
		profile.RootDirEntries = ctx.Uint("root-entries")
	}

	plan, err := profile.plan()
	if err != nil {
		return err
	}

	// Without a size we reformat the existing image in place.
	if plan.totalSize == 0 {
		info, statErr := t.fs.Stat(imagePath)
		if statErr != nil {
			return errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("no size or preset given, and can't reuse the size of %q: %s",
					imagePath, statErr.Error()))
		}
		plan.totalSize = info.Size()
	}
	if plan.sectorSize == 0 {
		plan.sectorSize = fatfs.DefaultSectorSize
	}
	plan.options.Logger = t.logger

	t.logger.WithFields(logrus.Fields{
		"image":      imagePath,
		"size":       plan.totalSize,
		"sectorSize": plan.sectorSize,
		"preset":     profile.Preset,
	}).Info("formatting image")

	img, err := fatfs.CreateImage(t.fs, imagePath, plan.totalSize, plan.sectorSize, plan.options)
	if err != nil {
		return err
	}

	fs := img.FileSystem()
	fmt.Fprintf(
		ctx.App.Writer,
		"Formatted %s as %s: %d bytes total, %d bytes free\n",
		imagePath,
		fs.FATType(),
		fs.TotalSpace(),
		fs.FreeSpace(),
	)
	return img.Close()
}

func (t *tool) listPresets(ctx *cli.Context) error {
	writer := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "SLUG\tNAME\tSIZE\tFORM FACTOR\tYEAR")
	for _, geometry := range disks.ListPredefinedDiskGeometries() {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\t%d\n",
			geometry.Slug,
			geometry.Name,
			geometry.TotalSizeBytes(),
			geometry.FormFactor,
			geometry.FirstYearAvailable,
		)
	}
	return writer.Flush()
}

func (t *tool) showInfo(ctx *cli.Context) error {
	return t.withImage(ctx, true, func(img *fatfs.Image) error {
		fs := img.FileSystem()
		bs := fs.BootSector()

		writer := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintf(writer, "Type:\t%s\n", fs.FATType())
		fmt.Fprintf(writer, "Label:\t%s\n", fs.VolumeLabel())
		fmt.Fprintf(writer, "Volume ID:\t%04X-%04X\n", bs.VolumeID()>>16, bs.VolumeID()&0xFFFF)
		fmt.Fprintf(writer, "OEM name:\t%s\n", bs.OEMName())
		fmt.Fprintf(writer, "Medium descriptor:\t0x%02X\n", bs.MediumDescriptor())
		fmt.Fprintf(writer, "Bytes per sector:\t%d\n", bs.BytesPerSector())
		fmt.Fprintf(writer, "Bytes per cluster:\t%d\n", bs.BytesPerCluster())
		fmt.Fprintf(writer, "Number of FATs:\t%d\n", bs.NumFATs())
		fmt.Fprintf(writer, "Clusters:\t%d\n", bs.DataClusterCount())
		fmt.Fprintf(writer, "Total size:\t%d\n", fs.TotalSpace())
		fmt.Fprintf(writer, "Usable space:\t%d\n", fs.UsableSpace())
		fmt.Fprintf(writer, "Free space:\t%d\n", fs.FreeSpace())
		return writer.Flush()
	})
}

func (t *tool) listDirectory(ctx *cli.Context) error {
	err := requireArgs(ctx, 0, 1)
	if err != nil {
		return err
	}

	path := "/"
	if ctx.NArg() == 1 {
		path = ctx.Args().First()
	}

	return t.withImage(ctx, true, func(img *fatfs.Image) error {
		entries, err := img.ReadDir(path)
		if err != nil {
			return err
		}

		writer := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				name += "/"
			}

			if ctx.Bool("long") {
				fmt.Fprintf(
					writer,
					"%s\t%d\t%s\t%s\n",
					entry.Mode(),
					entry.Size(),
					entry.ModTime().Format("2006-01-02 15:04:05"),
					name,
				)
			} else {
				fmt.Fprintln(writer, name)
			}
		}
		return writer.Flush()
	})
}

func (t *tool) catFiles(ctx *cli.Context) error {
	err := requireArgs(ctx, 1, -1)
	if err != nil {
		return err
	}

	return t.withImage(ctx, true, func(img *fatfs.Image) error {
		for _, path := range ctx.Args().Slice() {
			stream, err := img.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(ctx.App.Writer, stream)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *tool) putFile(ctx *cli.Context) error {
	err := requireArgs(ctx, 2, 2)
	if err != nil {
		return err
	}
	hostPath := ctx.Args().Get(0)
	imagePath := ctx.Args().Get(1)

	hostFile, err := t.fs.Open(hostPath)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	defer hostFile.Close()

	info, err := hostFile.Stat()
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	if info.IsDir() {
		return errors.ErrIsADirectory.WithMessage(hostPath)
	}

	return t.withImage(ctx, false, func(img *fatfs.Image) error {
		if ctx.Bool("parents") {
			err := img.MkdirAll(posixpath.Dir(img.NormalizePath(imagePath)))
			if err != nil {
				return err
			}
		}

		stream, err := img.OpenFile(
			imagePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}

		written, err := io.Copy(stream, hostFile)
		if err != nil {
			return err
		}
		t.logger.WithFields(logrus.Fields{
			"source":      hostPath,
			"destination": imagePath,
			"bytes":       written,
		}).Info("copied file into image")

		return img.Chtimes(imagePath, info.ModTime(), info.ModTime())
	})
}

func (t *tool) getFile(ctx *cli.Context) error {
	err := requireArgs(ctx, 2, 2)
	if err != nil {
		return err
	}
	imagePath := ctx.Args().Get(0)
	hostPath := ctx.Args().Get(1)

	return t.withImage(ctx, true, func(img *fatfs.Image) error {
		info, err := img.Stat(imagePath)
		if err != nil {
			return err
		}
		stream, err := img.Open(imagePath)
		if err != nil {
			return err
		}

		hostFile, err := t.fs.Create(hostPath)
		if err != nil {
			return errors.ErrIOFailed.Wrap(err)
		}
		_, err = io.Copy(hostFile, stream)
		closeErr := hostFile.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return errors.ErrIOFailed.Wrap(closeErr)
		}

		err = t.fs.Chtimes(hostPath, info.ModTime(), info.ModTime())
		if err != nil {
			t.logger.WithError(err).Warn("couldn't set modification time of " + hostPath)
		}
		return nil
	})
}

func (t *tool) makeDirectories(ctx *cli.Context) error {
	err := requireArgs(ctx, 1, -1)
	if err != nil {
		return err
	}

	return t.withImage(ctx, false, func(img *fatfs.Image) error {
		for _, path := range ctx.Args().Slice() {
			var err error
			if ctx.Bool("parents") {
				err = img.MkdirAll(path)
			} else {
				err = img.Mkdir(path)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *tool) removePaths(ctx *cli.Context) error {
	err := requireArgs(ctx, 1, -1)
	if err != nil {
		return err
	}

	return t.withImage(ctx, false, func(img *fatfs.Image) error {
		for _, path := range ctx.Args().Slice() {
			var err error
			if ctx.Bool("recursive") {
				err = img.RemoveAll(path)
			} else {
				err = img.Remove(path)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *tool) movePath(ctx *cli.Context) error {
	err := requireArgs(ctx, 2, 2)
	if err != nil {
		return err
	}

	return t.withImage(ctx, false, func(img *fatfs.Image) error {
		return img.Rename(ctx.Args().Get(0), ctx.Args().Get(1))
	})
}

func (t *tool) volumeLabel(ctx *cli.Context) error {
	err := requireArgs(ctx, 0, 1)
	if err != nil {
		return err
	}

	if ctx.NArg() == 0 {
		return t.withImage(ctx, true, func(img *fatfs.Image) error {
			_, err := fmt.Fprintln(ctx.App.Writer, img.FileSystem().VolumeLabel())
			return err
		})
	}

	return t.withImage(ctx, false, func(img *fatfs.Image) error {
		return img.FileSystem().SetVolumeLabel(ctx.Args().First())
	})
}

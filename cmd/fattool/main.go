// Command fattool creates, inspects, and edits FAT disk images.
package main

import (
	"io"
	"os"

	"github.com/dargueta/fatfs"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

func main() {
	app := newApp(afero.NewOsFs(), os.Stdout, os.Stderr)

	err := app.Run(os.Args)
	if err != nil {
		logrus.Fatalf("fatal error: %s", err.Error())
	}
}

// tool holds what every command needs. Image files and host files both go
// through `fs`.
type tool struct {
	fs     afero.Fs
	logger *logrus.Logger
}

func newApp(afs afero.Fs, stdout, stderr io.Writer) *cli.App {
	logger := logrus.New()
	logger.SetOutput(stderr)

	t := &tool{fs: afs, logger: logger}
	var verbosity int

	return &cli.App{
		Name:      "fattool",
		Usage:     "Manage FAT12, FAT16, and FAT32 disk images",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "image",
				Aliases: []string{"i"},
				Usage:   "path to the image file",
				EnvVars: []string{"FATTOOL_IMAGE"},
			},
			&cli.IntFlag{
				Name:  "sector-size",
				Usage: "bytes per sector of the image",
				Value: fatfs.DefaultSectorSize,
			},
			&cli.BoolFlag{
				Name:  "ignore-fat-differences",
				Usage: "mount even if the copies of the FAT disagree, and resync them",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log more; repeat for debug output",
				Count:   &verbosity,
			},
		},
		Before: func(ctx *cli.Context) error {
			switch {
			case verbosity >= 2:
				logger.SetLevel(logrus.DebugLevel)
			case verbosity == 1:
				logger.SetLevel(logrus.InfoLevel)
			default:
				logger.SetLevel(logrus.WarnLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "format",
				Usage:  "Create an image, or wipe an existing one",
				Action: t.formatImage,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "YAML `FILE` with format settings; flags override it",
					},
					&cli.StringFlag{
						Name:  "size",
						Usage: "image size in bytes, or with a K, M, or G suffix",
					},
					&cli.StringFlag{
						Name:  "preset",
						Usage: "floppy disk format to use (see `presets`)",
					},
					&cli.IntFlag{Name: "fat-type", Usage: "12, 16, or 32"},
					&cli.StringFlag{Name: "label", Usage: "volume label"},
					&cli.StringFlag{Name: "oem-name", Usage: "OEM name in the boot sector"},
					&cli.UintFlag{Name: "sectors-per-cluster"},
					&cli.UintFlag{Name: "fats", Usage: "number of copies of the FAT"},
					&cli.UintFlag{Name: "root-entries", Usage: "root directory size (FAT12/16)"},
				},
			},
			{
				Name:   "presets",
				Usage:  "List the floppy disk formats `format --preset` accepts",
				Action: t.listPresets,
			},
			{
				Name:   "info",
				Usage:  "Show details about the volume",
				Action: t.showInfo,
			},
			{
				Name:      "ls",
				Usage:     "List a directory",
				ArgsUsage: "[PATH]",
				Action:    t.listDirectory,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "long", Aliases: []string{"l"}, Usage: "show sizes and times"},
				},
			},
			{
				Name:      "cat",
				Usage:     "Print the contents of files",
				ArgsUsage: "PATH...",
				Action:    t.catFiles,
			},
			{
				Name:      "put",
				Usage:     "Copy a file from the host into the image",
				ArgsUsage: "HOST_FILE  IMAGE_PATH",
				Action:    t.putFile,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "parents", Aliases: []string{"p"}, Usage: "create missing directories"},
				},
			},
			{
				Name:      "get",
				Usage:     "Copy a file from the image to the host",
				ArgsUsage: "IMAGE_PATH  HOST_FILE",
				Action:    t.getFile,
			},
			{
				Name:      "mkdir",
				Usage:     "Create directories",
				ArgsUsage: "PATH...",
				Action:    t.makeDirectories,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "parents", Aliases: []string{"p"}, Usage: "create missing parents"},
				},
			},
			{
				Name:      "rm",
				Usage:     "Remove files and directories",
				ArgsUsage: "PATH...",
				Action:    t.removePaths,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}},
				},
			},
			{
				Name:      "mv",
				Usage:     "Move or rename a file or directory",
				ArgsUsage: "SOURCE  DESTINATION",
				Action:    t.movePath,
			},
			{
				Name:      "label",
				Usage:     "Show the volume label, or change it",
				ArgsUsage: "[NEW_LABEL]",
				Action:    t.volumeLabel,
			},
		},
	}
}

// withImage mounts the image named by the global flags, runs `action`, then
// flushes and closes the image.
func (t *tool) withImage(ctx *cli.Context, readOnly bool, action func(*fatfs.Image) error) (err error) {
	imagePath, err := requireImagePath(ctx)
	if err != nil {
		return err
	}
	t.logger.WithFields(logrus.Fields{
		"image":    imagePath,
		"readOnly": readOnly,
	}).Debug("opening image")

	img, err := fatfs.OpenImage(t.fs, imagePath, fatfs.OpenOptions{
		ReadOnly:             readOnly,
		SectorSize:           ctx.Int("sector-size"),
		IgnoreFATDifferences: ctx.Bool("ignore-fat-differences"),
		Logger:               t.logger,
	})
	if err != nil {
		return err
	}

	defer func() {
		closeErr := img.Close()
		if closeErr != nil {
			err = multierror.Append(err, closeErr).ErrorOrNil()
		}
	}()
	return action(img)
}

// Command extfsd mounts an Ext2/3/4 image and serves it over the request
// dispatcher, per spec section 4.5.
package main

import (
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/dargueta/kfsd/ipc"
	"github.com/dargueta/kfsd/ipc/sim"
	"github.com/dargueta/kfsd/server"
)

type localBroker struct{}

func (localBroker) GetCap(uint32, uint32) (ipc.Frame, error) { return ipc.Frame{}, nil }
func (localBroker) Alloc(uint32, uint64) (ipc.Frame, error)  { return ipc.Frame{}, nil }
func (localBroker) Mmap(ipc.Frame, uintptr, uint64) error    { return nil }

func main() {
	app := cli.App{
		Usage: "Mount an Ext2/3/4 image and serve it over the request dispatcher",
		Commands: []*cli.Command{
			{
				Name:      "serve",
				Usage:     "Mount an image read-only and report its profile",
				Action:    serveImage,
				ArgsUsage: "IMAGE_PATH",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "mount", Value: "/", Usage: "mount path shown in the ready log line (the dispatcher always mounts at /)"},
					&cli.UintFlag{Name: "shm-size", Value: 1 << 20, Usage: "shared buffer size in bytes"},
					&cli.StringFlag{Name: "log-level", Value: "info", Usage: "logrus level"},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func serveImage(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return cli.Exit("expected exactly one IMAGE_PATH argument", 1)
	}

	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	logger := logrus.New()
	logger.SetLevel(level)
	log := logrus.NewEntry(logger)

	f, err := os.OpenFile(c.Args().First(), os.O_RDWR, 0)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer f.Close()

	driver := sim.NewDriver(f, uint64(c.Uint("shm-size")))
	vfs := sim.NewVFS()

	d, err := server.Bootstrap(localBroker{}, sim.VolumeBroker{}, driver, vfs, server.MountExt, log)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer d.Shutdown()

	log.WithField("mount", c.String("mount")).Info("extfsd ready")
	return nil
}

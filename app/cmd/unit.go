package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/virtblk/virtblk-engine/pkg/backend/file"
	"github.com/virtblk/virtblk-engine/pkg/devconn"
	"github.com/virtblk/virtblk-engine/pkg/frontend/rest"
	"github.com/virtblk/virtblk-engine/pkg/types"
	"github.com/virtblk/virtblk-engine/pkg/unit"
)

const faultPollInterval = 2 * time.Second

func UnitCmd() cli.Command {
	return cli.Command{
		Name: "unit",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "name",
				Usage: "Unit name, used for the device node and status output",
			},
			cli.StringFlag{
				Name:  "file",
				Usage: "Path of the backing file",
			},
			cli.StringFlag{
				Name:  "size",
				Usage: "Unit nominal size in bytes or human readable 42kb, 42mb, 42gb",
			},
			cli.IntFlag{
				Name:  "block-size",
				Value: 4096,
			},
			cli.StringFlag{
				Name:  "port-network",
				Value: "unix",
				Usage: "Network of the storage port agent endpoint, \"unix\" or \"tcp\"",
			},
			cli.StringFlag{
				Name:  "port-address",
				Value: "/var/run/virtblk-port.sock",
			},
			cli.IntFlag{
				Name:  "workers",
				Value: 0,
				Usage: "Dispatcher worker count, 0 to match the processors available to the process",
			},
			cli.StringFlag{
				Name:  "listen",
				Value: "localhost:9414",
				Usage: "Status frontend listen address",
			},
			cli.StringFlag{
				Name:  "serial",
				Usage: "Serial number, generated when empty",
			},
			cli.BoolFlag{
				Name: "write-protected",
			},
			cli.UintFlag{
				Name:  "debug-log",
				Usage: "Bitmask selecting request kinds to trace, one bit per kind",
			},
		},
		Action: func(c *cli.Context) {
			if err := serveUnit(c); err != nil {
				logrus.WithError(err).Fatal("Error running unit command")
			}
		},
	}
}

func serveUnit(c *cli.Context) error {
	name := c.String("name")
	if name == "" {
		return errors.New("name is required")
	}
	path := c.String("file")
	if path == "" {
		return errors.New("file is required")
	}
	if c.String("size") == "" {
		return errors.New("size is required")
	}
	size, err := units.RAMInBytes(c.String("size"))
	if err != nil {
		return errors.Wrapf(err, "invalid size %v", c.String("size"))
	}
	blockSize := int64(c.Int("block-size"))
	if blockSize <= 0 || size%blockSize != 0 {
		return errors.Errorf("size %v is not a multiple of block size %v", size, blockSize)
	}

	params := &types.ProvisionParams{
		Name:           name,
		SerialNumber:   c.String("serial"),
		BlockCount:     uint64(size / blockSize),
		BlockLength:    uint32(blockSize),
		MaxUnmapCount:  types.MaxUnmapDescriptors,
		WriteProtected: c.Bool("write-protected"),
	}

	backend, err := file.New(path, params)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close backend")
		}
	}()

	u, err := unit.Create(devconn.Opener(c.String("port-network"), c.String("port-address")), params, backend.Interface())
	if err != nil {
		return err
	}
	defer unit.Finalize()
	defer func() {
		if err := u.Delete(); err != nil {
			logrus.WithError(err).Warn("Failed to delete unit")
		}
	}()

	u.SetDebugLog(uint32(c.Uint("debug-log")))

	if err := u.StartDispatcher(c.Int("workers")); err != nil {
		return err
	}
	defer u.StopDispatcher()

	status := rest.NewServer(u, c.String("listen"))
	if err := status.Startup(); err != nil {
		return err
	}
	defer func() {
		if err := status.Shutdown(); err != nil {
			logrus.WithError(err).Warn("Failed to shut down status frontend")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(faultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigs:
			logrus.Infof("Received signal %v, shutting down unit %v", sig, name)
			return nil
		case <-ticker.C:
			if err := u.DispatcherError(); err != nil {
				return errors.Wrapf(err, "unit %v degraded", name)
			}
		}
	}
}

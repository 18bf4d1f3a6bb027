// Package file provides a storage unit handler table backed by a sparse
// file: reads and writes map to the file at block granularity, flush maps
// to fsync and unmap punches holes.
package file

import (
	"context"
	"io"
	"os"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/virtblk/virtblk-engine/pkg/types"
	"github.com/virtblk/virtblk-engine/pkg/unit"
)

var log = logrus.WithFields(logrus.Fields{"pkg": "backend-file"})

type Backend struct {
	file *os.File
	lock *flock.Flock

	blockCount     uint64
	blockLength    uint32
	writeProtected bool
}

// New opens (creating if needed) the backing file, takes an exclusive flock
// on it and grows it to the unit's nominal size. The same file can never
// back two live units.
func New(path string, params *types.ProvisionParams) (*Backend, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to lock backing file %v", path)
	}
	if !locked {
		return nil, errors.Errorf("backing file %v is in use by another unit", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			log.WithError(unlockErr).Warnf("Failed to unlock %v", path)
		}
		return nil, errors.Wrapf(err, "failed to open backing file %v", path)
	}

	size := int64(params.BlockCount) * int64(params.BlockLength)
	if stat, err := f.Stat(); err == nil && stat.Size() < size {
		if err := f.Truncate(size); err != nil {
			err = errors.Wrapf(err, "failed to grow backing file %v to %v bytes", path, size)
			return nil, multierr.Append(err, closeQuietly(f, lock))
		}
	}

	log.Infof("Opened backing file %v: %v blocks of %v bytes", path, params.BlockCount, params.BlockLength)
	return &Backend{
		file:           f,
		lock:           lock,
		blockCount:     params.BlockCount,
		blockLength:    params.BlockLength,
		writeProtected: params.WriteProtected,
	}, nil
}

// Interface builds the handler table served by this backend. The table is
// immutable and may outlive the unit.
func (b *Backend) Interface() *unit.UnitInterface {
	return &unit.UnitInterface{
		Read:  b.read,
		Write: b.write,
		Flush: b.flush,
		Unmap: b.unmap,
	}
}

func (b *Backend) Close() error {
	var errs error
	if err := b.file.Sync(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := b.file.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := b.lock.Unlock(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (b *Backend) read(_ context.Context, _ *unit.Unit, blockAddress uint64, buf []byte, blocks uint32) types.Result {
	if !b.inRange(blockAddress, blocks) {
		return outOfRange()
	}
	offset := int64(blockAddress) * int64(b.blockLength)
	if _, err := b.file.ReadAt(buf, offset); err != nil && err != io.EOF {
		log.WithError(err).Errorf("Read failed at block %v", blockAddress)
		return types.Complete(types.StatusCheckCondition,
			types.NewSense(types.SenseKeyMediumError, 0x11, 0x00))
	}
	return types.Success()
}

func (b *Backend) write(_ context.Context, _ *unit.Unit, blockAddress uint64, buf []byte, blocks uint32) types.Result {
	if b.writeProtected {
		return types.Complete(types.StatusCheckCondition,
			types.NewSense(types.SenseKeyDataProtect, 0x27, 0x00))
	}
	if !b.inRange(blockAddress, blocks) {
		return outOfRange()
	}
	offset := int64(blockAddress) * int64(b.blockLength)
	if _, err := b.file.WriteAt(buf, offset); err != nil {
		log.WithError(err).Errorf("Write failed at block %v", blockAddress)
		return types.Complete(types.StatusCheckCondition,
			types.NewSense(types.SenseKeyMediumError, 0x0c, 0x00))
	}
	return types.Success()
}

func (b *Backend) flush(_ context.Context, _ *unit.Unit, blockAddress uint64, blocks uint32) types.Result {
	if err := b.file.Sync(); err != nil {
		log.WithError(err).Error("Flush failed")
		return types.Complete(types.StatusCheckCondition,
			types.NewSense(types.SenseKeyMediumError, 0x0c, 0x00))
	}
	return types.Success()
}

func (b *Backend) unmap(_ context.Context, _ *unit.Unit, descriptors []types.UnmapDescriptor) types.Result {
	fd := int(b.file.Fd())
	for _, d := range descriptors {
		if !b.inRange(d.BlockAddress, d.Blocks) {
			return outOfRange()
		}
		offset := int64(d.BlockAddress) * int64(b.blockLength)
		length := int64(d.Blocks) * int64(b.blockLength)
		if err := unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length); err != nil {
			log.WithError(err).Errorf("Unmap failed at block %v", d.BlockAddress)
			return types.Complete(types.StatusCheckCondition,
				types.NewSense(types.SenseKeyMediumError, 0x0c, 0x00))
		}
	}
	return types.Success()
}

func (b *Backend) inRange(blockAddress uint64, blocks uint32) bool {
	return blockAddress+uint64(blocks) <= b.blockCount
}

func outOfRange() types.Result {
	// logical block address out of range
	return types.Complete(types.StatusCheckCondition,
		types.NewSense(types.SenseKeyIllegalRequest, 0x21, 0x00))
}

func closeQuietly(f *os.File, lock *flock.Flock) error {
	return multierr.Append(f.Close(), lock.Unlock())
}

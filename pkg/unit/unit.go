// Package unit implements the user-space side of a virtual block storage
// unit: it owns the storage port device handle and runs the multi-worker
// dispatcher that pumps requests from the port to a caller supplied handler
// table and posts the resulting responses back.
package unit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/virtblk/virtblk-engine/pkg/types"
)

var log = logrus.WithFields(logrus.Fields{"pkg": "unit"})

// UnitInterface is the operation handler table. Every entry is optional; a
// missing entry makes the corresponding operation succeed with no data
// moved. The table is shared with the unit and must not be mutated after
// Create.
type UnitInterface struct {
	Read  func(ctx context.Context, u *Unit, blockAddress uint64, buf []byte, blocks uint32) types.Result
	Write func(ctx context.Context, u *Unit, blockAddress uint64, buf []byte, blocks uint32) types.Result
	Flush func(ctx context.Context, u *Unit, blockAddress uint64, blocks uint32) types.Result
	Unmap func(ctx context.Context, u *Unit, descriptors []types.UnmapDescriptor) types.Result
}

// Tracer receives the requests and responses selected by the unit's debug
// log mask.
type Tracer interface {
	TraceRequest(req *types.Request)
	TraceResponse(resp *types.Response)
}

// Unit is one provisioned storage unit. The device handle is exclusively
// owned and closed exactly once, either by a failed Create or by Delete.
type Unit struct {
	Params types.ProvisionParams

	device  types.Device
	address uint32
	iface   *UnitInterface

	debugLog atomic.Uint32
	tracer   Tracer

	mu          sync.Mutex
	dispatcher  *dispatcher
	workerCount int

	fault atomic.Pointer[faultEntry]
}

type faultEntry struct {
	err error
}

// Create opens the storage port device, provisions a logical address for
// the unit and assembles the unit record. A nil handler table substitutes
// the all-absent table. If provisioning fails the error is returned verbatim
// and the device handle is closed before returning.
func Create(open types.DeviceOpener, params *types.ProvisionParams, iface *UnitInterface) (*Unit, error) {
	if iface == nil {
		iface = &UnitInterface{}
	}

	if err := initContextSlots(); err != nil {
		return nil, err
	}

	device, err := open()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open storage port device")
	}

	u := &Unit{
		Params: *params,
		device: device,
		iface:  iface,
		tracer: &logTracer{},
	}
	if u.Params.SerialNumber == "" {
		u.Params.SerialNumber = uuid.New().String()
	}

	address, err := device.Provision(&u.Params)
	if err != nil {
		if closeErr := device.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("Failed to close device after provisioning failure")
		}
		return nil, err
	}
	u.address = address

	log.Infof("Created storage unit %v at logical address %v", u.Params.Name, address)
	return u, nil
}

// Delete unprovisions the logical address, closes the device handle and
// releases the unit. The dispatcher must have been stopped first; calling
// Delete on a running unit is undefined.
func (u *Unit) Delete() error {
	var errs error
	if err := u.device.Unprovision(u.address); err != nil {
		errs = multierr.Append(errs, errors.Wrapf(err, "failed to unprovision logical address %v", u.address))
	}
	if err := u.device.Close(); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "failed to close storage port device"))
	}
	log.Infof("Deleted storage unit %v", u.Params.Name)
	return errs
}

// Address returns the logical address assigned at provisioning.
func (u *Unit) Address() uint32 {
	return u.address
}

// SetDispatcherError records err into the unit's fault slot. The first
// recorded error wins so the root cause of a cascading failure is
// preserved. Safe to call from any goroutine.
func (u *Unit) SetDispatcherError(err error) {
	if err == nil {
		return
	}
	if u.fault.CompareAndSwap(nil, &faultEntry{err: err}) {
		log.WithError(err).Errorf("Storage unit %v dispatcher degraded", u.Params.Name)
	}
}

// DispatcherError returns the recorded fault, or nil while the unit is
// healthy. There is no push notification; the owning application polls.
func (u *Unit) DispatcherError() error {
	if entry := u.fault.Load(); entry != nil {
		return entry.err
	}
	return nil
}

// SendResponse posts the real result of a previously deferred operation.
// Callable from any goroutine. Failure to post is recorded as a dispatcher
// fault; the call does not retry.
func (u *Unit) SendResponse(resp *types.Response) {
	u.traceResponse(resp)
	if err := u.device.Transact(u.address, resp, nil); err != nil {
		u.SetDispatcherError(err)
	}
}

// SetDebugLog selects which request kinds are forwarded to the tracer, one
// bit per kind.
func (u *Unit) SetDebugLog(mask uint32) {
	u.debugLog.Store(mask)
}

// SetTracer replaces the default logging tracer. A nil tracer disables
// tracing. Must be called before StartDispatcher.
func (u *Unit) SetTracer(t Tracer) {
	u.tracer = t
}

func (u *Unit) traceRequest(req *types.Request) {
	if u.tracer == nil {
		return
	}
	if mask := u.debugLog.Load(); mask != 0 {
		if req.Kind >= types.KindCount || mask&(1<<req.Kind) != 0 {
			u.tracer.TraceRequest(req)
		}
	}
}

func (u *Unit) traceResponse(resp *types.Response) {
	if u.tracer == nil {
		return
	}
	if mask := u.debugLog.Load(); mask != 0 {
		if resp.Kind >= types.KindCount || mask&(1<<resp.Kind) != 0 {
			u.tracer.TraceResponse(resp)
		}
	}
}

type logTracer struct{}

func (logTracer) TraceRequest(req *types.Request) {
	log.WithFields(logrus.Fields{
		"hint":         req.Hint,
		"kind":         req.Kind.String(),
		"blockAddress": req.BlockAddress,
		"blocks":       req.Blocks,
	}).Debug("Request")
}

func (logTracer) TraceResponse(resp *types.Response) {
	log.WithFields(logrus.Fields{
		"hint":   resp.Hint,
		"kind":   resp.Kind.String(),
		"status": resp.Status.Code,
	}).Debug("Response")
}

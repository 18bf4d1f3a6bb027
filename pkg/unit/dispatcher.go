package unit

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/virtblk/virtblk-engine/pkg/types"
)

type dispatcher struct {
	unit *Unit
	wg   sync.WaitGroup
}

// StartDispatcher spawns workerCount dispatcher workers, each running its
// own transact loop against the storage port. workerCount 0 selects the
// number of processors available to the process. Returns
// ErrDispatcherRunning if the unit already has an active dispatcher.
func (u *Unit) StartDispatcher(workerCount int) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.dispatcher != nil {
		return types.ErrDispatcherRunning
	}

	if workerCount <= 0 {
		workerCount = processorCount()
	}

	contexts := make([]*OpContext, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		octx, err := bindOpContext(u)
		if err != nil {
			for _, bound := range contexts {
				bound.clear()
			}
			return err
		}
		contexts = append(contexts, octx)
	}

	d := &dispatcher{unit: u}
	d.wg.Add(len(contexts))
	for _, octx := range contexts {
		go d.run(octx)
	}

	u.workerCount = workerCount
	u.dispatcher = d
	log.Infof("Started dispatcher for storage unit %v with %v workers", u.Params.Name, workerCount)
	return nil
}

// StopDispatcher signals the device to abort pending exchanges, waits for
// every worker to exit and clears the dispatcher handle. No-op if the
// dispatcher is not running. Safe to call while workers are already exiting
// on faults.
func (u *Unit) StopDispatcher() {
	u.mu.Lock()
	d := u.dispatcher
	u.mu.Unlock()
	if d == nil {
		return
	}

	u.device.Stop()
	d.wg.Wait()

	u.mu.Lock()
	if u.dispatcher == d {
		u.dispatcher = nil
	}
	u.mu.Unlock()
	log.Infof("Stopped dispatcher for storage unit %v", u.Params.Name)
}

// WorkerCount returns the number of workers the running dispatcher was
// started with.
func (u *Unit) WorkerCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.workerCount
}

func (d *dispatcher) run(octx *OpContext) {
	defer d.wg.Done()

	err := d.transact(octx)
	octx.clear()

	if errors.Is(err, types.ErrDeviceStopped) {
		return
	}
	d.unit.SetDispatcherError(err)
}

// transact is the per worker pump: each exchange acknowledges the previous
// response, or nothing, and blocks for the next request. A failed exchange
// is fatal for this worker only.
func (d *dispatcher) transact(octx *OpContext) error {
	u := d.unit
	ctx := withOpContext(context.Background(), octx)
	req := octx.Request

	var resp *types.Response
	for {
		err := u.device.Transact(u.address, resp, req)
		resp = nil
		if err != nil {
			return err
		}

		// Hint 0 is a poll carrying no work.
		if req.Hint == 0 {
			continue
		}

		u.traceRequest(req)

		octx.beginOperation(req)
		result := d.route(ctx, octx)
		octx.endOperation()

		if result.IsDeferred() {
			continue
		}

		resp = octx.Response
		u.traceResponse(resp)
	}
}

// route synthesizes the response for the request bound to octx. A kind with
// no registered handler succeeds with no data moved.
func (d *dispatcher) route(ctx context.Context, octx *OpContext) types.Result {
	u := d.unit
	req, resp := octx.Request, octx.Response
	*resp = types.Response{Hint: req.Hint, Kind: req.Kind}

	result := types.Success()
	switch req.Kind {
	case types.KindRead:
		if u.iface.Read == nil {
			break
		}
		buf := octx.dataBuffer(int(req.Blocks) * int(u.Params.BlockLength))
		result = u.iface.Read(ctx, u, req.BlockAddress, buf, req.Blocks)
		if !result.IsDeferred() && result.Status().Code == types.StatusGood {
			resp.Data = buf
		}
	case types.KindWrite:
		if u.iface.Write == nil {
			break
		}
		result = u.iface.Write(ctx, u, req.BlockAddress, req.Data, req.Blocks)
	case types.KindFlush:
		if u.iface.Flush == nil {
			break
		}
		result = u.iface.Flush(ctx, u, req.BlockAddress, req.Blocks)
	case types.KindUnmap:
		if u.iface.Unmap == nil {
			break
		}
		descriptors := req.Unmap
		if len(descriptors) > types.MaxUnmapDescriptors {
			descriptors = descriptors[:types.MaxUnmapDescriptors]
		}
		result = u.iface.Unmap(ctx, u, descriptors)
	}

	if !result.IsDeferred() {
		resp.Status = result.Status()
	}
	return result
}

// processorCount counts the set bits of the process affinity mask.
func processorCount() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return runtime.NumCPU()
	}
	if count := set.Count(); count > 0 {
		return count
	}
	return runtime.NumCPU()
}

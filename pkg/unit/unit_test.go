package unit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "gopkg.in/check.v1"

	"github.com/virtblk/virtblk-engine/pkg/types"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct{}

var _ = Suite(&TestSuite{})

func (s *TestSuite) SetUpTest(c *C) {
	Finalize()
}

// fakeDevice is a scriptable in-process storage port. Requests are fed
// through a channel; every acknowledged response is recorded.
type fakeDevice struct {
	provisionErr error

	requests     chan *types.Request
	acks         chan *types.Response
	posts        chan *types.Response
	transactErrs chan error
	postErr      error

	stopped  chan struct{}
	stopOnce sync.Once

	opens        atomic.Int32
	closes       atomic.Int32
	provisions   atomic.Int32
	unprovisions atomic.Int32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		requests:     make(chan *types.Request, 64),
		acks:         make(chan *types.Response, 64),
		posts:        make(chan *types.Response, 64),
		transactErrs: make(chan error, 64),
		stopped:      make(chan struct{}),
	}
}

func (d *fakeDevice) opener() types.DeviceOpener {
	return func() (types.Device, error) {
		d.opens.Add(1)
		return d, nil
	}
}

func (d *fakeDevice) Provision(params *types.ProvisionParams) (uint32, error) {
	d.provisions.Add(1)
	if d.provisionErr != nil {
		return 0, d.provisionErr
	}
	return 7, nil
}

func (d *fakeDevice) Unprovision(address uint32) error {
	d.unprovisions.Add(1)
	return nil
}

func (d *fakeDevice) Transact(address uint32, resp *types.Response, req *types.Request) error {
	if resp != nil {
		recorded := cloneResponse(resp)
		if req == nil {
			d.posts <- recorded
		} else {
			d.acks <- recorded
		}
	}
	if req == nil {
		return d.postErr
	}

	select {
	case err := <-d.transactErrs:
		return err
	default:
	}

	select {
	case next := <-d.requests:
		*req = *next
		return nil
	case err := <-d.transactErrs:
		return err
	case <-d.stopped:
		return types.ErrDeviceStopped
	}
}

func (d *fakeDevice) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopped)
	})
}

func (d *fakeDevice) Close() error {
	d.closes.Add(1)
	return nil
}

func cloneResponse(resp *types.Response) *types.Response {
	clone := *resp
	clone.Data = append([]byte(nil), resp.Data...)
	clone.Status.Sense = append([]byte(nil), resp.Status.Sense...)
	return &clone
}

func testParams() *types.ProvisionParams {
	return &types.ProvisionParams{
		Name:        "test-unit",
		BlockCount:  1024,
		BlockLength: 512,
	}
}

func (s *TestSuite) waitAck(c *C, d *fakeDevice) *types.Response {
	select {
	case resp := <-d.acks:
		return resp
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for response")
	}
	return nil
}

func (s *TestSuite) TestCreateDelete(c *C) {
	device := newFakeDevice()

	u, err := Create(device.opener(), testParams(), nil)
	c.Assert(err, IsNil)
	c.Assert(u.Address(), Equals, uint32(7))
	c.Assert(u.Params.SerialNumber, Not(Equals), "")

	err = u.Delete()
	c.Assert(err, IsNil)

	c.Assert(device.opens.Load(), Equals, int32(1))
	c.Assert(device.closes.Load(), Equals, int32(1))
	c.Assert(device.provisions.Load(), Equals, int32(1))
	c.Assert(device.unprovisions.Load(), Equals, int32(1))
}

func (s *TestSuite) TestCreateProvisionFailure(c *C) {
	device := newFakeDevice()
	device.provisionErr = errors.New("no free logical address")

	u, err := Create(device.opener(), testParams(), nil)
	c.Assert(u, IsNil)
	// the provisioning error is reported verbatim
	c.Assert(err, Equals, device.provisionErr)
	c.Assert(device.closes.Load(), Equals, int32(1))
}

func (s *TestSuite) TestStartDispatcherTwice(c *C) {
	device := newFakeDevice()
	u, err := Create(device.opener(), testParams(), nil)
	c.Assert(err, IsNil)

	c.Assert(u.StartDispatcher(2), IsNil)
	c.Assert(len(ActiveOperationContexts()), Equals, 2)

	err = u.StartDispatcher(2)
	c.Assert(err, Equals, types.ErrDispatcherRunning)
	c.Assert(len(ActiveOperationContexts()), Equals, 2)

	u.StopDispatcher()
	c.Assert(len(ActiveOperationContexts()), Equals, 0)
	c.Assert(u.Delete(), IsNil)
}

func (s *TestSuite) TestAutoWorkerCount(c *C) {
	device := newFakeDevice()
	u, err := Create(device.opener(), testParams(), nil)
	c.Assert(err, IsNil)

	c.Assert(u.StartDispatcher(0), IsNil)
	expected := processorCount()
	c.Assert(expected > 0, Equals, true)
	c.Assert(u.WorkerCount(), Equals, expected)
	c.Assert(len(ActiveOperationContexts()), Equals, expected)

	u.StopDispatcher()
	c.Assert(u.Delete(), IsNil)
}

func (s *TestSuite) TestMissingHandlerSucceeds(c *C) {
	device := newFakeDevice()
	u, err := Create(device.opener(), testParams(), nil)
	c.Assert(err, IsNil)
	c.Assert(u.StartDispatcher(1), IsNil)

	device.requests <- &types.Request{Hint: 42, Kind: types.KindWrite, BlockAddress: 1, Blocks: 1, Data: make([]byte, 512)}

	resp := s.waitAck(c, device)
	c.Assert(resp.Hint, Equals, uint64(42))
	c.Assert(resp.Kind, Equals, types.KindWrite)
	c.Assert(resp.Status.Code, Equals, types.StatusGood)
	c.Assert(len(resp.Status.Sense), Equals, 0)
	c.Assert(len(resp.Data), Equals, 0)

	u.StopDispatcher()
	c.Assert(u.Delete(), IsNil)
}

func (s *TestSuite) TestPollProducesNoResponse(c *C) {
	var handled atomic.Int32
	iface := &UnitInterface{
		Read: func(ctx context.Context, u *Unit, blockAddress uint64, buf []byte, blocks uint32) types.Result {
			handled.Add(1)
			return types.Success()
		},
	}

	device := newFakeDevice()
	u, err := Create(device.opener(), testParams(), iface)
	c.Assert(err, IsNil)
	c.Assert(u.StartDispatcher(1), IsNil)

	device.requests <- &types.Request{Hint: 0, Kind: types.KindRead, Blocks: 1}
	device.requests <- &types.Request{Hint: 9, Kind: types.KindRead, Blocks: 1}

	resp := s.waitAck(c, device)
	c.Assert(resp.Hint, Equals, uint64(9))
	c.Assert(handled.Load(), Equals, int32(1))
	select {
	case resp := <-device.acks:
		c.Fatalf("unexpected response for hint %v", resp.Hint)
	default:
	}

	u.StopDispatcher()
	c.Assert(u.Delete(), IsNil)
}

func (s *TestSuite) TestHintCorrelation(c *C) {
	device := newFakeDevice()
	u, err := Create(device.opener(), testParams(), nil)
	c.Assert(err, IsNil)
	c.Assert(u.StartDispatcher(2), IsNil)

	hints := map[uint64]bool{3: true, 5: true, 8: true, 13: true}
	for hint := range hints {
		device.requests <- &types.Request{Hint: hint, Kind: types.KindFlush, Blocks: 1}
	}

	total := len(hints)
	for i := 0; i < total; i++ {
		resp := s.waitAck(c, device)
		c.Assert(hints[resp.Hint], Equals, true)
		c.Assert(resp.Kind, Equals, types.KindFlush)
		delete(hints, resp.Hint)
	}
	c.Assert(len(hints), Equals, 0)

	u.StopDispatcher()
	c.Assert(u.Delete(), IsNil)
}

func (s *TestSuite) TestDeferredCompletion(c *C) {
	entered := make(chan struct{}, 1)
	iface := &UnitInterface{
		Write: func(ctx context.Context, u *Unit, blockAddress uint64, buf []byte, blocks uint32) types.Result {
			entered <- struct{}{}
			return types.Deferred()
		},
	}

	device := newFakeDevice()
	u, err := Create(device.opener(), testParams(), iface)
	c.Assert(err, IsNil)
	c.Assert(u.StartDispatcher(1), IsNil)

	device.requests <- &types.Request{Hint: 77, Kind: types.KindWrite, Blocks: 1, Data: make([]byte, 512)}
	<-entered

	// no response is sent for the deferred cycle
	select {
	case resp := <-device.acks:
		c.Fatalf("unexpected response for hint %v", resp.Hint)
	case <-time.After(100 * time.Millisecond):
	}

	u.SendResponse(&types.Response{Hint: 77, Kind: types.KindWrite})
	select {
	case resp := <-device.posts:
		c.Assert(resp.Hint, Equals, uint64(77))
		c.Assert(resp.Status.Code, Equals, types.StatusGood)
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for deferred completion")
	}

	u.StopDispatcher()
	c.Assert(u.Delete(), IsNil)
}

func (s *TestSuite) TestStaggeredStop(c *C) {
	var mu sync.Mutex
	contexts := map[*OpContext]bool{}
	release := make(chan struct{})
	entered := make(chan struct{}, 4)

	iface := &UnitInterface{
		Flush: func(ctx context.Context, u *Unit, blockAddress uint64, blocks uint32) types.Result {
			octx := GetOperationContext(ctx)
			mu.Lock()
			contexts[octx] = true
			mu.Unlock()
			entered <- struct{}{}
			<-release
			return types.Success()
		},
	}

	device := newFakeDevice()
	u, err := Create(device.opener(), testParams(), iface)
	c.Assert(err, IsNil)
	c.Assert(u.StartDispatcher(4), IsNil)

	for hint := uint64(1); hint <= 4; hint++ {
		device.requests <- &types.Request{Hint: hint, Kind: types.KindFlush, Blocks: 1}
	}
	for i := 0; i < 4; i++ {
		<-entered
	}

	// four workers hold four distinct ambient contexts at once
	mu.Lock()
	c.Assert(len(contexts), Equals, 4)
	c.Assert(contexts[nil], Equals, false)
	mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		u.StopDispatcher()
		close(stopped)
	}()

	// release the workers one at a time; the stop must not return until
	// the last one has exited
	for i := 0; i < 3; i++ {
		release <- struct{}{}
		select {
		case <-stopped:
			c.Fatal("StopDispatcher returned with workers still running")
		case <-time.After(50 * time.Millisecond):
		}
	}
	release <- struct{}{}
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		c.Fatal("StopDispatcher did not return")
	}

	c.Assert(len(ActiveOperationContexts()), Equals, 0)
	c.Assert(u.Delete(), IsNil)
}

func (s *TestSuite) TestWorkerFaultIsolation(c *C) {
	device := newFakeDevice()
	u, err := Create(device.opener(), testParams(), nil)
	c.Assert(err, IsNil)
	c.Assert(u.StartDispatcher(4), IsNil)

	transactErr := errors.New("exchange broke down")
	device.transactErrs <- transactErr

	// only the affected worker exits
	deadline := time.Now().Add(5 * time.Second)
	for len(ActiveOperationContexts()) != 3 {
		if time.Now().After(deadline) {
			c.Fatal("faulted worker did not exit")
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Assert(u.DispatcherError(), Equals, transactErr)

	// the remaining workers keep serving requests
	device.requests <- &types.Request{Hint: 21, Kind: types.KindFlush, Blocks: 1}
	resp := s.waitAck(c, device)
	c.Assert(resp.Hint, Equals, uint64(21))

	u.StopDispatcher()
	c.Assert(len(ActiveOperationContexts()), Equals, 0)
	c.Assert(u.Delete(), IsNil)
}

func (s *TestSuite) TestFaultFirstErrorWins(c *C) {
	device := newFakeDevice()
	u, err := Create(device.opener(), testParams(), nil)
	c.Assert(err, IsNil)

	first := errors.New("root cause")
	second := errors.New("cascade")
	u.SetDispatcherError(first)
	u.SetDispatcherError(second)
	c.Assert(u.DispatcherError(), Equals, first)

	c.Assert(u.Delete(), IsNil)
}

func (s *TestSuite) TestSendResponseFailureRecordsFault(c *C) {
	device := newFakeDevice()
	u, err := Create(device.opener(), testParams(), nil)
	c.Assert(err, IsNil)

	device.postErr = errors.New("post failed")
	u.SendResponse(&types.Response{Hint: 3, Kind: types.KindRead})
	c.Assert(u.DispatcherError(), Equals, device.postErr)

	c.Assert(u.Delete(), IsNil)
}

func (s *TestSuite) TestReadHandlerData(c *C) {
	iface := &UnitInterface{
		Read: func(ctx context.Context, u *Unit, blockAddress uint64, buf []byte, blocks uint32) types.Result {
			c.Check(len(buf), Equals, int(blocks)*int(u.Params.BlockLength))
			for i := range buf {
				buf[i] = byte(blockAddress)
			}
			return types.Success()
		},
	}

	device := newFakeDevice()
	u, err := Create(device.opener(), testParams(), iface)
	c.Assert(err, IsNil)
	c.Assert(u.StartDispatcher(1), IsNil)

	device.requests <- &types.Request{Hint: 11, Kind: types.KindRead, BlockAddress: 5, Blocks: 2}

	resp := s.waitAck(c, device)
	c.Assert(resp.Hint, Equals, uint64(11))
	c.Assert(len(resp.Data), Equals, 1024)
	c.Assert(resp.Data[0], Equals, byte(5))

	u.StopDispatcher()
	c.Assert(u.Delete(), IsNil)
}

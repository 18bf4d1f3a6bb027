package devconn

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/virtblk/virtblk-engine/pkg/types"
)

var (
	ErrControlTimeout = errors.New("storage port control operation timeout")

	openTimeout    = 30 * time.Second
	controlTimeout = 30 * time.Second
)

// Client implements types.Device over a stream connection to the storage
// port agent. Transact may be called concurrently from every dispatcher
// worker; inbound requests are fanned in through one read loop.
type Client struct {
	wire     *Wire
	peerAddr string

	sendMu sync.Mutex

	requests chan *types.Request

	replyMu sync.Mutex
	replies map[uint32]chan *Message
	seq     uint32

	stopped  chan struct{}
	stopOnce sync.Once

	done    chan struct{}
	doneErr error
}

// New wraps an established connection to the port agent.
func New(conn net.Conn) *Client {
	c := &Client{
		wire:     NewWire(conn),
		peerAddr: conn.RemoteAddr().String(),
		requests: make(chan *types.Request, requestQueueDepth),
		replies:  map[uint32]chan *Message{},
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.read()
	return c
}

// Opener dials the port agent lazily, so unit creation owns the resulting
// device handle.
func Opener(network, address string) types.DeviceOpener {
	return func() (types.Device, error) {
		conn, err := net.DialTimeout(network, address, openTimeout)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open storage port at %v://%v", network, address)
		}
		return New(conn), nil
	}
}

func (c *Client) Provision(params *types.ProvisionParams) (uint32, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return 0, errors.Wrap(err, "failed to encode provision parameters")
	}

	reply, err := c.call(&Message{Type: TypeProvision, Data: payload})
	if err != nil {
		return 0, err
	}
	return uint32(reply.Address), nil
}

func (c *Client) Unprovision(address uint32) error {
	_, err := c.call(&Message{Type: TypeUnprovision, Address: uint64(address)})
	return err
}

// Transact posts resp (if any) and, unless req is nil, blocks for the next
// request from the port.
func (c *Client) Transact(address uint32, resp *types.Response, req *types.Request) error {
	if resp != nil {
		if err := c.send(encodeResponse(address, resp)); err != nil {
			return errors.Wrap(err, "failed to post response")
		}
	}
	if req == nil {
		return nil
	}

	select {
	case <-c.stopped:
		return types.ErrDeviceStopped
	default:
	}

	select {
	case next := <-c.requests:
		*req = *next
		return nil
	case <-c.stopped:
		return types.ErrDeviceStopped
	case <-c.done:
		return c.doneErr
	}
}

// Stop aborts every pending Transact. The port agent is told best effort.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		if err := c.send(&Message{Type: TypeStop}); err != nil {
			logrus.WithError(err).Warnf("Failed to notify storage port %v of stop", c.peerAddr)
		}
		close(c.stopped)
	})
}

func (c *Client) Close() error {
	return c.wire.Close()
}

func (c *Client) send(msg *Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	msg.MagicVersion = MagicVersion
	return c.wire.Write(msg)
}

// call performs one control round trip, correlated over Seq.
func (c *Client) call(msg *Message) (*Message, error) {
	reply := make(chan *Message, 1)

	c.replyMu.Lock()
	c.seq++
	msg.Seq = c.seq
	c.replies[msg.Seq] = reply
	c.replyMu.Unlock()

	cancel := func() {
		c.replyMu.Lock()
		delete(c.replies, msg.Seq)
		c.replyMu.Unlock()
	}

	if err := c.send(msg); err != nil {
		cancel()
		return nil, err
	}

	select {
	case m := <-reply:
		if m.Status != 0 {
			return nil, errors.Errorf("storage port error: %s", string(m.Data))
		}
		return m, nil
	case <-c.done:
		cancel()
		return nil, c.doneErr
	case <-c.stopped:
		cancel()
		return nil, types.ErrDeviceStopped
	case <-time.After(controlTimeout):
		cancel()
		return nil, ErrControlTimeout
	}
}

func (c *Client) read() {
	for {
		msg, err := c.wire.Read()
		if err != nil {
			c.doneErr = errors.Wrapf(err, "transact exchange with %v broke down", c.peerAddr)
			close(c.done)
			return
		}

		switch msg.Type {
		case TypeRequest:
			req, err := decodeRequest(msg)
			if err != nil {
				c.doneErr = err
				close(c.done)
				return
			}
			select {
			case c.requests <- req:
			case <-c.stopped:
			}
		case TypeReply:
			c.replyMu.Lock()
			reply := c.replies[msg.Seq]
			delete(c.replies, msg.Seq)
			c.replyMu.Unlock()
			if reply != nil {
				reply <- msg
			}
		default:
			logrus.Warnf("Dropping unexpected frame type %v from storage port %v", msg.Type, c.peerAddr)
		}
	}
}

func decodeRequest(msg *Message) (*types.Request, error) {
	req := &types.Request{
		Hint:         msg.Hint,
		Kind:         types.Kind(msg.Kind),
		BlockAddress: msg.Address,
		Blocks:       msg.Blocks,
	}

	switch req.Kind {
	case types.KindWrite:
		req.Data = msg.Data
	case types.KindUnmap:
		count := int(msg.Blocks)
		if count > types.MaxUnmapDescriptors {
			return nil, errors.Errorf("unmap descriptor count %v exceeds cap %v", count, types.MaxUnmapDescriptors)
		}
		if len(msg.Data) < count*unmapDescriptorSize {
			return nil, errors.Errorf("unmap payload truncated: %v bytes for %v descriptors", len(msg.Data), count)
		}
		req.Unmap = make([]types.UnmapDescriptor, count)
		for i := 0; i < count; i++ {
			chunk := msg.Data[i*unmapDescriptorSize:]
			req.Unmap[i].BlockAddress = binary.LittleEndian.Uint64(chunk)
			req.Unmap[i].Blocks = binary.LittleEndian.Uint32(chunk[8:])
		}
		req.Blocks = 0
	}

	return req, nil
}

func encodeResponse(address uint32, resp *types.Response) *Message {
	msg := &Message{
		Type:    TypeResponse,
		Kind:    uint32(resp.Kind),
		Hint:    resp.Hint,
		Address: uint64(address),
		Status:  resp.Status.Code,
	}

	if resp.Status.Code == types.StatusGood {
		msg.Data = resp.Data
	} else if len(resp.Status.Sense) > 0 {
		sense := resp.Status.Sense
		if len(sense) > types.MaxSenseLength {
			sense = sense[:types.MaxSenseLength]
		}
		msg.Data = sense
	}

	return msg
}

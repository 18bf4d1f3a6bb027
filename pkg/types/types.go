package types

// Kind tags a transact request or response with the storage operation it
// carries.
type Kind uint32

const (
	KindRead Kind = iota
	KindWrite
	KindFlush
	KindUnmap

	KindCount
)

const (
	// MaxUnmapDescriptors caps the number of block ranges a single unmap
	// exchange may carry. The wire codec refuses frames above the cap and
	// the router never reads past it.
	MaxUnmapDescriptors = 256

	// MaxSenseLength caps the diagnostic payload attached to a response
	// status.
	MaxSenseLength = 32
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindFlush:
		return "flush"
	case KindUnmap:
		return "unmap"
	}
	return "unknown"
}

// UnmapDescriptor names one block range to be deallocated.
type UnmapDescriptor struct {
	BlockAddress uint64
	Blocks       uint32
}

// Request is one unit of work produced by the storage port. It is immutable
// once received; Hint 0 denotes a poll that carries no work.
type Request struct {
	Hint         uint64
	Kind         Kind
	BlockAddress uint64
	Blocks       uint32

	// Data carries the payload of a write request. It is nil for every
	// other kind.
	Data []byte

	// Unmap carries the block ranges of an unmap request, already bounded
	// by MaxUnmapDescriptors.
	Unmap []UnmapDescriptor
}

// Status is the outcome of one storage operation: a one byte code plus
// optional sense data. It is a value, never an error.
type Status struct {
	Code  byte
	Sense []byte
}

// Response completes the request whose Hint it echoes. Data carries the
// payload of a successful read and is nil for every other kind.
type Response struct {
	Hint   uint64
	Kind   Kind
	Status Status
	Data   []byte
}

// Result is what an operation handler returns: either a completed status or
// an instruction to defer, in which case no response is sent for the cycle
// and the handler completes later through the send-response path. The
// deferred arm is type-visible so no status byte value is overloaded.
type Result struct {
	deferred bool
	status   Status
}

// Complete wraps a finished operation's status code and sense data.
func Complete(code byte, sense []byte) Result {
	return Result{status: Status{Code: code, Sense: sense}}
}

// Success is the all-good result: status code zero, no sense data.
func Success() Result {
	return Result{}
}

// Deferred marks the operation as completing asynchronously.
func Deferred() Result {
	return Result{deferred: true}
}

func (r Result) IsDeferred() bool {
	return r.deferred
}

func (r Result) Status() Status {
	return r.status
}

// ProvisionParams describe the storage unit to the port at provisioning
// time.
type ProvisionParams struct {
	Name           string `json:"name"`
	SerialNumber   string `json:"serialNumber"`
	BlockCount     uint64 `json:"blockCount"`
	BlockLength    uint32 `json:"blockLength"`
	MaxUnmapCount  uint32 `json:"maxUnmapCount"`
	WriteProtected bool   `json:"writeProtected"`
}

// Device is the kernel-resident storage port collaborator. Implementations
// must allow Transact to be called concurrently from many goroutines and
// must unblock every pending Transact once Stop is called.
type Device interface {
	// Provision registers the unit with the port and returns its assigned
	// logical address.
	Provision(params *ProvisionParams) (uint32, error)

	// Unprovision releases the logical address.
	Unprovision(address uint32) error

	// Transact is the synchronous duplex exchange. A non-nil resp
	// acknowledges a previously received request; a nil resp acknowledges
	// nothing. With a non-nil req the call blocks until the next request
	// is available or the device is stopped, and fills *req. With a nil
	// req the call posts the acknowledgment and returns immediately.
	Transact(address uint32, resp *Response, req *Request) error

	// Stop aborts every pending Transact call with ErrDeviceStopped.
	Stop()

	Close() error
}

// DeviceOpener opens a device handle. Unit creation owns the returned
// handle and closes it exactly once at teardown or on a failed create.
type DeviceOpener func() (Device, error)

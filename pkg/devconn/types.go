// Package devconn implements the storage port device protocol over a
// stream connection: a fixed-layout framed codec and a client that
// multiplexes the synchronous transact exchanges of many dispatcher
// workers onto one connection to the port agent.
package devconn

const (
	TypeProvision = iota
	TypeUnprovision
	TypeReply
	TypeRequest
	TypeResponse
	TypeStop
)

const (
	MagicVersion = uint16(0x7b01) // VirtBlk01

	readBufferSize  = 8096
	writeBufferSize = 8096

	// requestQueueDepth bounds the requests buffered between the read
	// loop and the dispatcher workers pulling them.
	requestQueueDepth = 256

	// unmapDescriptorSize is the encoded size of one unmap block range:
	// a uint64 block address plus a uint32 block count.
	unmapDescriptorSize = 12
)

// Message is one frame of the port protocol. Control frames (provision,
// unprovision, reply, stop) correlate over Seq; storage frames (request,
// response) correlate over Hint end-to-end.
type Message struct {
	MagicVersion uint16
	Seq          uint32
	Type         uint32
	Kind         uint32
	Hint         uint64
	Address      uint64
	Blocks       uint32
	Status       uint8
	Data         []byte
}

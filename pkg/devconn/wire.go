package devconn

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"unsafe"
)

type Wire struct {
	conn        net.Conn
	writer      *bufio.Writer
	reader      io.Reader
	writeHeader []byte
	readHeader  []byte
}

func NewWire(conn net.Conn) *Wire {
	return &Wire{
		conn:        conn,
		writer:      bufio.NewWriterSize(conn, writeBufferSize),
		reader:      bufio.NewReaderSize(conn, readBufferSize),
		writeHeader: make([]byte, getHeaderSize()),
		readHeader:  make([]byte, getHeaderSize()),
	}
}

func (w *Wire) Write(msg *Message) error {
	offset := 0

	binary.LittleEndian.PutUint16(w.writeHeader[offset:], msg.MagicVersion)
	offset += int(unsafe.Sizeof(msg.MagicVersion))

	binary.LittleEndian.PutUint32(w.writeHeader[offset:], msg.Seq)
	offset += int(unsafe.Sizeof(msg.Seq))

	binary.LittleEndian.PutUint32(w.writeHeader[offset:], msg.Type)
	offset += int(unsafe.Sizeof(msg.Type))

	binary.LittleEndian.PutUint32(w.writeHeader[offset:], msg.Kind)
	offset += int(unsafe.Sizeof(msg.Kind))

	binary.LittleEndian.PutUint64(w.writeHeader[offset:], msg.Hint)
	offset += int(unsafe.Sizeof(msg.Hint))

	binary.LittleEndian.PutUint64(w.writeHeader[offset:], msg.Address)
	offset += int(unsafe.Sizeof(msg.Address))

	binary.LittleEndian.PutUint32(w.writeHeader[offset:], msg.Blocks)
	offset += int(unsafe.Sizeof(msg.Blocks))

	w.writeHeader[offset] = msg.Status
	offset += int(unsafe.Sizeof(msg.Status))

	binary.LittleEndian.PutUint32(w.writeHeader[offset:], uint32(len(msg.Data)))

	if _, err := w.writer.Write(w.writeHeader); err != nil {
		return err
	}
	if len(msg.Data) > 0 {
		if _, err := w.writer.Write(msg.Data); err != nil {
			return err
		}
	}
	return w.writer.Flush()
}

func (w *Wire) Read() (*Message, error) {
	var (
		msg    Message
		length uint32
	)

	offset := 0

	if _, err := io.ReadFull(w.reader, w.readHeader); err != nil {
		return nil, err
	}

	msg.MagicVersion = binary.LittleEndian.Uint16(w.readHeader[offset:])
	if msg.MagicVersion != MagicVersion {
		return nil, fmt.Errorf("wrong protocol version received: 0x%x", msg.MagicVersion)
	}
	offset += int(unsafe.Sizeof(msg.MagicVersion))

	msg.Seq = binary.LittleEndian.Uint32(w.readHeader[offset:])
	offset += int(unsafe.Sizeof(msg.Seq))

	msg.Type = binary.LittleEndian.Uint32(w.readHeader[offset:])
	offset += int(unsafe.Sizeof(msg.Type))

	msg.Kind = binary.LittleEndian.Uint32(w.readHeader[offset:])
	offset += int(unsafe.Sizeof(msg.Kind))

	msg.Hint = binary.LittleEndian.Uint64(w.readHeader[offset:])
	offset += int(unsafe.Sizeof(msg.Hint))

	msg.Address = binary.LittleEndian.Uint64(w.readHeader[offset:])
	offset += int(unsafe.Sizeof(msg.Address))

	msg.Blocks = binary.LittleEndian.Uint32(w.readHeader[offset:])
	offset += int(unsafe.Sizeof(msg.Blocks))

	msg.Status = w.readHeader[offset]
	offset += int(unsafe.Sizeof(msg.Status))

	length = binary.LittleEndian.Uint32(w.readHeader[offset:])
	if length > 0 {
		msg.Data = make([]byte, length)
		if _, err := io.ReadFull(w.reader, msg.Data); err != nil {
			return nil, err
		}
	}

	return &msg, nil
}

func (w *Wire) Close() error {
	return w.conn.Close()
}

func getHeaderSize() int {
	var msg Message

	return int(unsafe.Sizeof(msg.MagicVersion)) +
		int(unsafe.Sizeof(msg.Seq)) +
		int(unsafe.Sizeof(msg.Type)) +
		int(unsafe.Sizeof(msg.Kind)) +
		int(unsafe.Sizeof(msg.Hint)) +
		int(unsafe.Sizeof(msg.Address)) +
		int(unsafe.Sizeof(msg.Blocks)) +
		int(unsafe.Sizeof(msg.Status)) +
		4 // length of uint32 (data type of the msg.Data length)
}

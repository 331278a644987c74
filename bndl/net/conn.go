// Package net implements the framed, bidirectional message stream BNDL
// peers talk over (spec §4.1), adapted from bndl/net/connection.py
// (original_source). Each Conn wraps a net.Conn with independent read and
// write locks so that one direction never blocks the other, attachments as
// an escape hatch for large binary payloads, and an is-connected flag set
// once by the reader (on EOF) or by Close.
package net

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/log"
	"github.com/towr/bndl/bndl/bndlerr"
)

const (
	flagFastBinary = 1 << 0
	flagAttachments = 1 << 1
)

// Attachment is a size-bounded binary side channel sent alongside a
// message body, the escape hatch spec §4.1 describes for large payloads
// that should not transit the body codec (e.g. shuffle bucket bytes, block
// chunks).
type Attachment struct {
	Size int64
	// Send writes exactly Size bytes to w. Send is called with the
	// connection's write lock held, so it must not block on anything that
	// in turn waits on this connection.
	Send func(w io.Writer) error
}

// Message is anything that can be gob-encoded as a frame body. Callers
// (rmi.Request/Response, shuffle fetch replies, block chunk replies) embed
// their own structure.
type Message interface{}

// Conn is a single framed connection to a peer.
type Conn struct {
	raw net.Conn
	rw  *bufio.ReadWriter

	readMu  sync.Mutex
	writeMu sync.Mutex

	connected int32 // atomic bool, 1 = connected

	enc *gob.Encoder
	dec *gob.Decoder
}

// NewConn wraps raw in BNDL's frame protocol.
func NewConn(raw net.Conn) *Conn {
	rw := bufio.NewReadWriter(bufio.NewReader(raw), bufio.NewWriter(raw))
	return &Conn{
		raw:       raw,
		rw:        rw,
		connected: 1,
		enc:       gob.NewEncoder(rw),
		dec:       gob.NewDecoder(rw),
	}
}

// IsConnected reports whether the connection is still usable in either
// direction. It is false once the reader has observed EOF or Close has
// been called.
func (c *Conn) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

func (c *Conn) markDisconnected() {
	atomic.StoreInt32(&c.connected, 0)
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.markDisconnected()
	return c.raw.Close()
}

// Send writes msg, and optionally the attachments it references, as a
// single frame: flags byte, optional attachment table, then the
// gob-encoded body. See spec §4.1 for the wire layout.
func (c *Conn) Send(msg Message, attachments map[string]Attachment) error {
	if !c.IsConnected() {
		return bndlerr.NotConnected("send: connection to %s is closed", c.raw.RemoteAddr())
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var flags byte = flagFastBinary
	if len(attachments) > 0 {
		flags |= flagAttachments
	}
	if err := c.rw.WriteByte(flags); err != nil {
		return c.sendErr(err)
	}

	if len(attachments) > 0 {
		if err := binary.Write(c.rw, binary.BigEndian, uint32(len(attachments))); err != nil {
			return c.sendErr(err)
		}
		for key, att := range attachments {
			if err := writeBytesField(c.rw, []byte(key)); err != nil {
				return c.sendErr(err)
			}
			if err := binary.Write(c.rw, binary.BigEndian, uint32(att.Size)); err != nil {
				return c.sendErr(err)
			}
			if err := att.Send(c.rw); err != nil {
				return c.sendErr(err)
			}
		}
	}

	// Encode the body into a staging buffer so we can frame it with a
	// length prefix the way the original's struct.pack('I', len(body))
	// does; gob.Encoder writes directly, so we buffer instead.
	body, err := encodeBody(msg)
	if err != nil {
		return err
	}
	if err := binary.Write(c.rw, binary.BigEndian, uint32(len(body))); err != nil {
		return c.sendErr(err)
	}
	if _, err := c.rw.Write(body); err != nil {
		return c.sendErr(err)
	}
	// Drain: flush so that back-pressure at the socket is respected
	// rather than buffered unboundedly in userspace (§5, back-pressure).
	if err := c.rw.Flush(); err != nil {
		return c.sendErr(err)
	}
	return nil
}

func (c *Conn) sendErr(err error) error {
	if err == io.EOF || isBrokenPipe(err) {
		c.markDisconnected()
		return bndlerr.NotConnected("send to %s: %v", c.raw.RemoteAddr(), err)
	}
	return err
}

// Recv reads the next frame off the connection, returning the decoded
// message and any attachments it carried.
func (c *Conn) Recv() (Message, map[string][]byte, error) {
	if !c.IsConnected() {
		return nil, nil, bndlerr.NotConnected("recv: connection to %s is closed", c.raw.RemoteAddr())
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	flags, err := c.rw.ReadByte()
	if err != nil {
		return nil, nil, c.recvErr(err)
	}

	var attachments map[string][]byte
	if flags&flagAttachments != 0 {
		var count uint32
		if err := binary.Read(c.rw, binary.BigEndian, &count); err != nil {
			return nil, nil, c.recvErr(err)
		}
		attachments = make(map[string][]byte, count)
		for i := uint32(0); i < count; i++ {
			key, err := readBytesField(c.rw)
			if err != nil {
				return nil, nil, c.recvErr(err)
			}
			var size uint32
			if err := binary.Read(c.rw, binary.BigEndian, &size); err != nil {
				return nil, nil, c.recvErr(err)
			}
			data := make([]byte, size)
			if _, err := io.ReadFull(c.rw, data); err != nil {
				return nil, nil, c.recvErr(err)
			}
			attachments[string(key)] = data
		}
	}

	var bodyLen uint32
	if err := binary.Read(c.rw, binary.BigEndian, &bodyLen); err != nil {
		return nil, nil, c.recvErr(err)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(c.rw, body); err != nil {
		return nil, nil, c.recvErr(err)
	}
	msg, err := decodeBody(body)
	if err != nil {
		return nil, nil, bndlerr.ProtocolError("recv from %s: %v", c.raw.RemoteAddr(), err)
	}
	return msg, attachments, nil
}

func (c *Conn) recvErr(err error) error {
	if err == io.EOF {
		c.markDisconnected()
		return bndlerr.NotConnected("recv from %s: %v", c.raw.RemoteAddr(), err)
	}
	if err == io.ErrUnexpectedEOF {
		c.markDisconnected()
		return bndlerr.NotConnected("recv from %s: %v", c.raw.RemoteAddr(), err)
	}
	return bndlerr.ProtocolError("recv from %s: %v", c.raw.RemoteAddr(), err)
}

func writeBytesField(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytesField(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

func isBrokenPipe(err error) bool {
	pe, ok := err.(*net.OpError)
	return ok && pe.Err != nil
}

// ReadLoop drives Recv in a loop, invoking handle for every decoded
// message until the connection disconnects or handle returns false. It is
// the suspension point described in §5 that keeps an RMI peer's event loop
// responsive.
func (c *Conn) ReadLoop(handle func(Message, map[string][]byte) bool) {
	for {
		msg, atts, err := c.Recv()
		if err != nil {
			if bndlerr.IsNotConnected(err) {
				log.Printf("net: %s disconnected: %v", c.raw.RemoteAddr(), err)
			} else {
				log.Error.Printf("net: protocol error from %s: %v", c.raw.RemoteAddr(), err)
			}
			return
		}
		if !handle(msg, atts) {
			return
		}
	}
}

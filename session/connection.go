package session

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/driftmq/driftmq/packets"
)

// Connection represents a network connection that can read/write MQTT packets.
type Connection interface {
	// ReadPacket reads the next MQTT packet from the connection.
	ReadPacket() (packets.ControlPacket, error)

	// WritePacket writes an MQTT packet to the connection.
	WritePacket(p packets.ControlPacket) error

	// Close terminates the connection.
	Close() error

	// RemoteAddr returns the address of the connected client.
	RemoteAddr() net.Addr

	// SetReadDeadline sets the connection read deadline.
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline sets the connection write deadline.
	SetWriteDeadline(t time.Time) error
}

var _ Connection = (*packetConn)(nil)

// packetConn wraps a net.Conn with MQTT packet-level I/O. The protocol
// version is unknown until CONNECT has been parsed; the first read runs
// version-agnostic and the accept loop calls SetConnectionVersion before
// any further packets are exchanged.
type packetConn struct {
	conn net.Conn

	mu      sync.Mutex // serializes writes
	version byte
}

// NewConnection wraps a network connection for MQTT packet I/O.
func NewConnection(conn net.Conn) Connection {
	return &packetConn{conn: conn}
}

// SetConnectionVersion fixes the protocol version after CONNECT has been
// parsed. It is a no-op for connections not produced by NewConnection.
func SetConnectionVersion(c Connection, version byte) {
	if pc, ok := c.(*packetConn); ok {
		pc.mu.Lock()
		pc.version = version
		pc.mu.Unlock()
	}
}

func (c *packetConn) ReadPacket() (packets.ControlPacket, error) {
	c.mu.Lock()
	version := c.version
	c.mu.Unlock()
	return packets.ReadPacket(c.conn, version)
}

func (c *packetConn) WritePacket(pkt packets.ControlPacket) error {
	if pkt == nil {
		return errors.New("cannot encode nil packet")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return pkt.Pack(c.conn)
}

func (c *packetConn) Close() error {
	return c.conn.Close()
}

func (c *packetConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *packetConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *packetConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

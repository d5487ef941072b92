package transport

import (
	"net"
	"time"
)

// UDPEndpoint adapts a connected net.UDPConn (or any net.Conn) to
// Endpoint, non-blocking on both send and receive. Grounded in the
// teacher's source/server/server.go net.ListenUDP/ReadFromUDP/WriteToUDP
// usage, stripped of the SA-MP session/handshake logic that belongs to
// the excluded connection-protocol layer.
type UDPEndpoint struct {
	conn      net.Conn
	connected bool
	readBuf   []byte
	timeout   time.Duration
}

// NewUDPEndpoint wraps an already-connected UDP conn. mtu bounds the read
// buffer; every Recv uses a fixed 1ms read deadline so Recv never blocks
// the tick.
func NewUDPEndpoint(conn net.Conn, mtu int) *UDPEndpoint {
	return &UDPEndpoint{
		conn:      conn,
		connected: true,
		readBuf:   make([]byte, mtu),
		timeout:   time.Millisecond,
	}
}

func (u *UDPEndpoint) Send(datagram []byte) (int, error) {
	if !u.connected {
		return 0, ErrClosed
	}
	return u.conn.Write(datagram)
}

func (u *UDPEndpoint) Recv() ([]byte, error) {
	if !u.connected {
		return nil, ErrClosed
	}
	_ = u.conn.SetReadDeadline(time.Now().Add(u.timeout))
	n, err := u.conn.Read(u.readBuf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	out := make([]byte, n)
	copy(out, u.readBuf[:n])
	return out, nil
}

func (u *UDPEndpoint) IsConnected() bool { return u.connected }

// Close releases the underlying connection.
func (u *UDPEndpoint) Close() error {
	u.connected = false
	return u.conn.Close()
}

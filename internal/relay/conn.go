package relay

import (
	"encoding/binary"
	"errors"
	"time"
)

// errConnClosed is returned by the transport after it has already torn
// the connection down; callers must drop their pointer and move on.
var errConnClosed = errors.New("connection closed")

// Conn is one live TCP session.
type Conn struct {
	srv *Server

	fd        int
	id        string
	clientID  string
	requestID string

	clientIP   uint32
	clientPort uint16
	clientAddr string

	// client declared values from ENTER
	nickname  string // NNM
	sceneName string // SCN
	sceneURL  string // SCU

	// forward address parroted from every packet header
	forwardIP   uint32
	forwardPort uint16
	forwardAddr string

	startTime       time.Time
	lastReceiveTime time.Time
	lastSendTime    time.Time

	// receive assembly, bytesExpected is 0 until the header is parsed
	receiveBuffer [receiveBufferSize]byte
	packetLength  int
	bytesRead     int
	bytesExpected int

	// unsent residue of a partial send is sendBuffer[sendBufferStart:]
	sendBuffer      []byte
	sendBufferStart int

	packetsReceived uint64
	bytesReceived   uint64
	packetsSent     uint64
	bytesSent       uint64
}

// accept takes one pending connection off the listen socket, makes it
// non-blocking and registers it.
func (s *Server) accept() *Conn {
	fd, ip, port, err := s.wire.accept(s.listenFd)
	if err != nil {
		if !transient(err) {
			s.log.Error("conn.accept", "listenFd", s.listenFd, "err", err)
		}
		return nil
	}

	addr := ipString(ip)
	if s.limiter != nil && !s.limiter.allow(addr) {
		s.log.Warn("conn.ratelimited", "addr", addr, "port", port)
		s.wire.closeSocket(fd)
		return nil
	}

	now := s.clock()
	conn := &Conn{
		srv:        s,
		fd:         fd,
		id:         s.nextConnID(),
		clientIP:   ip,
		clientPort: port,
		clientAddr: addr,
		startTime:  now,
	}
	conn.lastReceiveTime = now

	if err := s.wire.setNonblock(fd); err != nil {
		s.log.Error("conn.nonblock", "fd", fd, "err", err)
		s.wire.closeSocket(fd)
		return nil
	}

	s.addConn(conn)
	return conn
}

// send writes buf on the connection. Residue of an earlier partial send
// is flushed first; whenever such residue was pending the new packet is
// dropped, even when the flush drains it, so the byte stream never
// interleaves. A nil error means the packet
// was handled, sent, buffered or dropped; an error means the send
// failed fatally and the caller has to close the connection.
func (c *Conn) send(buf []byte) error {
	if c.fd < 0 {
		return nil
	}

	if length := len(c.sendBuffer) - c.sendBufferStart; c.sendBuffer != nil && length > 0 {
		n, err := c.srv.wire.write(c.fd, c.sendBuffer[c.sendBufferStart:])
		c.srv.log.Debug("conn.sent", "fd", c.fd, "addr", c.clientAddr, "port", c.clientPort, "length", length, "n", n)

		if n > 0 {
			c.lastSendTime = c.srv.clock()
			c.bytesSent += uint64(n)
		}
		if err != nil {
			if transient(err) {
				return nil
			}
			c.srv.log.Error("conn.send", "fd", c.fd, "addr", c.clientAddr, "port", c.clientPort, "err", err)
			return err
		}
		if n == length {
			c.sendBuffer = nil
			c.sendBufferStart = 0
			c.packetsSent++
			c.srv.stats.countSent(n)
			return nil
		}
		c.sendBufferStart += n
		// the residue is still not drained, drop the packet we would
		// have to send now
		return nil
	}

	if len(buf) == 0 {
		return nil
	}

	n, err := c.srv.wire.write(c.fd, buf)
	c.srv.log.Debug("conn.sent", "fd", c.fd, "addr", c.clientAddr, "port", c.clientPort, "length", len(buf), "n", n)

	if n > 0 {
		c.lastSendTime = c.srv.clock()
		c.bytesSent += uint64(n)
	}
	if err != nil {
		if transient(err) {
			return nil
		}
		c.srv.log.Error("conn.send", "fd", c.fd, "addr", c.clientAddr, "port", c.clientPort, "err", err)
		return err
	}
	if n == len(buf) {
		c.packetsSent++
		c.srv.stats.countSent(n)
		return nil
	}

	// Buffer the bytes that were not sent
	c.sendBuffer = append([]byte(nil), buf[n:]...)
	c.sendBufferStart = 0
	c.srv.log.Debug("conn.buffered", "fd", c.fd, "addr", c.clientAddr, "port", c.clientPort, "bytes", len(c.sendBuffer))
	return nil
}

// sendArguments frames the arguments with the connection's forward
// address and hands the packet to send.
func (c *Conn) sendArguments(args []string) error {
	buf, err := appendPacket(c.srv.sendScratch[:0], c.forwardIP, c.forwardPort, args)
	if err != nil {
		c.srv.log.Error("conn.packet.overflow", "fd", c.fd, "addr", c.clientAddr, "port", c.clientPort, "err", err)
		return err
	}
	c.srv.sendScratch = buf[:0]

	logged := buf[dataOffset:]
	if len(logged) > 64 {
		logged = logged[:64]
	}
	c.srv.log.Info("packet.out", "addr", c.clientAddr, "port", c.clientPort, "bytes", len(buf), "data", printable(logged))

	return c.send(buf)
}

// read pulls bytes into p. It returns 0 and no error when the read
// would block; on a fatal error or when the peer has closed, the
// connection is closed here and errConnClosed is returned.
func (c *Conn) read(p []byte) (int, error) {
	if c.fd < 0 {
		return 0, nil
	}

	n, err := c.srv.wire.read(c.fd, p)
	if err != nil {
		if transient(err) {
			return 0, nil
		}
		c.srv.log.Error("conn.receive", "fd", c.fd, "addr", c.clientAddr, "port", c.clientPort, "err", err)
		c.srv.closeConn(c)
		return 0, errConnClosed
	}
	if n == 0 {
		c.srv.log.Debug("conn.peer.closed", "fd", c.fd, "addr", c.clientAddr, "port", c.clientPort,
			"connections", c.srv.conns.size())
		c.srv.closeConn(c)
		return 0, errConnClosed
	}

	c.bytesRead += n
	c.bytesReceived += uint64(n)
	return n, nil
}

// readPacket advances the receive state machine. It returns the packet
// length when a complete packet sits in the receive buffer, 0 when more
// data has to arrive first, and errConnClosed after closing the
// connection on any protocol or I/O failure.
func (c *Conn) readPacket() (int, error) {
	c.packetLength = 0

	var bytesMissing int
	if c.bytesExpected > 0 {
		bytesMissing = c.bytesExpected - c.bytesRead
	} else {
		bytesMissing = 4 - c.bytesRead
	}
	if bytesMissing < 0 {
		c.srv.log.Error("conn.receive.state", "fd", c.fd, "addr", c.clientAddr, "port", c.clientPort,
			"bytesMissing", bytesMissing, "bytesRead", c.bytesRead)
		c.srv.closeConn(c)
		return 0, errConnClosed
	}
	if c.bytesRead+bytesMissing >= receiveBufferSize {
		c.srv.log.Error("conn.receive.overflow", "fd", c.fd, "addr", c.clientAddr, "port", c.clientPort,
			"bytes", c.bytesRead+bytesMissing)
		c.srv.closeConn(c)
		return 0, errConnClosed
	}

	n, err := c.read(c.receiveBuffer[c.bytesRead : c.bytesRead+bytesMissing])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	if c.bytesExpected == 0 {
		if c.bytesRead < 4 {
			// not even the length field yet, wait for more data
			return 0, nil
		}

		payloadLen := binary.BigEndian.Uint16(c.receiveBuffer[0:2])
		if c.receiveBuffer[2] != protocolNumber {
			c.srv.log.Error("conn.protocol", "fd", c.fd, "addr", c.clientAddr, "port", c.clientPort,
				"protocolNumber", c.receiveBuffer[2])
			c.srv.closeConn(c)
			return 0, errConnClosed
		}
		if c.receiveBuffer[3] != requestCode {
			c.srv.log.Error("conn.request.code", "fd", c.fd, "addr", c.clientAddr, "port", c.clientPort,
				"requestCode", c.receiveBuffer[3])
			c.srv.closeConn(c)
			return 0, errConnClosed
		}

		c.bytesExpected = 2 + int(payloadLen)
		if c.bytesExpected >= receiveBufferSize {
			c.srv.log.Error("conn.packet.large", "fd", c.fd, "addr", c.clientAddr, "port", c.clientPort,
				"bytesExpected", c.bytesExpected)
			c.srv.closeConn(c)
			return 0, errConnClosed
		}

		bytesMissing = c.bytesExpected - c.bytesRead
		if bytesMissing < 0 {
			c.srv.log.Error("conn.receive.state", "fd", c.fd, "addr", c.clientAddr, "port", c.clientPort,
				"bytesMissing", bytesMissing, "bytesRead", c.bytesRead)
			c.srv.closeConn(c)
			return 0, errConnClosed
		}

		// try to read the complete packet in the same turn
		n, err = c.read(c.receiveBuffer[c.bytesRead : c.bytesRead+bytesMissing])
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, nil
		}
	}

	if c.bytesRead < c.bytesExpected {
		return 0, nil
	}

	c.packetsReceived++
	c.receiveBuffer[c.bytesRead] = 0
	c.packetLength = c.bytesRead
	c.srv.stats.countRead(c.packetLength)

	c.bytesRead = 0
	c.bytesExpected = 0
	return c.packetLength, nil
}

// parseArguments splits the packet payload into the process-wide
// argument vector.
func (c *Conn) parseArguments() []string {
	c.srv.args = splitArguments(c.receiveBuffer[dataOffset:c.packetLength], c.srv.args)
	return c.srv.args
}

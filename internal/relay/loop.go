package relay

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

const (
	idleTimeout      = 3 * time.Minute
	periodicInterval = 60 * time.Second
	selectTimeout    = 100 * time.Millisecond
)

// Run is the main loop. It multiplexes readiness over the listen socket
// and every connection, flushes pending residues, reads and dispatches
// packets and runs the periodic pass. It returns when Stop was called
// or the readiness wait fails hard.
func (s *Server) Run() {
	lastPeriodic := s.clock()

	for s.doWork.Load() {
		now := s.clock()
		if now.Sub(lastPeriodic) >= periodicInterval {
			lastPeriodic = now
			s.periodic(now)
		}

		readMask := s.readMask
		maxReadSocket := s.maxSocket
		maxSocket := maxReadSocket
		readMask.Set(s.listenFd)
		if s.listenFd > maxSocket {
			maxSocket = s.listenFd
		}

		var writeMask unix.FdSet
		writeMaskPtr := &writeMask
		maxWriteSocket := s.prepareWriteMask(writeMaskPtr)
		if maxWriteSocket < 0 {
			writeMaskPtr = nil
		} else if maxWriteSocket > maxSocket {
			maxSocket = maxWriteSocket
		}

		nSockets, err := s.wire.selectFds(maxSocket+1, &readMask, writeMaskPtr, selectTimeout)
		if !s.doWork.Load() {
			break
		}
		if s.bus != nil {
			s.drainBus()
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			s.log.Error("loop.select", "maxSocket", maxSocket, "err", err)
			break
		}
		if nSockets == 0 {
			s.stats.countRead(-1)
			s.stats.countSent(-1)
			continue
		}

		// new connections first
		if readMask.IsSet(s.listenFd) {
			nSockets--
			conn := s.accept()
			if conn == nil {
				continue
			}
			s.log.Info("conn.open", "fd", conn.fd, "addr", conn.clientAddr, "port", conn.clientPort,
				"connections", s.conns.size())
		}

		// flush residues of writable sockets, a zero length send only
		// drains what is buffered
		if writeMaskPtr != nil {
			for fd := 0; nSockets > 0 && fd <= maxWriteSocket; fd++ {
				if !writeMaskPtr.IsSet(fd) {
					continue
				}
				nSockets--
				conn := s.conns.find(fd)
				if conn == nil {
					s.log.Error("loop.write.unknown", "fd", fd)
					s.doWork.Store(false)
					break
				}
				if err := conn.send(nil); err != nil {
					s.closeConn(conn)
					// readiness may be stale after a close, wait again
					nSockets = 0
					break
				}
			}
		}

		for fd := 0; nSockets > 0 && fd <= maxReadSocket; fd++ {
			if fd == s.listenFd {
				continue
			}
			if !readMask.IsSet(fd) {
				continue
			}
			nSockets--
			conn := s.conns.find(fd)
			if conn == nil {
				s.log.Error("loop.read.unknown", "fd", fd)
				s.doWork.Store(false)
				break
			}
			conn.lastReceiveTime = s.clock()
			if err := s.dispatchPacket(conn); err != nil {
				// a close can invalidate the readiness sets, resume
				// from the next wait
				break
			}
		}
	}
}

// prepareWriteMask collects the sockets with pending send residue and
// returns the highest one, -1 when nothing waits.
func (s *Server) prepareWriteMask(mask *unix.FdSet) int {
	mask.Zero()
	maxWriteSocket := -1
	for fd, conn := range s.conns.conns {
		if conn.fd >= 0 && conn.sendBuffer != nil && len(conn.sendBuffer)-conn.sendBufferStart > 0 {
			mask.Set(fd)
			if fd > maxWriteSocket {
				maxWriteSocket = fd
			}
		}
	}
	return maxWriteSocket
}

// periodic runs once a minute: the summary line, throughput dumps when
// there was any activity, and the idle sweep.
func (s *Server) periodic(now time.Time) {
	n := s.conns.size()
	s.log.Info("server.counts",
		"connections", n,
		"added", s.connsAdded,
		"removed", s.connsRemoved,
		"total", s.connsTotal,
		"scenes", s.scenesTotal)

	if n > 0 || s.connsAdded > 0 || s.connsRemoved > 0 {
		s.connsAdded = 0
		s.connsRemoved = 0
		s.stats.logThroughput(s.log)
	}
	s.checkIdleConnections(now)
}

// checkIdleConnections probes quiet connections with a PING and closes
// the ones that stayed silent past the timeout. After a close the
// iteration restarts because closing invalidates it.
func (s *Server) checkIdleConnections(now time.Time) {
	for s.conns.size() > 0 {
		timedOut := false
		for _, conn := range s.conns.conns {
			if now.Sub(conn.lastReceiveTime) > idleTimeout/4 &&
				now.Sub(conn.lastSendTime) > idleTimeout/4 {
				conn.requestID = s.nextRequestID()
				_ = conn.sendArguments([]string{"RQ", conn.requestID, conn.id, "PING"})
				conn.lastSendTime = s.clock()
			}
			if now.Sub(conn.lastReceiveTime) > idleTimeout {
				s.log.Info("conn.idle.timeout", "fd", conn.fd, "addr", conn.clientAddr, "port", conn.clientPort)
				s.closeConn(conn)
				timedOut = true
				break
			}
		}
		if !timedOut {
			break
		}
	}
}

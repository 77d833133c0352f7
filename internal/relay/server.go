package relay

import (
	"context"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ARPOISE/NdServer/internal/app"
	"github.com/ARPOISE/NdServer/pkg/metrics"
)

// Server owns every connection, scene and counter. All state is
// mutated by the single goroutine running the event loop; the only
// fields touched from outside are the doWork flag and the bus inbox.
type Server struct {
	log   *slog.Logger
	cfg   app.Config
	wire  wire
	clock func() time.Time
	rand  *rand.Rand

	listenFd int
	doWork   atomic.Bool

	conns  *connMap
	scenes *sceneMap
	stats  *trafficStats

	readMask  unix.FdSet
	maxSocket int

	// id sequences, pre-incremented so the first ids are 0x10001,
	// 0x20001 and 0x10001 respectively
	connSeq    uint32
	sceneSeq   uint32
	requestSeq uint32

	connsAdded   uint64
	connsRemoved uint64
	connsTotal   uint64
	scenesTotal  uint64

	// scratch storage reused between requests, safe because the loop
	// is the only writer
	args        []string
	sendScratch []byte

	limiter *acceptLimiter
	bus     *redisBus
}

func NewServer(cfg app.Config, log *slog.Logger) *Server {
	s := &Server{
		log:        log,
		cfg:        cfg,
		wire:       unixWire{},
		clock:      time.Now,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		listenFd:   -1,
		conns:      newConnMap(),
		scenes:     newSceneMap(),
		connSeq:    0x10000,
		sceneSeq:   0x20000,
		requestSeq: 0x10000,
	}
	s.stats = newTrafficStats(func() time.Time { return s.clock() })
	if cfg.AcceptMax > 0 {
		s.limiter = newAcceptLimiter(cfg.AcceptMax, cfg.AcceptWindow, func() time.Time { return s.clock() })
	}
	s.doWork.Store(true)
	return s
}

// Listen creates the listen socket on the configured port.
func (s *Server) Listen() error {
	fd, err := s.wire.listen(s.cfg.Port)
	if err != nil {
		return err
	}
	s.listenFd = fd
	s.log.Info("server.listening", "fd", fd, "port", s.cfg.Port, "backlog", 511)
	return nil
}

// ConnectBus attaches the optional cross-instance redis bus.
func (s *Server) ConnectBus(ctx context.Context) error {
	if s.cfg.RedisAddr == "" {
		return nil
	}
	bus, err := newRedisBus(ctx, s.cfg, s.log, s.rand.Uint32())
	if err != nil {
		return err
	}
	s.bus = bus
	go bus.subscribe(ctx)
	return nil
}

// Stop asks the event loop to exit after its current turn. Safe to call
// from the signal goroutine.
func (s *Server) Stop() {
	s.doWork.Store(false)
}

// Shutdown closes every connection and the listen socket. Scenes die
// with their last member.
func (s *Server) Shutdown() {
	for s.conns.size() > 0 {
		closed := false
		for _, conn := range s.conns.conns {
			s.closeConn(conn)
			closed = true
			break
		}
		if !closed {
			break
		}
	}
	if s.listenFd >= 0 {
		s.log.Info("server.listen.closed", "fd", s.listenFd)
		s.wire.closeSocket(s.listenFd)
		s.listenFd = -1
	}
	if s.bus != nil {
		s.bus.close()
	}
	s.readMask.Zero()
	s.maxSocket = 0
}

func (s *Server) nextConnID() string {
	s.connSeq++
	return hexID(s.connSeq)
}

func (s *Server) nextSceneID() string {
	s.sceneSeq++
	return hexID(s.sceneSeq)
}

func (s *Server) nextRequestID() string {
	s.requestSeq++
	return hexID(s.requestSeq)
}

// addConn registers a freshly accepted connection. A stale entry under
// the same descriptor is closed first.
func (s *Server) addConn(conn *Conn) {
	if old := s.conns.find(conn.fd); old != nil {
		s.log.Info("conn.duplicate", "fd", conn.fd)
		s.closeConn(old)
	}
	s.conns.add(conn)
	s.readMask.Set(conn.fd)
	if conn.fd > s.maxSocket {
		s.maxSocket = conn.fd
	}
	s.connsTotal++
	s.connsAdded++
	metrics.Connections.Inc()
}

// closeConn tears a connection down: scene membership, read interest,
// registry entry and the socket itself, in that order. The scene is
// destroyed when this was its last member. Do not use the connection
// afterwards.
func (s *Server) closeConn(conn *Conn) {
	doRecalc := false
	var scene *Scene

	if conn.fd >= 0 {
		if conn.sceneURL != "" {
			if scene = s.scenes.findByURL(conn.sceneURL); scene != nil {
				delete(scene.members, conn.fd)
			}
		}
		fd := conn.fd
		s.readMask.Clear(fd)
		if fd == s.maxSocket {
			doRecalc = true
		}
		if s.conns.remove(fd) {
			s.connsRemoved++
			metrics.Connections.Dec()
		}
		s.wire.closeSocket(fd)
		conn.fd = -1

		s.log.Info("conn.closed",
			"fd", fd, "addr", conn.clientAddr, "port", conn.clientPort,
			"duration", int64(s.clock().Sub(conn.startTime).Seconds()),
			"packetsReceived", conn.packetsReceived, "bytesReceived", conn.bytesReceived,
			"packetsSent", conn.packetsSent, "bytesSent", conn.bytesSent,
			"connections", s.conns.size())
	}

	s.log.Info("conn.del", "id", conn.id, "clientId", conn.clientID)
	conn.sendBuffer = nil
	conn.sendBufferStart = 0

	if scene != nil && len(scene.members) == 0 {
		s.closeScene(scene)
	}

	if doRecalc {
		s.maxSocket = 0
		for fd := range s.conns.conns {
			if fd > s.maxSocket {
				s.maxSocket = fd
			}
		}
	}
}

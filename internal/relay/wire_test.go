package relay

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ARPOISE/NdServer/internal/app"
)

// errPeerClosed marks a fake descriptor whose peer has hung up, the
// fake read then reports the 0/no-error case.
var errPeerClosed = errors.New("peer closed")

type fakeAccept struct {
	fd   int
	ip   uint32
	port uint16
}

// fakeWire is a scriptable socket surface. Reads drain per-descriptor
// chunk queues, writes follow per-descriptor capacity scripts where a
// negative capacity means EAGAIN and an exhausted script accepts
// everything.
type fakeWire struct {
	accepts   []fakeAccept
	readQueue map[int][][]byte
	readErr   map[int]error
	writeCaps map[int][]int
	writeErr  map[int]error
	written   map[int][]byte
	closed    map[int]int
	selectFn  func(maxFd int, r, w *unix.FdSet, timeout time.Duration) (int, error)
}

func newFakeWire() *fakeWire {
	return &fakeWire{
		readQueue: map[int][][]byte{},
		readErr:   map[int]error{},
		writeCaps: map[int][]int{},
		writeErr:  map[int]error{},
		written:   map[int][]byte{},
		closed:    map[int]int{},
	}
}

func (w *fakeWire) listen(port int) (int, error) {
	return 1000, nil
}

func (w *fakeWire) accept(listenFd int) (int, uint32, uint16, error) {
	if len(w.accepts) == 0 {
		return -1, 0, 0, unix.EAGAIN
	}
	a := w.accepts[0]
	w.accepts = w.accepts[1:]
	return a.fd, a.ip, a.port, nil
}

func (w *fakeWire) setNonblock(fd int) error {
	return nil
}

func (w *fakeWire) read(fd int, p []byte) (int, error) {
	q := w.readQueue[fd]
	if len(q) == 0 {
		if w.readErr[fd] == errPeerClosed {
			return 0, nil
		}
		if err := w.readErr[fd]; err != nil {
			return 0, err
		}
		return 0, unix.EAGAIN
	}
	chunk := q[0]
	n := copy(p, chunk)
	if n < len(chunk) {
		w.readQueue[fd][0] = chunk[n:]
	} else {
		w.readQueue[fd] = q[1:]
	}
	return n, nil
}

func (w *fakeWire) write(fd int, p []byte) (int, error) {
	if err := w.writeErr[fd]; err != nil {
		return 0, err
	}
	caps := w.writeCaps[fd]
	n := len(p)
	if len(caps) > 0 {
		c := caps[0]
		w.writeCaps[fd] = caps[1:]
		if c < 0 {
			return 0, unix.EAGAIN
		}
		if c < n {
			n = c
		}
	}
	w.written[fd] = append(w.written[fd], p[:n]...)
	return n, nil
}

func (w *fakeWire) closeSocket(fd int) {
	w.closed[fd]++
}

func (w *fakeWire) selectFds(maxFd int, r, wr *unix.FdSet, timeout time.Duration) (int, error) {
	if w.selectFn != nil {
		return w.selectFn(maxFd, r, wr, timeout)
	}
	return 0, nil
}

// queue appends a chunk the next reads will return.
func (w *fakeWire) queue(fd int, chunk []byte) {
	w.readQueue[fd] = append(w.readQueue[fd], chunk)
}

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestServer(fw *fakeWire, clk *fakeClock) *Server {
	s := NewServer(app.Config{Port: 9000}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.wire = fw
	s.clock = clk.now
	s.rand = rand.New(rand.NewSource(1))
	s.listenFd = 1000
	return s
}

// acceptConn pushes a pending peer and runs it through accept.
func acceptConn(s *Server, fw *fakeWire, fd int) *Conn {
	fw.accepts = append(fw.accepts, fakeAccept{fd: fd, ip: 0x7f000001, port: 40000 + uint16(fd)})
	return s.accept()
}

// frame builds a client packet for the given forward address and
// arguments.
func frame(forwardIP uint32, forwardPort uint16, args ...string) []byte {
	buf, err := appendPacket(nil, forwardIP, forwardPort, args)
	if err != nil {
		panic(err)
	}
	return buf
}

// decodeFrames splits a written byte stream back into per-frame
// argument vectors.
func decodeFrames(buf []byte) [][]string {
	var frames [][]string
	for len(buf) >= dataOffset {
		total := int(binary.BigEndian.Uint16(buf[0:2])) + 2
		if total > len(buf) {
			break
		}
		frames = append(frames, splitArguments(buf[dataOffset:total], nil))
		buf = buf[total:]
	}
	return frames
}

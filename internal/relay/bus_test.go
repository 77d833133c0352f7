package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Cross-instance SETs are applied to the local members of the scene,
// addressed with the local scene id.
func TestDrainBusFansOutToLocalMembers(t *testing.T) {
	fw := newFakeWire()
	s := newTestServer(fw, newFakeClock())
	a := acceptConn(s, fw, 5)
	b := acceptConn(s, fw, 6)
	enterScene(t, s, fw, a, "Alice", "Room", "rid://r1")
	enterScene(t, s, fw, b, "Bob", "Room", "rid://r1")
	scene := s.scenes.findByURL("rid://r1")
	fw.written = map[int][]byte{}

	s.bus = &redisBus{log: s.log, origin: "deadbeef", inbox: make(chan busMessage, 4)}
	s.bus.inbox <- busMessage{Origin: "cafecafe", SceneURL: "rid://r1", Key: "color", Value: "red"}
	s.drainBus()

	for _, conn := range []*Conn{a, b} {
		frames := lastFrames(fw, conn.fd)
		require.Len(t, frames, 1)
		assert.Equal(t, []string{"RQ", conn.requestID, conn.id, "SET", "SCID", scene.id, "color", "red"}, frames[0])
	}
}

func TestDrainBusSkipsUnknownScene(t *testing.T) {
	fw := newFakeWire()
	s := newTestServer(fw, newFakeClock())
	conn := acceptConn(s, fw, 5)

	s.bus = &redisBus{log: s.log, origin: "deadbeef", inbox: make(chan busMessage, 4)}
	s.bus.inbox <- busMessage{Origin: "cafecafe", SceneURL: "rid://unknown", Key: "k", Value: "v"}
	s.drainBus()

	assert.Empty(t, fw.written[conn.fd])
}

func TestBusChannelNamespace(t *testing.T) {
	assert.Equal(t, "scene:rid://r1", busChannel("rid://r1"))
}

package relay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendPacketHeader(t *testing.T) {
	buf, err := appendPacket(nil, 0xc0a80102, 4711, []string{"RQ", "100", "abcdef01", "PING"})
	require.NoError(t, err)

	assert.Equal(t, byte(protocolNumber), buf[2])
	assert.Equal(t, byte(requestCode), buf[3])
	assert.Equal(t, []byte{0xc0, 0xa8, 0x01, 0x02}, buf[4:8])
	assert.Equal(t, []byte{0x12, 0x67}, buf[8:10])

	// length field covers everything but itself
	length := int(buf[0])<<8 | int(buf[1])
	assert.Equal(t, len(buf)-2, length)

	payload := string(buf[dataOffset:])
	assert.Equal(t, "RQ\x00100\x00abcdef01\x00PING\x00", payload)
}

func TestPacketArgumentsRoundTrip(t *testing.T) {
	cases := [][]string{
		{"RQ", "100", "00010001", "ENTER", "NNM", "Alice", "SCN", "Room", "SCU", "rid://r1"},
		{"AN", "100", "00010001"},
		{"RQ", "1", "2", "SET", "", "", "key", "value with spaces"},
	}
	for _, args := range cases {
		buf, err := appendPacket(nil, 0, 0, args)
		require.NoError(t, err)
		got := splitArguments(buf[dataOffset:], nil)
		assert.Equal(t, args, got)
	}
}

func TestSplitArgumentsKeepsEmptyTokens(t *testing.T) {
	got := splitArguments([]byte("a\x00\x00b\x00"), nil)
	assert.Equal(t, []string{"a", "", "b"}, got)
}

func TestSplitArgumentsDropsUnterminatedTail(t *testing.T) {
	got := splitArguments([]byte("a\x00tail"), nil)
	assert.Equal(t, []string{"a"}, got)
}

func TestSplitArgumentsReusesScratch(t *testing.T) {
	scratch := make([]string, 0, 8)
	first := splitArguments([]byte("a\x00b\x00"), scratch)
	second := splitArguments([]byte("c\x00"), first)
	assert.Equal(t, []string{"c"}, second)
}

func TestAppendPacketOverflow(t *testing.T) {
	big := strings.Repeat("x", receiveBufferSize)
	_, err := appendPacket(nil, 0, 0, []string{"RQ", big})
	require.Error(t, err)
}

func TestHexID(t *testing.T) {
	assert.Equal(t, "00010001", hexID(0x10001))
	assert.Equal(t, "deadbeef", hexID(0xdeadbeef))
	assert.Len(t, hexID(0), 8)
}

func TestIPString(t *testing.T) {
	assert.Equal(t, "127.0.0.1", ipString(0x7f000001))
	assert.Equal(t, "192.168.1.2", ipString(0xc0a80102))
}

func TestPrintable(t *testing.T) {
	assert.Equal(t, "RQ 100 PING", printable([]byte("RQ\x00100\x00PING")))
}

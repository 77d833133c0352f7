package relay

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Wire framing constants. Every packet starts with a fixed header:
//
//	offset 0, 2 bytes: payload length, big endian, total size - 2
//	offset 2, 1 byte:  protocol number, always 1
//	offset 3, 1 byte:  request code, always 10
//	offset 4, 4 bytes: forward IPv4, big endian
//	offset 8, 2 bytes: forward port, big endian
//	offset 10:         NUL delimited argument list
const (
	dataOffset        = 10
	protocolNumber    = 1
	requestCode       = 10
	receiveBufferSize = 8 * 1024
)

// splitArguments splits a payload into its NUL terminated tokens,
// keeping empty tokens. A trailing token without a terminator does not
// count. The caller supplies the scratch slice that is reused between
// packets.
func splitArguments(payload []byte, scratch []string) []string {
	args := scratch[:0]
	start := 0
	for offset := 0; offset < len(payload); offset++ {
		if payload[offset] == 0 {
			args = append(args, string(payload[start:offset]))
			start = offset + 1
		}
	}
	return args
}

// appendPacket appends a framed packet for the given forward address and
// arguments to buf. Fails when the packet would exceed the maximum
// packet size.
func appendPacket(buf []byte, forwardIP uint32, forwardPort uint16, args []string) ([]byte, error) {
	base := len(buf)
	buf = append(buf, 0, 0, protocolNumber, requestCode)
	buf = binary.BigEndian.AppendUint32(buf, forwardIP)
	buf = binary.BigEndian.AppendUint16(buf, forwardPort)
	for _, arg := range args {
		if len(buf)-base+len(arg)+1 >= receiveBufferSize {
			return buf[:base], fmt.Errorf("packet overflow, %d bytes", len(buf)-base+len(arg)+1)
		}
		buf = append(buf, arg...)
		buf = append(buf, 0)
	}
	binary.BigEndian.PutUint16(buf[base:base+2], uint16(len(buf)-base-2))
	return buf, nil
}

// ipString formats a host order IPv4 address as dotted decimal.
func ipString(ip uint32) string {
	return net.IPv4(byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip)).String()
}

// hexID formats the 8 character hex ids used for connections, clients,
// scenes and requests.
func hexID(n uint32) string {
	return fmt.Sprintf("%08x", n)
}

// printable renders packet payload bytes for the log, control bytes
// become spaces.
func printable(data []byte) string {
	out := make([]byte, len(data))
	for i, c := range data {
		if c < ' ' {
			c = ' '
		}
		out[i] = c
	}
	return string(out)
}

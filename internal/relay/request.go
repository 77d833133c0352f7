package relay

import (
	"encoding/binary"
	"errors"
)

var errBadRequest = errors.New("bad request")

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// dispatchPacket reads one packet off the connection if a complete one
// is available and routes it. A nil return keeps the connection open;
// errConnClosed means the connection is gone, either torn down here or
// by the transport.
func (s *Server) dispatchPacket(conn *Conn) error {
	n, err := conn.readPacket()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	if conn.packetLength <= dataOffset {
		s.log.Error("packet.short", "fd", conn.fd, "addr", conn.clientAddr, "port", conn.clientPort,
			"bytes", conn.packetLength)
		s.closeConn(conn)
		return errConnClosed
	}

	// The forward address is parroted from every packet header
	conn.forwardIP = binary.BigEndian.Uint32(conn.receiveBuffer[4:8])
	conn.forwardPort = binary.BigEndian.Uint16(conn.receiveBuffer[8:10])
	if conn.forwardAddr == "" {
		conn.forwardAddr = ipString(conn.forwardIP)
		s.log.Debug("conn.forward", "fd", conn.fd, "addr", conn.clientAddr, "port", conn.clientPort,
			"forwardAddr", conn.forwardAddr, "forwardPort", conn.forwardPort)
	}

	payload := conn.receiveBuffer[dataOffset:conn.packetLength]
	if len(payload) <= 3 {
		s.log.Error("packet.data.short", "fd", conn.fd, "addr", conn.clientAddr, "port", conn.clientPort,
			"bytes", len(payload))
		s.closeConn(conn)
		return errConnClosed
	}
	if payload[2] != 0 {
		s.log.Error("packet.tag", "fd", conn.fd, "addr", conn.clientAddr, "port", conn.clientPort,
			"byte", payload[2])
		s.closeConn(conn)
		return errConnClosed
	}

	switch {
	case payload[0] == 'R' && payload[1] == 'Q':
		s.log.Info("packet.in", "addr", conn.clientAddr, "port", conn.clientPort,
			"bytes", conn.packetLength, "data", printable(payload))
		if err := s.handleRequest(conn); err != nil {
			s.closeConn(conn)
			return errConnClosed
		}
	case payload[0] == 'A' && payload[1] == 'N':
		// our own acknowledgements echoed back, log and ignore
		s.log.Info("packet.in", "addr", conn.clientAddr, "port", conn.clientPort,
			"bytes", conn.packetLength, "data", printable(payload))
	default:
		s.log.Error("packet.tag", "fd", conn.fd, "addr", conn.clientAddr, "port", conn.clientPort,
			"byte1", payload[0], "byte2", payload[1])
		s.closeConn(conn)
		return errConnClosed
	}
	return nil
}

// handleRequest parses the argument vector and branches on the command.
// The first four tokens are tag, packet id, connection id and command.
// A non-nil return closes the connection; unknown commands are no-ops.
func (s *Server) handleRequest(conn *Conn) error {
	args := conn.parseArguments()

	if len(args) < 4 {
		return errBadRequest
	}
	if args[0] != "RQ" {
		return errBadRequest
	}
	if args[1] == "" || args[2] == "" || args[3] == "" {
		return errBadRequest
	}

	switch args[3] {
	case "SET":
		return s.handleSet(conn, args)
	case "ENTER":
		return s.handleEnter(conn, args)
	case "PING":
		return conn.sendArguments([]string{"AN", args[1], args[2], "PONG"})
	case "BYE":
		return s.handleBye(conn, args)
	}
	return nil
}

// handleEnter joins the connection to its declared scene, creating the
// scene on first use. A repeated ENTER on a bound connection is
// silently ignored; malformed values close the connection.
func (s *Server) handleEnter(conn *Conn, args []string) error {
	if conn.sceneURL != "" {
		return nil
	}

	conn.nickname = ""
	conn.sceneName = ""
	conn.sceneURL = ""

	for i := 4; i < len(args)-1; i++ {
		switch args[i] {
		case "NNM":
			i++
			conn.nickname = args[i]
		case "SCU":
			i++
			conn.sceneURL = args[i]
		case "SCN":
			i++
			conn.sceneName = args[i]
		}
	}

	if conn.nickname == "" || !isLetter(conn.nickname[0]) {
		s.log.Error("enter.nickname", "fd", conn.fd, "nickname", conn.nickname)
		return errBadRequest
	}
	if conn.sceneName == "" || !isLetter(conn.sceneName[0]) {
		s.log.Error("enter.scene.name", "fd", conn.fd, "sceneName", conn.sceneName)
		return errBadRequest
	}
	if conn.sceneURL == "" || !isLetter(conn.sceneURL[0]) {
		s.log.Error("enter.scene.url", "fd", conn.fd, "sceneUrl", conn.sceneURL)
		return errBadRequest
	}

	conn.clientID = hexID(s.rand.Uint32())
	s.log.Info("conn.new", "id", conn.id, "clientId", conn.clientID)

	scene := s.scenes.findByURL(conn.sceneURL)
	if scene == nil {
		scene = s.createScene(conn)
		s.log.Info("scene.new", "id", scene.id, "sceneUrl", scene.sceneURL, "sceneName", scene.sceneName)
	} else {
		scene.members[conn.fd] = struct{}{}
	}

	return conn.sendArguments([]string{
		"AN", args[1], conn.id, "HI",
		"CLID", conn.clientID,
		"SCID", scene.id,
		"NNM", conn.nickname,
	})
}

// handleSet acknowledges the sender and fans the key/value pair out to
// every member of the scene, the sender included. Validation failures
// are logged and dropped without closing the connection.
func (s *Server) handleSet(conn *Conn, args []string) error {
	var scene *Scene
	if conn.sceneURL != "" {
		scene = s.scenes.findByURL(conn.sceneURL)
	}
	if scene == nil {
		return nil
	}

	var key, value, scid string
	havePair := false
	haveScid := false
	for i := 4; i < len(args); i++ {
		switch {
		case args[i] == "SCID" && i < len(args)-1:
			i++
			scid = args[i]
			haveScid = true
		case args[i] == "CHID" && i < len(args)-1:
			// channel ids are not distributed, skip the value
			i++
		case i < len(args)-1:
			key = args[i]
			i++
			value = args[i]
			havePair = true
		}
	}

	if !haveScid {
		s.log.Error("set.scid.missing", "fd", conn.fd, "addr", conn.clientAddr)
		return nil
	}
	if scid != scene.id {
		s.log.Error("set.scid.bad", "fd", conn.fd, "addr", conn.clientAddr, "scid", scid)
		return nil
	}
	if !havePair {
		s.log.Error("set.key.missing", "fd", conn.fd, "addr", conn.clientAddr)
		return nil
	}
	if key == "" {
		s.log.Error("set.key.empty", "fd", conn.fd, "addr", conn.clientAddr)
		return nil
	}

	if err := conn.sendArguments([]string{"AN", args[1], args[2], "OK"}); err != nil {
		return err
	}

	if err := s.fanOutSet(scene, scid, key, value); err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.publish(scene.sceneURL, key, value)
	}
	return nil
}

// fanOutSet distributes one SET to every member of the scene, each
// recipient addressed with its own connection id and a fresh request
// id. A fatal send closes the failing member, aborts the fan-out and the
// error propagates to the dispatching connection.
func (s *Server) fanOutSet(scene *Scene, scid, key, value string) error {
	out := []string{"RQ", "", "", "SET", "SCID", scid, key, value}
	for fd := range scene.members {
		member := s.conns.find(fd)
		if member == nil {
			continue
		}
		member.requestID = s.nextRequestID()
		out[1] = member.requestID
		out[2] = member.id
		if err := member.sendArguments(out); err != nil {
			s.closeConn(member)
			return err
		}
	}
	return nil
}

// handleBye unbinds the connection from its scene so a later ENTER can
// rebind it. The connection itself stays open. A BYE with a missing or
// foreign CLID is ignored.
func (s *Server) handleBye(conn *Conn, args []string) error {
	var scene *Scene
	if conn.sceneURL != "" {
		scene = s.scenes.findByURL(conn.sceneURL)
	}
	if scene == nil {
		return nil
	}

	clid := ""
	for i := 4; i < len(args)-1; i++ {
		if args[i] == "CLID" {
			i++
			clid = args[i]
		}
	}
	if clid == "" || clid != conn.clientID {
		return nil
	}

	err := conn.sendArguments([]string{"AN", args[1], args[2], args[3]})

	delete(scene.members, conn.fd)
	conn.sceneURL = ""
	conn.forwardAddr = ""
	if len(scene.members) == 0 {
		s.closeScene(scene)
	}
	return err
}

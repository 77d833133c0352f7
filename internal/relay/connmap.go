package relay

// connMap is the registry of live connections keyed by their socket
// descriptor. Entries are owned exclusively by the map; scene member
// sets only hold descriptors and resolve them here.
type connMap struct {
	conns map[int]*Conn
}

func newConnMap() *connMap {
	return &connMap{conns: make(map[int]*Conn)}
}

func (m *connMap) size() int {
	return len(m.conns)
}

func (m *connMap) find(fd int) *Conn {
	return m.conns[fd]
}

func (m *connMap) add(conn *Conn) {
	m.conns[conn.fd] = conn
}

func (m *connMap) remove(fd int) bool {
	if _, ok := m.conns[fd]; !ok {
		return false
	}
	delete(m.conns, fd)
	return true
}

package relay

import "github.com/ARPOISE/NdServer/pkg/metrics"

// Scene is one fan-out group, all connections that entered the same
// scene URL. The member set holds socket descriptors, not connection
// pointers; lookups go through the connection registry so neither side
// owns the other.
type Scene struct {
	id        string
	sceneURL  string
	sceneName string
	members   map[int]struct{}
}

func (sc *Scene) memberCount() int {
	return len(sc.members)
}

// sceneMap registers every scene under both its URL and its id. A scene
// is in both maps or in neither.
type sceneMap struct {
	byURL map[string]*Scene
	byID  map[string]*Scene
}

func newSceneMap() *sceneMap {
	return &sceneMap{
		byURL: make(map[string]*Scene),
		byID:  make(map[string]*Scene),
	}
}

func (m *sceneMap) size() int {
	return len(m.byURL)
}

func (m *sceneMap) findByURL(sceneURL string) *Scene {
	return m.byURL[sceneURL]
}

func (m *sceneMap) findByID(id string) *Scene {
	return m.byID[id]
}

// createScene makes the scene for the connection's declared URL and
// name and adds the connection as its first member.
func (s *Server) createScene(conn *Conn) *Scene {
	scene := &Scene{
		id:        s.nextSceneID(),
		sceneURL:  conn.sceneURL,
		sceneName: conn.sceneName,
		members:   map[int]struct{}{conn.fd: {}},
	}
	s.scenes.byID[scene.id] = scene
	s.scenes.byURL[scene.sceneURL] = scene
	s.scenesTotal++
	metrics.Scenes.Inc()
	return scene
}

// closeScene unregisters the scene from both maps.
func (s *Server) closeScene(scene *Scene) {
	s.log.Info("scene.del", "id", scene.id, "sceneUrl", scene.sceneURL, "sceneName", scene.sceneName)
	delete(s.scenes.byID, scene.id)
	delete(s.scenes.byURL, scene.sceneURL)
	metrics.Scenes.Dec()
}

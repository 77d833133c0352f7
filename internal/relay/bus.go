package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ARPOISE/NdServer/internal/app"
)

// busMessage carries one SET across relay instances. Scene ids are
// local to an instance, so the scene travels by URL and each receiver
// substitutes its own id during fan-out.
type busMessage struct {
	Origin   string `json:"origin"`
	SceneURL string `json:"sceneUrl"`
	Key      string `json:"key"`
	Value    string `json:"value"`
}

// redisBus fans SETs out to the other relay instances over redis
// pub/sub. Inbound messages land in the inbox; the event loop drains it
// so scene and connection state stays with its single owner.
type redisBus struct {
	rdb    *redis.Client
	log    *slog.Logger
	ctx    context.Context
	origin string
	inbox  chan busMessage
}

// newRedisBus connects to redis and verifies connectivity
func newRedisBus(ctx context.Context, cfg app.Config, log *slog.Logger, instance uint32) (*redisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &redisBus{
		rdb:    rdb,
		log:    log,
		ctx:    ctx,
		origin: hexID(instance),
		inbox:  make(chan busMessage, 256),
	}, nil
}

// publish sends a SET to the channel of its scene. Failures are logged,
// the local fan-out already happened and must not suffer for the bus.
func (b *redisBus) publish(sceneURL, key, value string) {
	raw, _ := json.Marshal(busMessage{Origin: b.origin, SceneURL: sceneURL, Key: key, Value: value})
	if err := b.rdb.Publish(b.ctx, busChannel(sceneURL), raw).Err(); err != nil {
		b.log.Error("bus.publish", "sceneUrl", sceneURL, "err", err)
	}
}

// subscribe listens to all scene channels and queues foreign messages
// for the event loop. Runs in its own goroutine until the context ends.
func (b *redisBus) subscribe(ctx context.Context) {
	pubsub := b.rdb.PSubscribe(ctx, busChannel("*"))
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			_ = pubsub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var bm busMessage
			_ = json.Unmarshal([]byte(msg.Payload), &bm)
			if bm.SceneURL == "" || bm.Origin == b.origin {
				continue
			}
			select {
			case b.inbox <- bm:
			default:
				// the loop is behind, this is a loss tolerant bus
				b.log.Warn("bus.inbox.full", "sceneUrl", bm.SceneURL)
			}
		}
	}
}

// close shuts down the redis connection
func (b *redisBus) close() {
	_ = b.rdb.Close()
}

// busChannel namespacing for scene pub/sub
func busChannel(sceneURL string) string {
	return "scene:" + sceneURL
}

// drainBus applies queued cross-instance SETs to the local members of
// their scenes. Runs on the event loop goroutine.
func (s *Server) drainBus() {
	for {
		select {
		case bm := <-s.bus.inbox:
			scene := s.scenes.findByURL(bm.SceneURL)
			if scene == nil {
				continue
			}
			_ = s.fanOutSet(scene, scene.id, bm.Key, bm.Value)
		default:
			return
		}
	}
}

package push

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/coralhq/coral/pkg/log"
	"github.com/coralhq/coral/pkg/metrics"
	"github.com/coralhq/coral/pkg/registry"
	"github.com/coralhq/coral/pkg/types"
)

// hub shares one pub/sub bus subscription per stream channel across every
// socket in the process. Channels are named `{resourceId}#{streamType}`.
type hub struct {
	rdb redis.UniversalClient
	reg *registry.Registry

	mu     sync.Mutex
	pubsub *redis.PubSub
	// subs is channel -> conn -> requested formats.
	subs map[string]map[*conn]map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newHub(rdb redis.UniversalClient, reg *registry.Registry) *hub {
	return &hub{
		rdb:    rdb,
		reg:    reg,
		subs:   make(map[string]map[*conn]map[string]bool),
		stopCh: make(chan struct{}),
	}
}

func (h *hub) start() {
	h.pubsub = h.rdb.Subscribe(context.Background())
	h.wg.Add(1)
	go h.dispatch()
}

func (h *hub) stop() {
	close(h.stopCh)
	_ = h.pubsub.Close()
	h.wg.Wait()
}

// subscribe registers a conn for one channel and format. The first local
// subscriber of a channel subscribes the process on the bus.
func (h *hub) subscribe(ctx context.Context, c *conn, channel, format string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, known := h.subs[channel]
	if !known {
		if err := h.pubsub.Subscribe(ctx, channel); err != nil {
			return err
		}
		conns = make(map[*conn]map[string]bool)
		h.subs[channel] = conns
	}
	if conns[c] == nil {
		conns[c] = make(map[string]bool)
		metrics.PushSubscriptions.Inc()
	}
	conns[c][format] = true
	return nil
}

// removeConn drops every subscription of a closing conn, releasing bus
// channels whose last local subscriber left.
func (h *hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for channel, conns := range h.subs {
		if _, ok := conns[c]; !ok {
			continue
		}
		delete(conns, c)
		metrics.PushSubscriptions.Dec()
		if len(conns) == 0 {
			delete(h.subs, channel)
			if err := h.pubsub.Unsubscribe(context.Background(), channel); err != nil {
				log.WithComponent("push").Warn().Err(err).
					Str("channel", channel).
					Msg("failed to unsubscribe bus channel")
			}
		}
	}
}

func (h *hub) dispatch() {
	defer h.wg.Done()
	msgCh := h.pubsub.Channel()
	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			h.fanOut(msg.Channel, []byte(msg.Payload))
		case <-h.stopCh:
			return
		}
	}
}

// fanOut clones and transforms a bus message per subscriber format and
// queues it on each socket's writer.
func (h *hub) fanOut(channel string, payload []byte) {
	var bus busPayload
	if err := json.Unmarshal(payload, &bus); err != nil {
		log.WithComponent("push").Error().Err(err).
			Str("channel", channel).
			Msg("dropping undecodable push payload")
		return
	}
	resourceID, streamType := types.SplitFeedID(channel)

	h.mu.Lock()
	targets := make(map[*conn][]string)
	for c, formats := range h.subs[channel] {
		for format := range formats {
			targets[c] = append(targets[c], format)
		}
	}
	h.mu.Unlock()

	for c, formats := range targets {
		for _, format := range formats {
			transformed, err := h.transform(format, bus.Activities)
			if err != nil {
				log.WithComponent("push").Warn().Err(err).
					Str("channel", channel).
					Msg("dropping push message that failed transform")
				continue
			}
			c.send(&StreamMessage{
				ResourceID:       resourceID,
				StreamType:       streamType,
				Format:           format,
				Activities:       transformed,
				NumNewActivities: bus.NumNew,
			})
		}
	}
}

func (h *hub) transform(format string, activities []types.Activity) ([]types.Activity, error) {
	out := make([]types.Activity, 0, len(activities))
	for _, activity := range activities {
		transformed, err := registry.TransformActivity(context.Background(), h.reg, format, activity)
		if err != nil {
			return nil, err
		}
		out = append(out, transformed)
	}
	return out, nil
}

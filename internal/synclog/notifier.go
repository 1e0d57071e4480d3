package synclog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "opsync.facility."

// Notifier fans committed-push nudges out to watch subscribers. Delivery is
// best effort: a subscriber that is not draining its channel misses nudges
// but never blocks the push path, and pull remains the authoritative way to
// observe the log. With a Redis client attached, notifications also cross
// engine instances via pub/sub; the per-instance origin id filters out
// echoes of locally published messages.
type Notifier struct {
	mu       sync.Mutex
	subs     map[string]map[int]chan Notification
	nextID   int
	origin   string
	redis    *redis.Client
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	closeOne sync.Once
}

func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subs:   make(map[string]map[int]chan Notification),
		origin: uuid.NewString(),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// NewRedisNotifier additionally bridges notifications through Redis pub/sub
// so watchers connected to one instance observe pushes ingested by another.
func NewRedisNotifier(client *redis.Client, logger *slog.Logger) *Notifier {
	n := NewNotifier(logger)
	n.redis = client
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	go n.relayLoop(ctx)
	return n
}

// Subscribe registers interest in one facility. The returned cancel func
// must be called when the watcher goes away.
func (n *Notifier) Subscribe(facilityID string) (<-chan Notification, func()) {
	ch := make(chan Notification, 16)
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	if n.subs[facilityID] == nil {
		n.subs[facilityID] = make(map[int]chan Notification)
	}
	n.subs[facilityID][id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if subs, ok := n.subs[facilityID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(n.subs, facilityID)
			}
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers a nudge to local subscribers and, when configured,
// publishes it to Redis. Never blocks.
func (n *Notifier) Publish(ctx context.Context, note Notification) {
	if n == nil {
		return
	}
	note.Origin = n.origin
	n.deliverLocal(note)
	if n.redis != nil {
		payload, err := json.Marshal(note)
		if err != nil {
			return
		}
		if err := n.redis.Publish(ctx, redisChannelPrefix+note.FacilityID, payload).Err(); err != nil {
			n.logger.Warn("redis publish failed", "facility", note.FacilityID, "error", err)
		}
	}
}

func (n *Notifier) deliverLocal(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[note.FacilityID] {
		select {
		case ch <- note:
		default:
		}
	}
}

func (n *Notifier) relayLoop(ctx context.Context) {
	defer close(n.done)
	pubsub := n.redis.PSubscribe(ctx, redisChannelPrefix+"*")
	defer pubsub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			var note Notification
			if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
				n.logger.Warn("dropping malformed notification", "channel", msg.Channel, "error", err)
				continue
			}
			if note.Origin == n.origin {
				continue
			}
			n.deliverLocal(note)
		}
	}
}

func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.closeOne.Do(func() {
		if n.cancel != nil {
			n.cancel()
			<-n.done
		}
	})
}

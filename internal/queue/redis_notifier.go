package queue

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
)

const redisChannelPrefix = "ocapkernel:notify:"

// RedisNotifier broadcasts wake signals over Redis PUBLISH/SUBSCRIBE.
// Used when run-queue entries can be pushed from outside the daemon
// process (an operator tool writing through a shared Postgres backend):
// the external producer publishes, the daemon's run loop wakes.
type RedisNotifier struct {
	client *redis.Client

	mu     sync.Mutex
	subs   []*redisSub
	closed bool
}

type redisSub struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

// NewRedisNotifier wraps client as a Notifier.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Notify publishes a wake signal for topic. Every subscribed kernel
// process receives it.
func (n *RedisNotifier) Notify(ctx context.Context, topic Topic) error {
	return n.client.Publish(ctx, redisChannelPrefix+string(topic), "1").Err()
}

// Subscribe listens on the topic's Redis channel and forwards each
// message as a coalesced wake signal.
func (n *RedisNotifier) Subscribe(ctx context.Context, topic Topic) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisSub{ch: ch, cancel: cancel}
	n.subs = append(n.subs, rs)
	n.mu.Unlock()

	pubsub := n.client.Subscribe(subCtx, redisChannelPrefix+string(topic))

	go func() {
		defer pubsub.Close()
		defer close(ch)
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				n.removeSub(rs)
				return
			case _, ok := <-msgCh:
				if !ok {
					n.removeSub(rs)
					return
				}
				select {
				case ch <- struct{}{}:
				default:
					// Pending wake already queued; coalesce.
				}
			}
		}
	}()

	return ch
}

func (n *RedisNotifier) removeSub(rs *redisSub) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s == rs {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}
}

// Close cancels every subscription. The Redis client itself is owned by
// the caller.
func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	subs := make([]*redisSub, len(n.subs))
	copy(subs, n.subs)
	n.subs = nil
	n.mu.Unlock()

	for _, rs := range subs {
		rs.cancel()
	}
	return nil
}

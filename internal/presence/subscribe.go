package presence

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// pubsubClient is the subset of *db.Redis Subscribe needs, split out from
// redisClient because it returns a concrete *redis.PubSub.
type pubsubClient interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Subscription delivers presence diffs for one topic until canceled.
type Subscription struct {
	ps *redis.PubSub
	ch chan Diff
}

// C returns the channel diffs are delivered on.
func (s *Subscription) C() <-chan Diff {
	return s.ch
}

// Cancel closes the underlying Redis subscription.
func (s *Subscription) Cancel() error {
	return s.ps.Close()
}

// Subscribe subscribes to presence_diff events for topic. The returned
// Subscription's channel is closed after Cancel closes the Redis PubSub, or
// when ctx is canceled while a diff is waiting to be delivered.
func Subscribe(ctx context.Context, redis pubsubClient, topic Topic) *Subscription {
	ps := redis.Subscribe(ctx, diffChannel(topic))
	out := make(chan Diff, 64)

	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var diff Diff
			if err := json.Unmarshal([]byte(msg.Payload), &diff); err != nil {
				continue
			}
			select {
			case out <- diff:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &Subscription{ps: ps, ch: out}
}

package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisPubSub is the Redis-backed broker for multi-instance deployments.
// Nothing is persisted; a subscriber only sees what is published while it
// is connected, which matches the delivery model of the service. Each
// subscription owns a pump goroutine that moves messages from its Redis
// subscription into a bounded queue, dropping on overflow like the local
// broker does.
type RedisPubSub struct {
	client *redis.Client
	root   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup

	dropped atomic.Uint64
}

// NewRedisPubSub connects to Redis. url takes the form
// redis://[password@]host:port[/db].
func NewRedisPubSub(url string) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	log.Info().Str("addr", opts.Addr).Msg("Connected to Redis for pub/sub")

	root, stop := context.WithCancel(context.Background())
	return &RedisPubSub{
		client: client,
		root:   root,
		stop:   stop,
	}, nil
}

// Publish sends a message to every subscriber of the channel, across all
// instances
func (r *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe registers a queue on the channel. The queue is closed by its
// pump when ctx is cancelled or the broker is closed.
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	if r.root.Err() != nil {
		return nil, ErrClosed
	}

	sub := r.client.Subscribe(r.root, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Message, subscriberBuffer)
	r.wg.Add(1)
	go r.pump(ctx, channel, sub, out)
	return out, nil
}

// pump moves messages from the Redis subscription into the queue until
// either context ends or the subscription closes
func (r *RedisPubSub) pump(ctx context.Context, channel string, sub *redis.PubSub, out chan Message) {
	defer r.wg.Done()
	defer close(out)
	defer sub.Close()

	in := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.root.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			default:
				r.dropped.Add(1)
				log.Warn().Str("channel", channel).Msg("Subscriber queue full, dropping message")
			}
		}
	}
}

// Dropped reports how many messages were lost to full subscriber queues
func (r *RedisPubSub) Dropped() uint64 {
	return r.dropped.Load()
}

// Close stops every subscription pump and disconnects from Redis
func (r *RedisPubSub) Close() error {
	r.stop()
	r.wg.Wait()

	err := r.client.Close()
	log.Info().Msg("Redis pub/sub closed")
	return err
}

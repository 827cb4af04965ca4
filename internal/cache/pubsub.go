package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/priceverse/priceverse/internal/market"
)

// ChannelFor returns the pub/sub channel for a pair.
func ChannelFor(pair market.Pair) string { return "price:" + string(pair) }

// Broadcaster publishes canonical prices over Redis pub/sub.
type Broadcaster struct {
	client *redis.Client
}

// NewBroadcaster builds a broadcaster on the shared client.
func NewBroadcaster(client *redis.Client) *Broadcaster {
	return &Broadcaster{client: client}
}

// Publish fans the price point out to the pair's channel.
func (b *Broadcaster) Publish(ctx context.Context, p market.PricePoint) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode price update: %w", err)
	}
	if err := b.client.Publish(ctx, ChannelFor(p.Pair), raw).Err(); err != nil {
		return fmt.Errorf("publish price %s: %w", p.Pair, err)
	}
	return nil
}

// Subscriber receives price updates for a set of pairs through a
// bounded queue. When the consumer falls behind, the oldest queued
// update is dropped so the newest price always gets through.
type Subscriber struct {
	pubsub   *redis.PubSub
	updates  chan market.PricePoint
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	dropped int64
}

// Subscribe opens a subscription for the pairs and starts the pump.
func Subscribe(ctx context.Context, client *redis.Client, pairs []market.Pair, queueSize int) (*Subscriber, error) {
	if queueSize <= 0 {
		queueSize = 1000
	}
	channels := make([]string, 0, len(pairs))
	for _, p := range pairs {
		channels = append(channels, ChannelFor(p))
	}

	pubsub := client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe price channels: %w", err)
	}

	s := &Subscriber{
		pubsub:  pubsub,
		updates: make(chan market.PricePoint, queueSize),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.pump()
	return s, nil
}

// Updates is the consumer side of the queue. It is closed when the
// subscription ends.
func (s *Subscriber) Updates() <-chan market.PricePoint { return s.updates }

// Dropped reports how many updates were discarded due to backpressure.
func (s *Subscriber) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close tears the subscription down and closes the updates channel.
func (s *Subscriber) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
		s.wg.Wait()
		close(s.updates)
	})
	return err
}

func (s *Subscriber) pump() {
	defer s.wg.Done()
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var p market.PricePoint
			if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
				log.Warn().Str("channel", msg.Channel).Err(err).Msg("malformed price update")
				continue
			}
			s.enqueue(p)
		}
	}
}

func (s *Subscriber) enqueue(p market.PricePoint) {
	for {
		select {
		case s.updates <- p:
			return
		default:
		}
		// Queue full. Drop the oldest entry and retry.
		select {
		case old := <-s.updates:
			s.mu.Lock()
			s.dropped++
			n := s.dropped
			s.mu.Unlock()
			log.Warn().Str("pair", string(old.Pair)).Int64("dropped", n).
				Msg("price subscriber backpressure, dropping oldest update")
		default:
		}
	}
}

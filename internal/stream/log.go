// Package stream provides the Redis-backed venue event log and the
// per-pair trade buffer shared between collectors and the aggregator.
//
// Each venue owns the producer side of its own stream; a single
// consumer group shared by all aggregator instances owns the cursor.
// Delivery is per-venue FIFO, at-least-once.
package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/priceverse/priceverse/internal/market"
)

const streamKeyPrefix = "trades:"

// streamMaxLen bounds each venue stream; the aggregator evicts by time,
// the stream itself trims approximately by count.
const streamMaxLen = 100000

// Entry is one delivered venue-log record.
type Entry struct {
	ID    string
	Trade market.Trade
}

// VenueLog is the append-only per-venue trade log over Redis Streams.
type VenueLog struct {
	client *redis.Client
	group  string
}

// NewVenueLog wraps a Redis client with the venue-log contract.
func NewVenueLog(client *redis.Client, group string) *VenueLog {
	return &VenueLog{client: client, group: group}
}

// StreamKey returns the Redis stream key for a venue.
func StreamKey(venue string) string { return streamKeyPrefix + venue }

// Append adds a normalized trade to the venue's stream and returns the
// assigned entry ID. Only the owning collector calls this.
func (l *VenueLog) Append(ctx context.Context, trade market.Trade) (string, error) {
	if err := trade.Validate(); err != nil {
		return "", fmt.Errorf("append %s: %w", trade.Venue, err)
	}
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(trade.Venue),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"pair":       string(trade.Pair),
			"price":      strconv.FormatFloat(trade.Price, 'f', -1, 64),
			"volume":     strconv.FormatFloat(trade.Volume, 'f', -1, 64),
			"event_time": strconv.FormatInt(trade.EventTime, 10),
			"trade_id":   trade.TradeID,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", trade.Venue, err)
	}
	return id, nil
}

// CreateGroup creates the consumer group on a venue stream, creating
// the stream when missing. A pre-existing group is not an error.
func (l *VenueLog) CreateGroup(ctx context.Context, venue, startID string) error {
	err := l.client.XGroupCreateMkStream(ctx, StreamKey(venue), l.group, startID).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s: %w", venue, err)
	}
	return nil
}

// ReadGroup reads up to count entries for this consumer, blocking at
// most block. A nil slice with nil error means no traffic arrived.
func (l *VenueLog) ReadGroup(ctx context.Context, venue, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    l.group,
		Consumer: consumer,
		Streams:  []string{StreamKey(venue), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", venue, err)
	}

	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			trade, err := parseEntry(venue, msg.Values)
			if err != nil {
				// Poison entries are acked and skipped so the
				// group cursor keeps moving.
				_ = l.Ack(ctx, venue, msg.ID)
				continue
			}
			entries = append(entries, Entry{ID: msg.ID, Trade: trade})
		}
	}
	return entries, nil
}

// Ack acknowledges a delivered entry.
func (l *VenueLog) Ack(ctx context.Context, venue, entryID string) error {
	if err := l.client.XAck(ctx, StreamKey(venue), l.group, entryID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", venue, entryID, err)
	}
	return nil
}

func parseEntry(venue string, values map[string]interface{}) (market.Trade, error) {
	pairStr, _ := values["pair"].(string)
	pair, err := market.ParsePair(pairStr)
	if err != nil {
		return market.Trade{}, err
	}
	price, err := parseField(values, "price")
	if err != nil {
		return market.Trade{}, err
	}
	volume, err := parseField(values, "volume")
	if err != nil {
		return market.Trade{}, err
	}
	ts, err := parseField(values, "event_time")
	if err != nil {
		return market.Trade{}, err
	}
	tradeID, _ := values["trade_id"].(string)

	trade := market.Trade{
		Venue:     venue,
		Pair:      pair,
		Price:     price,
		Volume:    volume,
		EventTime: int64(ts),
		TradeID:   tradeID,
	}
	if err := trade.Validate(); err != nil {
		return market.Trade{}, err
	}
	return trade, nil
}

func parseField(values map[string]interface{}, key string) (float64, error) {
	s, ok := values[key].(string)
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", key, err)
	}
	return f, nil
}

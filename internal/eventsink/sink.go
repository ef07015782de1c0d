// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package eventsink forwards block events to Redis pub/sub so external
// subscribers can follow the observatory without joining the device network.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/ManuGH/obsnet/internal/log"
	"github.com/ManuGH/obsnet/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds the Redis connection and channel settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to the event type: "<prefix>:<type>".
	Prefix string
	// Buffer bounds the events waiting to be published.
	Buffer int
}

// Record is the JSON message published for each event.
type Record struct {
	Type    string    `json:"type"`
	Source  string    `json:"source,omitempty"`
	Summary string    `json:"summary,omitempty"`
	Time    time.Time `json:"time"`
}

// Sink publishes events asynchronously. Publish never blocks the caller;
// when the buffer is full the event is dropped and counted.
type Sink struct {
	client *redis.Client
	prefix string
	queue  chan Record
	logger zerolog.Logger
	now    func() time.Time

	stats struct {
		published atomic.Int64
		dropped   atomic.Int64
	}
}

// New connects to Redis and returns a sink ready to Run.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	s := newSink(client, cfg)
	s.logger.Info().
		Str(log.FieldEvent, "eventsink.connected").
		Str(log.FieldAddr, cfg.Addr).
		Str("prefix", s.prefix).
		Msg("connected to Redis event sink")
	return s, nil
}

func newSink(client *redis.Client, cfg Config) *Sink {
	if cfg.Prefix == "" {
		cfg.Prefix = "obsnet:events"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Sink{
		client: client,
		prefix: cfg.Prefix,
		queue:  make(chan Record, cfg.Buffer),
		logger: log.WithComponent("eventsink"),
		now:    time.Now,
	}
}

// Channel returns the pub/sub channel for an event type.
func (s *Sink) Channel(t block.EventType) string {
	return s.prefix + ":" + string(t)
}

// Publish queues ev. It is an EventHandler and runs on the block loop.
func (s *Sink) Publish(ev block.Event) {
	rec := Record{Type: string(ev.Type), Source: ev.Source, Time: s.now().UTC()}
	if sum, ok := ev.Payload.(block.Summarizer); ok {
		rec.Summary = sum.Summary()
	}
	select {
	case s.queue <- rec:
	default:
		s.stats.dropped.Add(1)
		metrics.IncEventSinkDrop(rec.Type, "buffer_full")
	}
}

// Run publishes queued events until ctx is done. Events still queued at
// shutdown are flushed with a short deadline.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-s.queue:
			s.send(ctx, rec)
		case <-ctx.Done():
			s.flush()
			return nil
		}
	}
}

func (s *Sink) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-s.queue:
			s.send(ctx, rec)
		default:
			return
		}
	}
}

func (s *Sink) send(ctx context.Context, rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.stats.dropped.Add(1)
		metrics.IncEventSinkDrop(rec.Type, "encode")
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.client.Publish(pubCtx, s.Channel(block.EventType(rec.Type)), data).Err(); err != nil {
		s.stats.dropped.Add(1)
		metrics.IncEventSinkDrop(rec.Type, "publish")
		s.logger.Warn().
			Str(log.FieldEvent, "eventsink.publish_failed").
			Str("type", rec.Type).
			Err(err).
			Msg("redis publish failed")
		return
	}
	s.stats.published.Add(1)
	metrics.IncEventSinkPublished(rec.Type)
}

// Published returns how many events reached Redis.
func (s *Sink) Published() int64 { return s.stats.published.Load() }

// Dropped returns how many events were dropped.
func (s *Sink) Dropped() int64 { return s.stats.dropped.Load() }

// HealthCheck checks that Redis answers.
func (s *Sink) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *Sink) Close() error {
	return s.client.Close()
}

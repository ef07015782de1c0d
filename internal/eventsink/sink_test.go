// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package eventsink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type summary string

func (s summary) Summary() string { return string(s) }

func setupMiniRedis(t *testing.T, buffer int) (*miniredis.Miniredis, *Sink) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := newSink(client, Config{Prefix: "test:events", Buffer: buffer})
	s.now = func() time.Time { return time.Date(2025, 3, 1, 22, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { _ = s.Close() })
	return mr, s
}

func TestPublishReachesSubscribers(t *testing.T) {
	_, s := setupMiniRedis(t, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := s.client.Subscribe(ctx, s.Channel(block.EventAstrometryOK))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Publish(block.Event{Type: block.EventAstrometryOK, Source: "imgp", Payload: summary("img 5 obs 12")})

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "test:events:astrometry-ok", msg.Channel)
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &rec))
		assert.Equal(t, Record{
			Type:    "astrometry-ok",
			Source:  "imgp",
			Summary: "img 5 obs 12",
			Time:    time.Date(2025, 3, 1, 22, 0, 0, 0, time.UTC),
		}, rec)
	case <-time.After(5 * time.Second):
		t.Fatal("no message published")
	}

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), s.Published())
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	_, s := setupMiniRedis(t, 1)

	s.Publish(block.Event{Type: block.EventDeviceFault})
	s.Publish(block.Event{Type: block.EventDeviceFault})

	assert.Equal(t, int64(1), s.Dropped())
	assert.Len(t, s.queue, 1)
}

func TestRunFlushesQueueOnShutdown(t *testing.T) {
	_, s := setupMiniRedis(t, 4)
	s.Publish(block.Event{Type: block.EventPhaseChanged, Payload: summary("night")})
	s.Publish(block.Event{Type: block.EventPhaseChanged, Payload: summary("dawn")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, int64(2), s.Published()+s.Dropped())
	require.NoError(t, s.HealthCheck(context.Background()))
}

package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, mr
}

func TestNewServiceAndPing(t *testing.T) {
	svc, _ := newTestService(t)
	assert.NotNil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestNewService_Unreachable(t *testing.T) {
	_, err := NewService("127.0.0.1:1", "")
	assert.Error(t, err)
}

func TestPublishEnvelope(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sub := svc.Client().Subscribe(ctx, roomChannel("room-1"))
	defer sub.Close()
	time.Sleep(50 * time.Millisecond)

	err := svc.Publish(ctx, "room-1", "message.new", map[string]string{"content": "hi"}, "u1")
	require.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &envelope))
	assert.Equal(t, "room-1", envelope.RoomID)
	assert.Equal(t, "message.new", envelope.Event)
	assert.Equal(t, "u1", envelope.SenderID)

	var inner map[string]string
	require.NoError(t, json.Unmarshal(envelope.Payload, &inner))
	assert.Equal(t, "hi", inner["content"])
}

func TestSubscribeDeliversAndStops(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	received := make(chan Envelope, 1)
	svc.Subscribe(ctx, "room-1", &wg, func(e Envelope) { received <- e })
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, svc.Publish(context.Background(), "room-1", "user.joined", map[string]string{"id": "u2"}, "u2"))

	select {
	case e := <-received:
		assert.Equal(t, "user.joined", e.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope delivered")
	}

	cancel()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestNilServiceIsNoOp(t *testing.T) {
	var svc *Service
	assert.NoError(t, svc.Publish(context.Background(), "room-1", "x", nil, ""))
	assert.NoError(t, svc.Ping(context.Background()))
	assert.NoError(t, svc.Close())
	assert.Nil(t, svc.Client())
	svc.Subscribe(context.Background(), "room-1", nil, nil)
}

// Package bus mirrors room events across hub instances through Redis
// pub/sub. A nil *Service degrades every call to a no-op so single-instance
// deployments run without Redis at all.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
)

// Envelope is the cross-instance event container. SenderID lets the
// receiving instance skip the originating connection and avoid echo loops.
type Envelope struct {
	RoomID   string          `json:"roomId"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
}

func roomChannel(roomID string) string {
	return "parley:room:" + roomID
}

// Service handles all interaction with Redis. It satisfies types.BusService.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewService connects to Redis and verifies the connection before returning.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(v)
		},
	}

	logging.Info(context.Background(), "connected to redis event bus", zap.String("addr", addr))
	return &Service{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// Client returns the underlying Redis client, for the limiter store and
// health checks.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// Publish mirrors one room event to the other hub instances. Publishing
// through an open breaker drops the event rather than failing the caller;
// the local fan-out has already happened.
func (s *Service) Publish(ctx context.Context, roomID string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		inner, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		data, err := json.Marshal(Envelope{
			RoomID:   roomID,
			Event:    event,
			Payload:  inner,
			SenderID: senderID,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, roomChannel(roomID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis breaker open, dropping publish", zap.String("room_id", roomID))
			return nil
		}
		logging.Error(ctx, "redis publish failed", zap.String("room_id", roomID), zap.Error(err))
		return err
	}
	return nil
}

// Subscribe listens for a room's mirrored events until ctx is cancelled and
// invokes handler for each one. The caller filters its own SenderID.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return
	}

	channel := roomChannel(roomID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}
		logging.Info(ctx, "subscribed to room channel", zap.String("channel", channel))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "redis subscription closed", zap.String("channel", channel))
					return
				}
				var envelope Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
					logging.Error(ctx, "bad bus envelope", zap.Error(err))
					continue
				}
				handler(envelope)
			}
		}
	}()
}

// Ping verifies Redis connectivity, for the health endpoint.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return err
}

// Close shuts the Redis connection down.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

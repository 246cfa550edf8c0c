package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/types"
)

const handshakeTimeout = 15 * time.Second

// WSDialer opens websocket connections to a speech provider. It satisfies
// both types.ASRClient and types.DialogClient; the name distinguishes the two
// in logs and breaker metrics.
type WSDialer struct {
	name   string
	url    string
	apiKey string
	cb     *gobreaker.CircuitBreaker
}

// NewASRDialer builds the dialer for the streaming recognition endpoint.
func NewASRDialer(url, apiKey string) *WSDialer {
	return newWSDialer("asr", url, apiKey)
}

// NewDialogDialer builds the dialer for the conversational voice endpoint.
func NewDialogDialer(url, apiKey string) *WSDialer {
	return newWSDialer("dialog", url, apiKey)
}

func newWSDialer(name, url, apiKey string) *WSDialer {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
		},
	}
	return &WSDialer{name: name, url: url, apiKey: apiKey, cb: gobreaker.NewCircuitBreaker(st)}
}

// Dial performs the websocket handshake. Each connection carries a fresh
// connect id so the provider can correlate its logs with ours.
func (d *WSDialer) Dial(ctx context.Context) (types.UpstreamConn, error) {
	if d == nil || d.url == "" {
		return nil, fmt.Errorf("upstream: %s endpoint not configured", d.label())
	}

	out, err := d.cb.Execute(func() (interface{}, error) {
		header := http.Header{}
		if d.apiKey != "" {
			header.Set("Authorization", "Bearer "+d.apiKey)
		}
		connectID := uuid.NewString()
		header.Set("X-Connect-Id", connectID)

		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, resp, err := dialer.DialContext(ctx, d.url, header)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			return nil, fmt.Errorf("upstream: dial %s (status %d): %w", d.name, status, err)
		}

		logging.Info(ctx, "upstream connected",
			zap.String("provider", d.name),
			zap.String("connect_id", connectID))
		return conn, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.CircuitBreakerFailures.WithLabelValues(d.name).Inc()
		}
		return nil, err
	}
	return out.(*websocket.Conn), nil
}

func (d *WSDialer) label() string {
	if d == nil {
		return "upstream"
	}
	return d.name
}

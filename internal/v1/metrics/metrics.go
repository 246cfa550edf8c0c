package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaboration hub.
//
// Naming convention: namespace_subsystem_name
// - namespace: parley (application-level grouping)
// - subsystem: websocket, room, agent, upstream, reaper
//
// Metric Types:
// - Gauge: current state (connections, rooms, members, upstream sessions)
// - Counter: cumulative events (messages fanned out, errors, reconnects)
// - Histogram: latency distributions (dispatch time, LLM call time)

var (
	// ActiveWebSocketConnections tracks the current number of live client sockets.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the member count per room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of live members in each room",
	}, []string{"room_id"})

	// PendingPasswordConnections tracks connections parked on the room
	// password challenge.
	PendingPasswordConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "room",
		Name:      "pending_password_connections",
		Help:      "Connections waiting on a room password challenge",
	})

	// WebsocketEvents counts processed client events by type and outcome.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks dispatch time per client event type.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "parley",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// FanoutMessages counts room fan-out deliveries by result.
	FanoutMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "room",
		Name:      "fanout_total",
		Help:      "Messages fanned out to room members",
	}, []string{"status"})

	// UpstreamSessions tracks live upstream provider sessions by kind (asr, dialog).
	UpstreamSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "upstream",
		Name:      "sessions_active",
		Help:      "Active upstream ASR/dialog sessions",
	}, []string{"kind"})

	// UpstreamReconnects counts upstream reconnect attempts by kind and result.
	UpstreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "upstream",
		Name:      "reconnects_total",
		Help:      "Upstream session reconnect attempts",
	}, []string{"kind", "status"})

	// AgentIterations observes how many LLM calls each agent invocation took.
	AgentIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "parley",
		Subsystem: "agent",
		Name:      "iterations",
		Help:      "LLM iterations per agent invocation",
		Buckets:   []float64{1, 2, 3, 4, 5, 7, 10, 11},
	})

	// AgentToolCalls counts executed tool calls by tool name and result.
	AgentToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "agent",
		Name:      "tool_calls_total",
		Help:      "Tool executions performed by the agent loop",
	}, []string{"tool", "status"})

	// LLMCallDuration tracks upstream chat-model latency.
	LLMCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "parley",
		Subsystem: "agent",
		Name:      "llm_call_seconds",
		Help:      "Latency of upstream LLM chat calls",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	// RateLimitRequests counts requests that passed a limiter check.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests admitted by the rate limiter",
	}, []string{"endpoint"})

	// RateLimitExceeded counts rejected requests by endpoint and key type.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"endpoint", "limit"})

	// CircuitBreakerState exposes breaker state per backend (0 closed, 1 open,
	// 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "backend",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend",
	}, []string{"backend"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "backend",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests rejected by an open circuit breaker",
	}, []string{"backend"})

	// ReaperEvictions counts reaper evictions by cache.
	ReaperEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "reaper",
		Name:      "evictions_total",
		Help:      "Entries evicted by the memory reaper",
	}, []string{"cache"})

	// HeapBytesObserved records the heap size seen at the last reap pass.
	HeapBytesObserved = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "reaper",
		Name:      "heap_bytes_observed",
		Help:      "Heap allocation observed by the last reaper pass",
	})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestConnectionGauge(t *testing.T) {
	before := testutil.ToFloat64(ActiveWebSocketConnections)

	IncConnection()
	IncConnection()
	assert.Equal(t, before+2, testutil.ToFloat64(ActiveWebSocketConnections))

	DecConnection()
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveWebSocketConnections))

	DecConnection()
	assert.Equal(t, before, testutil.ToFloat64(ActiveWebSocketConnections))
}

func TestRoomMembersPerRoom(t *testing.T) {
	RoomMembers.WithLabelValues("room-a").Set(3)
	RoomMembers.WithLabelValues("room-b").Set(1)

	assert.Equal(t, 3.0, testutil.ToFloat64(RoomMembers.WithLabelValues("room-a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(RoomMembers.WithLabelValues("room-b")))

	RoomMembers.DeleteLabelValues("room-a")
	RoomMembers.DeleteLabelValues("room-b")
}

func TestEventCounters(t *testing.T) {
	c := WebsocketEvents.WithLabelValues("message", "ok")
	before := testutil.ToFloat64(c)
	c.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(c))

	f := FanoutMessages.WithLabelValues("delivered")
	fb := testutil.ToFloat64(f)
	f.Add(5)
	assert.Equal(t, fb+5, testutil.ToFloat64(f))
}

func TestUpstreamGauges(t *testing.T) {
	g := UpstreamSessions.WithLabelValues("asr")
	before := testutil.ToFloat64(g)
	g.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(g))
	g.Dec()
	assert.Equal(t, before, testutil.ToFloat64(g))
}

package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/v1/dialproto"
	"github.com/parleyhq/parley/internal/v1/types"
)

// fakeConn scripts the upstream socket. Frames pushed to inbox are returned
// by ReadMessage; writes are recorded for inspection.
type fakeConn struct {
	mu        sync.Mutex
	writes    [][]byte
	inbox     chan []byte
	closeOnce sync.Once

	// onWrite, when set, runs after each recorded write, outside the lock.
	onWrite func(data []byte)
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 64)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbox
	if !ok {
		return 0, nil, io.EOF
	}
	return 2, data, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	f.writes = append(f.writes, data)
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(data)
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.inbox) })
	return nil
}

// push delivers a fabricated upstream frame.
func (f *fakeConn) push(eventID int32, payload any) {
	data, _ := json.Marshal(payload)
	f.inbox <- dialproto.EncodeClientEvent(eventID, "upstream-session", data)
}

func (f *fakeConn) written() []*dialproto.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*dialproto.Frame, 0, len(f.writes))
	for _, raw := range f.writes {
		frame, err := dialproto.Decode(raw)
		if err != nil {
			panic(err)
		}
		out = append(out, frame)
	}
	return out
}

// fakeDialer returns scripted connections, then errors.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) Dial(context.Context) (types.UpstreamConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, fmt.Errorf("upstream refused")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

// recordingListener collects every callback.
type recordingListener struct {
	mu       sync.Mutex
	states   []State
	finals   []string
	interims []string
	aiTexts  []string
	audio    [][]byte
	errors   []error
}

func (l *recordingListener) OnStateChange(_ *Session, state State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, state)
}

func (l *recordingListener) OnASRResult(_ *Session, text string, interim bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if interim {
		l.interims = append(l.interims, text)
	} else {
		l.finals = append(l.finals, text)
	}
}

func (l *recordingListener) OnAIResponse(_ *Session, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.aiTexts = append(l.aiTexts, text)
}

func (l *recordingListener) OnAIAudio(_ *Session, audio []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audio = append(l.audio, audio)
}

func (l *recordingListener) OnError(_ *Session, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, err)
}

func (l *recordingListener) lastState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return StateIdle
	}
	return l.states[len(l.states)-1]
}

func (l *recordingListener) finalCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.finals)
}

func (l *recordingListener) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, what)
}

func TestSession_ReadyGateBuffersAndFlushesFIFO(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	listener := &recordingListener{}
	m := NewManager(dialer, listener)

	s, err := m.Start(context.Background(), "room-1", "u1", "Alice")
	require.NoError(t, err)
	defer m.Stop("room-1", "u1")

	// Handshake opened with StartConnection only.
	waitFor(t, func() bool { return len(conn.written()) == 1 }, "start connection frame")
	assert.Equal(t, dialproto.EventClientStartConnection, conn.written()[0].EventID)
	assert.Equal(t, StateHandshaking, s.State())

	// 600 frames before readiness: capped at 500, none sent upstream.
	for i := 0; i < 600; i++ {
		s.Ingest([]byte(fmt.Sprintf("frame-%d", i)))
	}
	assert.Equal(t, 500, s.PendingCount())
	assert.Len(t, conn.written(), 1)

	conn.push(dialproto.EventConnectionStarted, map[string]any{})
	waitFor(t, func() bool { return len(conn.written()) == 2 }, "start session frame")
	assert.Equal(t, dialproto.EventClientStartSession, conn.written()[1].EventID)

	conn.push(dialproto.EventSessionStarted, map[string]any{})
	waitFor(t, func() bool { return s.State() == StateReady }, "ready state")

	// Exactly the 500 newest frames flushed, oldest first.
	writes := conn.written()
	require.Len(t, writes, 502)
	assert.Equal(t, "frame-100", writes[2].Text())
	assert.Equal(t, "frame-599", writes[501].Text())
	assert.Equal(t, 0, s.PendingCount())

	// Ready sessions stream straight through.
	s.Ingest([]byte("live-frame"))
	waitFor(t, func() bool { return len(conn.written()) == 503 }, "live frame forwarded")
	assert.Equal(t, "live-frame", conn.written()[502].Text())
}

func TestSession_FrameIngestedDuringFlushIsForwarded(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	listener := &recordingListener{}
	m := NewManager(dialer, listener)

	s, err := m.Start(context.Background(), "room-1", "u1", "Alice")
	require.NoError(t, err)
	defer m.Stop("room-1", "u1")

	waitFor(t, func() bool { return len(conn.written()) == 1 }, "start connection frame")
	s.Ingest([]byte("buffered"))

	// While the buffered frame is being written upstream another one
	// arrives. The session is not ready yet, so it lands in the buffer
	// and must be drained before the gate opens.
	var once sync.Once
	conn.mu.Lock()
	conn.onWrite = func(data []byte) {
		frame, err := dialproto.Decode(data)
		if err != nil || frame.Text() != "buffered" {
			return
		}
		once.Do(func() { s.Ingest([]byte("mid-flush")) })
	}
	conn.mu.Unlock()

	conn.push(dialproto.EventConnectionStarted, map[string]any{})
	conn.push(dialproto.EventSessionStarted, map[string]any{})
	waitFor(t, func() bool { return s.State() == StateReady }, "ready state")

	assert.Equal(t, 0, s.PendingCount())
	var texts []string
	for _, w := range conn.written() {
		texts = append(texts, w.Text())
	}
	assert.Contains(t, texts, "buffered")
	assert.Contains(t, texts, "mid-flush")
}

func TestSession_TranscriptAndAIEvents(t *testing.T) {
	conn := newFakeConn()
	listener := &recordingListener{}
	m := NewManager(&fakeDialer{conns: []*fakeConn{conn}}, listener)

	s, err := m.Start(context.Background(), "room-1", "u1", "Alice")
	require.NoError(t, err)
	s.now = func() time.Time { return time.Unix(0, 0) } // disarm cooldown checks
	defer m.Stop("room-1", "u1")

	conn.push(dialproto.EventASRResponse, dialproto.ASRResultPayload{
		Results: []dialproto.ASRUtterance{{Text: "hello there", Definite: false}},
	})
	conn.push(dialproto.EventChatResponse, dialproto.ChatResponsePayload{Content: "hi, how can I help?"})
	conn.inbox <- dialproto.EncodeClientEvent(dialproto.EventTTSResponse, "upstream-session", []byte("opus-bytes"))

	waitFor(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.interims) == 1 && len(listener.aiTexts) == 1 && len(listener.audio) == 1
	}, "all three event classes delivered")

	listener.mu.Lock()
	defer listener.mu.Unlock()
	assert.Equal(t, "hello there", listener.interims[0])
	assert.Equal(t, "hi, how can I help?", listener.aiTexts[0])
}

func TestSession_SingleCharMerge(t *testing.T) {
	listener := &recordingListener{}
	s := newSession("room-1", "u1", "Alice", nil, listener)
	base := time.Now()
	s.now = func() time.Time { return base }

	s.handleUtterance("好", true)
	assert.Equal(t, 0, listener.finalCount(), "single char is held")

	base = base.Add(emitCooldown + time.Millisecond)
	s.handleUtterance("的吗", true)
	require.Equal(t, 1, listener.finalCount())
	assert.Equal(t, "好的吗", listener.finals[0])
}

func TestSession_SingleCharFlushOnExpiry(t *testing.T) {
	listener := &recordingListener{}
	s := newSession("room-1", "u1", "Alice", nil, listener)

	s.handleUtterance("嗯", true)
	assert.Equal(t, 0, listener.finalCount())

	s.flushPendingChar()
	require.Equal(t, 1, listener.finalCount())
	assert.Equal(t, "嗯", listener.finals[0])
}

func TestSession_CooldownSuppresses(t *testing.T) {
	listener := &recordingListener{}
	s := newSession("room-1", "u1", "Alice", nil, listener)
	base := time.Now()
	s.now = func() time.Time { return base }

	s.handleUtterance("first final line", true)
	require.Equal(t, 1, listener.finalCount())

	// Inside the cooldown both finals and interims are dropped.
	base = base.Add(time.Second)
	s.handleUtterance("second final line", true)
	s.handleUtterance("interim", false)
	assert.Equal(t, 1, listener.finalCount())
	assert.Empty(t, listener.interims)

	// Past the cooldown and dedupe window output resumes.
	base = base.Add(emitCooldown + dedupeWindow)
	s.handleUtterance("a different sentence", true)
	assert.Equal(t, 2, listener.finalCount())
}

func TestSession_DuplicateSuppression(t *testing.T) {
	listener := &recordingListener{}
	s := newSession("room-1", "u1", "Alice", nil, listener)
	base := time.Now()
	s.now = func() time.Time { return base }

	s.emitFinal("turn on the lights")
	base = base.Add(time.Second)
	s.emitFinal("turn on the light") // near-identical within the window
	assert.Equal(t, 1, listener.finalCount())

	base = base.Add(dedupeWindow)
	s.emitFinal("turn on the light")
	assert.Equal(t, 2, listener.finalCount())
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, similarity("abc", "abc"))
	assert.Equal(t, 0.0, similarity("abc", "xyz"))
	assert.InDelta(t, 0.75, similarity("abcd", "abcx"), 0.001)
	assert.Equal(t, 1.0, similarity("", ""))
	// Length mismatch counts against the ratio.
	assert.InDelta(t, 0.5, similarity("ab", "abcd"), 0.001)
}

func TestSession_ReconnectExhaustionSurfacesError(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}} // redials all fail
	listener := &recordingListener{}
	m := NewManager(dialer, listener)

	s, err := m.Start(context.Background(), "room-1", "u1", "Alice")
	require.NoError(t, err)
	s.sleep = func(time.Duration) {}

	conn.Close() // upstream drops

	waitFor(t, func() bool { return listener.errorCount() == 1 }, "error surfaced")
	assert.Equal(t, StateClosed, s.State())
	dialer.mu.Lock()
	assert.Equal(t, 1+maxReconnectAttempts, dialer.dials)
	dialer.mu.Unlock()
}

func TestSession_ReconnectRecovers(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	listener := &recordingListener{}
	m := NewManager(dialer, listener)

	s, err := m.Start(context.Background(), "room-1", "u1", "Alice")
	require.NoError(t, err)
	s.sleep = func(time.Duration) {}
	defer m.Stop("room-1", "u1")

	first.Close()

	waitFor(t, func() bool { return len(second.written()) == 1 }, "handshake restarted")
	assert.Equal(t, dialproto.EventClientStartConnection, second.written()[0].EventID)

	second.push(dialproto.EventConnectionStarted, map[string]any{})
	second.push(dialproto.EventSessionStarted, map[string]any{})
	waitFor(t, func() bool { return s.State() == StateReady }, "ready after reconnect")
	assert.Equal(t, 0, listener.errorCount())
}

func TestSession_CloseSendsFinish(t *testing.T) {
	conn := newFakeConn()
	m := NewManager(&fakeDialer{conns: []*fakeConn{conn}}, &recordingListener{})

	_, err := m.Start(context.Background(), "room-1", "u1", "Alice")
	require.NoError(t, err)
	m.Stop("room-1", "u1")

	writes := conn.written()
	require.NotEmpty(t, writes)
	assert.Equal(t, dialproto.EventClientFinishSession, writes[len(writes)-1].EventID)
	assert.Equal(t, 0, m.Count())
}

func TestManager_FeedAndReap(t *testing.T) {
	conn := newFakeConn()
	m := NewManager(&fakeDialer{conns: []*fakeConn{conn}}, &recordingListener{})

	assert.False(t, m.Feed("room-1", "u1", []byte("x")), "no session yet")

	s, err := m.Start(context.Background(), "room-1", "u1", "Alice")
	require.NoError(t, err)
	assert.True(t, m.Feed("room-1", "u1", []byte("x")))
	assert.Equal(t, 1, m.Count())

	// Fresh sessions survive an age-bound pass.
	assert.Equal(t, 0, m.ReapIdle(30*time.Minute))

	s.mu.Lock()
	s.lastActive = time.Now().Add(-time.Hour)
	s.mu.Unlock()
	assert.Equal(t, 1, m.ReapIdle(30*time.Minute))
	assert.Equal(t, 0, m.Count())
}

func TestManager_StartWithoutProvider(t *testing.T) {
	m := NewManager(nil, &recordingListener{})
	_, err := m.Start(context.Background(), "room-1", "u1", "Alice")
	assert.Error(t, err)
}

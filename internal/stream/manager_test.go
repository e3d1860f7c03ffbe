package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rewired-gh/auctionsync/internal/models"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	frames chan []byte
	err    error

	mu         sync.Mutex
	closeCodes []websocket.StatusCode
	written    []any
}

// newDroppingConn returns a connection that reports an abnormal close on the first read.
func newDroppingConn() *fakeConn {
	c := &fakeConn{frames: make(chan []byte), err: websocket.CloseError{Code: websocket.StatusAbnormalClosure}}
	close(c.frames)
	return c
}

// newIdleConn returns a connection that delivers frames and then blocks until closed.
func newIdleConn(frames ...string) *fakeConn {
	c := &fakeConn{frames: make(chan []byte, len(frames))}
	for _, f := range frames {
		c.frames <- []byte(f)
	}
	return c
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return nil, c.err
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteJSON(_ context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v)
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCodes = append(c.closeCodes, code)
	return nil
}

func (c *fakeConn) closes() []websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]websocket.StatusCode(nil), c.closeCodes...)
}

type fakeDialer struct {
	mu    sync.Mutex
	calls int
	next  func(n int) (Conn, error)
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()
	return d.next(n)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func testConfig() Config {
	return Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxRetries: 5, DialTimeout: time.Second}
}

// observe returns an observer option and a function that waits for the next published state.
func observe(t *testing.T) (Option, func() models.ConnectionState) {
	t.Helper()
	states := make(chan models.ConnectionState, 128)
	opt := WithStateObserver(func(s models.ConnectionState) { states <- s })
	next := func() models.ConnectionState {
		t.Helper()
		select {
		case s := <-states:
			return s
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for connection state")
			return models.ConnectionState{}
		}
	}
	return opt, next
}

// untilClosed skips transitional states and returns the next Closed state.
func untilClosed(next func() models.ConnectionState) models.ConnectionState {
	for {
		if s := next(); s.Phase == models.PhaseClosed {
			return s
		}
	}
}

func TestBackoffScheduleAfterUnexpectedClose(t *testing.T) {
	mock := clock.NewMock()
	dialer := &fakeDialer{next: func(n int) (Conn, error) {
		if n == 1 {
			return newDroppingConn(), nil
		}
		return nil, errRefused
	}}
	m := NewManager(dialer, mock, testConfig())
	opt, next := observe(t)

	h := m.Open(context.Background(), "ws://test/ws/auction/1/", func(models.Envelope) {}, opt)
	defer h.Close()

	var delays []time.Duration
	for {
		s := untilClosed(next)
		if !s.Reconnecting() {
			require.Equal(t, 5, s.RetryCount)
			require.True(t, s.NextRetryAt.IsZero())
			break
		}
		d := s.NextRetryAt.Sub(mock.Now())
		delays = append(delays, d)
		mock.Add(d)
	}

	require.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, delays)

	mock.Add(time.Hour)
	require.Never(t, func() bool { return dialer.count() > 6 }, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, 6, dialer.count())
	require.Equal(t, models.PhaseClosed, h.State().Phase)
}

func TestBackoffResetsAfterSuccessfulOpen(t *testing.T) {
	mock := clock.NewMock()
	dialer := &fakeDialer{next: func(n int) (Conn, error) {
		if n == 2 {
			return nil, errRefused
		}
		return newDroppingConn(), nil
	}}
	m := NewManager(dialer, mock, testConfig())
	opt, next := observe(t)

	h := m.Open(context.Background(), "ws://test", func(models.Envelope) {}, opt)
	defer h.Close()

	s := untilClosed(next)
	require.Equal(t, time.Second, s.NextRetryAt.Sub(mock.Now()))
	mock.Add(time.Second)

	s = untilClosed(next)
	require.Equal(t, 2*time.Second, s.NextRetryAt.Sub(mock.Now()))
	mock.Add(2 * time.Second)

	// third dial opens, the connection drops again and the schedule starts over
	for s = next(); s.Phase != models.PhaseOpen; s = next() {
	}
	require.Equal(t, 0, s.RetryCount)
	s = untilClosed(next)
	require.Equal(t, 1, s.RetryCount)
	require.Equal(t, time.Second, s.NextRetryAt.Sub(mock.Now()))
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	mock := clock.NewMock()
	dialer := &fakeDialer{next: func(int) (Conn, error) { return nil, errRefused }}
	m := NewManager(dialer, mock, testConfig())
	opt, next := observe(t)

	h := m.Open(context.Background(), "ws://test", func(models.Envelope) {}, opt)
	s := untilClosed(next)
	require.True(t, s.Reconnecting())

	require.NoError(t, h.Close())
	final := h.State()
	require.Equal(t, models.PhaseClosed, final.Phase)
	require.False(t, final.Reconnecting())

	mock.Add(time.Minute)
	require.Never(t, func() bool { return dialer.count() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	require.ErrorIs(t, h.Reopen(), ErrReleased)
}

func TestContextCancelClosesHandle(t *testing.T) {
	mock := clock.NewMock()
	conn := newIdleConn()
	dialer := &fakeDialer{next: func(int) (Conn, error) { return conn, nil }}
	m := NewManager(dialer, mock, testConfig())
	opt, next := observe(t)

	ctx, cancel := context.WithCancel(context.Background())
	h := m.Open(ctx, "ws://test", func(models.Envelope) {}, opt)
	for s := next(); s.Phase != models.PhaseOpen; s = next() {
	}

	cancel()
	require.Eventually(t, func() bool {
		return len(conn.closes()) > 0
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []websocket.StatusCode{ManualCloseCode}, conn.closes())
	require.Equal(t, models.PhaseClosed, h.State().Phase)
	require.Equal(t, 1, dialer.count())
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	conn := newIdleConn(
		`not json`,
		`{"message":{"highest_bid":"1"}}`,
		`{"type":"bid_update","message":{"highest_bid":"120.00","bidder":"bob"}}`,
	)
	dialer := &fakeDialer{next: func(int) (Conn, error) { return conn, nil }}
	m := NewManager(dialer, clock.NewMock(), testConfig())

	events := make(chan models.Envelope, 4)
	h := m.Open(context.Background(), "ws://test", func(e models.Envelope) { events <- e }, WithOnOpen(func(ctx context.Context, h *Handle) {
		_ = h.Send(ctx, map[string]string{"type": models.TypeJoinAuction})
	}))
	defer h.Close()

	select {
	case e := <-events:
		require.Equal(t, models.TypeBidUpdate, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("valid message was not delivered")
	}
	require.Never(t, func() bool { return len(events) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, models.PhaseOpen, h.State().Phase)

	conn.mu.Lock()
	require.Len(t, conn.written, 1)
	conn.mu.Unlock()
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := newIdleConn()
	dialer := &fakeDialer{next: func(int) (Conn, error) { return conn, nil }}
	m := NewManager(dialer, clock.NewMock(), testConfig())
	opt, next := observe(t)

	h := m.Open(context.Background(), "ws://test", func(models.Envelope) {}, opt)
	for s := next(); s.Phase != models.PhaseOpen; s = next() {
	}

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	require.Equal(t, []websocket.StatusCode{ManualCloseCode}, conn.closes())
	require.ErrorIs(t, h.Send(context.Background(), "x"), ErrNotOpen)
}

func TestWebSocketRoundTrip(t *testing.T) {
	joined := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()

		var join map[string]string
		if err := wsjson.Read(r.Context(), c, &join); err != nil {
			return
		}
		joined <- join["type"]
		_ = wsjson.Write(r.Context(), c, map[string]any{
			"type":    models.TypeBidUpdate,
			"message": map[string]string{"highest_bid": "10.50", "bidder": "carol"},
		})
		_, _, _ = c.Read(r.Context())
	}))
	defer srv.Close()

	dialer := &WebSocketDialer{
		Header: func() http.Header {
			h := http.Header{}
			h.Set("Authorization", "Token secret")
			return h
		},
		ReadLimit: 1 << 20,
	}
	m := NewManager(dialer, clock.New(), testConfig())
	events := make(chan models.Envelope, 1)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/auction/1/"
	h := m.Open(context.Background(), url, func(e models.Envelope) { events <- e }, WithOnOpen(func(ctx context.Context, h *Handle) {
		_ = h.Send(ctx, map[string]string{"type": models.TypeJoinAuction})
	}))
	defer h.Close()

	select {
	case typ := <-joined:
		require.Equal(t, models.TypeJoinAuction, typ)
	case <-time.After(5 * time.Second):
		t.Fatal("server never received join")
	}

	select {
	case e := <-events:
		var p models.BidUpdatePayload
		require.NoError(t, e.Decode(&p))
		require.Equal(t, "carol", p.Bidder)
		require.Equal(t, "10.5", p.HighestBid.String())
	case <-time.After(5 * time.Second):
		t.Fatal("bid update not delivered")
	}
}

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/order"
	"execution-core/pkg/broker"
)

// fakeGateway accepts websocket connections and answers with respond.
type fakeGateway struct {
	rejectHandshakes int32
	dropAfterRead    bool
	respond          func(Request) (Reply, bool)

	handshakes atomic.Int32
	mu         sync.Mutex
	received   []Request
}

var testUpgrader = websocket.Upgrader{}

func (f *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.handshakes.Add(1) <= f.rejectHandshakes {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	ws, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, req)
		f.mu.Unlock()
		if f.dropAfterRead {
			return
		}
		if f.respond == nil {
			continue
		}
		if reply, ok := f.respond(req); ok {
			if err := ws.WriteJSON(reply); err != nil {
				return
			}
		}
	}
}

func (f *fakeGateway) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func startGateway(t *testing.T, f *fakeGateway) string {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fillAll(req Request) (Reply, bool) {
	switch req.Type {
	case TypePing:
		return Reply{Type: TypePong, UUID: req.UUID, Status: StatusOK, ServerTime: time.Now().UnixMilli()}, true
	case TypeGetAccount:
		return Reply{Type: TypeGetAccount, UUID: req.UUID, Status: StatusOK,
			AccountSnapshot: &broker.AccountSnapshot{Balance: 10000, Equity: 9990, Currency: "USD"}}, true
	}
	return Reply{Type: req.Type, UUID: req.UUID, Status: string(order.StatusFilled), Ticket: "7001", FillPrice: 1.085}, true
}

func signedOrder(id string) order.SignedOrder {
	return order.SignedOrder{
		Order: order.Order{
			ID:        id,
			Symbol:    "EURUSD",
			Side:      order.SideBuy,
			Volume:    0.01,
			CreatedAt: time.Now().UTC(),
		},
		Signature:  "RISK_PASS:00:2026-01-01T00:00:00.000Z",
		TTLSeconds: 5,
	}
}

type linkFlag bool

func (l linkFlag) Up() bool { return bool(l) }

func newTestClient(url string, opts ...ClientOption) *Client {
	return NewClient(ClientConfig{
		URL:            url,
		RequestTimeout: 200 * time.Millisecond,
		MaxRetries:     3,
		RetryInitial:   10 * time.Millisecond,
		RetryMax:       20 * time.Millisecond,
	}, zerolog.Nop(), opts...)
}

func TestSendOrderFilled(t *testing.T) {
	gw := &fakeGateway{respond: fillAll}
	var observed atomic.Int32
	c := newTestClient(startGateway(t, gw), WithLatencyObserver(func(MessageType, time.Duration) { observed.Add(1) }))
	defer c.Close()

	res, err := c.SendOrder(context.Background(), signedOrder("o-1"), 0)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, res.Status)
	assert.Equal(t, "7001", res.Ticket)
	assert.Equal(t, "o-1", res.RequestID)
	assert.Equal(t, int32(1), observed.Load())

	gw.mu.Lock()
	got := gw.received[0]
	gw.mu.Unlock()
	assert.Equal(t, TypeOrderOpen, got.Type)
	assert.Equal(t, "o-1", got.UUID)
	assert.Equal(t, 5, got.TTLSeconds)
}

func TestSendOrderTimeoutIsNotRetried(t *testing.T) {
	gw := &fakeGateway{}
	c := newTestClient(startGateway(t, gw))
	defer c.Close()

	res, err := c.SendOrder(context.Background(), signedOrder("o-2"), 100*time.Millisecond)
	require.ErrorIs(t, err, ErrReplyTimeout)
	assert.Equal(t, order.StatusTimeout, res.Status)
	assert.Equal(t, order.CodeReplyTimeout, res.ErrorCode)
	assert.False(t, res.NonFinancial)
	assert.Equal(t, 1, gw.count())
}

func TestSendOrderConnectionLostIsTimeout(t *testing.T) {
	gw := &fakeGateway{dropAfterRead: true}
	c := newTestClient(startGateway(t, gw))
	defer c.Close()

	res, err := c.SendOrder(context.Background(), signedOrder("o-3"), time.Second)
	require.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, order.StatusTimeout, res.Status)
	assert.Equal(t, order.CodeLinkLost, res.ErrorCode)
	assert.Equal(t, 1, gw.count())
}

func TestSendOrderRetriesDialWithSameUUID(t *testing.T) {
	gw := &fakeGateway{rejectHandshakes: 2, respond: fillAll}
	c := newTestClient(startGateway(t, gw))
	defer c.Close()

	res, err := c.SendOrder(context.Background(), signedOrder("o-4"), 0)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, res.Status)
	assert.Equal(t, int32(3), gw.handshakes.Load())
	assert.Equal(t, 1, gw.count())
}

func TestSendOrderGivesUpAfterMaxRetries(t *testing.T) {
	gw := &fakeGateway{rejectHandshakes: 100}
	c := newTestClient(startGateway(t, gw))
	defer c.Close()

	res, err := c.SendOrder(context.Background(), signedOrder("o-5"), 0)
	require.Error(t, err)
	assert.Equal(t, order.StatusRejected, res.Status)
	assert.Equal(t, order.CodeLinkDown, res.ErrorCode)
	assert.True(t, res.NonFinancial)
	assert.Equal(t, int32(4), gw.handshakes.Load())
}

func TestSendOrderRefusedWhileLinkDown(t *testing.T) {
	gw := &fakeGateway{respond: fillAll}
	c := newTestClient(startGateway(t, gw), WithLinkChecker(linkFlag(false)))
	defer c.Close()

	res, err := c.SendOrder(context.Background(), signedOrder("o-6"), 0)
	require.True(t, errors.Is(err, ErrLinkDown))
	assert.Equal(t, order.StatusRejected, res.Status)
	assert.Equal(t, order.CodeLinkDown, res.ErrorCode)
	assert.Equal(t, int32(0), gw.handshakes.Load())
}

func TestGetAccountAndPing(t *testing.T) {
	gw := &fakeGateway{respond: fillAll}
	clock := NewClock()
	c := newTestClient(startGateway(t, gw), WithClock(clock))
	defer c.Close()

	acct, err := c.GetAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10000.0, acct.Balance)
	assert.Equal(t, "USD", acct.Currency)

	pong, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.False(t, pong.ServerTime.IsZero())
	assert.False(t, clock.LastSync().IsZero())
	assert.Less(t, clock.Offset().Abs(), time.Second)
}

func TestClosedClientRefuses(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1/ws")
	require.NoError(t, c.Close())
	_, err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClockObserveUsesMidpoint(t *testing.T) {
	c := NewClock()
	sent := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recv := sent.Add(100 * time.Millisecond)
	c.Observe(sent, recv, sent.Add(2050*time.Millisecond))
	assert.Equal(t, 2*time.Second, c.Offset())

	c.Observe(sent, sent.Add(-time.Second), sent)
	assert.Equal(t, 2*time.Second, c.Offset())
}

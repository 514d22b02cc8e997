package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/holdpay/internal/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func register(h *Hub, accountID int64, sub Subscription) *Client {
	client := &Client{hub: h, send: make(chan []byte, 256), accountID: accountID, sub: sub}
	h.register <- client
	return client
}

func fundsEvent(accountID int64, amount string) *Event {
	return &Event{
		Type:      EventFundsReceived,
		AccountID: accountID,
		Timestamp: time.Now(),
		Data:      FundsReceived{TransactionID: 1, Amount: decimal.RequireFromString(amount)},
	}
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func assertNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected event %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestShouldSend_AccountScoped(t *testing.T) {
	h := testHub()
	client := &Client{accountID: 7}

	assert.True(t, h.shouldSend(client, fundsEvent(7, "1")))
	assert.False(t, h.shouldSend(client, fundsEvent(8, "1")))
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{accountID: 7, sub: Subscription{EventTypes: []EventType{"other"}}}
	assert.False(t, h.shouldSend(client, fundsEvent(7, "1")))

	client.sub.EventTypes = append(client.sub.EventTypes, EventFundsReceived)
	assert.True(t, h.shouldSend(client, fundsEvent(7, "1")))
}

func TestShouldSend_MinAmountFilter(t *testing.T) {
	h := testHub()
	floor := decimal.RequireFromString("10.00")
	client := &Client{accountID: 7, sub: Subscription{MinAmount: &floor}}

	assert.False(t, h.shouldSend(client, fundsEvent(7, "9.99")))
	assert.True(t, h.shouldSend(client, fundsEvent(7, "10")))
	assert.True(t, h.shouldSend(client, fundsEvent(7, "250")))
}

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
	assert.Equal(t, int64(0), stats["droppedEvents"])
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)

	client := register(h, 1, Subscription{})
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])

	h.unregister <- client
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"], "peak survives disconnects")
}

func TestHub_FundsReceivedGoesToReceiverOnly(t *testing.T) {
	h := runHub(t)
	receiver := register(h, 2, Subscription{})
	sender := register(h, 1, Subscription{})

	processed := time.Date(2026, 10, 19, 12, 20, 0, 0, time.UTC)
	h.FundsReceived(context.Background(), &ledger.Transaction{
		ID:          42,
		Reference:   "ref-42",
		SenderID:    1,
		ReceiverID:  2,
		Amount:      decimal.RequireFromString("12.50"),
		Kind:        ledger.KindSend,
		Purpose:     ledger.PurposeGoodsServices,
		ProcessedAt: &processed,
	})

	ev := receive(t, receiver)
	assert.Equal(t, EventFundsReceived, ev.Type)
	assert.Equal(t, int64(2), ev.AccountID)
	assert.True(t, ev.Timestamp.Equal(processed))
	data, ok := ev.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), data["transactionId"])
	assert.Equal(t, "12.5", data["amount"])

	assertNothing(t, sender)
}

func TestHub_BroadcastDropsWhenFull(t *testing.T) {
	h := testHub() // not running, so nothing drains the channel
	for i := 0; i < cap(h.broadcast)+3; i++ {
		h.Broadcast(fundsEvent(1, "1"))
	}
	assert.Equal(t, int64(3), h.Stats()["droppedEvents"])
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	assert.True(t, h.Running())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
	assert.False(t, h.Running())
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, 5)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Subscription{MinAmount: ptr(decimal.NewFromInt(10))}))
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond) // let readPump apply the subscription

	h.Broadcast(fundsEvent(5, "3"))
	h.Broadcast(fundsEvent(6, "30"))
	h.Broadcast(fundsEvent(5, "30"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, int64(5), ev.AccountID)
	assert.Equal(t, "30", ev.Data.(map[string]any)["amount"])
}

func TestHub_RejectsUpgradeAfterStop(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx)

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil), 1)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func ptr[T any](v T) *T { return &v }

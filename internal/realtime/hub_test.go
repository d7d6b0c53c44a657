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

	"github.com/cryptohook/cryptohook/internal/amount"
	"github.com/cryptohook/cryptohook/internal/payments"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func testRequest(id, addr string) *payments.PaymentRequest {
	return &payments.PaymentRequest{
		ID:                    id,
		Status:                payments.StatusPaid,
		CurrencySymbol:        "BTC",
		Network:               "Main",
		AmountExpected:        amount.FromInt64(100000),
		AmountPaid:            amount.FromInt64(100000),
		ConfirmationsObserved: 1,
		ConfirmationsRequired: 2,
		ReceivingAddress:      addr,
		TransactionID:         "tx1",
	}
}

// ---------------------------------------------------------------------------
// Subscription tests
// ---------------------------------------------------------------------------

func TestSubscription_Empty(t *testing.T) {
	u := &PaymentUpdate{PaymentID: "p1", Currency: "BTC"}
	if !(Subscription{}).matches(u) {
		t.Error("empty subscription should match everything")
	}
}

func TestSubscription_PaymentAndAddress(t *testing.T) {
	sub := Subscription{PaymentIDs: []string{"p1"}, Addresses: []string{"0xABC"}}

	if !sub.matches(&PaymentUpdate{PaymentID: "p1", ReceivingAddress: "0xother"}) {
		t.Error("should match on payment id")
	}
	if !sub.matches(&PaymentUpdate{PaymentID: "p2", ReceivingAddress: "0xabc"}) {
		t.Error("should match on address case-insensitively")
	}
	if sub.matches(&PaymentUpdate{PaymentID: "p2", ReceivingAddress: "0xdef"}) {
		t.Error("should NOT match unrelated payment")
	}
}

func TestSubscription_CurrencyFilter(t *testing.T) {
	sub := Subscription{Currencies: []string{"eth"}}

	if sub.matches(&PaymentUpdate{PaymentID: "p1", Currency: "BTC"}) {
		t.Error("should NOT match other currency")
	}
	if !sub.matches(&PaymentUpdate{PaymentID: "p1", Currency: "ETH"}) {
		t.Error("should match currency")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"] != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"] != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256)}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"] != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"] != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"] != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_AttachDetachAfterStop(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	client := &Client{hub: h, send: make(chan []byte, 1)}
	result := make(chan bool, 1)
	go func() {
		ok := h.attach(client)
		h.detach(client)
		result <- ok
	}()

	select {
	case ok := <-result:
		if ok {
			t.Error("Expected attach to refuse a stopped hub")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("attach or detach blocked after the hub stopped")
	}
}

func TestHub_PublishPayment(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256)}
	h.register <- client

	h.PublishPayment(testRequest("p1", "bc1qaddr"))

	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type != EventPaymentUpdated {
			t.Errorf("Expected %s, got %s", EventPaymentUpdated, ev.Type)
		}
		if ev.Data.PaymentID != "p1" || ev.Data.Status != payments.StatusPaid {
			t.Errorf("unexpected data: %+v", ev.Data)
		}
		if ev.Data.AmountPaid.String() != "100000" {
			t.Errorf("Expected amountPaid 100000, got %s", ev.Data.AmountPaid)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for broadcast")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{PaymentIDs: []string{"p2"}},
	}
	h.register <- client

	h.PublishPayment(testRequest("p1", "bc1qone"))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive update for p1")
	default:
	}

	h.PublishPayment(testRequest("p2", "bc1qtwo"))

	select {
	case msg := <-client.send:
		if !strings.Contains(string(msg), `"paymentId":"p2"`) {
			t.Errorf("unexpected message %s", msg)
		}
	case <-time.After(time.Second):
		t.Error("Client should receive update for p2")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketQueryFilter(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?address=BC1QWATCHED"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"] != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.PublishPayment(testRequest("p1", "bc1qother"))
	h.PublishPayment(testRequest("p2", "bc1qwatched"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Data.PaymentID != "p2" {
		t.Errorf("Expected p2, got %s", ev.Data.PaymentID)
	}
}

func TestHub_RejectsAfterShutdown(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest("GET", "/v1/ws", nil))
	if rec.Code != 503 {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

package engine_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dmx/decision-engine/internal/engine"
	"github.com/dmx/decision-engine/internal/metrics"
)

// The hub must upgrade connections on routes wrapped by the metrics
// middleware, which requires the wrapped response writer to expose
// http.Hijacker.
func TestHandleWS_UpgradeBehindMetricsMiddleware(t *testing.T) {
	hub := engine.NewWSHub()
	go hub.Run()

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101 Switching Protocols, got %d", resp.StatusCode)
	}

	// Registration races the dial returning, so keep broadcasting until
	// the client sees a message or the deadline trips.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hub.Broadcast(engine.WSMessage{Type: "trade_executed", DecisionID: 7})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg engine.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if msg.Type != "trade_executed" || msg.DecisionID != 7 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

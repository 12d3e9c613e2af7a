package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"meshvoice/client/internal/protocol"
)

var upgrader = websocket.Upgrader{}

// echoServer accepts one connection and echoes back any non-ping envelope,
// replying to Ping with Pong.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == protocol.TypePing {
				conn.WriteJSON(protocol.Envelope{Type: protocol.TypePong})
				continue
			}
			conn.WriteJSON(env)
		}
	}))
}

func TestConnectAndSendReceivesEcho(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()
	addr := "ws" + srv.URL[len("http"):]

	c := New(addr)
	received := make(chan protocol.Envelope, 4)
	c.SetOnEnvelope(func(e protocol.Envelope) { received <- e })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Connect(ctx)
	defer c.Disconnect()

	deadline := time.After(2 * time.Second)
	for c.State() != Connected {
		select {
		case <-deadline:
			t.Fatal("never reached Connected state")
		case <-time.After(10 * time.Millisecond):
		}
	}

	c.Send(protocol.Envelope{Type: protocol.TypeJoin, RoomID: "R"})

	select {
	case env := <-received:
		if env.Type != protocol.TypeJoin || env.RoomID != "R" {
			t.Fatalf("unexpected echo: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestSendBufferDiscardsOldestOnOverflow(t *testing.T) {
	c := New("ws://unused")
	for i := 0; i < outboundBuf+5; i++ {
		c.Send(protocol.Envelope{Type: protocol.TypePing})
	}
	if len(c.outbound) != outboundBuf {
		t.Fatalf("expected buffer capped at %d, got %d", outboundBuf, len(c.outbound))
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()
	addr := "ws" + srv.URL[len("http"):]

	c := New(addr)
	c.Connect(context.Background())
	time.Sleep(50 * time.Millisecond)
	c.Disconnect()
	c.Disconnect() // must not panic or hang
}

func TestNextBackoffCapsAndJitterStaysNonNegative(t *testing.T) {
	d := backoffInitial
	for i := 0; i < 10; i++ {
		d = nextBackoff(d)
		if d > backoffCap {
			t.Fatalf("backoff exceeded cap: %s", d)
		}
		j := jitter(d)
		if j < 0 {
			t.Fatalf("jitter produced negative duration: %s", j)
		}
	}
}

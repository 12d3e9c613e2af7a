package mesh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"meshvoice/client/internal/adapt"
	"meshvoice/client/internal/protocol"
)

// fakeRendezvous is a minimal single-room relay good enough to drive
// Scenario A (spec.md §8) end to end against real Controllers: it assigns
// participant ids, answers Join with JoinAck, and relays addressed
// envelopes verbatim with SenderID attached.
type fakeRendezvous struct {
	mu      sync.Mutex
	nextID  int
	conns   map[string]*websocket.Conn
	connsMu sync.Mutex
}

func newFakeRendezvous() *fakeRendezvous {
	return &fakeRendezvous{conns: make(map[string]*websocket.Conn)}
}

var upgrader = websocket.Upgrader{}

func (f *fakeRendezvous) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	var myID string
	defer func() {
		if myID != "" {
			f.connsMu.Lock()
			delete(f.conns, myID)
			f.connsMu.Unlock()
		}
		conn.Close()
	}()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case protocol.TypeJoin:
			f.mu.Lock()
			f.nextID++
			myID = "p" + itoa(f.nextID)
			f.mu.Unlock()

			f.connsMu.Lock()
			var existing []protocol.Participant
			for id := range f.conns {
				existing = append(existing, protocol.Participant{ID: id})
			}
			f.conns[myID] = conn
			f.connsMu.Unlock()

			conn.WriteJSON(protocol.Envelope{
				Type:    protocol.TypeJoinAck,
				Payload: protocol.EnvelopePayload{ParticipantID: myID, Existing: existing},
			})

			f.connsMu.Lock()
			for id, c := range f.conns {
				if id == myID {
					continue
				}
				c.WriteJSON(protocol.Envelope{Type: protocol.TypePeerJoined, Payload: protocol.EnvelopePayload{ParticipantID: myID}})
			}
			f.connsMu.Unlock()

		case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeIceCandidate:
			env.SenderID = myID
			f.connsMu.Lock()
			target, ok := f.conns[env.TargetID]
			f.connsMu.Unlock()
			if ok {
				target.WriteJSON(env)
			}

		case protocol.TypeLeave:
			f.connsMu.Lock()
			delete(f.conns, myID)
			for id, c := range f.conns {
				if id == myID {
					continue
				}
				c.WriteJSON(protocol.Envelope{
					Type:     protocol.TypePeerLeft,
					SenderID: myID,
					Payload:  protocol.EnvelopePayload{ParticipantID: myID},
				})
			}
			f.connsMu.Unlock()

		case protocol.TypePing:
			conn.WriteJSON(protocol.Envelope{Type: protocol.TypePong})
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// TestScenarioATwoPeerMeshCompleteness drives two full Controllers against
// a fake rendezvous server and checks the structural half of Property 1
// (mesh completeness) for a two-peer room: each side holds exactly one
// session, for the other, and A observes PeerJoined(B). Session roles and
// negotiation state are not inspected here.
func TestScenarioATwoPeerMeshCompleteness(t *testing.T) {
	rv := newFakeRendezvous()
	srv := httptest.NewServer(http.HandlerFunc(rv.handle))
	defer srv.Close()
	addr := "ws" + srv.URL[len("http"):]

	a := New(addr, nil)
	b := New(addr, nil)
	defer a.LeaveRoom()
	defer b.LeaveRoom()

	var aJoined, bJoined []string
	var mu sync.Mutex
	a.SetOnPeerJoined(func(id string) { mu.Lock(); aJoined = append(aJoined, id); mu.Unlock() })
	b.SetOnPeerJoined(func(id string) { mu.Lock(); bJoined = append(bJoined, id); mu.Unlock() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.JoinRoom(ctx, "R", "alice")
	waitFor(t, func() bool { return a.SelfID() != "" }, 2*time.Second)

	b.JoinRoom(ctx, "R", "bob")
	waitFor(t, func() bool { return b.SelfID() != "" }, 2*time.Second)

	// B is the newcomer: it creates the session as initiator toward A and
	// must add a track to trigger the actual offer (see session package
	// tests for the negotiate-on-AddTrack contract). Exercise that here by
	// starting each side's microphone is impractical without hardware in
	// this environment, so add a bare data-only track isn't applicable —
	// instead verify the structural half of mesh completeness: each side
	// holds exactly one session for the other.
	waitFor(t, func() bool { return len(a.Participants()) == 1 }, 2*time.Second)
	waitFor(t, func() bool { return len(b.Participants()) == 1 }, 2*time.Second)

	if a.Participants()[0] != b.SelfID() {
		t.Fatalf("A's session partner = %q, want B's id %q", a.Participants()[0], b.SelfID())
	}
	if len(b.Participants()) != 1 || b.Participants()[0] != a.SelfID() {
		t.Fatalf("B's participant set = %v, want [%q]", b.Participants(), a.SelfID())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(aJoined) != 1 || aJoined[0] != b.SelfID() {
		t.Errorf("expected A to observe PeerJoined(B), got %v", aJoined)
	}
}

// TestPeerLeftDropsSession exercises spec.md §4.5 step 4: on PeerLeft(x),
// the controller must drop x's session and remove it from the aggregate
// participant view.
func TestPeerLeftDropsSession(t *testing.T) {
	rv := newFakeRendezvous()
	srv := httptest.NewServer(http.HandlerFunc(rv.handle))
	defer srv.Close()
	addr := "ws" + srv.URL[len("http"):]

	a := New(addr, nil)
	b := New(addr, nil)
	defer a.LeaveRoom()

	var aLeft []string
	var mu sync.Mutex
	a.SetOnPeerLeft(func(id string) { mu.Lock(); aLeft = append(aLeft, id); mu.Unlock() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.JoinRoom(ctx, "R", "alice")
	waitFor(t, func() bool { return a.SelfID() != "" }, 2*time.Second)

	b.JoinRoom(ctx, "R", "bob")
	waitFor(t, func() bool { return b.SelfID() != "" }, 2*time.Second)
	waitFor(t, func() bool { return len(a.Participants()) == 1 }, 2*time.Second)

	bID := b.SelfID()
	b.LeaveRoom()

	waitFor(t, func() bool { return len(a.Participants()) == 0 }, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(aLeft) != 1 || aLeft[0] != bID {
		t.Errorf("expected A to observe PeerLeft(%s), got %v", bID, aLeft)
	}
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestQualityLevelThresholds(t *testing.T) {
	cases := []struct {
		loss, rtt, jitter float64
		want              string
	}{
		{0, 10, 5, "good"},
		{0.03, 10, 5, "moderate"},
		{0, 150, 5, "moderate"},
		{0, 10, 25, "moderate"},
		{0.15, 10, 5, "poor"},
		{0, 350, 5, "poor"},
		{0, 10, 60, "poor"},
	}
	for _, c := range cases {
		if got := qualityLevel(c.loss, c.rtt, c.jitter); got != c.want {
			t.Errorf("qualityLevel(%v,%v,%v) = %q, want %q", c.loss, c.rtt, c.jitter, got, c.want)
		}
	}
}

func TestUpdateMetricsRecordsAndClassifies(t *testing.T) {
	c := New("ws://unused", nil)
	m := c.UpdateMetrics("peer1", 20, 0, 2)
	if m.QualityLevel != "good" {
		t.Errorf("expected good quality, got %q", m.QualityLevel)
	}
	if m.BitrateKbps <= adapt.DefaultKbps {
		t.Errorf("expected a good link to step bitrate up from the default %d, got %d", adapt.DefaultKbps, m.BitrateKbps)
	}
	if m.JitterDepthFrames < 1 {
		t.Errorf("expected a positive jitter depth, got %d", m.JitterDepthFrames)
	}
	got, ok := c.MetricsFor("peer1")
	if !ok || got.RTTMs != 20 {
		t.Fatalf("MetricsFor returned %+v, ok=%v", got, ok)
	}

	// A second, lossy measurement should step the bitrate back down from
	// whatever the first call settled on, exercising the adapt.NextBitrate
	// wiring rather than just its default.
	m2 := c.UpdateMetrics("peer1", 20, 0.1, 2)
	if m2.BitrateKbps >= m.BitrateKbps {
		t.Errorf("expected bitrate to step down under loss: first=%d second=%d", m.BitrateKbps, m2.BitrateKbps)
	}
}

package core

import (
	"testing"

	"meshvoice/server/internal/protocol"
)

func TestJoinAssignsRoomAndReturnsExisting(t *testing.T) {
	r := NewRooms()

	a := r.Accept(8)
	if _, err := r.Join(a.ParticipantID, "R", "alice"); err != nil {
		t.Fatalf("join a: %v", err)
	}

	b := r.Accept(8)
	existing, err := r.Join(b.ParticipantID, "R", "bob")
	if err != nil {
		t.Fatalf("join b: %v", err)
	}
	if len(existing) != 1 || existing[0].ID != a.ParticipantID {
		t.Fatalf("expected existing=[a], got %+v", existing)
	}

	members := r.Members("R", "")
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
}

func TestRejoinSameRoomLeavesMembershipUnchanged(t *testing.T) {
	r := NewRooms()
	a := r.Accept(8)
	if _, err := r.Join(a.ParticipantID, "R", "alice"); err != nil {
		t.Fatal(err)
	}
	before := r.Members("R", "")

	if _, err := r.Join(a.ParticipantID, "R", "alice"); err != nil {
		t.Fatal(err)
	}
	after := r.Members("R", "")

	if len(before) != len(after) || r.RoomCount() != 1 {
		t.Fatalf("rejoin changed membership: before=%v after=%v rooms=%d", before, after, r.RoomCount())
	}
}

func TestJoinOtherRoomLeavesPrevious(t *testing.T) {
	r := NewRooms()
	a := r.Accept(8)
	if _, err := r.Join(a.ParticipantID, "R1", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Join(a.ParticipantID, "R2", "alice"); err != nil {
		t.Fatal(err)
	}
	if r.InRoom("R1", a.ParticipantID) {
		t.Fatal("still a member of R1 after joining R2")
	}
	if !r.InRoom("R2", a.ParticipantID) {
		t.Fatal("not a member of R2")
	}
	if r.RoomCount() != 1 {
		t.Fatalf("expected R1 to be deleted when emptied, rooms=%d", r.RoomCount())
	}
}

func TestLeaveDeletesEmptyRoom(t *testing.T) {
	r := NewRooms()
	a := r.Accept(8)
	if _, err := r.Join(a.ParticipantID, "R", "alice"); err != nil {
		t.Fatal(err)
	}
	roomID, wasJoined := r.Leave(a.ParticipantID)
	if !wasJoined || roomID != "R" {
		t.Fatalf("leave: roomID=%q wasJoined=%v", roomID, wasJoined)
	}
	if r.RoomCount() != 0 {
		t.Fatalf("expected room deleted, got count=%d", r.RoomCount())
	}
}

func TestMembershipExclusivity(t *testing.T) {
	r := NewRooms()
	a := r.Accept(8)
	if _, err := r.Join(a.ParticipantID, "R1", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Join(a.ParticipantID, "R2", "alice"); err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, room := range []string{"R1", "R2"} {
		if r.InRoom(room, a.ParticipantID) {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("participant belongs to %d rooms at once, want 1", count)
	}
}

func TestDisconnectRemovesFromRoomAndClosesMailbox(t *testing.T) {
	r := NewRooms()
	a := r.Accept(8)
	if _, err := r.Join(a.ParticipantID, "R", "alice"); err != nil {
		t.Fatal(err)
	}
	roomID, wasJoined := r.Disconnect(a.ParticipantID)
	if !wasJoined || roomID != "R" {
		t.Fatalf("disconnect: roomID=%q wasJoined=%v", roomID, wasJoined)
	}
	if r.RoomOf(a.ParticipantID) != "" {
		t.Fatal("participant still tracked after disconnect")
	}
	// Sending to a disconnected participant must not panic and must be a no-op.
	r.Send(a.ParticipantID, protocol.Envelope{Type: protocol.TypePing})
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := NewRooms()
	a := r.Accept(8)
	b := r.Accept(8)
	if _, err := r.Join(a.ParticipantID, "R", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Join(b.ParticipantID, "R", "bob"); err != nil {
		t.Fatal(err)
	}

	r.Broadcast("R", protocol.Envelope{Type: protocol.TypePeerJoined, SenderID: a.ParticipantID}, a.ParticipantID)

	select {
	case env := <-b.Send:
		if env.Type != protocol.TypePeerJoined {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	default:
		t.Fatal("expected b to receive broadcast")
	}

	select {
	case env := <-a.Send:
		t.Fatalf("sender should be excluded from broadcast, got %+v", env)
	default:
	}
}

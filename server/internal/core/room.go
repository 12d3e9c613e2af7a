// Package core holds the Rendezvous Server's in-memory room membership
// state: component R of spec.md §4.1. It never inspects SDP or ICE
// payloads — it only tracks who is in which room and relays envelopes.
package core

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meshvoice/server/internal/protocol"

	"github.com/google/uuid"
)

// SendTimeout bounds how long a relay write to one connection may block
// before it is treated as a dead peer and dropped rather than stalling the
// sender's whole dispatch loop.
const SendTimeout = 50 * time.Millisecond

// Session is one connected peer's mutable per-connection record plus its
// outbound mailbox.
type Session struct {
	ParticipantID string
	Send          chan protocol.Envelope
}

type connRecord struct {
	participantID string
	name          string
	roomID        string // "" when not joined to any room
	joinedAt      int64
	send          chan protocol.Envelope
}

// Rooms owns the room → participant-set mapping for every connection
// presently attached to this server. All mutation goes through its
// methods; there is no other writer (spec.md §5 "owner-only mutation").
type Rooms struct {
	mu    sync.RWMutex
	conns map[string]*connRecord   // participantID -> record
	rooms map[string]map[string]bool // roomID -> set of participantID
}

// NewRooms returns an empty membership tracker.
func NewRooms() *Rooms {
	return &Rooms{
		conns: make(map[string]*connRecord),
		rooms: make(map[string]map[string]bool),
	}
}

// Accept allocates a connection record with no room yet and returns its
// Session (mailbox) plus the freshly assigned participant id. Per spec.md
// §4.1 "Accept connection."
func (r *Rooms) Accept(sendBuf int) *Session {
	if sendBuf <= 0 {
		sendBuf = 32
	}
	id := uuid.NewString()
	rec := &connRecord{
		participantID: id,
		send:          make(chan protocol.Envelope, sendBuf),
	}
	r.mu.Lock()
	r.conns[id] = rec
	r.mu.Unlock()
	return &Session{ParticipantID: id, Send: rec.send}
}

// Join moves participantID into roomID, leaving any prior room first
// (spec.md §4.1 "Handle Join"). name is recorded for presence snapshots.
// Returns the existing members of roomID (excluding participantID) as they
// stood at the moment of the join, for JoinAck.
func (r *Rooms) Join(participantID, roomID, name string) (existing []protocol.Participant, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[participantID]
	if !ok {
		return nil, fmt.Errorf("join: unknown connection %q", participantID)
	}

	if rec.roomID != "" && rec.roomID != roomID {
		r.leaveLocked(rec)
	}

	rec.name = name
	rec.joinedAt = time.Now().UnixMilli()
	rec.roomID = roomID

	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]bool)
	}

	for pid := range r.rooms[roomID] {
		if pid == participantID {
			continue
		}
		if other, ok := r.conns[pid]; ok {
			existing = append(existing, protocol.Participant{
				ID: other.participantID, Name: other.name, JoinedAt: other.joinedAt,
			})
		}
	}

	r.rooms[roomID][participantID] = true
	return existing, nil
}

// Leave removes participantID from its current room, deleting the room if
// it becomes empty (spec.md §4.1 invariant (c)). Returns the room it left
// and whether it was in a room at all.
func (r *Rooms) Leave(participantID string) (roomID string, wasJoined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.conns[participantID]
	if !ok || rec.roomID == "" {
		return "", false
	}
	roomID = rec.roomID
	r.leaveLocked(rec)
	return roomID, true
}

// leaveLocked removes rec from its current room. Caller holds r.mu.
func (r *Rooms) leaveLocked(rec *connRecord) {
	roomID := rec.roomID
	if members, ok := r.rooms[roomID]; ok {
		delete(members, rec.participantID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	rec.roomID = ""
}

// Disconnect fully removes a connection (participant left the server
// entirely, e.g. socket close). Equivalent to Leave followed by forgetting
// the connection record (spec.md §4.1 "Connection close").
func (r *Rooms) Disconnect(participantID string) (roomID string, wasJoined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.conns[participantID]
	if !ok {
		return "", false
	}
	roomID = rec.roomID
	wasJoined = roomID != ""
	if wasJoined {
		r.leaveLocked(rec)
	}
	close(rec.send)
	delete(r.conns, participantID)
	return roomID, wasJoined
}

// Members returns the participant ids currently in roomID, excluding
// exclude (pass "" to include everyone).
func (r *Rooms) Members(roomID, exclude string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for pid := range r.rooms[roomID] {
		if pid != exclude {
			out = append(out, pid)
		}
	}
	return out
}

// RoomOf returns the room a participant currently belongs to, or "" if none.
func (r *Rooms) RoomOf(participantID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.conns[participantID]; ok {
		return rec.roomID
	}
	return ""
}

// InRoom reports whether participantID is currently a member of roomID —
// used to scope addressed-envelope lookups to the sender's own room
// (spec.md §4.1 "Look up the addressed peer within the sender's room only").
func (r *Rooms) InRoom(roomID, participantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID][participantID]
}

// Send enqueues env onto participantID's mailbox, dropping silently
// (spec.md §4.1 "Silently drop otherwise — not an error") if the peer is
// gone or its mailbox is full/closed within SendTimeout.
func (r *Rooms) Send(participantID string, env protocol.Envelope) {
	r.mu.RLock()
	rec, ok := r.conns[participantID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	defer func() {
		// rec.send may be concurrently closed by Disconnect between our
		// lookup and this write; treat that the same as "peer is gone".
		recover()
	}()
	select {
	case rec.send <- env:
	case <-time.After(SendTimeout):
		slog.Debug("room: relay timed out", "to", participantID, "type", env.Type)
	}
}

// Broadcast delivers env to every member of roomID except exclude.
func (r *Rooms) Broadcast(roomID string, env protocol.Envelope, exclude string) {
	for _, pid := range r.Members(roomID, exclude) {
		r.Send(pid, env)
	}
}

// RoomCount returns the number of live (non-empty) rooms, for metrics.
func (r *Rooms) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// ConnectionCount returns the number of connections currently tracked,
// joined or not, for metrics.
func (r *Rooms) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

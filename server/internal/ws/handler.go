// Package ws wires websocket transport onto an echo router and dispatches
// inbound envelopes against the room membership map. This is the bulk of
// component R (spec.md §4.1) — the rest of R is internal/core.Rooms.
package ws

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"meshvoice/server/internal/core"
	"meshvoice/server/internal/metrics"
	"meshvoice/server/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// Handler owns websocket transport for the rendezvous server.
type Handler struct {
	rooms    *core.Rooms
	relayed  *metrics.RelayCounter
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to rooms. relayed may be nil
// if the caller doesn't want relay metrics.
func NewHandler(rooms *core.Rooms, relayed *metrics.RelayCounter) *Handler {
	return &Handler{
		rooms:   rooms,
		relayed: relayed,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket and health routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	slog.Debug("ws upgrade request", "remote", remoteAddr)

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, remoteAddr)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()
	conn.SetReadLimit(1 << 16)

	session := h.rooms.Accept(32)
	participantID := session.ParticipantID
	slog.Info("ws connected", "participant_id", participantID, "remote", remoteAddr)

	defer func() {
		roomID, wasJoined := h.rooms.Disconnect(participantID)
		if wasJoined {
			h.rooms.Broadcast(roomID, protocol.Envelope{
				Type:     protocol.TypePeerLeft,
				RoomID:   roomID,
				SenderID: participantID,
				Payload:  protocol.EnvelopePayload{ParticipantID: participantID},
			}, participantID)
		}
		slog.Info("ws disconnected", "participant_id", participantID, "remote", remoteAddr)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for out := range session.Send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				slog.Debug("ws write error", "participant_id", participantID, "type", out.Type, "err", err)
				return
			}
		}
	}()

	for {
		var in protocol.Envelope
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws unexpected close", "participant_id", participantID, "err", err)
			}
			break
		}
		h.handleInbound(participantID, in)
	}
	<-done
}

// handleInbound dispatches one inbound envelope per spec.md §4.1's
// operation list. Unknown tags are dropped here, at the boundary.
func (h *Handler) handleInbound(participantID string, in protocol.Envelope) {
	switch in.Type {
	case protocol.TypeJoin:
		h.handleJoin(participantID, in)

	case protocol.TypeLeave:
		roomID, wasJoined := h.rooms.Leave(participantID)
		if wasJoined {
			h.rooms.Broadcast(roomID, protocol.Envelope{
				Type:     protocol.TypePeerLeft,
				RoomID:   roomID,
				SenderID: participantID,
				Payload:  protocol.EnvelopePayload{ParticipantID: participantID},
			}, participantID)
		}

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeIceCandidate:
		h.handleAddressed(participantID, in)

	case protocol.TypePing:
		h.rooms.Send(participantID, protocol.Envelope{Type: protocol.TypePong})

	default:
		slog.Warn("ws unknown envelope type", "participant_id", participantID, "type", in.Type)
	}
}

func (h *Handler) handleJoin(participantID string, in protocol.Envelope) {
	roomID := in.RoomID
	if roomID == "" {
		slog.Debug("join without room id", "participant_id", participantID)
		return
	}
	name := in.Payload.Name

	existing, err := h.rooms.Join(participantID, roomID, name)
	if err != nil {
		slog.Warn("join failed", "participant_id", participantID, "room_id", roomID, "err", err)
		return
	}

	slog.Info("ws joined room", "participant_id", participantID, "room_id", roomID, "existing", len(existing))

	h.rooms.Send(participantID, protocol.Envelope{
		Type:   protocol.TypeJoinAck,
		RoomID: roomID,
		Payload: protocol.EnvelopePayload{
			ParticipantID: participantID,
			Existing:      existing,
		},
	})

	h.rooms.Broadcast(roomID, protocol.Envelope{
		Type:     protocol.TypePeerJoined,
		RoomID:   roomID,
		SenderID: participantID,
		Payload:  protocol.EnvelopePayload{ParticipantID: participantID, Name: name},
	}, participantID)
}

// handleAddressed relays an Offer/Answer/IceCandidate to in.TargetID,
// scoped to the sender's own room, with SenderID overwritten so the
// receiver never has to trust a client-supplied sender id (spec.md §4.1).
func (h *Handler) handleAddressed(participantID string, in protocol.Envelope) {
	roomID := h.rooms.RoomOf(participantID)
	if roomID == "" || in.TargetID == "" {
		return
	}
	if !h.rooms.InRoom(roomID, in.TargetID) {
		// Target has left or never existed in this room; drop silently.
		return
	}
	in.SenderID = participantID
	in.RoomID = roomID
	h.rooms.Send(in.TargetID, in)
	if h.relayed != nil {
		h.relayed.Add(len(in.Payload.SDP) + len(in.Payload.Candidate) + 64)
	}
}

// Package session implements the Peer Session: one full-duplex negotiation
// state machine to one remote participant, built directly on
// webrtc.PeerConnection.
package session

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Role fixes which side issues the initial offer. Assigned once by the
// Mesh Controller at session creation and never changed for the session's
// lifetime (spec.md §4.4 "polite peer" role asymmetry).
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// State is a position in the negotiation state machine of spec.md §4.4.
type State int

const (
	StateNew State = iota
	StateNeedsOffer
	StateOffered
	StateStable
	StateRecovering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNeedsOffer:
		return "needs_offer"
	case StateOffered:
		return "offered"
	case StateStable:
		return "stable"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	default:
		return "new"
	}
}

// DataChannelLabel is the fixed label of the peer's reliable ordered data
// channel, created by the initiator and accepted by the responder.
const DataChannelLabel = "p2d-data"

// recoveryGrace is the short grace window spec.md §4.4 allows a
// Disconnected connection to self-heal before the session gives up and
// moves to Recovering. A Failed state skips the grace window entirely —
// ICE has already concluded there is no path.
const recoveryGrace = 3 * time.Second

// DataMessage is the JSON envelope carried over the data channel.
// type ranges over {chat, speaking, control, ...}; the set is open-ended at
// this layer, closed variants live above it.
type DataMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// PeerSession is one negotiation state machine and underlying
// webrtc.PeerConnection for one remote participant. A Mesh Controller
// exclusively owns all Peer Sessions for the local participant; a Peer
// Session exclusively owns its underlying connection.
type PeerSession struct {
	mu sync.Mutex

	RemoteID string
	Role     Role

	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	state State

	senders      map[string]*webrtc.RTPSender // keyed by track StreamID
	recoverTimer *time.Timer

	onOffer        func(sdp string)
	onAnswer       func(sdp string)
	onICECandidate func(candidate string)
	onDataMessage  func(DataMessage)
	onTrack        func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onStateChange  func(State)
	onClosed       func()
}

// New creates a Peer Session for remoteID with the given role. For an
// initiator, the ordered reliable data channel is created immediately; a
// responder instead waits for OnDataChannel.
func New(remoteID string, role Role, config webrtc.Configuration) (*PeerSession, error) {
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &PeerSession{
		RemoteID: remoteID,
		Role:     role,
		pc:       pc,
		state:    StateNew,
		senders:  make(map[string]*webrtc.RTPSender),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.mu.Lock()
		fn := s.onICECandidate
		s.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON().Candidate)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.mu.Lock()
		fn := s.onTrack
		s.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[session] %s connection state: %s", remoteID, state)
		switch state {
		case webrtc.PeerConnectionStateFailed:
			s.cancelRecoveryTimer()
			s.enterRecovering()
		case webrtc.PeerConnectionStateDisconnected:
			s.scheduleRecovery()
		case webrtc.PeerConnectionStateClosed:
			s.cancelRecoveryTimer()
			s.setState(StateClosed)
			s.mu.Lock()
			fn := s.onClosed
			s.mu.Unlock()
			if fn != nil {
				fn()
			}
		case webrtc.PeerConnectionStateConnected:
			s.cancelRecoveryTimer()
			if s.State() == StateOffered {
				s.setState(StateStable)
			}
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.mu.Lock()
		s.dc = dc
		s.mu.Unlock()
		s.wireDataChannel(dc)
	})

	if role == Initiator {
		dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		s.dc = dc
		s.wireDataChannel(dc)
	}

	return s, nil
}

func (s *PeerSession) wireDataChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		log.Printf("[session] %s data channel open", s.RemoteID)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var m DataMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			log.Printf("[session] %s malformed data message: %v", s.RemoteID, err)
			return
		}
		s.mu.Lock()
		fn := s.onDataMessage
		s.mu.Unlock()
		if fn != nil {
			fn(m)
		}
	})
}

// SetOnOffer/SetOnAnswer/SetOnICECandidate/SetOnDataMessage/SetOnTrack/
// SetOnStateChange/SetOnClosed register observer callbacks. The Mesh
// Controller wires these to route signaling and surface aggregate state.

func (s *PeerSession) SetOnOffer(fn func(sdp string)) {
	s.mu.Lock()
	s.onOffer = fn
	s.mu.Unlock()
}

func (s *PeerSession) SetOnAnswer(fn func(sdp string)) {
	s.mu.Lock()
	s.onAnswer = fn
	s.mu.Unlock()
}

func (s *PeerSession) SetOnICECandidate(fn func(candidate string)) {
	s.mu.Lock()
	s.onICECandidate = fn
	s.mu.Unlock()
}

func (s *PeerSession) SetOnDataMessage(fn func(DataMessage)) {
	s.mu.Lock()
	s.onDataMessage = fn
	s.mu.Unlock()
}

func (s *PeerSession) SetOnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

func (s *PeerSession) SetOnStateChange(fn func(State)) {
	s.mu.Lock()
	s.onStateChange = fn
	s.mu.Unlock()
}

func (s *PeerSession) SetOnClosed(fn func()) {
	s.mu.Lock()
	s.onClosed = fn
	s.mu.Unlock()
}

func (s *PeerSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	fn := s.onStateChange
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// State returns the session's current negotiation state.
func (s *PeerSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// scheduleRecovery arms the grace-window timer for a Disconnected
// connection. If the connection comes back (or closes) before the timer
// fires, cancelRecoveryTimer stops it; otherwise the session gives up and
// enters Recovering (spec.md §4.4 "ICE failed / disconnected > grace").
func (s *PeerSession) scheduleRecovery() {
	s.mu.Lock()
	if s.recoverTimer != nil {
		s.mu.Unlock()
		return
	}
	s.recoverTimer = time.AfterFunc(recoveryGrace, func() {
		s.mu.Lock()
		s.recoverTimer = nil
		s.mu.Unlock()
		if s.pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
			s.enterRecovering()
		}
	})
	s.mu.Unlock()
}

func (s *PeerSession) cancelRecoveryTimer() {
	s.mu.Lock()
	t := s.recoverTimer
	s.recoverTimer = nil
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// enterRecovering moves the session to Recovering: closes the underlying
// connection and clears senders/data-channel (spec.md §4.4), so the Mesh
// Controller can rebuild a fresh session with the same role assignment.
// Idempotent: a session already Recovering or Closed is left alone.
func (s *PeerSession) enterRecovering() {
	s.mu.Lock()
	if s.state == StateRecovering || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateRecovering
	s.senders = make(map[string]*webrtc.RTPSender)
	s.dc = nil
	fn := s.onStateChange
	s.mu.Unlock()

	if fn != nil {
		fn(StateRecovering)
	}
	if err := s.pc.Close(); err != nil {
		log.Printf("[session] %s close on recovery: %v", s.RemoteID, err)
	}
}

// AddTrack attaches a local track as a new sender. On an initiator, this
// triggers renegotiation immediately (New/Stable → NeedsOffer → offer
// sent). On a responder, the track is simply added to the connection; it
// surfaces in whatever SDP answer the responder next produces, since only
// the initiator issues offers for this session pair (spec.md §4.4
// asymmetry).
func (s *PeerSession) AddTrack(streamID string, track webrtc.TrackLocal) error {
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	s.mu.Lock()
	s.senders[streamID] = sender
	role := s.Role
	cur := s.state
	s.mu.Unlock()

	if role == Initiator && (cur == StateNew || cur == StateStable) {
		return s.negotiate()
	}
	return nil
}

// RemoveTrack detaches the sender previously added under streamID.
// Renegotiates only on an initiator whose session is Stable; unlike
// AddTrack, a session still in New does not renegotiate here.
func (s *PeerSession) RemoveTrack(streamID string) error {
	s.mu.Lock()
	sender, ok := s.senders[streamID]
	if ok {
		delete(s.senders, streamID)
	}
	role := s.Role
	cur := s.state
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	if role == Initiator && cur == StateStable {
		return s.negotiate()
	}
	return nil
}

// negotiate creates and sends a new offer. Only ever called for the
// initiator role.
func (s *PeerSession) negotiate() error {
	s.setState(StateNeedsOffer)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	s.setState(StateOffered)

	s.mu.Lock()
	fn := s.onOffer
	s.mu.Unlock()
	if fn != nil {
		local := s.pc.LocalDescription()
		fn(local.SDP)
	}
	return nil
}

// HandleOffer applies an inbound offer. If the session is not already
// stable, it first rolls back any pending local description — this is the
// deterministic "polite peer" glare resolution spec.md §4.4 describes: the
// responder (the peer that was already in the room) defers to whichever
// offer arrives.
func (s *PeerSession) HandleOffer(sdp string) error {
	if s.State() != StateStable && s.State() != StateNew {
		if err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			log.Printf("[session] %s rollback before applying offer: %v", s.RemoteID, err)
		}
	}

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	s.setState(StateStable)

	s.mu.Lock()
	fn := s.onAnswer
	s.mu.Unlock()
	if fn != nil {
		local := s.pc.LocalDescription()
		fn(local.SDP)
	}
	return nil
}

// HandleAnswer applies an inbound answer to a pending offer.
func (s *PeerSession) HandleAnswer(sdp string) error {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	s.setState(StateStable)
	return nil
}

// HandleICECandidate applies an inbound ICE candidate. Failures are
// non-fatal: the candidate may already be invalidated by a state
// transition.
func (s *PeerSession) HandleICECandidate(candidate string) error {
	if err := s.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		log.Printf("[session] %s add ICE candidate: %v", s.RemoteID, err)
		return err
	}
	return nil
}

// SendData marshals and sends msg over the data channel. msg.Timestamp is
// set to now if zero.
func (s *PeerSession) SendData(msg DataMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("data channel not yet open for %s", s.RemoteID)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal data message: %w", err)
	}
	return dc.Send(b)
}

// Close tears down the underlying connection. Idempotent.
func (s *PeerSession) Close() error {
	s.cancelRecoveryTimer()
	return s.pc.Close()
}

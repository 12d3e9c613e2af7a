// Package mesh implements the Mesh Controller: it owns every Peer Session
// for the local participant, bridges signaling events to the right
// session, broadcasts local media to all sessions, and exposes the
// aggregate observable state named in spec.md §6.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"meshvoice/client/internal/media"
	"meshvoice/client/internal/protocol"
	"meshvoice/client/internal/session"
	"meshvoice/client/internal/signaling"
)

// Controller owns the map remote-participant → Peer Session for one local
// participant's membership in one room. All mutation of that map goes
// through it; cross-session operations (local-media broadcast) iterate it
// in stable insertion order for test determinism (spec.md §4.5).
type Controller struct {
	sig        *signaling.Client
	iceServers []webrtc.ICEServer

	mu           sync.Mutex
	selfID       string
	roomID       string
	displayName  string
	sessions     map[string]*session.PeerSession
	sessionOrder []string
	localTracks  map[string]*media.Track // keyed by track Source

	mic     *media.Microphone
	screen  *media.ScreenShare
	metrics map[string]Metrics

	onParticipants func([]string)
	onPeerJoined   func(id string)
	onPeerLeft     func(id string)
	onSpeaking     func(peerID string, speaking bool)
	onChatMessage  func(from, text string)
	onRemoteTrack  func(peerID string, track *webrtc.TrackRemote)
	onConnState    func(signaling.State)
}

// New returns a Controller that dials addr when Join is called.
func New(addr string, iceServers []webrtc.ICEServer) *Controller {
	c := &Controller{
		sig:         signaling.New(addr),
		iceServers:  iceServers,
		sessions:    make(map[string]*session.PeerSession),
		localTracks: make(map[string]*media.Track),
		screen:      media.NewScreenShare(),
	}
	c.sig.SetOnEnvelope(c.handleEnvelope)
	c.sig.SetOnStateChange(func(s signaling.State) {
		c.mu.Lock()
		fn := c.onConnState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})
	return c
}

// Observable surface setters, named per spec.md §6's non-exhaustive list.

func (c *Controller) SetOnParticipants(fn func([]string))   { c.mu.Lock(); c.onParticipants = fn; c.mu.Unlock() }
func (c *Controller) SetOnPeerJoined(fn func(id string))    { c.mu.Lock(); c.onPeerJoined = fn; c.mu.Unlock() }
func (c *Controller) SetOnPeerLeft(fn func(id string))      { c.mu.Lock(); c.onPeerLeft = fn; c.mu.Unlock() }
func (c *Controller) SetOnChatMessage(fn func(from, text string)) {
	c.mu.Lock()
	c.onChatMessage = fn
	c.mu.Unlock()
}
func (c *Controller) SetOnSpeaking(fn func(peerID string, speaking bool)) {
	c.mu.Lock()
	c.onSpeaking = fn
	c.mu.Unlock()
}
func (c *Controller) SetOnRemoteTrack(fn func(peerID string, track *webrtc.TrackRemote)) {
	c.mu.Lock()
	c.onRemoteTrack = fn
	c.mu.Unlock()
}
func (c *Controller) SetOnConnectionState(fn func(signaling.State)) {
	c.mu.Lock()
	c.onConnState = fn
	c.mu.Unlock()
}

// SelfID returns the id the rendezvous server assigned to this participant.
// Empty until JoinAck arrives.
func (c *Controller) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// Participants returns the current remote participant set, in session
// insertion order.
func (c *Controller) Participants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sessionOrder))
	copy(out, c.sessionOrder)
	return out
}

// JoinRoom connects the Signaling Client and sends Join{room, name}. The
// server assigns the participant id; see spec.md §4.5 step 1.
func (c *Controller) JoinRoom(ctx context.Context, roomID, name string) {
	c.mu.Lock()
	c.roomID = roomID
	c.displayName = name
	c.mu.Unlock()

	c.sig.Connect(ctx)
	c.sig.Send(protocol.Envelope{
		Type:    protocol.TypeJoin,
		RoomID:  roomID,
		Payload: protocol.EnvelopePayload{Name: name},
	})
}

// LeaveRoom sends Leave, closes every session, stops locally owned media,
// and disconnects signaling (spec.md §4.5 leave sequence).
func (c *Controller) LeaveRoom() {
	c.mu.Lock()
	selfID := c.selfID
	sessions := make([]*session.PeerSession, 0, len(c.sessionOrder))
	for _, id := range c.sessionOrder {
		sessions = append(sessions, c.sessions[id])
	}
	c.sessions = make(map[string]*session.PeerSession)
	c.sessionOrder = nil
	mic := c.mic
	c.mic = nil
	c.mu.Unlock()

	c.sig.Send(protocol.Envelope{Type: protocol.TypeLeave, Payload: protocol.EnvelopePayload{ParticipantID: selfID}})
	for _, s := range sessions {
		s.Close()
	}
	if mic != nil {
		mic.Stop()
	}
	for id := range c.screen.Tracks() {
		c.screen.Stop(id)
	}
	c.sig.Disconnect()
}

// StartMicrophone opens the configured input device and broadcasts the
// resulting track to every session.
func (c *Controller) StartMicrophone(deviceID int) error {
	mic, err := media.NewMicrophone()
	if err != nil {
		return fmt.Errorf("new microphone: %w", err)
	}
	mic.OnSpeaking(func(speaking bool) {
		c.mu.Lock()
		selfID := c.selfID
		fn := c.onSpeaking
		c.mu.Unlock()
		if fn != nil {
			fn(selfID, speaking)
		}
		c.broadcastSpeaking(speaking)
	})
	if err := mic.Start(deviceID); err != nil {
		return fmt.Errorf("start microphone: %w", err)
	}

	c.mu.Lock()
	c.mic = mic
	c.mu.Unlock()

	c.addLocalTrack(mic.Track())
	return nil
}

// StartMicrophoneWithCapture is StartMicrophone for a non-hardware source:
// it drives the same Opus/VAD pipeline over an arbitrary media.CaptureStream
// (e.g. a synthesized test tone) instead of opening a PortAudio device.
func (c *Controller) StartMicrophoneWithCapture(stream media.CaptureStream, buf []float32) error {
	mic, err := media.NewMicrophone()
	if err != nil {
		return fmt.Errorf("new microphone: %w", err)
	}
	mic.OnSpeaking(func(speaking bool) {
		c.mu.Lock()
		selfID := c.selfID
		fn := c.onSpeaking
		c.mu.Unlock()
		if fn != nil {
			fn(selfID, speaking)
		}
		c.broadcastSpeaking(speaking)
	})
	if err := mic.StartCapture(stream, buf); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	c.mu.Lock()
	c.mic = mic
	c.mu.Unlock()

	c.addLocalTrack(mic.Track())
	return nil
}

// StopMicrophone releases the microphone device; its track's ended event
// propagates removal to every session.
func (c *Controller) StopMicrophone() {
	c.mu.Lock()
	mic := c.mic
	c.mic = nil
	c.mu.Unlock()
	if mic != nil {
		mic.Stop()
	}
}

// ToggleMute flips the microphone track's mute bit. A muted track's VAD
// always reports not-speaking (spec.md Property 6).
func (c *Controller) ToggleMute() {
	c.mu.Lock()
	mic := c.mic
	c.mu.Unlock()
	if mic == nil {
		return
	}
	mic.SetMuted(!mic.Track().Muted())
}

// StartScreenShare begins a screen-share track under the given profile and
// broadcasts it to every session. Returns the new track's stream id.
func (c *Controller) StartScreenShare(src media.ScreenSource, profile media.QualityProfile) (string, error) {
	tr, err := c.screen.Start(src, profile)
	if err != nil {
		return "", err
	}
	c.addLocalTrack(tr)
	return tr.Source, nil
}

// StopScreenShare stops the named screen-share track. Its ended event
// propagates removal to every session.
func (c *Controller) StopScreenShare(streamID string) {
	c.screen.Stop(streamID)
}

// SendChatMessage broadcasts a chat data-channel message to every session.
func (c *Controller) SendChatMessage(text string) {
	c.mu.Lock()
	sessions := make([]*session.PeerSession, 0, len(c.sessionOrder))
	for _, id := range c.sessionOrder {
		sessions = append(sessions, c.sessions[id])
	}
	c.mu.Unlock()
	for _, s := range sessions {
		if err := s.SendData(session.DataMessage{Type: "chat", Payload: marshalText(text)}); err != nil {
			log.Printf("[mesh] send chat to %s: %v", s.RemoteID, err)
		}
	}
}

// addLocalTrack registers a local track and attaches it to every existing
// session, in stable insertion order. When the track ends, removal is
// broadcast the same way.
func (c *Controller) addLocalTrack(tr *media.Track) {
	c.mu.Lock()
	c.localTracks[tr.Source] = tr
	sessions := make([]*session.PeerSession, 0, len(c.sessionOrder))
	for _, id := range c.sessionOrder {
		sessions = append(sessions, c.sessions[id])
	}
	c.mu.Unlock()

	for _, s := range sessions {
		if err := s.AddTrack(tr.Source, tr.Local); err != nil {
			log.Printf("[mesh] add track %s to %s: %v", tr.Source, s.RemoteID, err)
		}
	}

	tr.OnEnded(func() { c.removeLocalTrack(tr) })
}

func (c *Controller) removeLocalTrack(tr *media.Track) {
	c.mu.Lock()
	delete(c.localTracks, tr.Source)
	sessions := make([]*session.PeerSession, 0, len(c.sessionOrder))
	for _, id := range c.sessionOrder {
		sessions = append(sessions, c.sessions[id])
	}
	c.mu.Unlock()

	for _, s := range sessions {
		if err := s.RemoveTrack(tr.Source); err != nil {
			log.Printf("[mesh] remove track %s from %s: %v", tr.Source, s.RemoteID, err)
		}
	}
}

func (c *Controller) broadcastSpeaking(speaking bool) {
	c.mu.Lock()
	sessions := make([]*session.PeerSession, 0, len(c.sessionOrder))
	for _, id := range c.sessionOrder {
		sessions = append(sessions, c.sessions[id])
	}
	c.mu.Unlock()
	for _, s := range sessions {
		s.SendData(session.DataMessage{Type: "speaking", Payload: marshalSpeaking(speaking)})
	}
}

// handleEnvelope dispatches one inbound envelope from the Signaling Client.
func (c *Controller) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeJoinAck:
		c.handleJoinAck(env)
	case protocol.TypePeerJoined:
		c.handlePeerJoined(env.Payload.ParticipantID)
	case protocol.TypePeerLeft:
		c.handlePeerLeft(env.SenderID)
	case protocol.TypeOffer:
		c.handleOffer(env)
	case protocol.TypeAnswer:
		c.handleAnswer(env)
	case protocol.TypeIceCandidate:
		c.handleICECandidate(env)
	case protocol.TypePong:
		// heartbeat acknowledgement; nothing to do.
	default:
		log.Printf("[mesh] unknown envelope type %q", env.Type)
	}
}

// handleJoinAck stores self-id and creates an initiator session for every
// pre-existing participant (spec.md §4.5 step 2).
func (c *Controller) handleJoinAck(env protocol.Envelope) {
	c.mu.Lock()
	c.selfID = env.Payload.ParticipantID
	c.mu.Unlock()

	for _, p := range env.Payload.Existing {
		c.createSession(p.ID, session.Initiator)
	}
	c.notifyParticipants()
}

// handlePeerJoined creates a responder session for the newcomer and waits
// for its offer (spec.md §4.5 step 3).
func (c *Controller) handlePeerJoined(remoteID string) {
	if remoteID == "" {
		return
	}
	c.createSession(remoteID, session.Responder)
	c.mu.Lock()
	fn := c.onPeerJoined
	c.mu.Unlock()
	if fn != nil {
		fn(remoteID)
	}
	c.notifyParticipants()
}

// handlePeerLeft drops the session for remoteID and removes its remote
// streams from the aggregate view (spec.md §4.5 step 4).
func (c *Controller) handlePeerLeft(remoteID string) {
	// Detach onClosed first so closing the session does not report the
	// same departure a second time.
	c.mu.Lock()
	s, ok := c.sessions[remoteID]
	c.mu.Unlock()
	if ok {
		s.SetOnClosed(nil)
	}
	c.dropSession(remoteID)
	c.mu.Lock()
	fn := c.onPeerLeft
	c.mu.Unlock()
	if fn != nil {
		fn(remoteID)
	}
	c.notifyParticipants()
}

func (c *Controller) createSession(remoteID string, role session.Role) *session.PeerSession {
	c.mu.Lock()
	if existing, ok := c.sessions[remoteID]; ok {
		c.mu.Unlock()
		return existing
	}
	c.mu.Unlock()

	s, err := session.New(remoteID, role, webrtc.Configuration{ICEServers: c.iceServers})
	if err != nil {
		log.Printf("[mesh] create session for %s: %v", remoteID, err)
		return nil
	}

	s.SetOnOffer(func(sdp string) {
		c.sig.Send(protocol.Envelope{Type: protocol.TypeOffer, TargetID: remoteID, Payload: protocol.EnvelopePayload{SDP: sdp}})
	})
	s.SetOnAnswer(func(sdp string) {
		c.sig.Send(protocol.Envelope{Type: protocol.TypeAnswer, TargetID: remoteID, Payload: protocol.EnvelopePayload{SDP: sdp}})
	})
	s.SetOnICECandidate(func(candidate string) {
		c.sig.Send(protocol.Envelope{Type: protocol.TypeIceCandidate, TargetID: remoteID, Payload: protocol.EnvelopePayload{Candidate: candidate}})
	})
	s.SetOnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.mu.Lock()
		fn := c.onRemoteTrack
		c.mu.Unlock()
		if fn != nil {
			fn(remoteID, track)
		}
	})
	s.SetOnDataMessage(func(msg session.DataMessage) {
		c.handleDataMessage(remoteID, msg)
	})
	s.SetOnClosed(func() {
		c.dropSession(remoteID)
		c.mu.Lock()
		fn := c.onPeerLeft
		c.mu.Unlock()
		if fn != nil {
			fn(remoteID)
		}
		c.notifyParticipants()
	})
	s.SetOnStateChange(func(st session.State) {
		if st == session.StateRecovering {
			go c.rebuildSession(remoteID, role)
		}
	})

	c.mu.Lock()
	c.sessions[remoteID] = s
	c.sessionOrder = append(c.sessionOrder, remoteID)
	tracks := make([]*media.Track, 0, len(c.localTracks))
	for _, t := range c.localTracks {
		tracks = append(tracks, t)
	}
	c.mu.Unlock()

	for _, t := range tracks {
		if err := s.AddTrack(t.Source, t.Local); err != nil {
			log.Printf("[mesh] attach existing track %s to new session %s: %v", t.Source, remoteID, err)
		}
	}

	return s
}

// rebuildSession implements the Recovering → rebuild → New transition of
// spec.md §4.4: the stale session is closed and dropped (silently — this
// is an internal rebuild, not the remote peer leaving, so its onClosed/
// onPeerLeft callbacks are detached first) and a fresh session with the
// same role assignment is created in its place, picking up whatever local
// tracks are currently live.
func (c *Controller) rebuildSession(remoteID string, role session.Role) {
	c.mu.Lock()
	old, ok := c.sessions[remoteID]
	c.mu.Unlock()
	if ok {
		old.SetOnClosed(nil)
		old.SetOnStateChange(nil)
	}
	c.dropSession(remoteID)
	c.createSession(remoteID, role)
}

func (c *Controller) dropSession(remoteID string) {
	c.mu.Lock()
	s, ok := c.sessions[remoteID]
	if ok {
		delete(c.sessions, remoteID)
		for i, id := range c.sessionOrder {
			if id == remoteID {
				c.sessionOrder = append(c.sessionOrder[:i], c.sessionOrder[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
	if ok {
		s.Close()
	}
}

// handleOffer routes an inbound offer to its session, lazily materialising
// a responder session if none exists yet (spec.md §4.5 envelope routing).
func (c *Controller) handleOffer(env protocol.Envelope) {
	s := c.createSession(env.SenderID, session.Responder)
	if s == nil {
		return
	}
	if err := s.HandleOffer(env.Payload.SDP); err != nil {
		log.Printf("[mesh] handle offer from %s: %v", env.SenderID, err)
	}
}

func (c *Controller) handleAnswer(env protocol.Envelope) {
	c.mu.Lock()
	s, ok := c.sessions[env.SenderID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := s.HandleAnswer(env.Payload.SDP); err != nil {
		log.Printf("[mesh] handle answer from %s: %v", env.SenderID, err)
	}
}

func (c *Controller) handleICECandidate(env protocol.Envelope) {
	c.mu.Lock()
	s, ok := c.sessions[env.SenderID]
	c.mu.Unlock()
	if !ok {
		return
	}
	s.HandleICECandidate(env.Payload.Candidate)
}

func (c *Controller) handleDataMessage(remoteID string, msg session.DataMessage) {
	switch msg.Type {
	case "speaking":
		speaking := unmarshalSpeaking(msg.Payload)
		c.mu.Lock()
		fn := c.onSpeaking
		c.mu.Unlock()
		if fn != nil {
			fn(remoteID, speaking)
		}
	case "chat":
		text := unmarshalText(msg.Payload)
		c.mu.Lock()
		fn := c.onChatMessage
		c.mu.Unlock()
		if fn != nil {
			fn(remoteID, text)
		}
	}
}

func (c *Controller) notifyParticipants() {
	c.mu.Lock()
	fn := c.onParticipants
	out := make([]string, len(c.sessionOrder))
	copy(out, c.sessionOrder)
	c.mu.Unlock()
	if fn != nil {
		fn(out)
	}
}

func marshalText(text string) json.RawMessage {
	b, _ := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})
	return b
}

func unmarshalText(raw json.RawMessage) string {
	var v struct {
		Text string `json:"text"`
	}
	json.Unmarshal(raw, &v)
	return v.Text
}

func marshalSpeaking(speaking bool) json.RawMessage {
	b, _ := json.Marshal(struct {
		Speaking bool `json:"speaking"`
	}{Speaking: speaking})
	return b
}

func unmarshalSpeaking(raw json.RawMessage) bool {
	var v struct {
		Speaking bool `json:"speaking"`
	}
	json.Unmarshal(raw, &v)
	return v.Speaking
}

package peer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/parlor-chat/parlor/internal/signaling"
)

// Channel sends signaling messages toward the relay.
type Channel interface {
	Send(msg *signaling.Message) error
}

// MediaSource supplies the local tracks attached to every session.
type MediaSource interface {
	Tracks() ([]webrtc.TrackLocal, error)
}

// TrackHandler receives remote media as it arrives.
type TrackHandler func(remoteID uint64, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

// Coordinator turns the inbound signaling stream into peer sessions: one
// per remote member, created on join-success snapshots and member-joined
// notices, torn down on member-left.
//
// Offer direction is deterministic: the member with the lower identity
// offers. Both sides compute the same answer from their ids, so two
// members never offer to each other at once.
type Coordinator struct {
	log       *slog.Logger
	ch        Channel
	newHandle HandleFactory
	media     MediaSource
	caps      signaling.Capabilities

	autoRenderReady bool
	onTrack         TrackHandler
	onFailed        func(remoteID uint64)

	mu       sync.Mutex
	localID  uint64
	joined   bool
	sessions map[uint64]*Session

	// readyEarly records render-ready notices that arrived before their
	// session existed; consumed on session creation.
	readyEarly map[uint64]bool
}

type CoordinatorOption func(*Coordinator)

// WithAutoRenderReady marks every session's render target as ready the
// moment it exists. Headless clients use this; interactive clients call
// NotifyRenderReady once their UI can display the remote's media.
func WithAutoRenderReady() CoordinatorOption {
	return func(c *Coordinator) { c.autoRenderReady = true }
}

func WithTrackHandler(fn TrackHandler) CoordinatorOption {
	return func(c *Coordinator) { c.onTrack = fn }
}

func WithFailureHandler(fn func(remoteID uint64)) CoordinatorOption {
	return func(c *Coordinator) { c.onFailed = fn }
}

func NewCoordinator(log *slog.Logger, ch Channel, newHandle HandleFactory, media MediaSource, caps signaling.Capabilities, opts ...CoordinatorOption) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		log:        log,
		ch:         ch,
		newHandle:  newHandle,
		media:      media,
		caps:       caps,
		sessions:   make(map[uint64]*Session),
		readyEarly: make(map[uint64]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LocalID returns the identity assigned at join. Zero-valued before
// join-success arrives (and member 0 does exist, so check Joined too).
func (c *Coordinator) LocalID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localID
}

func (c *Coordinator) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// HandleMessage processes one inbound signaling message. It is driven by
// the channel's read loop and must not be called concurrently.
//
// Only a rejected join surfaces as an error. Negotiation failures are
// terminal for their session alone: the session is failed and torn down,
// the read loop keeps running for everyone else.
func (c *Coordinator) HandleMessage(msg *signaling.Message) error {
	switch msg.Kind {
	case signaling.KindJoinRejected:
		return fmt.Errorf("peer: join rejected: %s", msg.Text)

	case signaling.KindJoinSuccess:
		return c.handleJoinSuccess(msg)

	case signaling.KindMemberJoined:
		if err := c.handleMemberJoined(*msg.Member); err != nil {
			c.failSession(msg.Member.MemberID, err)
		}
		return nil

	case signaling.KindMemberLeft:
		c.teardown(*msg.MemberID)
		return nil

	case signaling.KindOffer, signaling.KindAnswer, signaling.KindICECandidate:
		// The wire format accepts "for" on these kinds too (the outbound
		// direction); a relayed message reaching a client must carry the
		// stamped sender.
		if msg.From == nil {
			c.log.Warn("dropping relayed message without sender", "kind", msg.Kind)
			return nil
		}
		from := *msg.From
		var err error
		switch msg.Kind {
		case signaling.KindOffer:
			err = c.handleOffer(from, msg.SDP)
		case signaling.KindAnswer:
			err = c.handleAnswer(from, msg.SDP)
		default:
			err = c.handleCandidate(from, msg.Candidate)
		}
		if err != nil {
			c.failSession(from, err)
		}
		return nil

	default:
		c.log.Warn("ignoring unexpected message", "kind", msg.Kind)
		return nil
	}
}

// failSession contains a per-session negotiation failure: fail and tear
// down that session, leave every other session running.
func (c *Coordinator) failSession(remoteID uint64, err error) {
	c.log.Error("session negotiation failed", "remote_id", remoteID, "err", err)
	if session, ok := c.session(remoteID); ok {
		session.MarkFailed()
	}
	if c.onFailed != nil {
		c.onFailed(remoteID)
	}
	c.teardown(remoteID)
}

// handleJoinSuccess records our identity, announces capabilities, and
// pre-creates a session per already-present member so their offers and
// early candidates have somewhere to land.
func (c *Coordinator) handleJoinSuccess(msg *signaling.Message) error {
	c.mu.Lock()
	c.localID = *msg.MemberID
	c.joined = true
	c.mu.Unlock()

	c.log.Info("joined room", "room_id", msg.RoomID, "member_id", *msg.MemberID, "members", len(msg.Members))

	if err := c.ch.Send(&signaling.Message{
		Kind:         signaling.KindInitial,
		Capabilities: &c.caps,
	}); err != nil {
		return fmt.Errorf("send initial: %w", err)
	}

	for _, member := range msg.Members {
		if err := c.startSession(member); err != nil {
			c.failSession(member.MemberID, err)
		}
	}
	return nil
}

func (c *Coordinator) handleMemberJoined(member signaling.MemberInfo) error {
	c.log.Info("member joined", "member_id", member.MemberID)
	return c.startSession(member)
}

// startSession creates the session for a remote member and, when we hold
// the lower identity, drives the offer immediately.
func (c *Coordinator) startSession(member signaling.MemberInfo) error {
	if !c.caps.SupportsRealtimeMedia || !member.Capabilities.SupportsRealtimeMedia {
		c.log.Debug("skipping session for member without realtime media", "member_id", member.MemberID)
		return nil
	}

	c.mu.Lock()
	localID := c.localID
	session := c.sessions[member.MemberID]
	c.mu.Unlock()

	role := RoleAnswerer
	if localID < member.MemberID {
		role = RoleOfferer
	}

	if session == nil {
		var err error
		session, err = c.createSession(member.MemberID, role)
		if err != nil {
			return err
		}
	}

	// The session may predate the announcement (created when a trickled
	// candidate outran it); only a fresh offerer session needs the offer.
	if session.Role != RoleOfferer || session.Phase() != PhaseCreated {
		return nil
	}

	tracks, err := c.media.Tracks()
	if err != nil {
		c.teardown(member.MemberID)
		return fmt.Errorf("local tracks: %w", err)
	}
	sdp, err := session.StartOffer(tracks)
	if err != nil {
		c.teardown(member.MemberID)
		return err
	}
	remoteID := member.MemberID
	return c.ch.Send(&signaling.Message{
		Kind: signaling.KindOffer,
		For:  &remoteID,
		SDP:  sdp,
	})
}

func (c *Coordinator) createSession(remoteID uint64, role Role) (*Session, error) {
	handle, err := c.newHandle()
	if err != nil {
		return nil, fmt.Errorf("peer handle for %d: %w", remoteID, err)
	}
	session := NewSession(remoteID, role, handle, c.log)

	handle.OnICECandidate(func(candidate webrtc.ICECandidateInit, ok bool) {
		c.sendCandidate(remoteID, candidate, ok)
	})
	handle.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.log.Debug("remote track", "remote_id", remoteID, "codec", track.Codec().MimeType)
		if c.onTrack != nil {
			c.onTrack(remoteID, track, receiver)
		}
	})
	handle.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Info("peer connection state", "remote_id", remoteID, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			session.MarkConnected()
		case webrtc.PeerConnectionStateFailed:
			session.MarkFailed()
			if c.onFailed != nil {
				c.onFailed(remoteID)
			}
		}
	})

	c.mu.Lock()
	c.sessions[remoteID] = session
	ready := c.autoRenderReady || c.readyEarly[remoteID]
	delete(c.readyEarly, remoteID)
	c.mu.Unlock()

	if ready {
		session.NotifyRenderReady()
	}
	return session, nil
}

// handleOffer applies the remote offer and schedules the answer. The
// answer is only produced once the render target for this remote exists;
// until then the completion stays parked on the session.
func (c *Coordinator) handleOffer(from uint64, sdp string) error {
	session, ok := c.session(from)
	if !ok {
		// The offer can outrun member-joined handling on our side.
		var err error
		session, err = c.createSession(from, RoleAnswerer)
		if err != nil {
			return err
		}
	}

	if err := session.HandleRemoteOffer(sdp); err != nil {
		return err
	}

	session.DeferUntilRenderReady(func() {
		if err := c.completeAnswer(session); err != nil {
			c.failSession(from, err)
		}
	})
	return nil
}

func (c *Coordinator) completeAnswer(session *Session) error {
	tracks, err := c.media.Tracks()
	if err != nil {
		return fmt.Errorf("local tracks: %w", err)
	}
	sdp, err := session.CompleteAnswer(tracks)
	if err != nil {
		return err
	}
	remoteID := session.RemoteID
	return c.ch.Send(&signaling.Message{
		Kind: signaling.KindAnswer,
		For:  &remoteID,
		SDP:  sdp,
	})
}

func (c *Coordinator) handleAnswer(from uint64, sdp string) error {
	session, ok := c.session(from)
	if !ok {
		c.log.Warn("answer for unknown session", "remote_id", from)
		return nil
	}
	return session.HandleRemoteAnswer(sdp)
}

func (c *Coordinator) handleCandidate(from uint64, candidate *signaling.Candidate) error {
	if candidate == nil {
		// End-of-candidates; nothing to apply with trickle.
		return nil
	}
	session, ok := c.session(from)
	if !ok {
		// Trickled candidates can outrun the offer or announcement they
		// belong to; give them a session to buffer in. The role still
		// follows the lower-id rule so a later member-joined can drive
		// the offer on this same session.
		role := RoleAnswerer
		if c.LocalID() < from {
			role = RoleOfferer
		}
		var err error
		session, err = c.createSession(from, role)
		if err != nil {
			return err
		}
	}
	return session.AddRemoteCandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

func (c *Coordinator) sendCandidate(remoteID uint64, candidate webrtc.ICECandidateInit, ok bool) {
	msg := &signaling.Message{
		Kind: signaling.KindICECandidate,
		For:  &remoteID,
	}
	if ok {
		msg.Candidate = &signaling.Candidate{
			Candidate:        candidate.Candidate,
			SDPMid:           candidate.SDPMid,
			SDPMLineIndex:    candidate.SDPMLineIndex,
			UsernameFragment: candidate.UsernameFragment,
		}
	}
	if err := c.ch.Send(msg); err != nil {
		c.log.Warn("sending candidate", "remote_id", remoteID, "err", err)
	}
}

// NotifyRenderReady reports that the UI can display media for the given
// remote, releasing any parked answer. Readiness signalled before the
// session exists is remembered and applied when the session is created.
func (c *Coordinator) NotifyRenderReady(remoteID uint64) {
	c.mu.Lock()
	session, ok := c.sessions[remoteID]
	if !ok {
		c.readyEarly[remoteID] = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	session.NotifyRenderReady()
}

// SessionPhase reports the negotiation phase for a remote, if a session
// exists.
func (c *Coordinator) SessionPhase(remoteID uint64) (Phase, bool) {
	session, ok := c.session(remoteID)
	if !ok {
		return "", false
	}
	return session.Phase(), true
}

func (c *Coordinator) session(remoteID uint64) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[remoteID]
	return s, ok
}

func (c *Coordinator) teardown(remoteID uint64) {
	c.mu.Lock()
	session, ok := c.sessions[remoteID]
	delete(c.sessions, remoteID)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.log.Info("closing session", "remote_id", remoteID)
	session.Close()
}

// Close tears down every session.
func (c *Coordinator) Close() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[uint64]*Session)
	c.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

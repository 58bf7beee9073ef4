package peer

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Role says which side of the offer/answer exchange this session drives.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// Phase tracks a session's progress through negotiation.
type Phase string

const (
	PhaseCreated       Phase = "created"
	PhaseOfferSent     Phase = "offer-sent"
	PhaseAnswerPending Phase = "answer-pending"
	PhaseStable        Phase = "stable"
	PhaseConnected     Phase = "connected"
	PhaseFailed        Phase = "failed"
	PhaseClosed        Phase = "closed"
)

// Session is the negotiation state machine for one remote member. It owns
// the candidate buffer (remote candidates that arrive before the remote
// description) and the deferred-answer token (an answer must not be
// created until the local render target for the remote's media exists).
//
// Candidate buffering preserves arrival order; the token is consumed at
// most once no matter how the offer and render-readiness race.
type Session struct {
	RemoteID uint64
	Role     Role

	handle Handle
	log    *slog.Logger

	mu        sync.Mutex
	phase     Phase
	remoteSet bool
	buffered  []webrtc.ICECandidateInit

	deferred    atomic.Pointer[func()]
	renderReady atomic.Bool
}

func NewSession(remoteID uint64, role Role, handle Handle, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		RemoteID: remoteID,
		Role:     role,
		handle:   handle,
		log:      log.With("remote_id", remoteID, "role", role),
		phase:    PhaseCreated,
	}
}

func (s *Session) Handle() Handle { return s.handle }

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// StartOffer attaches the local tracks, creates the offer and returns its
// SDP for transmission.
func (s *Session) StartOffer(tracks []webrtc.TrackLocal) (string, error) {
	s.mu.Lock()
	if s.Role != RoleOfferer {
		s.mu.Unlock()
		return "", fmt.Errorf("peer: session for %d is not the offerer", s.RemoteID)
	}
	if s.phase != PhaseCreated {
		s.mu.Unlock()
		return "", fmt.Errorf("peer: offer already started for %d (phase %s)", s.RemoteID, s.phase)
	}
	s.mu.Unlock()

	for _, t := range tracks {
		if err := s.handle.AddTrack(t); err != nil {
			return "", fmt.Errorf("add track: %w", err)
		}
	}
	offer, err := s.handle.CreateOffer()
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}

	s.mu.Lock()
	s.phase = PhaseOfferSent
	s.mu.Unlock()
	return offer.SDP, nil
}

// HandleRemoteOffer applies the remote offer and flushes any candidates
// buffered ahead of it. The answer itself is produced later by
// CompleteAnswer, possibly deferred via DeferUntilRenderReady.
func (s *Session) HandleRemoteOffer(sdp string) error {
	s.mu.Lock()
	if s.Role != RoleAnswerer {
		s.mu.Unlock()
		return fmt.Errorf("peer: offer received on offerer session for %d", s.RemoteID)
	}
	if s.phase != PhaseCreated {
		s.mu.Unlock()
		return fmt.Errorf("peer: duplicate offer for %d (phase %s)", s.RemoteID, s.phase)
	}
	s.mu.Unlock()

	err := s.handle.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}

	s.mu.Lock()
	s.phase = PhaseAnswerPending
	err = s.markRemoteSetLocked()
	s.mu.Unlock()
	return err
}

// CompleteAnswer attaches the local tracks and produces the answer SDP.
// Ordering matters: tracks go in after the remote description so the
// answer covers the remote's transceivers.
func (s *Session) CompleteAnswer(tracks []webrtc.TrackLocal) (string, error) {
	s.mu.Lock()
	if s.phase != PhaseAnswerPending {
		s.mu.Unlock()
		return "", fmt.Errorf("peer: no pending answer for %d (phase %s)", s.RemoteID, s.phase)
	}
	s.mu.Unlock()

	for _, t := range tracks {
		if err := s.handle.AddTrack(t); err != nil {
			return "", fmt.Errorf("add track: %w", err)
		}
	}
	answer, err := s.handle.CreateAnswer()
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	s.mu.Lock()
	s.phase = PhaseStable
	s.mu.Unlock()
	return answer.SDP, nil
}

// HandleRemoteAnswer applies the remote answer to an offerer session and
// flushes buffered candidates.
func (s *Session) HandleRemoteAnswer(sdp string) error {
	s.mu.Lock()
	if s.phase != PhaseOfferSent {
		s.mu.Unlock()
		return fmt.Errorf("peer: unexpected answer for %d (phase %s)", s.RemoteID, s.phase)
	}
	s.mu.Unlock()

	err := s.handle.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}

	s.mu.Lock()
	s.phase = PhaseStable
	err = s.markRemoteSetLocked()
	s.mu.Unlock()
	return err
}

// AddRemoteCandidate applies the candidate if the remote description is
// already set and buffers it otherwise. Buffered candidates are replayed
// in arrival order.
func (s *Session) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if !s.remoteSet {
		s.buffered = append(s.buffered, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.handle.AddICECandidate(candidate)
}

func (s *Session) markRemoteSetLocked() error {
	s.remoteSet = true
	buffered := s.buffered
	s.buffered = nil
	for _, c := range buffered {
		if err := s.handle.AddICECandidate(c); err != nil {
			return fmt.Errorf("apply buffered candidate: %w", err)
		}
	}
	return nil
}

// DeferUntilRenderReady runs fn immediately if the render target already
// exists, otherwise parks it until NotifyRenderReady. Whichever side
// arrives second triggers fn, and it runs at most once.
func (s *Session) DeferUntilRenderReady(fn func()) {
	s.deferred.Store(&fn)
	if s.renderReady.Load() {
		s.consumeDeferred()
	}
}

// NotifyRenderReady marks the render target as available and runs any
// parked completion.
func (s *Session) NotifyRenderReady() {
	s.renderReady.Store(true)
	s.consumeDeferred()
}

func (s *Session) consumeDeferred() {
	if fn := s.deferred.Swap(nil); fn != nil {
		(*fn)()
	}
}

// MarkConnected records transport establishment.
func (s *Session) MarkConnected() {
	s.mu.Lock()
	if s.phase != PhaseClosed && s.phase != PhaseFailed {
		s.phase = PhaseConnected
	}
	s.mu.Unlock()
}

// MarkFailed records transport failure; the session stays intact so the
// caller can decide what to tear down.
func (s *Session) MarkFailed() {
	s.mu.Lock()
	if s.phase != PhaseClosed {
		s.phase = PhaseFailed
	}
	s.mu.Unlock()
}

// Close detaches all callbacks before closing the connection so nothing
// fires into torn-down state, then releases the handle.
func (s *Session) Close() {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseClosed
	s.buffered = nil
	s.mu.Unlock()

	s.deferred.Store(nil)
	s.handle.Detach()
	if err := s.handle.Close(); err != nil {
		s.log.Warn("closing peer connection", "err", err)
	}
}

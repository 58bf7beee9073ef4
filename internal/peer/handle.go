package peer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Handle abstracts one peer connection. The session layer drives it
// through this interface so tests can substitute a fake; the production
// implementation wraps a pion PeerConnection.
type Handle interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// OnICECandidate fires for each locally gathered candidate and once
	// more with ok=false when gathering completes.
	OnICECandidate(fn func(candidate webrtc.ICECandidateInit, ok bool))
	OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))

	// Detach clears all registered callbacks. Call it before Close so no
	// callback fires into torn-down state.
	Detach()
	Close() error
}

// HandleFactory mints a fresh Handle per remote member.
type HandleFactory func() (Handle, error)

// Engine builds peer connection handles from a shared pion API instance.
type Engine struct {
	log        *slog.Logger
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

// EngineOption customizes the underlying pion engines, mainly so tests
// can pin connections onto a virtual network.
type EngineOption func(*webrtc.SettingEngine, *webrtc.MediaEngine) error

func NewEngine(log *slog.Logger, iceServers []webrtc.ICEServer, opts ...EngineOption) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = newSlogLoggerFactory(log)

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	for _, opt := range opts {
		if err := opt(&se, me); err != nil {
			return nil, err
		}
	}

	return &Engine{
		log:        log,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me)),
		iceServers: iceServers,
	}, nil
}

// NewHandle opens a fresh peer connection.
func (e *Engine) NewHandle() (Handle, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &pionHandle{pc: pc}, nil
}

// pionHandle adapts a pion PeerConnection to Handle. Callbacks route
// through indirection guarded by mu so Detach can sever them atomically.
type pionHandle struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	onCandidate func(webrtc.ICECandidateInit, bool)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState     func(webrtc.PeerConnectionState)
	wired       bool
}

func (h *pionHandle) AddTrack(track webrtc.TrackLocal) error {
	_, err := h.pc.AddTrack(track)
	return err
}

func (h *pionHandle) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := h.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	// Setting the local description starts trickle gathering; candidates
	// arrive via OnICECandidate.
	if err := h.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (h *pionHandle) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := h.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := h.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (h *pionHandle) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return h.pc.SetRemoteDescription(desc)
}

func (h *pionHandle) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return h.pc.AddICECandidate(candidate)
}

func (h *pionHandle) OnICECandidate(fn func(webrtc.ICECandidateInit, bool)) {
	h.mu.Lock()
	h.onCandidate = fn
	h.mu.Unlock()
	h.wire()
}

func (h *pionHandle) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	h.mu.Lock()
	h.onTrack = fn
	h.mu.Unlock()
	h.wire()
}

func (h *pionHandle) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	h.mu.Lock()
	h.onState = fn
	h.mu.Unlock()
	h.wire()
}

// wire installs the pion callbacks once; they dereference the current
// functions under mu so Detach takes effect for in-flight events too.
func (h *pionHandle) wire() {
	h.mu.Lock()
	if h.wired {
		h.mu.Unlock()
		return
	}
	h.wired = true
	h.mu.Unlock()

	h.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		h.mu.Lock()
		fn := h.onCandidate
		h.mu.Unlock()
		if fn == nil {
			return
		}
		if c == nil {
			fn(webrtc.ICECandidateInit{}, false)
			return
		}
		fn(c.ToJSON(), true)
	})

	h.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		h.mu.Lock()
		fn := h.onTrack
		h.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	h.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		h.mu.Lock()
		fn := h.onState
		h.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})
}

func (h *pionHandle) Detach() {
	h.mu.Lock()
	h.onCandidate = nil
	h.onTrack = nil
	h.onState = nil
	h.mu.Unlock()
}

func (h *pionHandle) Close() error {
	return h.pc.Close()
}

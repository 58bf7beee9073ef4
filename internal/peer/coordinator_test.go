package peer

import (
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/parlor-chat/parlor/internal/signaling"
)

var errTransport = errors.New("transport rejected sdp")

func webrtcCandidate(candidate string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: candidate}
}

// fakeSignalChannel collects outbound signaling messages.
type fakeSignalChannel struct {
	mu   sync.Mutex
	sent []*signaling.Message
}

func (c *fakeSignalChannel) Send(msg *signaling.Message) error {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeSignalChannel) byKind(kind signaling.Kind) []*signaling.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*signaling.Message
	for _, m := range c.sent {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// fakeFactory mints fakeHandles and remembers them in creation order.
type fakeFactory struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (f *fakeFactory) new() (Handle, error) {
	h := &fakeHandle{}
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

func (f *fakeFactory) handle(t *testing.T, i int) *fakeHandle {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.handles) {
		t.Fatalf("only %d handles created", len(f.handles))
	}
	return f.handles[i]
}

var rtcCaps = signaling.Capabilities{SupportsRealtimeMedia: true, ClientFamily: "test", ClientVersion: 1}

func newTestCoordinator(t *testing.T, opts ...CoordinatorOption) (*Coordinator, *fakeSignalChannel, *fakeFactory) {
	t.Helper()
	ch := &fakeSignalChannel{}
	factory := &fakeFactory{}
	c := NewCoordinator(nil, ch, factory.new, NoMediaSource{}, rtcCaps, opts...)
	return c, ch, factory
}

func join(t *testing.T, c *Coordinator, localID uint64, members ...signaling.MemberInfo) {
	t.Helper()
	err := c.HandleMessage(&signaling.Message{
		Kind:     signaling.KindJoinSuccess,
		MemberID: &localID,
		RoomID:   "main",
		Members:  members,
	})
	if err != nil {
		t.Fatalf("join-success: %v", err)
	}
}

func TestCoordinatorAnnouncesCapabilitiesAfterJoin(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)
	join(t, c, 0)

	initials := ch.byKind(signaling.KindInitial)
	if len(initials) != 1 {
		t.Fatalf("initial messages = %d", len(initials))
	}
	if !initials[0].Capabilities.SupportsRealtimeMedia {
		t.Fatalf("capabilities = %+v", initials[0].Capabilities)
	}
	if !c.Joined() || c.LocalID() != 0 {
		t.Fatalf("joined=%v id=%d", c.Joined(), c.LocalID())
	}
}

func TestCoordinatorPreCreatesAnswererSessionsForSnapshot(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)
	join(t, c, 2,
		signaling.MemberInfo{MemberID: 0, Capabilities: rtcCaps},
		signaling.MemberInfo{MemberID: 1, Capabilities: rtcCaps},
	)

	// Higher local id answers; no offers go out.
	if offers := ch.byKind(signaling.KindOffer); len(offers) != 0 {
		t.Fatalf("offers = %d, want 0", len(offers))
	}
	for _, id := range []uint64{0, 1} {
		phase, ok := c.SessionPhase(id)
		if !ok || phase != PhaseCreated {
			t.Fatalf("session %d: phase=%q ok=%v", id, phase, ok)
		}
	}
}

func TestCoordinatorOffersToHigherIDJoiner(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)
	join(t, c, 0)

	err := c.HandleMessage(&signaling.Message{
		Kind:   signaling.KindMemberJoined,
		Member: &signaling.MemberInfo{MemberID: 1, Capabilities: rtcCaps},
	})
	if err != nil {
		t.Fatalf("member-joined: %v", err)
	}

	offers := ch.byKind(signaling.KindOffer)
	if len(offers) != 1 {
		t.Fatalf("offers = %d, want 1", len(offers))
	}
	if offers[0].For == nil || *offers[0].For != 1 || offers[0].SDP != "offer-sdp" {
		t.Fatalf("offer = %+v", offers[0])
	}
	if phase, _ := c.SessionPhase(1); phase != PhaseOfferSent {
		t.Fatalf("phase = %q", phase)
	}
}

func TestCoordinatorDoesNotOfferToLowerID(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)
	join(t, c, 5)

	err := c.HandleMessage(&signaling.Message{
		Kind:   signaling.KindMemberJoined,
		Member: &signaling.MemberInfo{MemberID: 3, Capabilities: rtcCaps},
	})
	if err != nil {
		t.Fatalf("member-joined: %v", err)
	}

	if offers := ch.byKind(signaling.KindOffer); len(offers) != 0 {
		t.Fatal("offered despite holding the higher id")
	}
	if phase, ok := c.SessionPhase(3); !ok || phase != PhaseCreated {
		t.Fatalf("phase=%q ok=%v", phase, ok)
	}
}

func TestCoordinatorSkipsMembersWithoutRealtimeMedia(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	join(t, c, 0)

	err := c.HandleMessage(&signaling.Message{
		Kind:   signaling.KindMemberJoined,
		Member: &signaling.MemberInfo{MemberID: 1},
	})
	if err != nil {
		t.Fatalf("member-joined: %v", err)
	}
	if _, ok := c.SessionPhase(1); ok {
		t.Fatal("session created for member without realtime media")
	}
}

func TestCoordinatorAnswersOfferImmediatelyWhenAutoReady(t *testing.T) {
	c, ch, _ := newTestCoordinator(t, WithAutoRenderReady())
	join(t, c, 1, signaling.MemberInfo{MemberID: 0, Capabilities: rtcCaps})

	from := uint64(0)
	err := c.HandleMessage(&signaling.Message{
		Kind: signaling.KindOffer,
		From: &from,
		SDP:  "remote-offer",
	})
	if err != nil {
		t.Fatalf("offer: %v", err)
	}

	answers := ch.byKind(signaling.KindAnswer)
	if len(answers) != 1 {
		t.Fatalf("answers = %d, want 1", len(answers))
	}
	if answers[0].For == nil || *answers[0].For != 0 || answers[0].SDP != "answer-sdp" {
		t.Fatalf("answer = %+v", answers[0])
	}
}

func TestCoordinatorDefersAnswerUntilRenderReady(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)
	join(t, c, 1, signaling.MemberInfo{MemberID: 0, Capabilities: rtcCaps})

	from := uint64(0)
	err := c.HandleMessage(&signaling.Message{
		Kind: signaling.KindOffer,
		From: &from,
		SDP:  "remote-offer",
	})
	if err != nil {
		t.Fatalf("offer: %v", err)
	}

	if answers := ch.byKind(signaling.KindAnswer); len(answers) != 0 {
		t.Fatal("answered before render ready")
	}

	c.NotifyRenderReady(0)
	if answers := ch.byKind(signaling.KindAnswer); len(answers) != 1 {
		t.Fatalf("answers after ready = %d, want 1", len(answers))
	}

	// Readiness is idempotent; the answer is not re-sent.
	c.NotifyRenderReady(0)
	if answers := ch.byKind(signaling.KindAnswer); len(answers) != 1 {
		t.Fatal("answer sent twice")
	}
}

func TestCoordinatorCreatesSessionForUnannouncedOfferer(t *testing.T) {
	c, ch, _ := newTestCoordinator(t, WithAutoRenderReady())
	join(t, c, 1)

	// The offer outran our member-joined handling.
	from := uint64(0)
	err := c.HandleMessage(&signaling.Message{
		Kind: signaling.KindOffer,
		From: &from,
		SDP:  "remote-offer",
	})
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if answers := ch.byKind(signaling.KindAnswer); len(answers) != 1 {
		t.Fatalf("answers = %d, want 1", len(answers))
	}
}

func TestCoordinatorAppliesAnswerToOffererSession(t *testing.T) {
	c, _, factory := newTestCoordinator(t)
	join(t, c, 0)

	if err := c.HandleMessage(&signaling.Message{
		Kind:   signaling.KindMemberJoined,
		Member: &signaling.MemberInfo{MemberID: 1, Capabilities: rtcCaps},
	}); err != nil {
		t.Fatalf("member-joined: %v", err)
	}

	from := uint64(1)
	if err := c.HandleMessage(&signaling.Message{
		Kind: signaling.KindAnswer,
		From: &from,
		SDP:  "remote-answer",
	}); err != nil {
		t.Fatalf("answer: %v", err)
	}

	handle := factory.handle(t, 0)
	if handle.remote == nil || handle.remote.SDP != "remote-answer" {
		t.Fatalf("remote = %+v", handle.remote)
	}
	if phase, _ := c.SessionPhase(1); phase != PhaseStable {
		t.Fatalf("phase = %q", phase)
	}
}

func TestCoordinatorBuffersEarlyCandidates(t *testing.T) {
	c, _, factory := newTestCoordinator(t, WithAutoRenderReady())
	join(t, c, 1, signaling.MemberInfo{MemberID: 0, Capabilities: rtcCaps})

	from := uint64(0)
	if err := c.HandleMessage(&signaling.Message{
		Kind:      signaling.KindICECandidate,
		From:      &from,
		Candidate: &signaling.Candidate{Candidate: "early"},
	}); err != nil {
		t.Fatalf("candidate: %v", err)
	}

	handle := factory.handle(t, 0)
	if got := len(handle.appliedCandidates()); got != 0 {
		t.Fatalf("%d candidates applied before the offer", got)
	}

	if err := c.HandleMessage(&signaling.Message{
		Kind: signaling.KindOffer,
		From: &from,
		SDP:  "remote-offer",
	}); err != nil {
		t.Fatalf("offer: %v", err)
	}

	applied := handle.appliedCandidates()
	if len(applied) != 1 || applied[0].Candidate != "early" {
		t.Fatalf("applied = %+v", applied)
	}
}

func TestCoordinatorIgnoresEndOfCandidates(t *testing.T) {
	c, _, _ := newTestCoordinator(t, WithAutoRenderReady())
	join(t, c, 1, signaling.MemberInfo{MemberID: 0, Capabilities: rtcCaps})

	from := uint64(0)
	if err := c.HandleMessage(&signaling.Message{
		Kind: signaling.KindICECandidate,
		From: &from,
	}); err != nil {
		t.Fatalf("end-of-candidates: %v", err)
	}
}

func TestCoordinatorTearsDownOnMemberLeft(t *testing.T) {
	c, _, factory := newTestCoordinator(t)
	join(t, c, 1, signaling.MemberInfo{MemberID: 0, Capabilities: rtcCaps})

	left := uint64(0)
	if err := c.HandleMessage(&signaling.Message{
		Kind:     signaling.KindMemberLeft,
		MemberID: &left,
	}); err != nil {
		t.Fatalf("member-left: %v", err)
	}

	if _, ok := c.SessionPhase(0); ok {
		t.Fatal("session survived member-left")
	}
	log := factory.handle(t, 0).callLog()
	if len(log) < 2 || log[len(log)-2] != "Detach" || log[len(log)-1] != "Close" {
		t.Fatalf("handle calls = %v", log)
	}
}

func TestCoordinatorJoinRejectedIsFatal(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	err := c.HandleMessage(&signaling.Message{
		Kind: signaling.KindJoinRejected,
		Text: "Invalid room",
	})
	if err == nil {
		t.Fatal("join-rejected should surface as an error")
	}
}

func TestCoordinatorForwardsLocalCandidates(t *testing.T) {
	c, ch, factory := newTestCoordinator(t)
	join(t, c, 0)

	if err := c.HandleMessage(&signaling.Message{
		Kind:   signaling.KindMemberJoined,
		Member: &signaling.MemberInfo{MemberID: 1, Capabilities: rtcCaps},
	}); err != nil {
		t.Fatalf("member-joined: %v", err)
	}

	handle := factory.handle(t, 0)
	handle.onCandidate(webrtcCandidate("local-1"), true)
	handle.onCandidate(webrtcCandidate(""), false)

	candidates := ch.byKind(signaling.KindICECandidate)
	if len(candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(candidates))
	}
	if candidates[0].For == nil || *candidates[0].For != 1 || candidates[0].Candidate.Candidate != "local-1" {
		t.Fatalf("candidate = %+v", candidates[0])
	}
	if candidates[1].Candidate != nil {
		t.Fatal("end-of-candidates carried a payload")
	}
}

func TestCoordinatorContainsFailedOfferToSingleSession(t *testing.T) {
	var failed []uint64
	c, ch, factory := newTestCoordinator(t, WithAutoRenderReady(),
		WithFailureHandler(func(remoteID uint64) { failed = append(failed, remoteID) }))
	join(t, c, 1,
		signaling.MemberInfo{MemberID: 0, Capabilities: rtcCaps},
		signaling.MemberInfo{MemberID: 2, Capabilities: rtcCaps},
	)

	// Session for member 0 was created first.
	factory.handle(t, 0).failRemote(errTransport)

	from := uint64(0)
	err := c.HandleMessage(&signaling.Message{
		Kind: signaling.KindOffer,
		From: &from,
		SDP:  "remote-offer",
	})
	if err != nil {
		t.Fatalf("negotiation failure escaped HandleMessage: %v", err)
	}

	if len(failed) != 1 || failed[0] != 0 {
		t.Fatalf("failure callbacks = %v, want [0]", failed)
	}
	if _, ok := c.SessionPhase(0); ok {
		t.Fatal("failed session not torn down")
	}
	if _, ok := c.SessionPhase(2); !ok {
		t.Fatal("unrelated session torn down with the failed one")
	}
	if answers := ch.byKind(signaling.KindAnswer); len(answers) != 0 {
		t.Fatalf("answers = %d for a failed offer", len(answers))
	}
}

func TestCoordinatorContainsFailedAnswer(t *testing.T) {
	var failed []uint64
	c, _, factory := newTestCoordinator(t,
		WithFailureHandler(func(remoteID uint64) { failed = append(failed, remoteID) }))
	join(t, c, 0)

	if err := c.HandleMessage(&signaling.Message{
		Kind:   signaling.KindMemberJoined,
		Member: &signaling.MemberInfo{MemberID: 1, Capabilities: rtcCaps},
	}); err != nil {
		t.Fatalf("member-joined: %v", err)
	}

	factory.handle(t, 0).failRemote(errTransport)

	from := uint64(1)
	err := c.HandleMessage(&signaling.Message{
		Kind: signaling.KindAnswer,
		From: &from,
		SDP:  "remote-answer",
	})
	if err != nil {
		t.Fatalf("negotiation failure escaped HandleMessage: %v", err)
	}
	if len(failed) != 1 || failed[0] != 1 {
		t.Fatalf("failure callbacks = %v, want [1]", failed)
	}
	if _, ok := c.SessionPhase(1); ok {
		t.Fatal("failed session not torn down")
	}
}

func TestCoordinatorDropsRelayedMessageWithoutSender(t *testing.T) {
	c, _, _ := newTestCoordinator(t, WithAutoRenderReady())
	join(t, c, 1)

	// The wire format accepts "for" on relayed kinds (outbound
	// direction); reaching a client without the stamped sender must be
	// dropped, not dereferenced.
	target := uint64(1)
	for _, msg := range []*signaling.Message{
		{Kind: signaling.KindOffer, For: &target, SDP: "v=0"},
		{Kind: signaling.KindAnswer, For: &target, SDP: "v=0"},
		{Kind: signaling.KindICECandidate, For: &target, Candidate: &signaling.Candidate{Candidate: "c"}},
	} {
		if err := c.HandleMessage(msg); err != nil {
			t.Fatalf("%s without from: %v", msg.Kind, err)
		}
	}
	if _, ok := c.SessionPhase(1); ok {
		t.Fatal("session created from a senderless message")
	}
}

func TestCoordinatorRemembersEarlyRenderReady(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)
	join(t, c, 1)

	// The UI signals readiness before the member is even announced.
	c.NotifyRenderReady(0)

	if err := c.HandleMessage(&signaling.Message{
		Kind:   signaling.KindMemberJoined,
		Member: &signaling.MemberInfo{MemberID: 0, Capabilities: rtcCaps},
	}); err != nil {
		t.Fatalf("member-joined: %v", err)
	}

	from := uint64(0)
	if err := c.HandleMessage(&signaling.Message{
		Kind: signaling.KindOffer,
		From: &from,
		SDP:  "remote-offer",
	}); err != nil {
		t.Fatalf("offer: %v", err)
	}

	if answers := ch.byKind(signaling.KindAnswer); len(answers) != 1 {
		t.Fatalf("answers = %d, want 1 (early readiness lost)", len(answers))
	}
}

func TestCoordinatorOffersOnCandidateCreatedSession(t *testing.T) {
	c, ch, factory := newTestCoordinator(t)
	join(t, c, 0)

	// A candidate from an unannounced higher-id member pre-creates the
	// session; holding the lower id, we must still offer once the
	// announcement lands.
	from := uint64(1)
	if err := c.HandleMessage(&signaling.Message{
		Kind:      signaling.KindICECandidate,
		From:      &from,
		Candidate: &signaling.Candidate{Candidate: "early"},
	}); err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if phase, ok := c.SessionPhase(1); !ok || phase != PhaseCreated {
		t.Fatalf("phase=%q ok=%v after early candidate", phase, ok)
	}

	if err := c.HandleMessage(&signaling.Message{
		Kind:   signaling.KindMemberJoined,
		Member: &signaling.MemberInfo{MemberID: 1, Capabilities: rtcCaps},
	}); err != nil {
		t.Fatalf("member-joined: %v", err)
	}

	if offers := ch.byKind(signaling.KindOffer); len(offers) != 1 {
		t.Fatalf("offers = %d, want 1", len(offers))
	}
	if phase, _ := c.SessionPhase(1); phase != PhaseOfferSent {
		t.Fatalf("phase = %q", phase)
	}
	// The early candidate stays buffered until the remote answer lands.
	if applied := factory.handle(t, 0).appliedCandidates(); len(applied) != 0 {
		t.Fatalf("applied = %+v before the answer", applied)
	}
}

func TestCoordinatorCloseTearsDownAllSessions(t *testing.T) {
	c, _, factory := newTestCoordinator(t)
	join(t, c, 2,
		signaling.MemberInfo{MemberID: 0, Capabilities: rtcCaps},
		signaling.MemberInfo{MemberID: 1, Capabilities: rtcCaps},
	)

	c.Close()

	for i := 0; i < 2; i++ {
		log := factory.handle(t, i).callLog()
		if len(log) == 0 || log[len(log)-1] != "Close" {
			t.Fatalf("handle %d calls = %v", i, log)
		}
	}
	if _, ok := c.SessionPhase(0); ok {
		t.Fatal("sessions survived Close")
	}
}

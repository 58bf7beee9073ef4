package signaling

import (
	"context"
	"errors"
	"log/slog"

	"github.com/parlor-chat/parlor/internal/metrics"
)

// CloseRejected is the websocket close code sent when a join is refused.
const CloseRejected = 4000

// ErrRoomMismatch reports a join attempt against a room id the relay does
// not serve.
var ErrRoomMismatch = errors.New("signaling: room id mismatch")

// Router owns the room registry and routes every inbound frame. All state
// mutation happens on the single goroutine running Run, so joins, leaves
// and relays are serialized without locks; per-connection goroutines hand
// events over and wait for them to be applied, which also preserves
// per-sender FIFO ordering toward each recipient.
//
// The router inspects only the kind and "for" fields of relayed messages;
// sdp and candidate payloads stay opaque.
type Router struct {
	log  *slog.Logger
	room *Room

	joinCh    chan joinRequest
	leaveCh   chan leaveRequest
	deliverCh chan deliverRequest

	// byChannel maps a live channel to its member. Only the Run goroutine
	// touches it.
	byChannel map[Channel]*Member
}

type joinRequest struct {
	ch     Channel
	roomID string
	reply  chan joinResult
}

type joinResult struct {
	member *Member
	err    error
}

type leaveRequest struct {
	ch   Channel
	done chan struct{}
}

type deliverRequest struct {
	ch   Channel
	msg  *Message
	done chan struct{}
}

func NewRouter(log *slog.Logger, room *Room) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:       log,
		room:      room,
		joinCh:    make(chan joinRequest),
		leaveCh:   make(chan leaveRequest),
		deliverCh: make(chan deliverRequest),
	}
}

// Run dispatches events until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	r.byChannel = make(map[Channel]*Member)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.joinCh:
			req.reply <- r.handleJoin(req.ch, req.roomID)
		case req := <-r.leaveCh:
			r.handleLeave(req.ch)
			close(req.done)
		case req := <-r.deliverCh:
			r.handleDeliver(req.ch, req.msg)
			close(req.done)
		}
	}
}

// Join admits the channel into the room, replying with join-success (and
// the prior member snapshot) on the channel itself. A mismatched room id
// gets a join-rejected message and a close with CloseRejected; no member
// is registered.
func (r *Router) Join(ch Channel, roomID string) (*Member, error) {
	reply := make(chan joinResult, 1)
	r.joinCh <- joinRequest{ch: ch, roomID: roomID, reply: reply}
	res := <-reply
	return res.member, res.err
}

// Leave removes the channel's member (if any) and broadcasts member-left.
// Safe to call for channels that never joined or already left.
func (r *Router) Leave(ch Channel) {
	done := make(chan struct{})
	r.leaveCh <- leaveRequest{ch: ch, done: done}
	<-done
}

// Deliver routes one parsed inbound message from the channel.
func (r *Router) Deliver(ch Channel, msg *Message) {
	done := make(chan struct{})
	r.deliverCh <- deliverRequest{ch: ch, msg: msg, done: done}
	<-done
}

func (r *Router) handleJoin(ch Channel, roomID string) joinResult {
	if roomID != r.room.ID {
		r.log.Warn("rejected join for unknown room", "room_id", roomID)
		metrics.JoinRejectedTotal.Inc()
		ch.Send(&Message{Kind: KindJoinRejected, Text: "Invalid room"})
		ch.Close(CloseRejected, "rejected")
		return joinResult{err: ErrRoomMismatch}
	}

	member, others := r.room.Add(ch)
	r.byChannel[ch] = member
	metrics.JoinsTotal.Inc()
	metrics.RoomMembers.Set(float64(r.room.Len()))

	id := member.ID
	ch.Send(&Message{
		Kind:     KindJoinSuccess,
		MemberID: &id,
		RoomID:   r.room.ID,
		Members:  others,
	})
	r.log.Info("member joined", "room_id", r.room.ID, "member_id", member.ID, "members", r.room.Len())
	return joinResult{member: member}
}

func (r *Router) handleLeave(ch Channel) {
	member, ok := r.byChannel[ch]
	if !ok {
		return
	}
	delete(r.byChannel, ch)
	r.room.Remove(member.ID)
	metrics.RoomMembers.Set(float64(r.room.Len()))

	id := member.ID
	r.broadcast(&Message{Kind: KindMemberLeft, MemberID: &id}, member.ID)
	r.log.Info("member left", "room_id", r.room.ID, "member_id", member.ID, "members", r.room.Len())
}

func (r *Router) handleDeliver(ch Channel, msg *Message) {
	member, ok := r.byChannel[ch]
	if !ok {
		// Frames racing a leave; nothing to route them for.
		return
	}

	switch msg.Kind {
	case KindInitial:
		member.Capabilities = *msg.Capabilities
		info := member.Info()
		r.broadcast(&Message{Kind: KindMemberJoined, Member: &info}, member.ID)

	case KindOffer, KindAnswer, KindICECandidate:
		if msg.For == nil {
			r.log.Warn("dropping relayed message without destination", "kind", msg.Kind, "member_id", member.ID)
			return
		}
		r.unicast(member, msg)

	default:
		r.log.Warn("dropping unroutable message", "kind", msg.Kind, "member_id", member.ID)
	}
}

// unicast forwards msg verbatim to its destination, replacing any
// client-supplied "from" with the sender's real identity. A missing
// destination is expected (messages race departures) and never surfaces
// to the sender.
func (r *Router) unicast(sender *Member, msg *Message) {
	target, ok := r.room.Get(*msg.For)
	if !ok {
		metrics.UnicastMissesTotal.Inc()
		r.log.Debug("unicast target gone", "kind", msg.Kind, "from", sender.ID, "for", *msg.For)
		return
	}

	out := *msg
	out.For = nil
	from := sender.ID
	out.From = &from

	if !target.Channel.Send(&out) {
		metrics.SendBackpressureTotal.Inc()
		r.log.Warn("dropping unicast due to backpressure", "kind", msg.Kind, "for", target.ID)
		return
	}
	metrics.MessagesRelayedTotal.WithLabelValues(string(msg.Kind)).Inc()
}

func (r *Router) broadcast(msg *Message, exclude uint64) {
	for _, info := range r.room.Snapshot() {
		if info.MemberID == exclude {
			continue
		}
		member, ok := r.room.Get(info.MemberID)
		if !ok {
			continue
		}
		if !member.Channel.Send(msg) {
			metrics.SendBackpressureTotal.Inc()
			r.log.Warn("dropping broadcast due to backpressure", "kind", msg.Kind, "for", member.ID)
		}
	}
	metrics.BroadcastsTotal.WithLabelValues(string(msg.Kind)).Inc()
}

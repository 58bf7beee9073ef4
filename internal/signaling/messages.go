package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Kind discriminates the closed set of signaling messages. New message
// kinds extend this union; the router never branches on raw strings.
type Kind string

const (
	KindJoinRejected Kind = "join-rejected"
	KindJoinSuccess  Kind = "join-success"
	KindInitial      Kind = "initial"
	KindMemberJoined Kind = "member-joined"
	KindMemberLeft   Kind = "member-left"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
)

// Capabilities is a member's public capability descriptor, announced via
// an "initial" message and echoed in join-success/member-joined notices.
type Capabilities struct {
	SupportsRealtimeMedia bool   `json:"supportsRealtimeMedia"`
	ClientFamily          string `json:"clientFamily"`
	ClientVersion         int    `json:"clientVersion"`
}

// MemberInfo is the public view of a room member.
type MemberInfo struct {
	MemberID     uint64       `json:"memberId"`
	Capabilities Capabilities `json:"capabilities"`
}

// Candidate is a JSON-friendly ICE candidate. The relay treats it as an
// opaque blob; only clients ever interpret it.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is the wire envelope: one JSON object per websocket text frame,
// discriminated by Kind. Unused fields are omitted per kind.
//
// "for" marks a message as unicast (client to server); the relay strips it
// and stamps the authoritative sender identity into "from" before
// forwarding.
type Message struct {
	Kind Kind `json:"kind"`

	// join-rejected
	Text string `json:"message,omitempty"`

	// join-success and member-left
	MemberID *uint64      `json:"memberId,omitempty"`
	RoomID   string       `json:"roomId,omitempty"`
	Members  []MemberInfo `json:"members,omitempty"`

	// initial
	Capabilities *Capabilities `json:"capabilities,omitempty"`

	// member-joined
	Member *MemberInfo `json:"member,omitempty"`

	// offer / answer / ice-candidate
	For       *uint64    `json:"for,omitempty"`
	From      *uint64    `json:"from,omitempty"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// Parse decodes one wire frame strictly: unknown fields, trailing data and
// unsupported kinds are all errors. This is the single decode step; after
// it, consumers switch exhaustively on Kind.
func Parse(data []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the per-kind required fields. It accepts both directions
// of the relayed kinds ("for" on the way in, "from" on the way out) but
// never both at once.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindJoinRejected:
		if m.Text == "" {
			return fmt.Errorf("join-rejected message missing reason")
		}
	case KindJoinSuccess:
		if m.MemberID == nil {
			return fmt.Errorf("join-success message missing memberId")
		}
		if m.RoomID == "" {
			return fmt.Errorf("join-success message missing roomId")
		}
	case KindInitial:
		if m.Capabilities == nil {
			return fmt.Errorf("initial message missing capabilities")
		}
	case KindMemberJoined:
		if m.Member == nil {
			return fmt.Errorf("member-joined message missing member")
		}
	case KindMemberLeft:
		if m.MemberID == nil {
			return fmt.Errorf("member-left message missing memberId")
		}
	case KindOffer, KindAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%s message missing sdp", m.Kind)
		}
		if err := m.validateRouting(); err != nil {
			return err
		}
	case KindICECandidate:
		// A nil candidate is legal: it marks end-of-candidates.
		if err := m.validateRouting(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported message kind %q", m.Kind)
	}
	return nil
}

func (m *Message) validateRouting() error {
	if m.For == nil && m.From == nil {
		return fmt.Errorf("%s message missing destination", m.Kind)
	}
	if m.For != nil && m.From != nil {
		return fmt.Errorf("%s message has both for and from", m.Kind)
	}
	return nil
}

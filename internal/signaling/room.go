package signaling

import "sort"

// Member is one connected participant. Its identity is unique for the
// lifetime of the process; the registry never persists members beyond it.
type Member struct {
	ID           uint64
	Capabilities Capabilities
	Channel      Channel
}

// Info returns the member's public view.
func (m *Member) Info() MemberInfo {
	return MemberInfo{MemberID: m.ID, Capabilities: m.Capabilities}
}

// Room is the authoritative membership registry for one room id.
//
// It is only ever touched from the router's dispatch goroutine, so it
// carries no locking of its own.
type Room struct {
	ID string

	nextID  uint64
	members map[uint64]*Member
}

func NewRoom(id string) *Room {
	return &Room{
		ID:      id,
		members: make(map[uint64]*Member),
	}
}

// Add registers a new member for the given channel, allocating the next
// identity, and returns it together with a snapshot of the members that
// were already present (ordered by identity).
func (r *Room) Add(ch Channel) (*Member, []MemberInfo) {
	others := r.Snapshot()

	m := &Member{ID: r.nextID, Channel: ch}
	r.nextID++
	r.members[m.ID] = m
	return m, others
}

// Remove forgets the member, if present.
func (r *Room) Remove(id uint64) *Member {
	m := r.members[id]
	delete(r.members, id)
	return m
}

func (r *Room) Get(id uint64) (*Member, bool) {
	m, ok := r.members[id]
	return m, ok
}

func (r *Room) Len() int { return len(r.members) }

// Snapshot returns the public views of all current members, ordered by
// identity.
func (r *Room) Snapshot() []MemberInfo {
	infos := make([]MemberInfo, 0, len(r.members))
	for _, m := range r.members {
		infos = append(infos, m.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].MemberID < infos[j].MemberID })
	return infos
}

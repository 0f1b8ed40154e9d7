package room

import (
	"sort"
	"sync"

	"github.com/tcriess/lightspeed-karma/types"
)

// Sink receives the frames broadcast to a connection. Send must not block; a sink that cannot
// take a frame returns an error and the frame is dropped for that connection.
type Sink interface {
	Send(frame []byte) error
}

// member is the registry's view of a connection. The rooms set only holds room ids; rooms are
// owned by the registry.
type member struct {
	mu     sync.Mutex
	conn   types.Connection
	sink   Sink
	rooms  map[string]struct{}
	closed bool
}

// room is one broadcast domain. A room removed from the registry is marked dead so that a
// join which looked it up concurrently starts over with a fresh room.
type room struct {
	mu      sync.Mutex
	id      string
	kind    types.RoomKind
	members map[string]*member
	dead    bool
}

func newRoom(id string, kind types.RoomKind) *room {
	return &room{
		id:      id,
		kind:    kind,
		members: make(map[string]*member),
	}
}

// collectable reports whether the room is to be removed. Personal rooms live for the life of
// the process. Callers hold r.mu.
func (r *room) collectable() bool {
	return r.kind != types.RoomKindPersonal && len(r.members) == 0
}

func (r *room) connections() []types.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]types.Connection, 0, len(r.members))
	for _, m := range r.members {
		conns = append(conns, m.conn)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].Id < conns[j].Id })
	return conns
}

// Package room tracks which connections belong to which rooms and delivers broadcasts to them.
package room

import (
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-karma/types"
)

// BroadcastOptions narrows the recipients of a broadcast.
type BroadcastOptions struct {
	// ExcludeConnectionId, if set, is skipped.
	ExcludeConnectionId string
}

// Registry owns all rooms and the room memberships of all registered connections.
//
// Locks are always taken in the order connection, room, registry. Operations on the same room
// serialize on the room lock; operations on different rooms only share the short map lookups.
type Registry struct {
	mu      sync.RWMutex
	members map[string]*member
	rooms   map[string]*room
	logger  hclog.Logger
}

func NewRegistry(logger hclog.Logger) *Registry {
	return &Registry{
		members: make(map[string]*member),
		rooms:   make(map[string]*room),
		logger:  logger,
	}
}

// Register makes conn known to the registry. Frames for conn are handed to sink.
func (r *Registry) Register(conn types.Connection, sink Sink) error {
	if conn.Id == "" || conn.UserId == "" {
		return types.Validationf("connection needs an id and a user id")
	}
	if sink == nil {
		return types.Validationf("connection %s has no sink", conn.Id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[conn.Id]; ok {
		return types.Validationf("connection %s is already registered", conn.Id)
	}
	r.members[conn.Id] = &member{
		conn:  conn,
		sink:  sink,
		rooms: make(map[string]struct{}),
	}
	return nil
}

// EnsurePersonal creates the personal room of userId if it does not exist yet and returns its id.
func (r *Registry) EnsurePersonal(userId string) string {
	roomId := types.PersonalRoomId(userId)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomId]; !ok {
		r.rooms[roomId] = newRoom(roomId, types.RoomKindPersonal)
		r.logger.Debug("personal room created", "room", roomId)
	}
	return roomId
}

// Join adds connectionId to roomId, creating the room on first join. Joining a room twice is a
// no-op. Personal rooms are never created here, see EnsurePersonal.
func (r *Registry) Join(connectionId, roomId string) error {
	kind, _, err := types.ParseRoomId(roomId)
	if err != nil {
		return err
	}
	m, err := r.member(connectionId)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.NotFoundf("connection %s is gone", connectionId)
	}
	if _, ok := m.rooms[roomId]; ok {
		return nil
	}
	for {
		rm := r.lookup(roomId, kind != types.RoomKindPersonal, kind)
		if rm == nil {
			return types.NotFoundf("room %s does not exist", roomId)
		}
		rm.mu.Lock()
		if rm.dead {
			// collected between lookup and lock
			rm.mu.Unlock()
			continue
		}
		rm.members[connectionId] = m
		rm.mu.Unlock()
		m.rooms[roomId] = struct{}{}
		r.logger.Debug("joined room", "room", roomId, "connection", connectionId)
		return nil
	}
}

// Leave removes connectionId from roomId. Leaving a room one is not a member of is a no-op.
// The room is removed once it is empty, unless it is a personal room.
func (r *Registry) Leave(connectionId, roomId string) error {
	if _, _, err := types.ParseRoomId(roomId); err != nil {
		return err
	}
	m, err := r.member(connectionId)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rm := r.lookup(roomId, false, "")
	if rm == nil {
		return types.NotFoundf("room %s does not exist", roomId)
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.dead {
		return types.NotFoundf("room %s does not exist", roomId)
	}
	if _, ok := rm.members[connectionId]; !ok {
		return nil
	}
	r.removeLocked(rm, connectionId)
	delete(m.rooms, roomId)
	r.logger.Debug("left room", "room", roomId, "connection", connectionId)
	return nil
}

// Broadcast delivers event to the members of roomId at the time of the call and returns the
// number of connections the frame was handed to.
func (r *Registry) Broadcast(roomId, event string, payload interface{}, opts BroadcastOptions) (int, error) {
	frame, err := types.NewWebsocketMessage(event, payload)
	if err != nil {
		return 0, types.Validationf("could not encode %s: %s", event, err)
	}
	rm := r.lookup(roomId, false, "")
	if rm == nil {
		return 0, types.NotFoundf("room %s does not exist", roomId)
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.dead {
		return 0, types.NotFoundf("room %s does not exist", roomId)
	}
	delivered := 0
	for connectionId, m := range rm.members {
		if connectionId == opts.ExcludeConnectionId {
			continue
		}
		if err := m.sink.Send(frame); err != nil {
			r.logger.Warn("frame dropped", "room", roomId, "event", event, "connection", connectionId, "error", err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Send delivers event to a single connection.
func (r *Registry) Send(connectionId, event string, payload interface{}) error {
	frame, err := types.NewWebsocketMessage(event, payload)
	if err != nil {
		return types.Validationf("could not encode %s: %s", event, err)
	}
	m, err := r.member(connectionId)
	if err != nil {
		return err
	}
	return m.sink.Send(frame)
}

// DisconnectCleanup removes connectionId from every room it belongs to, removes rooms that
// became empty and unregisters the connection. It returns the ids of the rooms the connection
// was removed from, sorted. A second call for the same connection returns ErrNotFound.
func (r *Registry) DisconnectCleanup(connectionId string) ([]string, error) {
	m, err := r.member(connectionId)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, types.NotFoundf("connection %s is gone", connectionId)
	}
	m.closed = true
	affected := make([]string, 0, len(m.rooms))
	for roomId := range m.rooms {
		rm := r.lookup(roomId, false, "")
		if rm == nil {
			continue
		}
		rm.mu.Lock()
		if _, ok := rm.members[connectionId]; ok && !rm.dead {
			r.removeLocked(rm, connectionId)
			affected = append(affected, roomId)
		}
		rm.mu.Unlock()
	}
	m.rooms = make(map[string]struct{})
	m.mu.Unlock()

	r.mu.Lock()
	delete(r.members, connectionId)
	r.mu.Unlock()

	sort.Strings(affected)
	r.logger.Debug("connection cleaned up", "connection", connectionId, "rooms", affected)
	return affected, nil
}

// Rooms returns the ids of the rooms connectionId belongs to, sorted.
func (r *Registry) Rooms(connectionId string) []string {
	m, err := r.member(connectionId)
	if err != nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]string, 0, len(m.rooms))
	for roomId := range m.rooms {
		rooms = append(rooms, roomId)
	}
	sort.Strings(rooms)
	return rooms
}

// Members returns the connections in roomId, sorted by connection id.
func (r *Registry) Members(roomId string) ([]types.Connection, error) {
	rm := r.lookup(roomId, false, "")
	if rm == nil {
		return nil, types.NotFoundf("room %s does not exist", roomId)
	}
	return rm.connections(), nil
}

// IsMember reports whether connectionId currently belongs to roomId.
func (r *Registry) IsMember(connectionId, roomId string) bool {
	rm := r.lookup(roomId, false, "")
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, ok := rm.members[connectionId]
	return ok && !rm.dead
}

// Exists reports whether roomId is currently live.
func (r *Registry) Exists(roomId string) bool {
	return r.lookup(roomId, false, "") != nil
}

// Connection returns the registered connection with the given id.
func (r *Registry) Connection(connectionId string) (types.Connection, error) {
	m, err := r.member(connectionId)
	if err != nil {
		return types.Connection{}, err
	}
	return m.conn, nil
}

// RoomCount returns the number of live rooms, personal rooms included.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// ConnectionCount returns the number of registered connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Registry) member(connectionId string) (*member, error) {
	r.mu.RLock()
	m, ok := r.members[connectionId]
	r.mu.RUnlock()
	if !ok {
		return nil, types.NotFoundf("connection %s is not registered", connectionId)
	}
	return m, nil
}

func (r *Registry) lookup(roomId string, create bool, kind types.RoomKind) *room {
	r.mu.RLock()
	rm, ok := r.rooms[roomId]
	r.mu.RUnlock()
	if ok || !create {
		return rm
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok = r.rooms[roomId]; ok {
		return rm
	}
	rm = newRoom(roomId, kind)
	r.rooms[roomId] = rm
	r.logger.Debug("room created", "room", roomId)
	return rm
}

// removeLocked drops connectionId from rm and collects rm if it became empty. Callers hold rm.mu.
func (r *Registry) removeLocked(rm *room, connectionId string) {
	delete(rm.members, connectionId)
	if !rm.collectable() {
		return
	}
	rm.dead = true
	r.mu.Lock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	r.mu.Unlock()
	r.logger.Debug("room removed", "room", rm.id)
}

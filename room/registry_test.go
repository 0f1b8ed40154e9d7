package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-karma/types"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []types.WebsocketMessage
	full   bool
}

func (s *recordingSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return errors.New("send buffer full")
	}
	var msg types.WebsocketMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return err
	}
	s.frames = append(s.frames, msg)
	return nil
}

func (s *recordingSink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]string, 0, len(s.frames))
	for _, f := range s.frames {
		events = append(events, f.Event)
	}
	return events
}

func newTestRegistry(t *testing.T, conns ...string) (*Registry, map[string]*recordingSink) {
	t.Helper()
	r := NewRegistry(hclog.NewNullLogger())
	sinks := make(map[string]*recordingSink, len(conns))
	for _, c := range conns {
		sinks[c] = &recordingSink{}
		require.NoError(t, r.Register(types.Connection{Id: c, UserId: "user-" + c}, sinks[c]))
	}
	return r, sinks
}

func TestRegistryJoinIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, "a")
	require.NoError(t, r.Join("a", "event:1"))
	require.NoError(t, r.Join("a", "event:1"))

	members, err := r.Members("event:1")
	require.NoError(t, err)
	assert.Len(t, members, 1)
	assert.Equal(t, []string{"event:1"}, r.Rooms("a"))
}

func TestRegistryLeaveNonMember(t *testing.T) {
	r, _ := newTestRegistry(t, "a", "b")
	require.NoError(t, r.Join("a", "chat:1"))
	require.NoError(t, r.Leave("b", "chat:1"))

	members, err := r.Members("chat:1")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	err = r.Leave("a", "chat:unknown")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestRegistryRoundTripCollectsRoom(t *testing.T) {
	r, _ := newTestRegistry(t, "a")
	require.NoError(t, r.Join("a", "event:5"))
	assert.True(t, r.Exists("event:5"))
	require.NoError(t, r.Leave("a", "event:5"))

	assert.False(t, r.Exists("event:5"))
	assert.Empty(t, r.Rooms("a"))
	_, err := r.Members("event:5")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.Equal(t, 0, r.RoomCount())
}

func TestRegistryPersonalRooms(t *testing.T) {
	r, _ := newTestRegistry(t, "a")
	err := r.Join("a", "personal:user-a")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	roomId := r.EnsurePersonal("user-a")
	assert.Equal(t, "personal:user-a", roomId)
	require.NoError(t, r.Join("a", roomId))
	require.NoError(t, r.Leave("a", roomId))
	assert.True(t, r.Exists(roomId), "personal rooms are kept when empty")
	assert.Equal(t, roomId, r.EnsurePersonal("user-a"))
}

func TestRegistryRejectsInvalidRoomIds(t *testing.T) {
	r, _ := newTestRegistry(t, "a")
	for _, roomId := range []string{"", "event", "event:", "lobby:1"} {
		err := r.Join("a", roomId)
		assert.True(t, errors.Is(err, types.ErrValidation), roomId)
	}
	err := r.Join("ghost", "event:1")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestRegistryBroadcastScope(t *testing.T) {
	r, sinks := newTestRegistry(t, "a", "b", "c", "outsider")
	for _, c := range []string{"a", "b", "c"} {
		require.NoError(t, r.Join(c, "chat:r"))
	}

	n, err := r.Broadcast("chat:r", types.WireEventMessage, map[string]string{"content": "hi"}, BroadcastOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = r.Broadcast("chat:r", types.WireEventLocation, map[string]string{}, BroadcastOptions{ExcludeConnectionId: "a"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []string{types.WireEventMessage}, sinks["a"].events())
	assert.Equal(t, []string{types.WireEventMessage, types.WireEventLocation}, sinks["b"].events())
	assert.Equal(t, []string{types.WireEventMessage, types.WireEventLocation}, sinks["c"].events())
	assert.Empty(t, sinks["outsider"].events())

	_, err = r.Broadcast("chat:none", types.WireEventMessage, nil, BroadcastOptions{})
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestRegistryBroadcastDropsOnFullSink(t *testing.T) {
	r, sinks := newTestRegistry(t, "a", "b")
	require.NoError(t, r.Join("a", "chat:r"))
	require.NoError(t, r.Join("b", "chat:r"))
	sinks["b"].full = true

	n, err := r.Broadcast("chat:r", types.WireEventMessage, nil, BroadcastOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, sinks["a"].events(), 1)
}

func TestRegistryDisconnectCleanup(t *testing.T) {
	r, _ := newTestRegistry(t, "a", "b", "c")
	r.EnsurePersonal("user-a")
	require.NoError(t, r.Join("a", "personal:user-a"))
	require.NoError(t, r.Join("a", "event:5"))
	require.NoError(t, r.Join("a", "call:9"))
	require.NoError(t, r.Join("b", "event:5"))
	require.NoError(t, r.Join("c", "call:9"))

	affected, err := r.DisconnectCleanup("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"call:9", "event:5", "personal:user-a"}, affected)

	assert.False(t, r.IsMember("a", "event:5"))
	assert.False(t, r.IsMember("a", "call:9"))
	assert.True(t, r.IsMember("b", "event:5"))
	assert.True(t, r.IsMember("c", "call:9"))
	assert.Equal(t, 2, r.ConnectionCount())

	_, err = r.DisconnectCleanup("a")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	err = r.Join("a", "event:5")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestRegistryDisconnectCollectsEmptyRooms(t *testing.T) {
	r, _ := newTestRegistry(t, "a")
	require.NoError(t, r.Join("a", "event:1"))
	require.NoError(t, r.Join("a", "chat:1"))
	_, err := r.DisconnectCleanup("a")
	require.NoError(t, err)
	assert.Equal(t, 0, r.RoomCount())
}

func TestRegistryConcurrentJoinLeave(t *testing.T) {
	const conns, rounds = 20, 50
	ids := make([]string, 0, conns)
	for i := 0; i < conns; i++ {
		ids = append(ids, fmt.Sprintf("c%d", i))
	}
	r, _ := newTestRegistry(t, ids...)

	var wg sync.WaitGroup
	for _, c := range ids {
		wg.Add(1)
		go func(c string) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				roomId := fmt.Sprintf("event:%d", i%3)
				assert.NoError(t, r.Join(c, roomId))
				_, _ = r.Broadcast(roomId, types.WireEventMessage, nil, BroadcastOptions{})
				assert.NoError(t, r.Leave(c, roomId))
			}
			assert.NoError(t, r.Join(c, "event:final"))
		}(c)
	}
	wg.Wait()

	members, err := r.Members("event:final")
	require.NoError(t, err)
	assert.Len(t, members, conns)
	for _, c := range ids {
		assert.Equal(t, []string{"event:final"}, r.Rooms(c))
	}
	assert.Equal(t, 1, r.RoomCount())
}

package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-karma/auth"
	"github.com/tcriess/lightspeed-karma/config"
	"github.com/tcriess/lightspeed-karma/persistence"
	"github.com/tcriess/lightspeed-karma/room"
	"github.com/tcriess/lightspeed-karma/types"
)

// tokenVerifier accepts "token-<userId>".
type tokenVerifier struct{}

func (tokenVerifier) Verify(_ context.Context, credential string) (auth.Identity, error) {
	if !strings.HasPrefix(credential, "token-") || len(credential) == len("token-") {
		return auth.Identity{}, types.ErrAuthentication
	}
	return auth.Identity{UserId: strings.TrimPrefix(credential, "token-")}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	frames []types.WebsocketMessage
}

func (s *recordingSink) Send(frame []byte) error {
	msg := types.WebsocketMessage{}
	if err := json.Unmarshal(frame, &msg); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, msg)
	s.mu.Unlock()
	return nil
}

// take returns and forgets the frames received so far.
func (s *recordingSink) take() []types.WebsocketMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.frames
	s.frames = nil
	return frames
}

func events(frames []types.WebsocketMessage) []string {
	res := make([]string, 0, len(frames))
	for _, f := range frames {
		res = append(res, f.Event)
	}
	return res
}

func countEvent(frames []types.WebsocketMessage, event string) int {
	n := 0
	for _, f := range frames {
		if f.Event == event {
			n++
		}
	}
	return n
}

func findEvent(t *testing.T, frames []types.WebsocketMessage, event string, v interface{}) {
	t.Helper()
	for _, f := range frames {
		if f.Event == event {
			require.NoError(t, json.Unmarshal(f.Data, v))
			return
		}
	}
	t.Fatalf("no %s frame in %v", event, events(frames))
}

type testEnv struct {
	registry  *room.Registry
	hub       *Hub
	relay     *Relay
	router    *Router
	persister *persistence.MemoryPersist
}

type testConn struct {
	types.Connection
	sink *recordingSink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	persister := persistence.NewMemoryPersister()
	return newTestEnvWithStore(t, persister, persister)
}

// newTestEnvWithStore routes storage through store; stored room events are read back from mem.
func newTestEnvWithStore(t *testing.T, store persistence.Persister, mem *persistence.MemoryPersist) *testEnv {
	t.Helper()
	logger := hclog.NewNullLogger()
	registry := room.NewRegistry(logger)
	hub := NewHub(registry, tokenVerifier{}, store, config.HubConfig{}, logger)
	relay := NewRelay(registry, logger)
	retry := persistence.Retrier{MaxTries: 3, InitialInterval: time.Millisecond, Logger: logger}
	return &testEnv{
		registry:  registry,
		hub:       hub,
		relay:     relay,
		router:    NewRouter(hub, relay, store, retry, logger),
		persister: mem,
	}
}

func (e *testEnv) attach(t *testing.T, userId string) *testConn {
	t.Helper()
	sink := &recordingSink{}
	conn, err := e.hub.Attach(context.Background(), "token-"+userId, sink)
	require.NoError(t, err)
	return &testConn{Connection: conn, sink: sink}
}

func (e *testEnv) dispatch(t *testing.T, c *testConn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	e.router.Dispatch(context.Background(), c.Connection, types.WebsocketMessage{Event: event, Data: raw})
}

// startCall lets caller ring targets and returns the call room id.
func (e *testEnv) startCall(t *testing.T, caller *testConn, targets ...string) string {
	t.Helper()
	e.dispatch(t, caller, types.WireEventStartCall, map[string]interface{}{"targetUserIds": targets})
	started := types.CallStartedMessage{}
	findEvent(t, caller.sink.take(), types.WireEventCallStarted, &started)
	require.NotEmpty(t, started.RoomId)
	return started.RoomId
}

func drain(conns ...*testConn) {
	for _, c := range conns {
		c.sink.take()
	}
}

package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/tcriess/lightspeed-karma/auth"
	"github.com/tcriess/lightspeed-karma/config"
	"github.com/tcriess/lightspeed-karma/persistence"
	"github.com/tcriess/lightspeed-karma/room"
	"github.com/tcriess/lightspeed-karma/types"
)

const (
	maxMessageSize = 64 * 1024
	pongWait       = 2 * time.Minute
	pingPeriod     = time.Minute
	writeWait      = 10 * time.Second
	authWait       = 10 * time.Second

	defaultSendBuffer = 256
)

// Hub authenticates connections, gives every user a personal room and keeps track of how many
// devices each user has connected.
type Hub struct {
	registry  *room.Registry
	verifier  auth.Verifier
	persister persistence.Persister
	cfg       config.HubConfig
	logger    hclog.Logger

	// OnUserUpdate, if set, is called after a user record was stored on authentication.
	OnUserUpdate func(userId string)

	mu      sync.RWMutex
	devices map[string]int

	now func() time.Time
}

// NewHub creates a hub. persister may be nil, in which case user records are not stored.
func NewHub(registry *room.Registry, verifier auth.Verifier, persister persistence.Persister, cfg config.HubConfig, logger hclog.Logger) *Hub {
	return &Hub{
		registry:  registry,
		verifier:  verifier,
		persister: persister,
		cfg:       cfg,
		logger:    logger,
		devices:   make(map[string]int),
		now:       time.Now,
	}
}

// Registry returns the room registry the hub registers connections with.
func (h *Hub) Registry() *room.Registry {
	return h.registry
}

// Authenticate verifies credential. Every failure wraps types.ErrAuthentication.
func (h *Hub) Authenticate(ctx context.Context, credential string) (auth.Identity, error) {
	if h.verifier == nil {
		return auth.Identity{}, types.ErrAuthentication
	}
	identity, err := h.verifier.Verify(ctx, credential)
	if err != nil {
		if !errors.Is(err, types.ErrAuthentication) {
			return auth.Identity{}, errors.Join(types.ErrAuthentication, err)
		}
		return auth.Identity{}, err
	}
	return identity, nil
}

// Attach authenticates credential and registers a new connection delivering to sink. The
// connection is a member of its user's personal room when Attach returns.
func (h *Hub) Attach(ctx context.Context, credential string, sink room.Sink) (types.Connection, error) {
	identity, err := h.Authenticate(ctx, credential)
	if err != nil {
		return types.Connection{}, err
	}
	conn := types.Connection{
		Id:              uuid.NewString(),
		UserId:          identity.UserId,
		AuthenticatedAt: h.now().UTC(),
	}
	if err := h.registry.Register(conn, sink); err != nil {
		return types.Connection{}, err
	}
	personal := h.registry.EnsurePersonal(conn.UserId)
	if err := h.registry.Join(conn.Id, personal); err != nil {
		_, _ = h.registry.DisconnectCleanup(conn.Id)
		return types.Connection{}, err
	}

	h.mu.Lock()
	h.devices[conn.UserId]++
	devices := h.devices[conn.UserId]
	h.mu.Unlock()

	h.storeUser(ctx, identity, conn.AuthenticatedAt)
	h.logger.Info("connection attached", "user", conn.UserId, "connection", conn.Id, "devices", devices)
	return conn, nil
}

func (h *Hub) storeUser(ctx context.Context, identity auth.Identity, seen time.Time) {
	if h.persister == nil {
		return
	}
	user := types.User{Id: identity.UserId, DisplayName: identity.DisplayName, LastOnline: seen}
	if user.DisplayName == "" {
		// keep a name stored earlier
		if stored, err := h.persister.GetUser(ctx, user.Id); err == nil {
			user.DisplayName = stored.DisplayName
		}
	}
	if err := h.persister.StoreUser(ctx, user); err != nil {
		h.logger.Warn("could not store user", "user", user.Id, "error", err)
		return
	}
	if h.OnUserUpdate != nil {
		h.OnUserUpdate(user.Id)
	}
}

// Detach removes the connection from every room and notifies the remaining members of each
// affected room with exactly one member-left frame. It returns the affected room ids.
func (h *Hub) Detach(connectionId string) ([]string, error) {
	conn, err := h.registry.Connection(connectionId)
	if err != nil {
		return nil, err
	}
	affected, err := h.registry.DisconnectCleanup(connectionId)
	if err != nil {
		return nil, err
	}
	for _, roomId := range affected {
		_, err := h.registry.Broadcast(roomId, types.WireEventMemberLeft, types.MemberLeftMessage{
			RoomId:       roomId,
			UserId:       conn.UserId,
			ConnectionId: conn.Id,
		}, room.BroadcastOptions{})
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			h.logger.Warn("could not notify room", "room", roomId, "error", err)
		}
	}

	h.mu.Lock()
	h.devices[conn.UserId]--
	devices := h.devices[conn.UserId]
	if devices <= 0 {
		delete(h.devices, conn.UserId)
	}
	h.mu.Unlock()

	h.logger.Info("connection detached", "user", conn.UserId, "connection", conn.Id, "rooms", len(affected), "devices", devices)
	return affected, nil
}

// Online reports whether userId has at least one attached connection.
func (h *Hub) Online(userId string) bool {
	return h.Devices(userId) > 0
}

// Devices returns the number of attached connections of userId.
func (h *Hub) Devices(userId string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.devices[userId]
}

// OnlineUsers returns the number of users with at least one attached connection.
func (h *Hub) OnlineUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}

// Run logs hub statistics on the configured cron schedule until ctx is done. An empty schedule
// disables the stats.
func (h *Hub) Run(ctx context.Context) error {
	if h.cfg.StatsCron == "" {
		<-ctx.Done()
		return nil
	}
	cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	entryId, err := cronRunner.AddFunc(h.cfg.StatsCron, h.logStats)
	if err != nil {
		return err
	}
	defer cronRunner.Remove(entryId)
	cronRunner.Start()
	<-ctx.Done()
	<-cronRunner.Stop().Done()
	return nil
}

func (h *Hub) logStats() {
	h.logger.Info("hub stats",
		"connections", h.registry.ConnectionCount(),
		"users", h.OnlineUsers(),
		"rooms", h.registry.RoomCount(),
	)
}

func (h *Hub) sendBuffer() int {
	if h.cfg.SendBuffer > 0 {
		return h.cfg.SendBuffer
	}
	return defaultSendBuffer
}

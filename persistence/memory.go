package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/tcriess/lightspeed-karma/types"
)

// MemoryPersist keeps everything in process memory. It is the default backend and the one
// used by tests.
type MemoryPersist struct {
	events     map[string]struct{}
	byUser     map[string][]types.KarmaEvent // newest first
	totals     map[string]int64
	users      map[string]types.User
	roomEvents map[string][]types.RoomEvent // newest first
	sync.RWMutex
}

func NewMemoryPersister() *MemoryPersist {
	return &MemoryPersist{
		events:     make(map[string]struct{}),
		byUser:     make(map[string][]types.KarmaEvent),
		totals:     make(map[string]int64),
		users:      make(map[string]types.User),
		roomEvents: make(map[string][]types.RoomEvent),
	}
}

func (p *MemoryPersist) AppendKarmaEvent(_ context.Context, event types.KarmaEvent) error {
	p.Lock()
	defer p.Unlock()
	if _, ok := p.events[event.Id]; ok {
		return nil
	}
	p.events[event.Id] = struct{}{}
	history := p.byUser[event.UserId]
	idx := sort.Search(len(history), func(i int) bool {
		return types.HistoryCursor{CreatedAt: event.CreatedAt, Id: event.Id}.Before(history[i])
	})
	history = append(history, types.KarmaEvent{})
	copy(history[idx+1:], history[idx:])
	history[idx] = event
	p.byUser[event.UserId] = history
	p.totals[event.UserId] += event.Points
	return nil
}

func (p *MemoryPersist) GetKarmaTotal(_ context.Context, userId string) (int64, error) {
	p.RLock()
	defer p.RUnlock()
	return p.totals[userId], nil
}

func (p *MemoryPersist) GetKarmaHistory(_ context.Context, userId string, cursor types.HistoryCursor, limit int) ([]types.KarmaEvent, error) {
	p.RLock()
	defer p.RUnlock()
	events := make([]types.KarmaEvent, 0, limit)
	for _, event := range p.byUser[userId] {
		if !cursor.Before(event) {
			continue
		}
		events = append(events, event)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

func (p *MemoryPersist) GetKarmaTotals(_ context.Context) ([]types.KarmaTotal, error) {
	p.RLock()
	defer p.RUnlock()
	totals := make([]types.KarmaTotal, 0, len(p.totals))
	for userId, total := range p.totals {
		totals = append(totals, types.KarmaTotal{UserId: userId, Total: total})
	}
	return totals, nil
}

func (p *MemoryPersist) StoreUser(_ context.Context, user types.User) error {
	p.Lock()
	defer p.Unlock()
	if existing, ok := p.users[user.Id]; ok && !existing.CreatedAt.IsZero() {
		user.CreatedAt = existing.CreatedAt
	}
	p.users[user.Id] = user
	return nil
}

func (p *MemoryPersist) GetUser(_ context.Context, userId string) (types.User, error) {
	p.RLock()
	defer p.RUnlock()
	user, ok := p.users[userId]
	if !ok {
		return types.User{}, types.NotFoundf("user %s", userId)
	}
	return user, nil
}

func (p *MemoryPersist) StoreRoomEvent(_ context.Context, event types.RoomEvent) error {
	p.Lock()
	defer p.Unlock()
	for _, stored := range p.roomEvents[event.RoomId] {
		if stored.Id == event.Id {
			return nil
		}
	}
	p.roomEvents[event.RoomId] = append([]types.RoomEvent{event}, p.roomEvents[event.RoomId]...)
	return nil
}

func (p *MemoryPersist) GetRoomHistory(_ context.Context, roomId string, limit int) ([]types.RoomEvent, error) {
	p.RLock()
	defer p.RUnlock()
	history := p.roomEvents[roomId]
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	res := make([]types.RoomEvent, len(history))
	copy(res, history)
	return res, nil
}

func (p *MemoryPersist) Close() error {
	return nil
}

package persistence

import (
	"context"

	"github.com/tcriess/lightspeed-karma/types"
)

// Persister stores the karma ledger, known users and the room event history.
//
// AppendKarmaEvent and StoreRoomEvent must be idempotent on the event id, so that a write
// retried after an ambiguous failure is not stored twice. A total read after a completed append reflects it.
// GetKarmaTotals returns a single point-in-time snapshot.
type Persister interface {
	AppendKarmaEvent(ctx context.Context, event types.KarmaEvent) error
	GetKarmaTotal(ctx context.Context, userId string) (int64, error)
	GetKarmaHistory(ctx context.Context, userId string, cursor types.HistoryCursor, limit int) ([]types.KarmaEvent, error)
	GetKarmaTotals(ctx context.Context) ([]types.KarmaTotal, error)
	StoreUser(ctx context.Context, user types.User) error
	GetUser(ctx context.Context, userId string) (types.User, error)
	StoreRoomEvent(ctx context.Context, event types.RoomEvent) error
	GetRoomHistory(ctx context.Context, roomId string, limit int) ([]types.RoomEvent, error)
	Close() error
}

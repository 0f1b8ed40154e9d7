package persistence

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/tcriess/lightspeed-karma/config"
	"github.com/tcriess/lightspeed-karma/globals"
	"github.com/tcriess/lightspeed-karma/types"
	"github.com/tidwall/buntdb"
)

const (
	buntKarmaPrefix     = "karma:"
	buntTotalPrefix     = "karmatotal:"
	buntUserPrefix      = "user:"
	buntRoomEventPrefix = "roomevent:"
	// sorts after every digit, used as the upper bound of a descending scan
	buntKeyMax = "~"
)

// BuntDBPersist stores the ledger in a BuntDB file. Keys are laid out so that a descending
// key scan yields a user's history newest first:
//
//	karma:<hex user id>:<created unix nanos, zero padded>:<event id>
//
// The running total per user is kept next to the events and updated in the same write
// transaction.
type BuntDBPersist struct {
	db   *buntdb.DB
	lock *flock.Flock
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	var lock *flock.Flock
	if cfg.PersistenceConfig.LockPath != "" {
		lock = flock.New(cfg.PersistenceConfig.LockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return nil, err
		}
		if !locked {
			return nil, fmt.Errorf("buntdb %s is locked by another process", cfg.PersistenceConfig.DSN)
		}
	}
	db, err := buntdb.Open(cfg.PersistenceConfig.DSN)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, err
	}
	return &BuntDBPersist{db: db, lock: lock}, nil
}

func userKeyPart(userId string) string {
	return hex.EncodeToString([]byte(userId))
}

func timeKeyPart(nanos int64) string {
	return fmt.Sprintf("%020d", nanos)
}

func karmaUserPrefix(userId string) string {
	return buntKarmaPrefix + userKeyPart(userId) + ":"
}

func karmaEventKey(event types.KarmaEvent) string {
	return karmaUserPrefix(event.UserId) + timeKeyPart(event.CreatedAt.UnixNano()) + ":" + event.Id
}

func (p *BuntDBPersist) AppendKarmaEvent(_ context.Context, event types.KarmaEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	key := karmaEventKey(event)
	totalKey := buntTotalPrefix + userKeyPart(event.UserId)
	return p.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		total, err := getTotal(tx, totalKey)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(key, string(raw), nil); err != nil {
			return err
		}
		_, _, err = tx.Set(totalKey, strconv.FormatInt(total+event.Points, 10), nil)
		return err
	})
}

func getTotal(tx *buntdb.Tx, totalKey string) (int64, error) {
	val, err := tx.Get(totalKey)
	if errors.Is(err, buntdb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

func (p *BuntDBPersist) GetKarmaTotal(_ context.Context, userId string) (int64, error) {
	var total int64
	err := p.db.View(func(tx *buntdb.Tx) error {
		var err error
		total, err = getTotal(tx, buntTotalPrefix+userKeyPart(userId))
		return err
	})
	return total, err
}

func (p *BuntDBPersist) GetKarmaHistory(_ context.Context, userId string, cursor types.HistoryCursor, limit int) ([]types.KarmaEvent, error) {
	prefix := karmaUserPrefix(userId)
	upper := prefix + buntKeyMax
	skip := ""
	if !cursor.IsZero() {
		upper = prefix + timeKeyPart(cursor.CreatedAt.UnixNano()) + ":" + cursor.Id
		skip = upper
	}
	events := make([]types.KarmaEvent, 0, limit)
	var decodeErr error
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.DescendRange("", upper, prefix, func(key, val string) bool {
			if key == skip {
				return true
			}
			event := types.KarmaEvent{}
			if err := json.Unmarshal([]byte(val), &event); err != nil {
				decodeErr = fmt.Errorf("corrupt karma event %s: %w", key, err)
				return false
			}
			events = append(events, event)
			return len(events) < limit
		})
	})
	if err != nil {
		return nil, err
	}
	return events, decodeErr
}

func (p *BuntDBPersist) GetKarmaTotals(_ context.Context) ([]types.KarmaTotal, error) {
	totals := make([]types.KarmaTotal, 0)
	var parseErr error
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(buntTotalPrefix+"*", func(key, val string) bool {
			userId, err := hex.DecodeString(strings.TrimPrefix(key, buntTotalPrefix))
			if err != nil {
				parseErr = fmt.Errorf("corrupt total key %s: %w", key, err)
				return false
			}
			total, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				parseErr = fmt.Errorf("corrupt total %s: %w", key, err)
				return false
			}
			totals = append(totals, types.KarmaTotal{UserId: string(userId), Total: total})
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return totals, parseErr
}

func (p *BuntDBPersist) StoreUser(_ context.Context, user types.User) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		key := buntUserPrefix + user.Id
		if prev, err := tx.Get(key); err == nil {
			existing := types.User{}
			if json.Unmarshal([]byte(prev), &existing) == nil && !existing.CreatedAt.IsZero() {
				user.CreatedAt = existing.CreatedAt
			}
		}
		u, err := json.Marshal(user)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(key, string(u), nil)
		return err
	})
}

func (p *BuntDBPersist) GetUser(_ context.Context, userId string) (types.User, error) {
	user := types.User{}
	if userId == "" {
		return user, fmt.Errorf("no user id")
	}
	err := p.db.View(func(tx *buntdb.Tx) error {
		u, err := tx.Get(buntUserPrefix + userId)
		if errors.Is(err, buntdb.ErrNotFound) {
			return types.NotFoundf("user %s", userId)
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(u), &user)
	})
	return user, err
}

func (p *BuntDBPersist) StoreRoomEvent(_ context.Context, event types.RoomEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	key := buntRoomEventPrefix + userKeyPart(event.RoomId) + ":" + timeKeyPart(event.CreatedAt.UnixNano()) + ":" + event.Id
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(raw), nil)
		return err
	})
}

func (p *BuntDBPersist) GetRoomHistory(_ context.Context, roomId string, limit int) ([]types.RoomEvent, error) {
	prefix := buntRoomEventPrefix + userKeyPart(roomId) + ":"
	events := make([]types.RoomEvent, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.DescendRange("", prefix+buntKeyMax, prefix, func(key, val string) bool {
			event := types.RoomEvent{}
			if err := json.Unmarshal([]byte(val), &event); err != nil {
				globals.AppLogger.Error("skipping corrupt room event", "key", key, "error", err)
				return true
			}
			events = append(events, event)
			return limit <= 0 || len(events) < limit
		})
	})
	return events, err
}

func (p *BuntDBPersist) Close() error {
	err := p.db.Close()
	if p.lock != nil {
		if unlockErr := p.lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}
	return err
}

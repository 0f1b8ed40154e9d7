// Package karma implements the append-only karma ledger and the leaderboard derived from it.
package karma

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-karma/config"
	"github.com/tcriess/lightspeed-karma/persistence"
	"github.com/tcriess/lightspeed-karma/types"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// Ledger is the only writer of karma events. Controllers performing a point-worthy action
// call Append (or Award, which resolves a configured rule first).
type Ledger struct {
	persister persistence.Persister
	rules     *Rules
	retry     persistence.Retrier
	logger    hclog.Logger

	// now is replaced in tests
	now func() time.Time
}

func NewLedger(persister persistence.Persister, rules *Rules, cfg config.KarmaConfig, logger hclog.Logger) *Ledger {
	return &Ledger{
		persister: persister,
		rules:     rules,
		retry:     persistence.NewRetrier(cfg, logger),
		logger:    logger,
		now:       time.Now,
	}
}

// Append records points for userId. The event id and timestamp are fixed before the first
// write attempt so that a retried append is stored at most once. Timestamps are truncated to
// microseconds, the precision of the SQL backends.
func (l *Ledger) Append(ctx context.Context, userId string, points int64, karmaType types.KarmaType, reason string) (types.KarmaEvent, error) {
	if userId == "" {
		return types.KarmaEvent{}, types.Validationf("missing user id")
	}
	if points < 0 {
		return types.KarmaEvent{}, types.Validationf("points must not be negative, got %d", points)
	}
	if !karmaType.Valid() {
		return types.KarmaEvent{}, types.Validationf("unknown karma type %q", karmaType)
	}
	event := types.KarmaEvent{
		Id:        uuid.NewString(),
		UserId:    userId,
		Points:    points,
		Type:      karmaType,
		Reason:    reason,
		CreatedAt: l.now().UTC().Truncate(time.Microsecond),
	}
	err := l.retry.Do(ctx, "append karma event", func() error {
		return l.persister.AppendKarmaEvent(ctx, event)
	})
	if err != nil {
		return types.KarmaEvent{}, err
	}
	l.logger.Debug("karma awarded", "user", userId, "points", points, "type", karmaType, "id", event.Id)
	return event, nil
}

// Award resolves the rule configured for action and appends the resulting event.
func (l *Ledger) Award(ctx context.Context, userId, action string, params map[string]interface{}) (types.KarmaEvent, error) {
	if l.rules == nil {
		return types.KarmaEvent{}, types.Validationf("no award rules configured")
	}
	points, rule, err := l.rules.Evaluate(action, params)
	if err != nil {
		return types.KarmaEvent{}, err
	}
	return l.Append(ctx, userId, points, rule.Type, rule.Reason)
}

// Total returns the sum of all points awarded to userId, 0 for unknown users.
func (l *Ledger) Total(ctx context.Context, userId string) (int64, error) {
	var total int64
	err := l.retry.Do(ctx, "get karma total", func() error {
		var err error
		total, err = l.persister.GetKarmaTotal(ctx, userId)
		return err
	})
	return total, err
}

// History returns a page of the user's events, newest first. cursor is the NextCursor of the
// previous page or empty for the first page.
func (l *Ledger) History(ctx context.Context, userId string, limit int, cursor string) (types.HistoryPage, error) {
	if userId == "" {
		return types.HistoryPage{}, types.Validationf("missing user id")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	after, err := types.DecodeHistoryCursor(cursor)
	if err != nil {
		return types.HistoryPage{}, err
	}
	var events []types.KarmaEvent
	err = l.retry.Do(ctx, "get karma history", func() error {
		var err error
		// one extra event tells whether there is a next page
		events, err = l.persister.GetKarmaHistory(ctx, userId, after, limit+1)
		return err
	})
	if err != nil {
		return types.HistoryPage{}, err
	}
	page := types.HistoryPage{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.NextCursor = page.Events[limit-1].Cursor().Encode()
	}
	return page, nil
}

// Rules returns the award rules the ledger resolves actions with.
func (l *Ledger) Rules() *Rules {
	return l.rules
}

package karma

import (
	"context"
	"errors"
	"sort"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/tcriess/lightspeed-karma/config"
	"github.com/tcriess/lightspeed-karma/persistence"
	"github.com/tcriess/lightspeed-karma/types"
)

const defaultNameCacheSize = 1024

// Leaderboard ranks users by their karma total. Every query works on a fresh totals snapshot;
// nothing about the ranking is stored.
//
// Ordering is total descending, ties broken by user id ascending. Ranks follow standard
// competition ranking: users with equal totals share a rank and the next rank skips ahead
// (1, 1, 3).
type Leaderboard struct {
	persister persistence.Persister
	names     *lru.Cache
	retry     persistence.Retrier
	logger    hclog.Logger
}

func NewLeaderboard(persister persistence.Persister, cfg config.LeaderboardConfig, karmaCfg config.KarmaConfig, logger hclog.Logger) (*Leaderboard, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultNameCacheSize
	}
	names, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Leaderboard{
		persister: persister,
		names:     names,
		retry:     persistence.NewRetrier(karmaCfg, logger),
		logger:    logger,
	}, nil
}

// Top returns the n highest ranked users.
func (l *Leaderboard) Top(ctx context.Context, n int) ([]types.LeaderboardEntry, error) {
	if n <= 0 {
		return nil, types.Validationf("limit must be positive, got %d", n)
	}
	ranked, err := l.ranked(ctx)
	if err != nil {
		return nil, err
	}
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	for i := range ranked {
		ranked[i].DisplayName = l.displayName(ctx, ranked[i].UserId)
	}
	return ranked, nil
}

// Rank returns the leaderboard entry of a single user.
func (l *Leaderboard) Rank(ctx context.Context, userId string) (types.LeaderboardEntry, error) {
	ranked, err := l.ranked(ctx)
	if err != nil {
		return types.LeaderboardEntry{}, err
	}
	for _, entry := range ranked {
		if entry.UserId == userId {
			entry.DisplayName = l.displayName(ctx, userId)
			return entry, nil
		}
	}
	return types.LeaderboardEntry{}, types.NotFoundf("no karma for user %s", userId)
}

// ForgetName drops the cached display name of userId, f.e. after the user record changed.
func (l *Leaderboard) ForgetName(userId string) {
	l.names.Remove(userId)
}

func (l *Leaderboard) ranked(ctx context.Context) ([]types.LeaderboardEntry, error) {
	var totals []types.KarmaTotal
	err := l.retry.Do(ctx, "get karma totals", func() error {
		var err error
		totals, err = l.persister.GetKarmaTotals(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return Rank(totals), nil
}

// Rank orders a totals snapshot and assigns ranks. Duplicate user ids in the snapshot are
// merged.
func Rank(totals []types.KarmaTotal) []types.LeaderboardEntry {
	merged := make(map[string]int64, len(totals))
	for _, t := range totals {
		merged[t.UserId] += t.Total
	}
	entries := make([]types.LeaderboardEntry, 0, len(merged))
	for userId, total := range merged {
		entries = append(entries, types.LeaderboardEntry{UserId: userId, Total: total})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Total != entries[j].Total {
			return entries[i].Total > entries[j].Total
		}
		return entries[i].UserId < entries[j].UserId
	})
	for i := range entries {
		if i > 0 && entries[i].Total == entries[i-1].Total {
			entries[i].Rank = entries[i-1].Rank
		} else {
			entries[i].Rank = i + 1
		}
	}
	return entries
}

func (l *Leaderboard) displayName(ctx context.Context, userId string) string {
	if name, ok := l.names.Get(userId); ok {
		return name.(string)
	}
	user, err := l.persister.GetUser(ctx, userId)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			// not cached, the next query tries again
			l.logger.Warn("could not load user", "user", userId, "error", err)
			return userId
		}
		user = types.User{Id: userId}
	}
	name := user.Name()
	l.names.Add(userId, name)
	return name
}

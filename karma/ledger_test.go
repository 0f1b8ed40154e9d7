package karma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-karma/config"
	"github.com/tcriess/lightspeed-karma/persistence"
	"github.com/tcriess/lightspeed-karma/types"
)

var testKarmaConfig = config.KarmaConfig{RetryMaxTries: 3, RetryInitialInterval: time.Millisecond}

// flakyPersister fails the first failures appends. If writeThrough is set the failing
// appends still reach the store, like a commit whose acknowledgement got lost.
type flakyPersister struct {
	*persistence.MemoryPersist
	mu           sync.Mutex
	failures     int
	writeThrough bool
	calls        int
}

func (p *flakyPersister) AppendKarmaEvent(ctx context.Context, event types.KarmaEvent) error {
	p.mu.Lock()
	p.calls++
	fail := p.failures > 0
	if fail {
		p.failures--
	}
	p.mu.Unlock()
	if fail {
		if p.writeThrough {
			_ = p.MemoryPersist.AppendKarmaEvent(ctx, event)
		}
		return errors.New("connection reset")
	}
	return p.MemoryPersist.AppendKarmaEvent(ctx, event)
}

func newTestLedger(t *testing.T, p persistence.Persister) *Ledger {
	t.Helper()
	rules, err := NewRules(nil)
	require.NoError(t, err)
	l := NewLedger(p, rules, testKarmaConfig, hclog.NewNullLogger())
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	l.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return l
}

func TestLedgerAwardScenario(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, persistence.NewMemoryPersister())

	first, err := l.Award(ctx, "user", "event_organization", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(25), first.Points)
	assert.Equal(t, types.KarmaTypeOrganization, first.Type)

	second, err := l.Award(ctx, "user", "event_participation", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), second.Points)

	total, err := l.Total(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, int64(35), total)

	page, err := l.History(ctx, "user", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, second.Id, page.Events[0].Id)
	assert.Equal(t, first.Id, page.Events[1].Id)
	assert.Empty(t, page.NextCursor)
}

func TestLedgerAppendValidation(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, persistence.NewMemoryPersister())

	_, err := l.Append(ctx, "user", -1, types.KarmaTypeCreation, "nope")
	assert.True(t, errors.Is(err, types.ErrValidation))

	_, err = l.Append(ctx, "user", 1, types.KarmaType("bribery"), "nope")
	assert.True(t, errors.Is(err, types.ErrValidation))

	_, err = l.Append(ctx, "", 1, types.KarmaTypeCreation, "nope")
	assert.True(t, errors.Is(err, types.ErrValidation))

	_, err = l.Award(ctx, "user", "unknown_action", nil)
	assert.True(t, errors.Is(err, types.ErrValidation))

	event, err := l.Append(ctx, "user", 0, types.KarmaTypeCreation, "zero is fine")
	require.NoError(t, err)
	assert.Equal(t, int64(0), event.Points)
}

func TestLedgerTotalUnknownUser(t *testing.T) {
	l := newTestLedger(t, persistence.NewMemoryPersister())
	total, err := l.Total(context.Background(), "stranger")
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestLedgerConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, persistence.NewMemoryPersister())

	const users, perUser = 5, 40
	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for i := 0; i < perUser; i++ {
			wg.Add(1)
			go func(u, i int) {
				defer wg.Done()
				_, err := l.Append(ctx, fmt.Sprintf("user-%d", u), int64(i%7), types.KarmaTypeContribution, "load")
				assert.NoError(t, err)
			}(u, i)
		}
	}
	wg.Wait()

	var want int64
	for i := 0; i < perUser; i++ {
		want += int64(i % 7)
	}
	for u := 0; u < users; u++ {
		total, err := l.Total(ctx, fmt.Sprintf("user-%d", u))
		require.NoError(t, err)
		assert.Equal(t, want, total)
	}
}

func TestLedgerHistoryPaging(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, persistence.NewMemoryPersister())
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		event, err := l.Append(ctx, "pager", int64(i), types.KarmaTypeParticipation, "page")
		require.NoError(t, err)
		ids = append(ids, event.Id)
	}

	seen := make([]string, 0, 5)
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		page, err := l.History(ctx, "pager", 2, cursor)
		require.NoError(t, err)
		for _, e := range page.Events {
			seen = append(seen, e.Id)
		}
		// appends arriving between pages must not shift the pages already handed out
		if pages == 0 {
			_, err := l.Append(ctx, "pager", 1, types.KarmaTypeParticipation, "late")
			require.NoError(t, err)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{ids[4], ids[3], ids[2], ids[1], ids[0]}, seen)

	_, err := l.History(ctx, "pager", 2, "not a cursor!")
	assert.True(t, errors.Is(err, types.ErrValidation))
}

func TestLedgerRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	p := &flakyPersister{MemoryPersist: persistence.NewMemoryPersister(), failures: 2, writeThrough: true}
	l := newTestLedger(t, p)

	_, err := l.Append(ctx, "user", 5, types.KarmaTypeCreation, "retry")
	require.NoError(t, err)
	assert.Equal(t, 3, p.calls)

	total, err := l.Total(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, int64(5), total, "a retried append must be counted once")
}

func TestLedgerSurfacesStorageUnavailable(t *testing.T) {
	ctx := context.Background()
	p := &flakyPersister{MemoryPersist: persistence.NewMemoryPersister(), failures: 10}
	l := newTestLedger(t, p)

	_, err := l.Append(ctx, "user", 5, types.KarmaTypeCreation, "lost?")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrStorageUnavailable))
	assert.Equal(t, int(testKarmaConfig.RetryMaxTries), p.calls)
	assert.Equal(t, types.ErrorCodeStorage, types.ErrorCode(err))
}

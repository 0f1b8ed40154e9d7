package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-karma/config"
	"github.com/tcriess/lightspeed-karma/karma"
	"github.com/tcriess/lightspeed-karma/persistence"
	"github.com/tcriess/lightspeed-karma/types"
)

func newTestRouter(t *testing.T) (*mux.Router, *karma.Ledger) {
	t.Helper()
	logger := hclog.NewNullLogger()
	persister := persistence.NewMemoryPersister()
	cfg := config.KarmaConfig{RetryMaxTries: 1, RetryInitialInterval: time.Millisecond}
	rules, err := karma.NewRules(nil)
	require.NoError(t, err)
	ledger := karma.NewLedger(persister, rules, cfg, logger)
	leaderboard, err := karma.NewLeaderboard(persister, config.LeaderboardConfig{}, cfg, logger)
	require.NoError(t, err)
	router := mux.NewRouter()
	NewHandlers(ledger, leaderboard, logger).Register(router)
	return router, ledger
}

func get(t *testing.T, router http.Handler, url string, v interface{}) int {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	if v != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
	}
	return rec.Code
}

func TestKarmaEndpoints(t *testing.T) {
	router, ledger := newTestRouter(t)
	ctx := context.Background()
	_, err := ledger.Award(ctx, "x", "event_organization", nil)
	require.NoError(t, err)
	_, err = ledger.Award(ctx, "x", "event_participation", nil)
	require.NoError(t, err)
	_, err = ledger.Award(ctx, "y", "goal_creation", nil)
	require.NoError(t, err)

	total := types.KarmaTotal{}
	assert.Equal(t, http.StatusOK, get(t, router, "/karma/total?userId=x", &total))
	assert.Equal(t, types.KarmaTotal{UserId: "x", Total: 35}, total)

	page := types.HistoryPage{}
	assert.Equal(t, http.StatusOK, get(t, router, "/karma/history?userId=x&limit=1", &page))
	require.Len(t, page.Events, 1)
	require.NotEmpty(t, page.NextCursor)
	points := []int64{page.Events[0].Points}
	next := types.HistoryPage{}
	assert.Equal(t, http.StatusOK, get(t, router, "/karma/history?userId=x&limit=1&cursor="+page.NextCursor, &next))
	require.Len(t, next.Events, 1)
	assert.Empty(t, next.NextCursor)
	points = append(points, next.Events[0].Points)
	assert.ElementsMatch(t, []int64{25, 10}, points)

	var entries []types.LeaderboardEntry
	assert.Equal(t, http.StatusOK, get(t, router, "/leaderboard?limit=5", &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "x", entries[0].UserId)
	assert.Equal(t, 2, entries[1].Rank)

	entry := types.LeaderboardEntry{}
	assert.Equal(t, http.StatusOK, get(t, router, "/leaderboard/y", &entry))
	assert.Equal(t, int64(5), entry.Total)
}

func TestKarmaEndpointErrors(t *testing.T) {
	router, _ := newTestRouter(t)
	tests := map[string]struct {
		url    string
		status int
		code   string
	}{
		"history without user": {"/karma/history", http.StatusBadRequest, types.ErrorCodeValidation},
		"bad cursor":           {"/karma/history?userId=x&cursor=%21%21", http.StatusBadRequest, types.ErrorCodeValidation},
		"bad limit":            {"/leaderboard?limit=ten", http.StatusBadRequest, types.ErrorCodeValidation},
		"zero limit":           {"/leaderboard?limit=0", http.StatusBadRequest, types.ErrorCodeValidation},
		"total without user":   {"/karma/total", http.StatusBadRequest, types.ErrorCodeValidation},
		"unranked user":        {"/leaderboard/nobody", http.StatusNotFound, types.ErrorCodeNotFound},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			resp := errorResponse{}
			assert.Equal(t, tt.status, get(t, router, tt.url, &resp))
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, StatusCode(types.ErrAuthentication))
	assert.Equal(t, http.StatusForbidden, StatusCode(types.Authorizationf("no")))
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(errors.Join(types.ErrStorageUnavailable, errors.New("down"))))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.New("boom")))
}

package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/domain"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	st, err := NewStorage(filepath.Join(t.TempDir(), "exchange.db"))
	require.NoError(t, err)
	return st
}

func record(buyClient, sellClient, origin string, matchedAt time.Time) *domain.MatchRecord {
	buy, _ := domain.NewOrder(domain.SideBuy, decimal.NewFromInt(100), decimal.NewFromInt(10), buyClient)
	sell, _ := domain.NewOrder(domain.SideSell, decimal.NewFromInt(95), decimal.NewFromInt(10), sellClient)
	m, _ := domain.NewOrderMatch(*buy, *sell, decimal.NewFromInt(5), sell.Price)
	m.ID = uuid.NewString()
	m.CreatedAt = matchedAt
	return domain.NewMatchRecord(m, origin)
}

func TestStorage_SaveAndCount(t *testing.T) {
	st := newTestStorage(t)

	now := time.Now().UTC()
	require.NoError(t, st.SaveMatch(record("alice", "bob", domain.MatchOriginLocal, now)))
	require.NoError(t, st.SaveMatch(record("carol", "bob", domain.MatchOriginPeer, now)))

	n, err := st.CountMatches()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStorage_SaveIsIdempotentPerID(t *testing.T) {
	st := newTestStorage(t)

	rec := record("alice", "bob", domain.MatchOriginPeer, time.Now().UTC())
	require.NoError(t, st.SaveMatch(rec))
	// Re-announced matches arrive with the same id.
	require.NoError(t, st.SaveMatch(rec))

	n, err := st.CountMatches()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStorage_RecentMatchesNewestFirst(t *testing.T) {
	st := newTestStorage(t)

	base := time.Now().UTC().Truncate(time.Second)
	old := record("alice", "bob", domain.MatchOriginLocal, base.Add(-time.Hour))
	fresh := record("alice", "bob", domain.MatchOriginLocal, base)
	require.NoError(t, st.SaveMatch(old))
	require.NoError(t, st.SaveMatch(fresh))

	recs, err := st.RecentMatches(10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, fresh.ID, recs[0].ID)
	assert.Equal(t, old.ID, recs[1].ID)

	limited, err := st.RecentMatches(1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, fresh.ID, limited[0].ID)
}

func TestStorage_MatchesByClient(t *testing.T) {
	st := newTestStorage(t)

	now := time.Now().UTC()
	require.NoError(t, st.SaveMatch(record("alice", "bob", domain.MatchOriginLocal, now)))
	require.NoError(t, st.SaveMatch(record("carol", "dave", domain.MatchOriginLocal, now)))
	require.NoError(t, st.SaveMatch(record("erin", "alice", domain.MatchOriginPeer, now)))

	recs, err := st.MatchesByClient("alice", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = st.MatchesByClient("nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestStorage_RecordFieldsRoundTrip(t *testing.T) {
	st := newTestStorage(t)

	rec := record("alice", "bob", domain.MatchOriginLocal, time.Now().UTC())
	require.NoError(t, st.SaveMatch(rec))

	recs, err := st.RecentMatches(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	got := recs[0]
	assert.Equal(t, rec.BuyOrderID, got.BuyOrderID)
	assert.Equal(t, rec.SellOrderID, got.SellOrderID)
	assert.Equal(t, "alice", got.BuyClientID)
	assert.Equal(t, "bob", got.SellClientID)
	assert.Equal(t, "95", got.Price)
	assert.Equal(t, "5", got.MatchedAmount)
	assert.Equal(t, domain.MatchOriginLocal, got.Origin)
}

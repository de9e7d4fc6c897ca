package tradelog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/feng04-qyq/backend/internal/engine"
	"github.com/feng04-qyq/backend/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const olderJournal = `{
  "date": "2026-01-01",
  "trades": [
    {"trade_id": "TRADE_1", "status": "CLOSED", "symbol": "BTCUSDT", "action": "LONG",
     "entry_price": 60000, "close_price": 61000, "quantity": 0.01, "leverage": 10,
     "pnl": 10.5, "pnl_pct": 17.5, "open_time": "2026-01-01T08:00:00.123456",
     "close_time": "2026-01-01T09:00:00", "close_reason": "take_profit"}
  ]
}`

const newerJournal = `{
  "date": "2026-01-02",
  "trades": [
    {"id": "TRADE_2", "status": "CLOSED", "symbol": "ETHUSDT", "side": "SHORT",
     "entry_price": 3000, "size": 1, "leverage": 5, "pnl": -4.25, "entry_time": "2026-01-02 10:00:00"},
    {"trade_id": "TRADE_3", "status": "OPEN", "symbol": "SOLUSDT", "action": "BUY",
     "entry_price": 150, "quantity": 10, "leverage": 5, "pnl": null, "close_time": null}
  ]
}`

func writeJournals(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trade_journal_20260101.json"), []byte(olderJournal), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trade_journal_20260102.json"), []byte(newerJournal), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trade_journal_broken.json"), []byte("{"), 0o644))
}

func TestTradesNewestFirstWithAliases(t *testing.T) {
	dir := t.TempDir()
	writeJournals(t, dir)
	r := NewReader(dir, false, 1000)

	trades, asOf, err := r.Trades(context.Background(), "", engine.TradeQuery{})
	require.NoError(t, err)
	assert.False(t, asOf.IsZero())
	require.Len(t, trades, 3)
	assert.Equal(t, []string{"TRADE_3", "TRADE_2", "TRADE_1"}, []string{trades[0].ID, trades[1].ID, trades[2].ID})

	eth := trades[1]
	assert.Equal(t, "Sell", eth.Side)
	assert.Equal(t, 1.0, eth.Quantity)
	assert.Equal(t, 10, eth.OpenedAt.Hour())

	btc := trades[2]
	assert.Equal(t, "Buy", btc.Side)
	assert.Equal(t, "closed", btc.Status)
	require.NotNil(t, btc.ClosedAt)
	assert.Equal(t, "take_profit", btc.Reason)

	open, _, err := r.Trades(context.Background(), "", engine.TradeQuery{Status: "open"})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "SOLUSDT", open[0].Symbol)

	paged, _, err := r.Trades(context.Background(), "", engine.TradeQuery{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "TRADE_2", paged[0].ID)
}

func TestBalanceFromJournal(t *testing.T) {
	dir := t.TempDir()
	writeJournals(t, dir)
	r := NewReader(dir, false, 1000)

	b, _, err := r.Balance(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1006.25, b.Total)
	// SOL margin 150*10/5 = 300
	assert.Equal(t, 706.25, b.Available)

	pos, _, err := r.Positions(context.Background(), "", "")
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, "TRADE_3", pos[0].TradeID)

	st, err := r.Status(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalTrades)
	assert.Equal(t, 1, st.OpenPositions)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, st.Symbols)
}

func TestPerIdentityDirectories(t *testing.T) {
	dir := t.TempDir()
	writeJournals(t, filepath.Join(dir, "42"))
	r := NewReader(dir, true, 0)

	_, err := r.Trade(context.Background(), "42", "TRADE_2")
	require.NoError(t, err)

	_, _, err = r.Trades(context.Background(), "7", engine.TradeQuery{})
	require.ErrorIs(t, err, apperr.ErrNoData)
	_, _, err = r.Trades(context.Background(), "../42", engine.TradeQuery{})
	require.ErrorIs(t, err, apperr.ErrNoData)

	_, err = r.Trade(context.Background(), "42", "missing")
	require.ErrorIs(t, err, apperr.ErrNoData)
}

func TestMissingDirectory(t *testing.T) {
	r := NewReader(filepath.Join(t.TempDir(), "nope"), false, 0)
	_, _, err := r.Balance(context.Background(), "")
	require.ErrorIs(t, err, apperr.ErrNoData)
}

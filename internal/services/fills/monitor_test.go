package fills

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dcabot/internal/domain"
	"dcabot/internal/services/engine"
	"dcabot/internal/services/exchange"
	"dcabot/internal/storage/tradestore"
)

const testPair = domain.Pair("HBARUSDT")

func testParams() domain.DCAParams {
	return domain.DCAParams{
		BaseOrderSize:     decimal.NewFromInt(30),
		SafetyOrderSize:   decimal.NewFromInt(60),
		PriceDeviation:    decimal.NewFromFloat(0.005),
		VolumeScale:       decimal.NewFromInt(2),
		StepScale:         decimal.NewFromInt(2),
		MaxSafetyOrders:   2,
		TakeProfitPercent: decimal.NewFromFloat(0.01),
	}
}

func newTestMonitor(t *testing.T) (*Monitor, *engine.Engine, *tradestore.Store, *exchange.SimulateClient) {
	t.Helper()

	store, err := tradestore.New(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := exchange.NewSimulateClient(decimal.NewFromInt(100))

	eng, err := engine.New(zap.NewNop(), testParams(), []domain.Pair{testPair},
		store, client, filepath.Join(t.TempDir(), "wal"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	monitor := NewMonitor(zap.NewNop(), store, client, eng, 50*time.Millisecond, 5*time.Second)
	return monitor, eng, store, client
}

func resting(t *testing.T, store *tradestore.Store, tradeID string, kind domain.OrderKind) []domain.Order {
	t.Helper()
	orders, err := store.OrdersByTrade(context.Background(), tradeID)
	require.NoError(t, err)

	var out []domain.Order
	for _, o := range orders {
		if o.Kind == kind && o.IsResting() {
			out = append(out, o)
		}
	}
	return out
}

// TestMonitorDrivesFullTradeCycle walks a trade from open to close with the
// poller as the only fill source, the way the serve command runs it.
func TestMonitorDrivesFullTradeCycle(t *testing.T) {
	monitor, eng, store, client := newTestMonitor(t)
	ctx := context.Background()

	trade, err := eng.OpenTrade(ctx, testPair)
	require.NoError(t, err)

	// the base market order filled on placement; the first poll picks it up
	// and lays out the ladder and the take-profit
	require.NoError(t, monitor.Poll(ctx))

	safeties := resting(t, store, trade.ID, domain.OrderKindSafety)
	require.Len(t, safeties, 2)
	takeProfits := resting(t, store, trade.ID, domain.OrderKindTakeProfit)
	require.Len(t, takeProfits, 1)

	// price dips, the first safety order fills on the exchange
	require.NoError(t, client.Fill(safeties[0].ID, safeties[0].TargetPrice))
	require.NoError(t, monitor.Poll(ctx))

	reloaded, err := store.TradeByID(ctx, trade.ID)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.SafetyOrdersFilled)

	takeProfits = resting(t, store, trade.ID, domain.OrderKindTakeProfit)
	require.Len(t, takeProfits, 1)
	require.Equal(t, 1, takeProfits[0].SequenceIndex)

	// price recovers, the take-profit fills and the trade closes
	require.NoError(t, client.Fill(takeProfits[0].ID, takeProfits[0].TargetPrice))
	require.NoError(t, monitor.Poll(ctx))

	reloaded, err = store.TradeByID(ctx, trade.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TradeStatusClosed, reloaded.Status)
	require.Empty(t, resting(t, store, trade.ID, domain.OrderKindSafety))
}

func TestMonitorPollIsIdempotent(t *testing.T) {
	monitor, eng, store, _ := newTestMonitor(t)
	ctx := context.Background()

	trade, err := eng.OpenTrade(ctx, testPair)
	require.NoError(t, err)

	require.NoError(t, monitor.Poll(ctx))
	require.NoError(t, monitor.Poll(ctx))
	require.NoError(t, monitor.Poll(ctx))

	orders, err := store.OrdersByTrade(ctx, trade.ID)
	require.NoError(t, err)
	// base + two safeties + one take-profit, no duplicates from re-polling
	require.Len(t, orders, 4)
}

func TestMonitorMarksExternallyCancelledOrders(t *testing.T) {
	monitor, eng, store, client := newTestMonitor(t)
	ctx := context.Background()

	trade, err := eng.OpenTrade(ctx, testPair)
	require.NoError(t, err)
	require.NoError(t, monitor.Poll(ctx))

	safeties := resting(t, store, trade.ID, domain.OrderKindSafety)
	require.Len(t, safeties, 2)

	// someone cancels a safety order directly on the exchange
	require.NoError(t, client.CancelOrder(ctx, testPair, safeties[1].ID))
	require.NoError(t, monitor.Poll(ctx))

	got, err := store.OrderByID(ctx, safeties[1].ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCancelled, got.Status)

	// the trade itself keeps running
	reloaded, err := store.TradeByID(ctx, trade.ID)
	require.NoError(t, err)
	require.True(t, reloaded.IsOpen())
}

func TestMonitorRunStopsOnContextCancel(t *testing.T) {
	monitor, eng, _, _ := newTestMonitor(t)

	_, err := eng.OpenTrade(context.Background(), testPair)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- monitor.Run(ctx)
	}()

	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop on context cancellation")
	}
}

package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dcabot/internal/domain"
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

func newTestEngine(t *testing.T) (*Engine, *tradestore.Store, *exchange.SimulateClient) {
	t.Helper()

	store, err := tradestore.New(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := exchange.NewSimulateClient(decimal.NewFromInt(100))

	eng, err := New(zap.NewNop(), testParams(), []domain.Pair{testPair, "HYPEUSDT"},
		store, client, filepath.Join(t.TempDir(), "wal"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	return eng, store, client
}

func ordersByKind(t *testing.T, store *tradestore.Store, tradeID string, kind domain.OrderKind) []domain.Order {
	t.Helper()
	orders, err := store.OrdersByTrade(context.Background(), tradeID)
	require.NoError(t, err)

	var out []domain.Order
	for _, o := range orders {
		if o.Kind == kind {
			out = append(out, o)
		}
	}
	return out
}

// openAndFillBase opens a trade and delivers the base fill at 100, leaving a
// two-level safety ladder and a take-profit order resting.
func openAndFillBase(t *testing.T, eng *Engine, store *tradestore.Store) *domain.Trade {
	t.Helper()
	ctx := context.Background()

	trade, err := eng.OpenTrade(ctx, testPair)
	require.NoError(t, err)

	base := ordersByKind(t, store, trade.ID, domain.OrderKindBase)
	require.Len(t, base, 1)
	require.NoError(t, eng.HandleFill(ctx, domain.FillEvent{
		OrderID:  base[0].ID,
		Price:    decimal.NewFromInt(100),
		FilledAt: time.Now().UTC(),
	}))
	return trade
}

func TestOpenTrade(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	trade, err := eng.OpenTrade(ctx, testPair)
	require.NoError(t, err)
	require.Equal(t, domain.TradeStatusOpen, trade.Status)

	base := ordersByKind(t, store, trade.ID, domain.OrderKindBase)
	require.Len(t, base, 1)
	require.Equal(t, domain.OrderStatusPlaced, base[0].Status)
	require.NotEmpty(t, base[0].ExchangeOrderID)
	require.True(t, base[0].Size.Equal(decimal.NewFromInt(30)))
}

func TestOpenTradeConflict(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.OpenTrade(ctx, testPair)
	require.NoError(t, err)

	_, err = eng.OpenTrade(ctx, testPair)
	require.ErrorIs(t, err, domain.ErrTradeExists)

	trades, err := store.ListTrades(ctx, tradestore.Filter{Pair: testPair})
	require.NoError(t, err)
	require.Len(t, trades, 1)

	// another pair opens independently
	_, err = eng.OpenTrade(ctx, "HYPEUSDT")
	require.NoError(t, err)
}

func TestOpenTradeUnsupportedPair(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	_, err := eng.OpenTrade(context.Background(), "BTCUSDT")
	require.ErrorIs(t, err, domain.ErrUnsupportedPair)
}

func TestOpenTradeBasePlacementFailure(t *testing.T) {
	eng, store, client := newTestEngine(t)
	ctx := context.Background()

	client.PlaceHook = func(exchange.OrderRequest) error {
		return errors.New("exchange is down")
	}

	_, err := eng.OpenTrade(ctx, testPair)
	var exchangeErr *domain.ExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	require.Equal(t, testPair, exchangeErr.Pair)

	// the failure is recorded, no open trade remains
	open, err := store.GetOpenTrade(ctx, testPair)
	require.NoError(t, err)
	require.Nil(t, open)

	failed, err := store.ListTrades(ctx, tradestore.Filter{Status: domain.TradeStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// the pair is free for the next trigger
	client.PlaceHook = nil
	_, err = eng.OpenTrade(ctx, testPair)
	require.NoError(t, err)
}

func TestBaseFillPlacesLadderAndTakeProfit(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	trade := openAndFillBase(t, eng, store)

	reloaded, err := store.TradeByID(context.Background(), trade.ID)
	require.NoError(t, err)
	require.True(t, reloaded.AverageEntryPrice.Equal(decimal.NewFromInt(100)),
		"got %s", reloaded.AverageEntryPrice)
	require.Equal(t, 0, reloaded.SafetyOrdersFilled)

	safeties := ordersByKind(t, store, trade.ID, domain.OrderKindSafety)
	require.Len(t, safeties, 2)
	require.True(t, safeties[0].TargetPrice.Equal(decimal.NewFromFloat(99.50)), "got %s", safeties[0].TargetPrice)
	require.True(t, safeties[0].Size.Equal(decimal.NewFromInt(60)))
	require.True(t, safeties[1].TargetPrice.Equal(decimal.NewFromFloat(98.50)), "got %s", safeties[1].TargetPrice)
	require.True(t, safeties[1].Size.Equal(decimal.NewFromInt(120)))
	for _, o := range safeties {
		require.Equal(t, domain.OrderStatusPlaced, o.Status)
		require.NotEmpty(t, o.ExchangeOrderID)
	}

	takeProfits := ordersByKind(t, store, trade.ID, domain.OrderKindTakeProfit)
	require.Len(t, takeProfits, 1)
	require.Equal(t, domain.OrderStatusPlaced, takeProfits[0].Status)
	require.True(t, takeProfits[0].TargetPrice.Equal(decimal.NewFromInt(101)), "got %s", takeProfits[0].TargetPrice)
	require.True(t, takeProfits[0].Size.Equal(decimal.NewFromInt(30)))
}

func TestSafetyFillReplacesTakeProfit(t *testing.T) {
	eng, store, client := newTestEngine(t)
	trade := openAndFillBase(t, eng, store)
	ctx := context.Background()

	safeties := ordersByKind(t, store, trade.ID, domain.OrderKindSafety)
	require.NoError(t, eng.HandleFill(ctx, domain.FillEvent{
		OrderID:  safeties[0].ID,
		Price:    safeties[0].TargetPrice,
		FilledAt: time.Now().UTC(),
	}))

	reloaded, err := store.TradeByID(ctx, trade.ID)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.SafetyOrdersFilled)
	// (100*30 + 99.50*60) / 90
	wantAvg := decimal.NewFromInt(8970).Div(decimal.NewFromInt(90))
	require.True(t, reloaded.AverageEntryPrice.Equal(wantAvg),
		"got %s want %s", reloaded.AverageEntryPrice, wantAvg)

	takeProfits := ordersByKind(t, store, trade.ID, domain.OrderKindTakeProfit)
	require.Len(t, takeProfits, 2)
	require.Equal(t, domain.OrderStatusCancelled, takeProfits[0].Status)

	replacement := takeProfits[1]
	require.Equal(t, 1, replacement.SequenceIndex)
	require.Equal(t, domain.OrderStatusPlaced, replacement.Status)
	wantTarget := wantAvg.Mul(decimal.NewFromFloat(1.01))
	require.True(t, replacement.TargetPrice.Equal(wantTarget),
		"got %s want %s", replacement.TargetPrice, wantTarget)
	require.True(t, replacement.Size.Equal(decimal.NewFromInt(90)))

	// the old take-profit is gone from the exchange as well
	status, ok := client.SimOrderStatus(takeProfits[0].ID)
	require.True(t, ok)
	require.Equal(t, exchange.StatusCancelled, status)
}

func TestTakeProfitFillClosesTrade(t *testing.T) {
	eng, store, client := newTestEngine(t)
	trade := openAndFillBase(t, eng, store)
	ctx := context.Background()

	takeProfits := ordersByKind(t, store, trade.ID, domain.OrderKindTakeProfit)
	require.Len(t, takeProfits, 1)
	require.NoError(t, eng.HandleFill(ctx, domain.FillEvent{
		OrderID:  takeProfits[0].ID,
		Price:    takeProfits[0].TargetPrice,
		FilledAt: time.Now().UTC(),
	}))

	reloaded, err := store.TradeByID(ctx, trade.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TradeStatusClosed, reloaded.Status)
	require.NotNil(t, reloaded.ClosedAt)

	// the safety ladder is cancelled in the store and on the exchange
	for _, o := range ordersByKind(t, store, trade.ID, domain.OrderKindSafety) {
		require.Equal(t, domain.OrderStatusCancelled, o.Status)
		status, ok := client.SimOrderStatus(o.ID)
		require.True(t, ok)
		require.Equal(t, exchange.StatusCancelled, status)
	}

	// the pair accepts a new trade
	_, err = eng.OpenTrade(ctx, testPair)
	require.NoError(t, err)
}

func TestDuplicateFillIgnored(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	trade := openAndFillBase(t, eng, store)
	ctx := context.Background()

	base := ordersByKind(t, store, trade.ID, domain.OrderKindBase)

	// re-delivering the base fill must not grow the ladder or add take-profits
	require.NoError(t, eng.HandleFill(ctx, domain.FillEvent{
		OrderID:  base[0].ID,
		Price:    decimal.NewFromInt(100),
		FilledAt: time.Now().UTC(),
	}))

	require.Len(t, ordersByKind(t, store, trade.ID, domain.OrderKindSafety), 2)
	require.Len(t, ordersByKind(t, store, trade.ID, domain.OrderKindTakeProfit), 1)
}

func TestRejectedSafetyOrderShrinksLadder(t *testing.T) {
	eng, store, client := newTestEngine(t)
	ctx := context.Background()

	// reject the deepest safety level, everything else goes through
	deepest := decimal.NewFromFloat(98.50)
	client.PlaceHook = func(req exchange.OrderRequest) error {
		if req.Type == exchange.TypeLimit && req.Side == exchange.SideBuy && req.Price.Equal(deepest) {
			return errors.New("size below exchange minimum")
		}
		return nil
	}

	trade := openAndFillBase(t, eng, store)

	safeties := ordersByKind(t, store, trade.ID, domain.OrderKindSafety)
	require.Len(t, safeties, 2)
	require.Equal(t, domain.OrderStatusPlaced, safeties[0].Status)
	require.Equal(t, domain.OrderStatusRejected, safeties[1].Status)

	// the trade keeps running with the shallower ladder
	reloaded, err := store.TradeByID(ctx, trade.ID)
	require.NoError(t, err)
	require.True(t, reloaded.IsOpen())
	require.Len(t, ordersByKind(t, store, trade.ID, domain.OrderKindTakeProfit), 1)
}

func TestCancelFailureKeepsPreviousTakeProfit(t *testing.T) {
	eng, store, client := newTestEngine(t)
	trade := openAndFillBase(t, eng, store)
	ctx := context.Background()

	client.CancelErr = errors.New("cancel rejected")

	safeties := ordersByKind(t, store, trade.ID, domain.OrderKindSafety)
	require.NoError(t, eng.HandleFill(ctx, domain.FillEvent{
		OrderID:  safeties[0].ID,
		Price:    safeties[0].TargetPrice,
		FilledAt: time.Now().UTC(),
	}))

	// the fill is recorded but the old take-profit stays, no replacement
	reloaded, err := store.TradeByID(ctx, trade.ID)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.SafetyOrdersFilled)

	takeProfits := ordersByKind(t, store, trade.ID, domain.OrderKindTakeProfit)
	require.Len(t, takeProfits, 1)
	require.Equal(t, domain.OrderStatusPlaced, takeProfits[0].Status)
}

func TestCancelFailureOnCloseStillClosesTrade(t *testing.T) {
	eng, store, client := newTestEngine(t)
	trade := openAndFillBase(t, eng, store)
	ctx := context.Background()

	client.CancelErr = errors.New("cancel rejected")

	takeProfits := ordersByKind(t, store, trade.ID, domain.OrderKindTakeProfit)
	require.NoError(t, eng.HandleFill(ctx, domain.FillEvent{
		OrderID:  takeProfits[0].ID,
		Price:    takeProfits[0].TargetPrice,
		FilledAt: time.Now().UTC(),
	}))

	reloaded, err := store.TradeByID(ctx, trade.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TradeStatusClosed, reloaded.Status)

	// no PLACED order may survive on a closed trade
	orders, err := store.OrdersByTrade(ctx, trade.ID)
	require.NoError(t, err)
	for _, o := range orders {
		require.NotEqual(t, domain.OrderStatusPlaced, o.Status)
	}
}

func TestLadderExhaustion(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	trade := openAndFillBase(t, eng, store)
	ctx := context.Background()

	for _, safety := range ordersByKind(t, store, trade.ID, domain.OrderKindSafety) {
		require.NoError(t, eng.HandleFill(ctx, domain.FillEvent{
			OrderID:  safety.ID,
			Price:    safety.TargetPrice,
			FilledAt: time.Now().UTC(),
		}))
	}

	reloaded, err := store.TradeByID(ctx, trade.ID)
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.SafetyOrdersFilled)
	require.True(t, reloaded.IsOpen())

	// (100*30 + 99.50*60 + 98.50*120) / 210
	wantAvg := decimal.NewFromInt(20790).Div(decimal.NewFromInt(210))
	require.True(t, reloaded.AverageEntryPrice.Equal(wantAvg),
		"got %s want %s", reloaded.AverageEntryPrice, wantAvg)

	// one take-profit per replacement, exactly one resting
	takeProfits := ordersByKind(t, store, trade.ID, domain.OrderKindTakeProfit)
	require.Len(t, takeProfits, 3)
	resting := 0
	for _, o := range takeProfits {
		if o.IsResting() {
			resting++
			require.True(t, o.Size.Equal(decimal.NewFromInt(210)))
		}
	}
	require.Equal(t, 1, resting)
}

package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"dcabot/config"
	"dcabot/internal/domain"
	"dcabot/internal/storage/tradestore"
)

var (
	pairStyle = lipgloss.NewStyle().Bold(true)

	openStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}).Bold(true)
	closedStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#4d4d4d", Dark: "#9c9c9c"})
	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#D7263D", Dark: "#FF6B6B"}).Bold(true)

	orderStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#4d4d4d", Dark: "#9c9c9c"}).PaddingLeft(2)
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded trades and their orders",
	Long: `Print the trade log from the local database, newest first.

Example:
  dcabot history --status CLOSED --limit 10`,
	RunE: runHistory,
}

var (
	historyConfigPath string
	historyStatus     string
	historyPair       string
	historyLimit      int
)

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringVarP(&historyConfigPath, "config", "f", "config.yaml", "path to yaml config")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by trade status (OPEN, CLOSED, FAILED)")
	historyCmd.Flags().StringVar(&historyPair, "pair", "", "filter by trading pair")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "max number of trades to show (0 = all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(historyConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := tradestore.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open trade store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	trades, err := store.ListTrades(ctx, tradestore.Filter{
		Pair:   domain.Pair(historyPair),
		Status: domain.TradeStatus(historyStatus),
		Limit:  historyLimit,
	})
	if err != nil {
		return fmt.Errorf("list trades: %w", err)
	}
	if len(trades) == 0 {
		fmt.Println("no trades recorded")
		return nil
	}

	for _, trade := range trades {
		fmt.Println(renderTrade(trade))
		orders, err := store.OrdersByTrade(ctx, trade.ID)
		if err != nil {
			return fmt.Errorf("load orders for trade %s: %w", trade.ID, err)
		}
		for _, order := range orders {
			fmt.Println(renderOrder(order))
		}
		fmt.Println()
	}
	return nil
}

func renderTrade(trade domain.Trade) string {
	var b strings.Builder
	b.WriteString(pairStyle.Render(trade.Pair.String()))
	b.WriteString("  ")
	b.WriteString(statusStyle(trade.Status).Render(string(trade.Status)))
	b.WriteString(fmt.Sprintf("  opened %s", trade.CreatedAt.Format("2006-01-02 15:04:05")))
	if trade.ClosedAt != nil {
		b.WriteString(fmt.Sprintf("  closed %s", trade.ClosedAt.Format("2006-01-02 15:04:05")))
	}
	if !trade.AverageEntryPrice.IsZero() {
		b.WriteString(fmt.Sprintf("  avg entry %s", trade.AverageEntryPrice.String()))
	}
	b.WriteString(fmt.Sprintf("  safety fills %d", trade.SafetyOrdersFilled))
	return b.String()
}

func renderOrder(order domain.Order) string {
	line := fmt.Sprintf("%-12s #%d  %-9s  price %-12s size %s",
		order.Kind, order.SequenceIndex, order.Status,
		order.TargetPrice.String(), order.Size.String())
	return orderStyle.Render(line)
}

func statusStyle(status domain.TradeStatus) lipgloss.Style {
	switch status {
	case domain.TradeStatusOpen:
		return openStyle
	case domain.TradeStatusFailed:
		return failedStyle
	default:
		return closedStyle
	}
}

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a config file interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWizard()
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

type wizardConfig struct {
	Platform string   `yaml:"platform"`
	Listen   string   `yaml:"listen"`
	DBPath   string   `yaml:"db_path"`
	WALDir   string   `yaml:"wal_dir"`
	Pairs    []string `yaml:"pairs"`
	DCA      struct {
		BaseOrderSize     string `yaml:"base_order_size"`
		SafetyOrderSize   string `yaml:"safety_order_size"`
		PriceDeviation    string `yaml:"price_deviation"`
		VolumeScale       string `yaml:"safety_order_volume_scale"`
		StepScale         string `yaml:"safety_order_step_scale"`
		MaxSafetyOrders   int    `yaml:"max_safety_orders"`
		TakeProfitPercent string `yaml:"take_profit_percent"`
	} `yaml:"dca"`
}

func runWizard() error {
	var (
		platform     string
		pairsStr     string
		baseSize     = "30"
		safetySize   = "60"
		deviation    = "0.005"
		volumeScale  = "2"
		stepScale    = "2"
		maxSafetyStr = "2"
		takeProfit   = "0.01"
		confirm      bool
	)

	fmt.Println(headerStyle.Render("DCABOT CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Answer a few questions to generate config.yaml\n"))

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Exchange platform").
				Options(
					huh.NewOption("Bybit", "bybit"),
					huh.NewOption("Binance", "binance"),
					huh.NewOption("Simulation", "simulate"),
				).
				Value(&platform),
			huh.NewInput().
				Title("Trading pairs").
				Description("Comma separated, e.g. HBARUSDT,HYPEUSDT").
				Value(&pairsStr).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("at least one pair is required")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().Title("Base order size (quote currency)").Value(&baseSize).Validate(validateDecimal),
			huh.NewInput().Title("Safety order size (quote currency)").Value(&safetySize).Validate(validateDecimal),
			huh.NewInput().Title("Price deviation per step (fraction)").Value(&deviation).Validate(validateDecimal),
			huh.NewInput().Title("Safety order volume scale").Value(&volumeScale).Validate(validateDecimal),
			huh.NewInput().Title("Safety order step scale").Value(&stepScale).Validate(validateDecimal),
			huh.NewInput().Title("Max safety orders").Value(&maxSafetyStr),
			huh.NewInput().Title("Take profit (fraction)").Value(&takeProfit).Validate(validateDecimal),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Write config.yaml?").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		fmt.Println("aborted, nothing written")
		return nil
	}

	var maxSafety int
	if _, err := fmt.Sscanf(strings.TrimSpace(maxSafetyStr), "%d", &maxSafety); err != nil {
		return fmt.Errorf("invalid max safety orders: %w", err)
	}

	cfg := wizardConfig{
		Platform: platform,
		Listen:   ":8000",
		DBPath:   "dcabot.db",
		WALDir:   "./wal",
	}
	for _, p := range strings.Split(pairsStr, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.Pairs = append(cfg.Pairs, p)
		}
	}
	cfg.DCA.BaseOrderSize = baseSize
	cfg.DCA.SafetyOrderSize = safetySize
	cfg.DCA.PriceDeviation = deviation
	cfg.DCA.VolumeScale = volumeScale
	cfg.DCA.StepScale = stepScale
	cfg.DCA.MaxSafetyOrders = maxSafety
	cfg.DCA.TakeProfitPercent = takeProfit

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	if err := os.WriteFile("config.yaml", data, 0644); err != nil {
		return fmt.Errorf("failed to write config.yaml: %w", err)
	}

	fmt.Println("\nconfig.yaml written, start the bot with: dcabot serve --config config.yaml")
	return nil
}

func validateDecimal(s string) error {
	if _, err := decimal.NewFromString(strings.TrimSpace(s)); err != nil {
		return fmt.Errorf("must be a decimal number")
	}
	return nil
}

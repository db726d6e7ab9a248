package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/trador/engine/internal/config"
	"github.com/trador/engine/internal/ledger"
)

const version = "v0.4.0"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "trador",
		Short:   "Autonomous multi-position portfolio engine",
		Version: version,
		Long: `trador watches a bounded set of Solana tokens, opens positions on
momentum, scales out at profit targets and exits on reversal or stop loss.
Trades are simulated against a local ledger unless live mode is enabled.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TRADOR_CONFIG"), "YAML config file")

	load := func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
		setupLogging(cfg)
		return cfg, nil
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			autonomous, _ := cmd.Flags().GetBool("autonomous")
			if autonomous {
				cfg.Engine.Autonomous = true
			}
			return serve(cfg)
		},
	}
	serveCmd.Flags().Bool("autonomous", false, "Start with autonomous trading enabled")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the persisted ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			stores, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer stores.Close()

			book := ledger.Open(ctx, stores.Store, cfg.Ledger.InitialBalance.Decimal, cfg.Ledger.TradeHistoryLimit)
			return printStatus(cmd, book)
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Return the persisted ledger to its initial state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			stores, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer stores.Close()

			book := ledger.Open(ctx, stores.Store, cfg.Ledger.InitialBalance.Decimal, cfg.Ledger.TradeHistoryLimit)
			st := book.Reset(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "ledger reset, balance %s\n", st.Balance.StringFixed(4))
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, statusCmd, resetCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.Config) {
	level, _ := cfg.Server.Level()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

type statusView struct {
	Balance   string         `json:"balance"`
	Status    string         `json:"status"`
	Positions map[string]any `json:"positions"`
	Monitored []string       `json:"monitored"`
	Trades    int            `json:"trades"`
	Realized  string         `json:"realized_pnl"`
}

func printStatus(cmd *cobra.Command, book *ledger.Book) error {
	st := book.Snapshot()
	view := statusView{
		Balance:   st.Balance.StringFixed(4),
		Status:    string(st.Status()),
		Positions: make(map[string]any, len(st.Positions)),
		Monitored: make([]string, 0, len(st.Monitored)),
		Trades:    len(st.Trades),
		Realized:  st.RealizedPnL().StringFixed(4),
	}
	for addr, p := range st.Positions {
		if p.IsOpen() {
			view.Positions[addr] = p
		}
	}
	for addr, m := range st.Monitored {
		view.Monitored = append(view.Monitored, fmt.Sprintf("%s (%s)", m.Metadata.Symbol, addr))
	}
	sort.Strings(view.Monitored)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

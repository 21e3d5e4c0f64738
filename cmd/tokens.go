package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/musekit/muse/internal/output"
	"github.com/musekit/muse/internal/tokens"
)

var tokensHistoryLimit int

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage generation tokens",
	Long:  "Show the token balance, grant tokens, and review the transaction history.",
}

var tokensBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show current token balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return tokensBalanceRun()
	},
}

var tokensGrantCmd = &cobra.Command{
	Use:   "grant <amount>",
	Short: "Grant tokens to the default user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.Atoi(args[0])
		if err != nil || amount <= 0 {
			return fmt.Errorf("amount must be a positive integer: %s", args[0])
		}
		return tokensGrantRun(amount)
	},
}

var tokensHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent token transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return tokensHistoryRun()
	},
}

func init() {
	tokensHistoryCmd.Flags().IntVar(&tokensHistoryLimit, "limit", 20, "Maximum transactions to show")

	tokensCmd.AddCommand(tokensBalanceCmd)
	tokensCmd.AddCommand(tokensGrantCmd)
	tokensCmd.AddCommand(tokensHistoryCmd)
	rootCmd.AddCommand(tokensCmd)
}

// getLedger wires the token ledger and resolves the billed user.
func getLedger(ctx context.Context) (*tokens.Ledger, string, error) {
	s, err := getStore()
	if err != nil {
		return nil, "", err
	}
	ledger := tokens.NewLedger(s)
	userID, err := ensureDefaultUser(ctx, s, ledger)
	if err != nil {
		return nil, "", err
	}
	return ledger, userID, nil
}

func tokensBalanceRun() error {
	ctx := context.Background()
	ledger, userID, err := getLedger(ctx)
	if err != nil {
		return err
	}

	balance, err := ledger.Balance(ctx, userID)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "Balance: %s tokens\n", output.BalanceColor(balance))
	return nil
}

func tokensGrantRun(amount int) error {
	ctx := context.Background()
	ledger, userID, err := getLedger(ctx)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would grant %d tokens", amount)
		return nil
	}

	tx, err := ledger.Grant(ctx, userID, amount)
	if err != nil {
		return fmt.Errorf("grant tokens: %w", err)
	}

	ui.Success("Granted %d tokens, balance is now %s", amount, output.BalanceColor(tx.BalanceAfter))
	return nil
}

func tokensHistoryRun() error {
	ctx := context.Background()
	ledger, userID, err := getLedger(ctx)
	if err != nil {
		return err
	}

	txs, err := ledger.Transactions(ctx, userID, tokensHistoryLimit)
	if err != nil {
		return err
	}

	if len(txs) == 0 {
		ui.Info("No transactions yet.")
		return nil
	}

	table := ui.Table([]string{"When", "Type", "Amount", "Balance", "Reference"})
	for _, tx := range txs {
		amount := fmt.Sprintf("%+d", tx.Amount)
		if tx.Amount < 0 {
			amount = output.Red(amount)
		} else {
			amount = output.Green(amount)
		}
		table.Append([]string{
			timeAgo(tx.CreatedAt),
			tx.Type,
			amount,
			fmt.Sprintf("%d", tx.BalanceAfter),
			tx.ReferenceID,
		})
	}
	table.Render()
	return nil
}

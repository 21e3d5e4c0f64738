package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/musekit/muse/internal/output"
	"github.com/musekit/muse/internal/providers"
	"github.com/musekit/muse/internal/tokens"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status dashboard",
	Long: `Show an overview of the muse service: server state, token balance,
generation backend health, and characters.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusRun() error {
	ctx := context.Background()

	// Server
	if pid, running := pidFile().IsRunning(); running {
		fmt.Fprintf(ui.Out, "  Server:   %s (pid %d, port %d)\n", output.Green("running"), pid, viper.GetInt("port"))
	} else {
		fmt.Fprintf(ui.Out, "  Server:   not running\n")
	}

	// Backends
	healthCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	seedream := providers.NewSeedreamClient(providers.SeedreamOptions{
		BaseURL: viper.GetString("seedream.base_url"),
		APIKey:  viper.GetString("seedream.api_key"),
	})
	parrot := providers.NewParrotClient(providers.ParrotOptions{
		BaseURL: viper.GetString("parrot.base_url"),
		APIKey:  viper.GetString("parrot.api_key"),
	})
	fmt.Fprintf(ui.Out, "  Image:    %s\n", healthLabel(seedream.Health(healthCtx)))
	fmt.Fprintf(ui.Out, "  Video:    %s\n", healthLabel(parrot.Health(healthCtx)))

	// Tokens
	s, err := getStore()
	if err != nil {
		return err
	}
	ledger := tokens.NewLedger(s)
	userID, err := ensureDefaultUser(ctx, s, ledger)
	if err != nil {
		return err
	}
	balance, err := ledger.Balance(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(ui.Out, "  Tokens:   %s\n", output.BalanceColor(balance))

	// Characters
	characters, err := s.ListCharacters(ctx)
	if err != nil {
		return err
	}
	if len(characters) == 0 {
		fmt.Fprintln(ui.Out)
		ui.Info("No characters yet. Use 'muse character create <name>' to get started.")
		return nil
	}

	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"Character", "Status", "Created"})
	for _, c := range characters {
		table.Append([]string{
			output.Cyan(c.Name),
			output.StatusColor(string(c.Status)),
			timeAgo(c.CreatedAt),
		})
	}
	table.Render()
	return nil
}

func healthLabel(ok bool) string {
	if ok {
		return output.Green("ok")
	}
	return output.Red("unreachable")
}

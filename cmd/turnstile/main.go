// Turnstile CLI - administrative operations for the credit ledger.
//
// Usage:
//   turnstile account create --account-id acc_123 --daily-limit 25
//   turnstile account get --account-id acc_123
//   turnstile credits grant --account-id acc_123 --amount 1000 --reason "invoice paid"
//   turnstile credits release --account-id acc_123 --generation-id gen_456
//   turnstile ledger list --account-id acc_123 --limit 20
//   turnstile admin migrate
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/turnstilehq/turnstile/internal/config"
	"github.com/turnstilehq/turnstile/internal/ledger"
	"github.com/turnstilehq/turnstile/internal/store"
	"github.com/turnstilehq/turnstile/internal/store/postgres"
	redisstore "github.com/turnstilehq/turnstile/internal/store/redis"
)

// Version is set during build.
var Version = "dev"

type app struct {
	cfg    *config.Config
	store  store.Store
	engine *ledger.Engine
	closer func() error
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var a app
	var verbose bool

	rootCmd := &cobra.Command{
		Use:           "turnstile",
		Short:         "Turnstile CLI - administer the credit ledger",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			switch cfg.StoreBackend {
			case config.BackendRedis:
				st, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword)
				if err != nil {
					return fmt.Errorf("connect redis: %w", err)
				}
				a.store, a.closer = st, st.Close
			default:
				st, err := postgres.Open(ctx, cfg.PostgresURL)
				if err != nil {
					return fmt.Errorf("connect postgres: %w", err)
				}
				a.store, a.closer = st, st.Close
			}

			a.engine = ledger.New(a.store, ledger.Config{
				DefaultDailySpendLimit: cfg.DefaultDailySpendLimit,
			}, log.Logger)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.closer != nil {
				_ = a.closer()
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(accountCmd(&a))
	rootCmd.AddCommand(creditsCmd(&a))
	rootCmd.AddCommand(ledgerCmd(&a))
	rootCmd.AddCommand(adminCmd(&a))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func accountCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Account operations",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account-id")
			tier, _ := cmd.Flags().GetString("tier")
			limit, _ := cmd.Flags().GetFloat64("daily-limit")
			if limit < 0 {
				limit = a.cfg.DefaultDailySpendLimit
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			acc, err := a.store.EnsureAccount(ctx, store.Account{
				ID:               accountID,
				Tier:             store.Tier(tier),
				DailySpendLimit:  limit,
				DailyWindowStart: time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Account:      %s\n", acc.ID)
			fmt.Printf("Tier:         %s\n", acc.Tier)
			fmt.Printf("Balance:      %d credits\n", acc.Balance)
			fmt.Printf("Daily limit:  %.4f\n", acc.DailySpendLimit)
			return nil
		},
	}
	createCmd.Flags().String("account-id", "", "Account ID (required)")
	createCmd.Flags().String("tier", string(store.TierStandard), "Account tier (standard|unlimited)")
	createCmd.Flags().Float64("daily-limit", -1, "Daily spend limit in currency units")
	createCmd.MarkFlagRequired("account-id")

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show an account's balance and daily budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account-id")

			ctx, cancel := commandContext(cmd)
			defer cancel()

			info, err := a.engine.Balance(ctx, accountID)
			if err != nil {
				return err
			}
			fmt.Printf("Account:          %s\n", accountID)
			fmt.Printf("Tier:             %s\n", info.Tier)
			fmt.Printf("Balance:          %d credits\n", info.Balance)
			fmt.Printf("Daily spend:      %.4f / %.4f\n", info.DailySpend, info.DailySpendLimit)
			fmt.Printf("Daily remaining:  %.4f\n", info.DailyRemaining)
			return nil
		},
	}
	getCmd.Flags().String("account-id", "", "Account ID (required)")
	getCmd.MarkFlagRequired("account-id")

	setTierCmd := &cobra.Command{
		Use:   "set-tier",
		Short: "Change an account's tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account-id")
			tier, _ := cmd.Flags().GetString("tier")
			if tier != string(store.TierStandard) && tier != string(store.TierUnlimited) {
				return fmt.Errorf("invalid tier %q", tier)
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			_, err := a.store.Mutate(ctx, accountID, "", func(acc *store.Account, _ []store.Entry) ([]store.Entry, error) {
				acc.Tier = store.Tier(tier)
				return nil, nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("Account %s tier set to %s\n", accountID, tier)
			return nil
		},
	}
	setTierCmd.Flags().String("account-id", "", "Account ID (required)")
	setTierCmd.Flags().String("tier", "", "New tier (required)")
	setTierCmd.MarkFlagRequired("account-id")
	setTierCmd.MarkFlagRequired("tier")

	setLimitCmd := &cobra.Command{
		Use:   "set-limit",
		Short: "Change an account's daily spend limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account-id")
			limit, _ := cmd.Flags().GetFloat64("daily-limit")
			if limit < 0 {
				return fmt.Errorf("daily limit cannot be negative")
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			_, err := a.store.Mutate(ctx, accountID, "", func(acc *store.Account, _ []store.Entry) ([]store.Entry, error) {
				acc.DailySpendLimit = limit
				return nil, nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("Account %s daily limit set to %.4f\n", accountID, limit)
			return nil
		},
	}
	setLimitCmd.Flags().String("account-id", "", "Account ID (required)")
	setLimitCmd.Flags().Float64("daily-limit", -1, "New daily limit (required)")
	setLimitCmd.MarkFlagRequired("account-id")
	setLimitCmd.MarkFlagRequired("daily-limit")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List account IDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			ids, err := a.store.ListAccounts(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			fmt.Printf("%d accounts\n", len(ids))
			return nil
		},
	}

	cmd.AddCommand(createCmd, getCmd, setTierCmd, setLimitCmd, listCmd)
	return cmd
}

func creditsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Credit mutations (grant, release)",
	}

	grantCmd := &cobra.Command{
		Use:   "grant",
		Short: "Credit an account unconditionally",
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account-id")
			amount, _ := cmd.Flags().GetInt64("amount")
			reason, _ := cmd.Flags().GetString("reason")

			ctx, cancel := commandContext(cmd)
			defer cancel()

			newBalance, err := a.engine.Grant(ctx, accountID, amount, reason)
			if err != nil {
				return err
			}
			fmt.Printf("Granted %d credits to %s (balance now %d)\n", amount, accountID, newBalance)
			return nil
		},
	}
	grantCmd.Flags().String("account-id", "", "Account ID (required)")
	grantCmd.Flags().Int64("amount", 0, "Credits to grant (required)")
	grantCmd.Flags().String("reason", "manual grant", "Reason recorded in the ledger")
	grantCmd.MarkFlagRequired("account-id")
	grantCmd.MarkFlagRequired("amount")

	releaseCmd := &cobra.Command{
		Use:   "release",
		Short: "Release a stuck reservation",
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account-id")
			generationID, _ := cmd.Flags().GetString("generation-id")

			ctx, cancel := commandContext(cmd)
			defer cancel()

			res, err := a.engine.Release(ctx, accountID, generationID)
			if err != nil {
				return err
			}
			if res.AlreadyReleased {
				fmt.Printf("Nothing outstanding for %s (balance %d)\n", generationID, res.NewBalance)
			} else {
				fmt.Printf("Released %d credits for %s (balance now %d)\n", res.Released, generationID, res.NewBalance)
			}
			return nil
		},
	}
	releaseCmd.Flags().String("account-id", "", "Account ID (required)")
	releaseCmd.Flags().String("generation-id", "", "Generation ID (required)")
	releaseCmd.MarkFlagRequired("account-id")
	releaseCmd.MarkFlagRequired("generation-id")

	cmd.AddCommand(grantCmd, releaseCmd)
	return cmd
}

func ledgerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Ledger inspection",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent ledger entries for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account-id")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, cancel := commandContext(cmd)
			defer cancel()

			entries, err := a.store.AccountEntries(ctx, accountID, limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %-12s %+8d  gen=%s model=%s %s\n",
					e.CreatedAt.Format(time.RFC3339), e.Kind, e.Delta, e.GenerationID, e.ModelID, e.Note)
			}
			fmt.Printf("%d entries\n", len(entries))
			return nil
		},
	}
	listCmd.Flags().String("account-id", "", "Account ID (required)")
	listCmd.Flags().Int("limit", 50, "Maximum entries to show")
	listCmd.MarkFlagRequired("account-id")

	cmd.AddCommand(listCmd)
	return cmd
}

func adminCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative operations",
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			pg, ok := a.store.(*postgres.Store)
			if !ok {
				return fmt.Errorf("migrate requires the postgres backend (STORE_BACKEND=%s)", a.cfg.StoreBackend)
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			fmt.Println("Schema is up to date")
			return nil
		},
	}

	cmd.AddCommand(migrateCmd)
	return cmd
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 10*time.Second)
}

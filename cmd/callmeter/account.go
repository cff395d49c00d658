package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"callmeter/internal/repository"
	"callmeter/internal/usecase"
)

var (
	flagIdempotencyKey string
	flagEntries        int
)

var topUpCmd = &cobra.Command{
	Use:   "topup ACCOUNT AMOUNT",
	Short: "Credit an account",
	Args:  cobra.ExactArgs(2),
	RunE:  runTopUp,
}

var balanceCmd = &cobra.Command{
	Use:   "balance ACCOUNT",
	Short: "Show an account's balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runBalance,
}

var openAccountCmd = &cobra.Command{
	Use:   "open-account ACCOUNT",
	Short: "Create an account with a zero balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpenAccount,
}

func init() {
	topUpCmd.Flags().StringVar(&flagIdempotencyKey, "key", "", "Idempotency key; retries with the same key credit once")
	balanceCmd.Flags().IntVar(&flagEntries, "entries", 0, "Also list the latest N ledger entries (sqlite only)")
}

func runTopUp(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("amount must be an integer: %w", err)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ledger, closeLedger, err := openLedger(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	svc, err := usecase.NewTopUpService(ledger, cfg.TopUp.MaxAmount)
	if err != nil {
		return err
	}
	out, err := svc.TopUp(cmd.Context(), usecase.TopUpInput{
		Account:        args[0],
		Amount:         amount,
		IdempotencyKey: flagIdempotencyKey,
	})
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if out.Duplicate {
		fmt.Fprintf(w, "Already applied (key %s); balance %d\n", out.IdempotencyKey, out.Balance)
		return nil
	}
	fmt.Fprintf(w, "Credited %d to %s (key %s); balance %d\n", amount, out.Account, out.IdempotencyKey, out.Balance)
	return nil
}

func runBalance(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ledger, closeLedger, err := openLedger(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	svc, err := usecase.NewTopUpService(ledger, cfg.TopUp.MaxAmount)
	if err != nil {
		return err
	}
	balance, err := svc.Balance(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", args[0], balance)

	if flagEntries <= 0 {
		return nil
	}
	sqlite, ok := ledger.(*repository.SQLiteLedger)
	if !ok {
		return fmt.Errorf("--entries needs the sqlite ledger")
	}
	entries, err := sqlite.Entries(cmd.Context(), args[0], flagEntries)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tREFERENCE\tAMOUNT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", e.CreatedAt.Format(time.RFC3339), e.Kind, e.Reference, e.Amount)
	}
	return tw.Flush()
}

func runOpenAccount(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ledger, closeLedger, err := openLedger(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	if err := ledger.OpenAccount(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Account %s ready\n", args[0])
	return nil
}


package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/timebank-app/timebank/internal/app/ledger"
	"github.com/timebank-app/timebank/internal/app/maintenance"
	"github.com/timebank-app/timebank/internal/domain"
)

var bankCmd = &cobra.Command{
	Use:   "bank",
	Short: "Inspect and administer time banks",
}

var bankOpenCmd = &cobra.Command{
	Use:   "open <user>",
	Short: "Open a bank with a zero balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runBankOpen,
}

var bankBalanceCmd = &cobra.Command{
	Use:   "balance <user>",
	Short: "Show a user's balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runBankBalance,
}

var bankLedgerCmd = &cobra.Command{
	Use:   "ledger <user>",
	Short: "List ledger entries, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runBankLedger,
}

var bankAuditCmd = &cobra.Command{
	Use:   "audit [user]",
	Short: "Recompute balances from the ledger; mismatched banks are frozen",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBankAudit,
}

var bankUnfreezeCmd = &cobra.Command{
	Use:   "unfreeze <user>",
	Short: "Lift a freeze after the ledger has been repaired",
	Args:  cobra.ExactArgs(1),
	RunE:  runBankUnfreeze,
}

var bankAdjustCmd = &cobra.Command{
	Use:   "adjust <user>",
	Short: "Set a balance exactly, recording an adjustment entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runBankAdjust,
}

func init() {
	bankLedgerCmd.Flags().Int("limit", ledger.DefaultPageSize, "Maximum entries")
	bankLedgerCmd.Flags().String("since", "", "Only entries at or after this RFC 3339 time")
	bankLedgerCmd.Flags().String("cursor", "", "Continue from a previous page")

	bankUnfreezeCmd.Flags().String("actor", "", "Administrator id (required)")
	bankUnfreezeCmd.Flags().String("reason", "", "Why the freeze is lifted (required)")
	_ = bankUnfreezeCmd.MarkFlagRequired("actor")
	_ = bankUnfreezeCmd.MarkFlagRequired("reason")

	bankAdjustCmd.Flags().Duration("balance", 0, "New balance, e.g. 45m or 1h30m")
	bankAdjustCmd.Flags().String("actor", "", "Administrator id (required)")
	bankAdjustCmd.Flags().String("reason", "", "Why the balance is corrected (required)")
	bankAdjustCmd.Flags().String("key", "", "Idempotency key")
	_ = bankAdjustCmd.MarkFlagRequired("balance")
	_ = bankAdjustCmd.MarkFlagRequired("actor")
	_ = bankAdjustCmd.MarkFlagRequired("reason")

	bankCmd.AddCommand(bankOpenCmd, bankBalanceCmd, bankLedgerCmd, bankAuditCmd, bankUnfreezeCmd, bankAdjustCmd)
	rootCmd.AddCommand(bankCmd)
}

func runBankOpen(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	bank, err := svc.Ledger.OpenBank(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return render(cmd, bank, func(w io.Writer) error {
		fmt.Fprintf(w, "Opened bank for %s\n", bank.UserID)
		return nil
	})
}

func runBankBalance(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	bank, err := svc.Ledger.Balance(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return render(cmd, bank, func(w io.Writer) error { return writeBank(w, bank) })
}

func runBankLedger(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	cursor, _ := cmd.Flags().GetString("cursor")
	sinceRaw, _ := cmd.Flags().GetString("since")
	var since time.Time
	if sinceRaw != "" {
		t, err := time.Parse(time.RFC3339, sinceRaw)
		if err != nil {
			return fmt.Errorf("--since: %w", err)
		}
		since = t
	}

	svc, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	page, err := svc.Ledger.History(cmd.Context(), args[0], ledger.HistoryQuery{
		Since:  since,
		Limit:  limit,
		Cursor: cursor,
	})
	if err != nil {
		return err
	}
	return render(cmd, page, func(w io.Writer) error {
		if len(page.Entries) == 0 {
			fmt.Fprintln(w, "No entries.")
			return nil
		}
		if err := writeEntries(w, page.Entries); err != nil {
			return err
		}
		if page.NextCursor != "" {
			fmt.Fprintf(w, "\nMore: --cursor %s\n", page.NextCursor)
		}
		return nil
	})
}

func runBankAudit(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	var reports []ledger.AuditReport
	if len(args) == 1 {
		rep, err := svc.Ledger.Audit(cmd.Context(), args[0])
		if err != nil && (!errors.Is(err, domain.ErrInvariantViolation) || rep.UserID == "") {
			return err
		}
		reports = append(reports, rep)
	} else {
		reports, err = svc.Jobs.AuditAll(cmd.Context())
		if err != nil {
			return err
		}
	}

	bad := 0
	for _, r := range reports {
		if !r.OK {
			bad++
		}
	}
	if err := render(cmd, reports, func(w io.Writer) error {
		for _, r := range reports {
			status := "ok"
			if !r.OK {
				status = "MISMATCH: " + r.Detail
			}
			fmt.Fprintf(w, "%-20s cached=%-10d folded=%-10d entries=%-6d %s\n",
				r.UserID, r.CachedSeconds, r.FoldedSeconds, r.Entries, status)
		}
		fmt.Fprintf(w, "\n%d bank(s) audited, %d frozen for mismatch\n", len(reports), bad)
		return nil
	}); err != nil {
		return err
	}
	if bad > 0 {
		return fmt.Errorf("%d bank(s) failed audit", bad)
	}
	return nil
}

func runBankUnfreeze(cmd *cobra.Command, args []string) error {
	actor, _ := cmd.Flags().GetString("actor")
	reason, _ := cmd.Flags().GetString("reason")

	svc, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Ledger.Unfreeze(cmd.Context(), args[0], actor, reason); err != nil {
		return err
	}
	bank, err := svc.Ledger.Balance(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return render(cmd, bank, func(w io.Writer) error { return writeBank(w, bank) })
}

func runBankAdjust(cmd *cobra.Command, args []string) error {
	balance, _ := cmd.Flags().GetDuration("balance")
	actor, _ := cmd.Flags().GetString("actor")
	reason, _ := cmd.Flags().GetString("reason")
	key, _ := cmd.Flags().GetString("key")

	svc, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Jobs.Adjust(cmd.Context(), maintenance.AdjustRequest{
		UserID:            args[0],
		NewBalanceSeconds: int64(balance / time.Second),
		Reason:            reason,
		ActorID:           actor,
		IdempotencyKey:    key,
	})
	if err != nil {
		return err
	}
	return render(cmd, res, func(w io.Writer) error {
		verb := "Adjusted"
		if res.Duplicate {
			verb = "Already adjusted"
		}
		fmt.Fprintf(w, "%s %s by %s; balance now %s\n", verb, res.Entry.UserID,
			formatSeconds(res.Entry.DeltaSeconds), formatSeconds(res.Entry.BalanceAfterSeconds))
		return nil
	})
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/timebank-app/timebank/internal/domain"
)

// render writes v in the format chosen by --output. text is used for the
// human format.
func render(cmd *cobra.Command, v interface{}, text func(w io.Writer) error) error {
	format, _ := cmd.Flags().GetString("output")
	return renderTo(cmd.OutOrStdout(), format, v, text)
}

func renderTo(w io.Writer, format string, v interface{}, text func(w io.Writer) error) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		// Round-trip through JSON so YAML keys match the JSON field names.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	case "", "text":
		return text(w)
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

// formatSeconds renders a second count as 1h02m03s, keeping the sign.
func formatSeconds(s int64) string {
	sign := ""
	if s < 0 {
		sign = "-"
		s = -s
	}
	d := time.Duration(s) * time.Second
	h := int64(d / time.Hour)
	m := int64(d/time.Minute) % 60
	sec := s % 60
	if h > 0 {
		return fmt.Sprintf("%s%dh%02dm%02ds", sign, h, m, sec)
	}
	if m > 0 {
		return fmt.Sprintf("%s%dm%02ds", sign, m, sec)
	}
	return fmt.Sprintf("%s%ds", sign, sec)
}

func writeBank(w io.Writer, b domain.TimeBank) error {
	fmt.Fprintf(w, "User:            %s\n", b.UserID)
	fmt.Fprintf(w, "Balance:         %s (%d s)\n", formatSeconds(b.BalanceSeconds), b.BalanceSeconds)
	fmt.Fprintf(w, "Lifetime earned: %s\n", formatSeconds(b.LifetimeEarnedSeconds))
	fmt.Fprintf(w, "Lifetime spent:  %s\n", formatSeconds(b.LifetimeSpentSeconds))
	if b.Frozen {
		fmt.Fprintf(w, "FROZEN:          %s\n", b.FrozenReason)
	}
	return nil
}

func writeEntries(w io.Writer, entries []domain.LedgerEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tTYPE\tSOURCE\tDELTA\tBALANCE\tDESCRIPTION")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.CreatedAt.Format(time.DateTime), e.Type, e.Source,
			formatSeconds(e.DeltaSeconds), formatSeconds(e.BalanceAfterSeconds), e.Description)
	}
	return tw.Flush()
}

func writePending(w io.Writer, pending []domain.PendingTransaction) error {
	if len(pending) == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tQUEUED\tUSER\tTYPE\tSOURCE\tDELTA")
	for _, p := range pending {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.ClientTimestamp.Local().Format(time.DateTime), p.UserID, p.Type, p.Source,
			formatSeconds(p.DeltaSeconds))
	}
	return tw.Flush()
}

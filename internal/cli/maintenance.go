package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/timebank-app/timebank/internal/daemon"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire sessions whose end time has passed",
	RunE:  runSweep,
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Move old ledger entries to cold storage",
	Long: `Moves entries created before --before into the archive and advances each
bank's checkpoint. --before takes an RFC 3339 time or an age such as 2160h;
it defaults to the configured retention.`,
	RunE: runArchive,
}

var repairCmd = &cobra.Command{
	Use:   "repair-claims",
	Short: "Re-link reward claims whose ledger entry has no claim row",
	RunE:  runRepairClaims,
}

func init() {
	archiveCmd.Flags().String("before", "", "Cutoff: RFC 3339 time or an age like 720h")
	rootCmd.AddCommand(sweepCmd, archiveCmd, repairCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	n, err := svc.Jobs.SweepSessions(cmd.Context())
	if err != nil {
		return err
	}
	return render(cmd, map[string]int64{"expired": n}, func(w io.Writer) error {
		fmt.Fprintf(w, "Expired %d session(s)\n", n)
		return nil
	})
}

func runArchive(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetString("before")
	retention, err := daemon.DurationOrDefault(cfg.Maintenance.Retention, daemon.DefaultRetention)
	if err != nil {
		return err
	}
	cutoff, err := parseBefore(raw, time.Now(), retention)
	if err != nil {
		return err
	}

	svc, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	rep, err := svc.Jobs.ArchiveBefore(cmd.Context(), cutoff)
	if err != nil {
		return err
	}
	return render(cmd, rep, func(w io.Writer) error {
		ids := make([]string, 0, len(rep.Moved))
		for id := range rep.Moved {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(w, "%-20s %d\n", id, rep.Moved[id])
		}
		fmt.Fprintf(w, "Archived %d entries created before %s\n", rep.Total, rep.Cutoff.Format(time.RFC3339))
		return nil
	})
}

func runRepairClaims(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	n, err := svc.Jobs.RepairClaims(cmd.Context())
	if err != nil {
		return err
	}
	return render(cmd, map[string]int{"repaired": n}, func(w io.Writer) error {
		fmt.Fprintf(w, "Repaired %d claim(s)\n", n)
		return nil
	})
}

// parseBefore accepts an absolute RFC 3339 time or an age relative to now.
// Empty means now minus the retention.
func parseBefore(raw string, now time.Time, retention time.Duration) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now.Add(-retention), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	age, err := time.ParseDuration(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--before %q: want an RFC 3339 time or a duration", raw)
	}
	if age <= 0 {
		return time.Time{}, fmt.Errorf("--before %q: age must be positive", raw)
	}
	return now.Add(-age), nil
}

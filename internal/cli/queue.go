package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/timebank-app/timebank/internal/daemon"
	"github.com/timebank-app/timebank/internal/domain"
	"github.com/timebank-app/timebank/internal/offline"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Device-side offline queue",
	Long: `Transactions captured while the device is offline are queued locally and
sent to the server in order once it is reachable. Rejected transactions stay
listed until acknowledged.`,
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue <user>",
	Short: "Queue an earn or spend",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueEnqueue,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued transactions, oldest first",
	RunE:  runQueueList,
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Send queued transactions to the server",
	RunE:  runQueueDrain,
}

var queueRejectionsCmd = &cobra.Command{
	Use:   "rejections",
	Short: "List transactions the server refused",
	RunE:  runQueueRejections,
}

var queueAckCmd = &cobra.Command{
	Use:   "ack <id>",
	Short: "Acknowledge and remove a rejection",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueAck,
}

func init() {
	pf := queueCmd.PersistentFlags()
	pf.String("queue-dir", "", "Queue directory")
	pf.String("device-id", "", "Device id stamped on queued transactions")
	pf.String("server", "", "Timebank server URL")

	f := queueEnqueueCmd.Flags()
	f.String("type", string(domain.EntryEarn), "earn or spend")
	f.Duration("amount", 0, "Time to earn or spend, e.g. 15m")
	f.String("source", "", "task_completion, parent_grant or unlocked_session (default by type)")
	f.String("description", "", "Free-form description")
	f.String("id", "", "Client id; a new ULID when empty")
	f.StringToString("meta", nil, "Metadata key=value pairs")
	_ = queueEnqueueCmd.MarkFlagRequired("amount")

	queueDrainCmd.Flags().Bool("watch", false, "Keep draining on the configured interval")

	queueCmd.AddCommand(queueEnqueueCmd, queueListCmd, queueDrainCmd, queueRejectionsCmd, queueAckCmd)
	rootCmd.AddCommand(queueCmd)
}

func openQueue() (*offline.Queue, error) {
	return offline.Open(cfg.QueueConfig())
}

func runQueueEnqueue(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	typ, _ := f.GetString("type")
	amount, _ := f.GetDuration("amount")
	source, _ := f.GetString("source")
	description, _ := f.GetString("description")
	id, _ := f.GetString("id")
	meta, _ := f.GetStringToString("meta")

	req, err := buildEnqueueRequest(args[0], typ, amount, source)
	if err != nil {
		return err
	}
	req.Description = description
	req.ClientID = id
	if len(meta) > 0 && req.Metadata == nil {
		req.Metadata = domain.Metadata{}
	}
	for k, v := range meta {
		req.Metadata[k] = v
	}

	q, err := openQueue()
	if err != nil {
		return err
	}
	p, err := q.Enqueue(cmd.Context(), req)
	if err != nil {
		return err
	}
	return render(cmd, p, func(w io.Writer) error {
		fmt.Fprintf(w, "Queued %s %s for %s (%s)\n", p.Type, formatSeconds(p.DeltaSeconds), p.UserID, p.ID)
		return nil
	})
}

// buildEnqueueRequest signs the amount by type and picks the default source.
// An unlock spend buys a session as long as the amount.
func buildEnqueueRequest(userID, typ string, amount time.Duration, source string) (offline.EnqueueRequest, error) {
	secs := int64(amount / time.Second)
	if secs <= 0 {
		return offline.EnqueueRequest{}, fmt.Errorf("--amount must be at least 1s")
	}
	req := offline.EnqueueRequest{UserID: userID, Source: domain.Source(source)}
	switch domain.EntryType(strings.ToLower(typ)) {
	case domain.EntryEarn:
		req.Type = domain.EntryEarn
		req.DeltaSeconds = secs
		if req.Source == "" {
			req.Source = domain.SourceTaskCompletion
		}
	case domain.EntrySpend:
		req.Type = domain.EntrySpend
		req.DeltaSeconds = -secs
		if req.Source == "" {
			req.Source = domain.SourceUnlockedSession
		}
		if req.Source == domain.SourceUnlockedSession {
			req.Metadata = domain.Metadata{domain.MetaDurationSeconds: strconv.FormatInt(secs, 10)}
		}
	default:
		return offline.EnqueueRequest{}, fmt.Errorf("--type must be earn or spend, got %q", typ)
	}
	return req, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	q, err := openQueue()
	if err != nil {
		return err
	}
	pending, err := q.Pending(cmd.Context())
	if err != nil {
		return err
	}
	if pending == nil {
		pending = []domain.PendingTransaction{}
	}
	return render(cmd, pending, func(w io.Writer) error { return writePending(w, pending) })
}

func runQueueDrain(cmd *cobra.Command, args []string) error {
	watch, _ := cmd.Flags().GetBool("watch")

	q, err := openQueue()
	if err != nil {
		return err
	}
	timeout, err := daemon.DurationOrDefault(cfg.Offline.RequestTimeout, daemon.DefaultOfflineTimeout)
	if err != nil {
		return err
	}
	d, err := offline.NewDrainer(q, offline.NewHTTPTransport(cfg.Offline.ServerURL, timeout), cfg.RetryPolicy())
	if err != nil {
		return err
	}

	if watch {
		interval, err := daemon.DurationOrDefault(cfg.Offline.DrainInterval, daemon.DefaultDrainInterval)
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return d.Run(ctx, interval)
	}

	rep, drainErr := d.Drain(cmd.Context())
	if err := render(cmd, rep, func(w io.Writer) error {
		fmt.Fprintf(w, "Applied %d, duplicate %d, rejected %d, remaining %d\n",
			rep.Applied, rep.Duplicate, rep.Rejected, rep.Remaining)
		if rep.Rejected > 0 {
			fmt.Fprintln(w, "See rejections with: timebank queue rejections")
		}
		return nil
	}); err != nil {
		return err
	}
	return drainErr
}

func runQueueRejections(cmd *cobra.Command, args []string) error {
	q, err := openQueue()
	if err != nil {
		return err
	}
	rejections, err := q.Rejections(cmd.Context())
	if err != nil {
		return err
	}
	if rejections == nil {
		rejections = []offline.Rejection{}
	}
	return render(cmd, rejections, func(w io.Writer) error {
		if len(rejections) == 0 {
			fmt.Fprintln(w, "No rejections.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tREJECTED\tUSER\tDELTA\tOUTCOME\tREASON")
		for _, r := range rejections {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Transaction.ID, r.RejectedAt.Local().Format(time.DateTime), r.Transaction.UserID,
				formatSeconds(r.Transaction.DeltaSeconds), r.Outcome, r.Reason)
		}
		return tw.Flush()
	})
}

func runQueueAck(cmd *cobra.Command, args []string) error {
	q, err := openQueue()
	if err != nil {
		return err
	}
	if err := q.AckRejection(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Acknowledged %s\n", args[0])
	return nil
}

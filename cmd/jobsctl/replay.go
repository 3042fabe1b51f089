package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	replayReason string
	replayBy     string
	listUser     string
	listLimit    int
	listOffset   int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "inspect and re-run dead-lettered jobs",
}

var replayListCmd = &cobra.Command{
	Use:   "list",
	Short: "page the dead-letter archive, newest first",
	Args:  cobra.NoArgs,
	RunE:  runReplayList,
}

var replayStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "summarize the dead-letter archive",
	Args:  cobra.NoArgs,
	RunE:  runReplayStats,
}

var replayOneCmd = &cobra.Command{
	Use:   "replay <dead-letter-id>",
	Short: "re-enqueue one archived task",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplayOne,
}

var replayAllCmd = &cobra.Command{
	Use:   "replay-all",
	Short: "re-enqueue every archived task",
	Args:  cobra.NoArgs,
	RunE:  runReplayAll,
}

var replayUserCmd = &cobra.Command{
	Use:   "replay-user <user-id>",
	Short: "re-enqueue every archived task owned by one user",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplayUser,
}

var replayCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "delete archive entries older than the retention window",
	Args:  cobra.NoArgs,
	RunE:  runReplayCleanup,
}

func init() {
	replayCmd.PersistentFlags().StringVar(&replayReason, "reason", "operator replay", "reason recorded on the replay audit")
	replayCmd.PersistentFlags().StringVar(&replayBy, "by", defaultOperator(), "operator recorded on the replay audit")
	replayListCmd.Flags().StringVar(&listUser, "user", "", "only entries owned by this user id")
	replayListCmd.Flags().IntVar(&listLimit, "limit", 50, "page size")
	replayListCmd.Flags().IntVar(&listOffset, "offset", 0, "page offset")

	replayCmd.AddCommand(replayListCmd, replayStatsCmd, replayOneCmd,
		replayAllCmd, replayUserCmd, replayCleanupCmd)
}

func defaultOperator() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}

func runReplayList(cmd *cobra.Command, _ []string) error {
	tb, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer tb.close()

	entries, err := tb.replay.List(cmd.Context(), listUser, listLimit, listOffset)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("archive is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tKIND\tATTEMPTS\tFAILED AT\tMESSAGE")
	for _, dl := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			dl.ID, dl.UserID, dl.Failure.Kind, dl.Attempts,
			dl.FailedAt.UTC().Format(time.RFC3339), clip(dl.Failure.Message, 60))
	}
	return w.Flush()
}

func runReplayStats(cmd *cobra.Command, _ []string) error {
	tb, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer tb.close()

	stats, err := tb.replay.Stats(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("total:        %d\n", stats.Total)
	fmt.Printf("unique users: %d\n", stats.UniqueUser)
	if stats.OldestAt != nil {
		fmt.Printf("oldest:       %s\n", stats.OldestAt.UTC().Format(time.RFC3339))
	}
	if stats.NewestAt != nil {
		fmt.Printf("newest:       %s\n", stats.NewestAt.UTC().Format(time.RFC3339))
	}
	if len(stats.ByKind) > 0 {
		kinds := make([]string, 0, len(stats.ByKind))
		for k := range stats.ByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		fmt.Println("by kind:")
		for _, k := range kinds {
			fmt.Printf("  %-12s %d\n", k, stats.ByKind[k])
		}
	}
	return nil
}

func runReplayOne(cmd *cobra.Command, args []string) error {
	tb, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer tb.close()

	out, err := tb.replay.Replay(cmd.Context(), args[0], replayReason, replayBy)
	if err != nil {
		return err
	}
	fmt.Printf("replayed %s\n", out.DeadLetterID)
	fmt.Printf("  job:               %s\n", out.JobID)
	fmt.Printf("  new task:          %s\n", out.NewTaskID)
	fmt.Printf("  previous attempts: %d\n", out.PreviousAttempts)
	if out.RefundIssued {
		fmt.Println("  credits:           debit was refunded, re-run is free of charge")
	} else {
		fmt.Println("  credits:           original debit still stands")
	}
	return nil
}

func runReplayAll(cmd *cobra.Command, _ []string) error {
	tb, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer tb.close()

	out, err := tb.replay.ReplayAll(cmd.Context(), replayReason, replayBy)
	printBatch(out.Replayed, out.Failed)
	return err
}

func runReplayUser(cmd *cobra.Command, args []string) error {
	tb, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer tb.close()

	out, err := tb.replay.ReplayUser(cmd.Context(), args[0], replayReason, replayBy)
	printBatch(out.Replayed, out.Failed)
	return err
}

func printBatch(replayed, failed int) {
	fmt.Printf("replayed %d\n", replayed)
	if failed > 0 {
		fmt.Printf("left behind %d (each logged with its reason)\n", failed)
	}
}

func runReplayCleanup(cmd *cobra.Command, _ []string) error {
	tb, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer tb.close()

	n, err := tb.replay.Cleanup(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d entries older than %s\n", n, tb.cfg.DeadLetterRetention())
	return nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

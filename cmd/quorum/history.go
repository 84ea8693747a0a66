package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <topic>",
	Short: "Show the most recent finalized approvements of a topic",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of outcomes to show")
}

func runHistory(_ *cobra.Command, args []string) error {
	logger, err := newLogger(os.Stderr, logLevel)
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openHistory(cfg.Storage, logger)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("outcome history is disabled (storage.driver is empty)")
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	outcomes, err := store.List(ctx, args[0], historyLimit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tVOTES\tFINALIZED\tAPPROVED BY\tREFUSED BY")
	for _, o := range outcomes {
		approvers := make([]string, 0, len(o.ApprovedBy))
		for _, v := range o.ApprovedBy {
			approvers = append(approvers, v.Source+":"+v.UserID)
		}
		refused := "-"
		if o.RefusedBy != nil {
			refused = o.RefusedBy.Source + ":" + o.RefusedBy.UserID
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			o.ApprovementID, o.Status, len(o.ApprovedBy), o.RequireVotes,
			o.FinalizedAt.Format(time.RFC3339), strings.Join(approvers, ","), refused)
	}
	return tw.Flush()
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"chronod/internal/config"
	"chronod/internal/dispatcher"
)

func openQueue() (*dispatcher.Queue, error) {
	cfg, err := config.NewManager(flagConfig).Load()
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", flagConfig, err)
	}
	if cfg.Dispatcher == nil || cfg.Dispatcher.DBPath == "" {
		return nil, fmt.Errorf("no dispatcher queue configured in %s", flagConfig)
	}
	return dispatcher.OpenQueue(cfg.Dispatcher.DBPath)
}

func withQueue(fn func(ctx context.Context, q *dispatcher.Queue) error) error {
	q, err := openQueue()
	if err != nil {
		return err
	}
	defer q.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, q)
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the outbound dispatch queue",
	}
	cmd.AddCommand(newQueueAddCmd(), newQueueListCmd(), newQueueApproveCmd(), newQueueHoldCmd())
	return cmd
}

func newQueueAddCmd() *cobra.Command {
	var (
		payload string
		at      string
	)
	cmd := &cobra.Command{
		Use:   "add CHANNEL",
		Short: "Enqueue an item for delivery (payload from --payload or stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload == "" {
				b, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				payload = string(b)
			}
			item := dispatcher.Item{Channel: args[0], Payload: payload}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at %q (want RFC3339): %w", at, err)
				}
				t = t.UTC()
				item.Timing = dispatcher.TimingScheduled
				item.ScheduledFor = &t
			}
			return withQueue(func(ctx context.Context, q *dispatcher.Queue) error {
				id, err := q.Enqueue(ctx, &item)
				if err != nil {
					return err
				}
				fmt.Printf("enqueued item %d (pending approval)\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "item payload; stdin when omitted")
	cmd.Flags().StringVar(&at, "at", "", "deliver at this RFC3339 time instead of immediately")
	return cmd
}

func newQueueListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(func(ctx context.Context, q *dispatcher.Queue) error {
				items, err := q.List(ctx, dispatcher.ListOptions{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Println("no items")
					return nil
				}
				fmt.Printf("%-6s %-12s %-10s %-10s %-20s %s\n", "ID", "CHANNEL", "STATUS", "ATTEMPTS", "CREATED", "ERROR")
				for _, it := range items {
					fmt.Printf("%-6d %-12s %-10s %-10d %-20s %s\n",
						it.ID, it.Channel, it.Status, it.Attempts,
						it.CreatedAt.Format("2006-01-02 15:04:05"), it.LastError)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, approved, hold, sent, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newQueueApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve ID",
		Short: "Approve a pending or held item for delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid item id %q", args[0])
			}
			return withQueue(func(ctx context.Context, q *dispatcher.Queue) error {
				ok, err := q.Approve(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("item %d not found or not approvable", id)
				}
				fmt.Printf("approved item %d\n", id)
				return nil
			})
		},
	}
}

func newQueueHoldCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hold ID",
		Short: "Park an item so it is skipped until re-approved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid item id %q", args[0])
			}
			return withQueue(func(ctx context.Context, q *dispatcher.Queue) error {
				ok, err := q.Hold(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("item %d not found or not holdable", id)
				}
				fmt.Printf("held item %d\n", id)
				return nil
			})
		},
	}
}

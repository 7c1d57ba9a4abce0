package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nhle/topicfeed/internal/feed"
	"github.com/nhle/topicfeed/internal/ui"
)

func init() {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show notifications received in earlier sessions",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	cmd.Flags().IntP("limit", "l", 20, "Max results")
	cmd.Flags().BoolP("unread", "u", false, "Only unread notifications")
	cmd.Flags().Bool("clear", false, "Delete your notification history")
	cmd.Flags().Bool("json", false, "Output JSON")

	RootCmd.AddCommand(cmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	unreadOnly, _ := cmd.Flags().GetBool("unread")
	clearAll, _ := cmd.Flags().GetBool("clear")
	asJSON, _ := cmd.Flags().GetBool("json")

	c, err := openSignedIn()
	if err != nil {
		return err
	}
	defer c.Close()
	if c.history == nil {
		return fmt.Errorf("notification history is not available")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), c.cfg.RequestTimeout())
	defer cancel()

	if clearAll {
		if err := c.svc.ClearHistory(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "History cleared")
		return nil
	}

	items, err := c.svc.History(ctx, feed.HistoryFilter{Limit: limit, UnreadOnly: unreadOnly})
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), items)
	}

	total, unread, err := c.svc.HistoryCounts(ctx)
	if err != nil {
		return err
	}

	tbl := newTable("RECEIVED", "TOPIC", "MESSAGE", "")
	for _, n := range items {
		state := ""
		if !n.Read {
			state = "unread"
		}
		tbl.Row(ui.RelativeTime(n.ReceivedAt), n.TopicName, n.Message, state)
	}
	fmt.Fprintln(cmd.OutOrStdout(), tbl.String())
	fmt.Fprintf(cmd.OutOrStdout(), "%d of %d shown, %d unread\n", len(items), total, unread)
	return nil
}

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nhle/topicfeed/internal/feed"
	"github.com/nhle/topicfeed/internal/model"
	"github.com/nhle/topicfeed/internal/theme"
	"github.com/nhle/topicfeed/internal/ui"
)

func init() {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print notifications as they arrive",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
	cmd.Flags().Bool("json", false, "Print one JSON object per notification")

	RootCmd.AddCommand(cmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := openSignedIn()
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	seen := make(map[string]bool)

	fmt.Fprintf(errOut, "Watching %s (Ctrl+C to stop)\n", c.cfg.Server.BaseURL)
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-c.svc.Updates():
			switch u.Kind {
			case feed.UpdateNotifications:
				if err := printNew(out, c.svc.Notifications().List(), seen, asJSON); err != nil {
					return err
				}
			case feed.UpdateStream:
				fmt.Fprintf(errOut, "stream %s\n", u.State)
			case feed.UpdateSession:
				if !u.SignedIn {
					return errors.New("session ended: run 'topicfeed login'")
				}
			}
		}
	}
}

// printNew writes the notifications not in seen, oldest first, and
// records them. items is most recent first.
func printNew(w io.Writer, items []model.Notification, seen map[string]bool, asJSON bool) error {
	for i := len(items) - 1; i >= 0; i-- {
		n := items[i]
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true

		if asJSON {
			b, err := json.Marshal(n)
			if err != nil {
				return fmt.Errorf("encoding notification: %w", err)
			}
			fmt.Fprintln(w, string(b))
			continue
		}

		line := n.Message
		if n.TopicName != "" {
			line = theme.SubscribedBadgeStyle.Render(n.TopicName) + " " + line
		}
		fmt.Fprintf(w, "%s  %s\n", theme.DimmedStyle.Render(ui.RelativeTime(n.ReceivedAt)), line)
	}
	return nil
}

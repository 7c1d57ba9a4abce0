package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/nhle/topicfeed/internal/model"
	"github.com/nhle/topicfeed/internal/theme"
	"github.com/nhle/topicfeed/internal/ui"
)

func init() {
	topics := &cobra.Command{
		Use:   "topics",
		Short: "List topics and your subscriptions",
		Args:  cobra.NoArgs,
		RunE:  runTopics,
	}
	topics.Flags().Bool("json", false, "Output JSON")

	posts := &cobra.Command{
		Use:   "posts <topic-id>",
		Short: "List the posts in a topic",
		Args:  cobra.ExactArgs(1),
		RunE:  runPosts,
	}
	posts.Flags().Bool("json", false, "Output JSON")

	post := &cobra.Command{
		Use:   "post <topic-id>",
		Short: "Publish a post to a topic",
		Args:  cobra.ExactArgs(1),
		RunE:  runPost,
	}
	post.Flags().StringP("title", "t", "", "Post title (required)")
	post.Flags().String("content", "", "Post body")
	post.MarkFlagRequired("title")

	RootCmd.AddCommand(topics, posts, post,
		&cobra.Command{
			Use:   "subscribe <topic-id>",
			Short: "Subscribe to a topic",
			Args:  cobra.ExactArgs(1),
			RunE:  runSubscribe,
		},
		&cobra.Command{
			Use:   "unsubscribe <topic-id>",
			Short: "Unsubscribe from a topic",
			Args:  cobra.ExactArgs(1),
			RunE:  runSubscribe,
		},
	)
}

func runTopics(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	c, err := openSignedIn()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), c.cfg.RequestTimeout())
	defer cancel()

	all, err := c.svc.Topics(ctx)
	if err != nil {
		return err
	}
	subs, err := c.svc.Subscriptions(ctx)
	if err != nil {
		return err
	}
	subscribed := make(map[string]bool, len(subs))
	for _, t := range subs {
		subscribed[t.ID] = true
	}

	if asJSON {
		type row struct {
			model.Topic
			Subscribed bool `json:"subscribed"`
		}
		rows := make([]row, 0, len(all))
		for _, t := range all {
			rows = append(rows, row{Topic: t, Subscribed: subscribed[t.ID]})
		}
		return writeJSON(cmd.OutOrStdout(), rows)
	}

	tbl := newTable("ID", "TOPIC", "DESCRIPTION", "")
	for _, t := range all {
		mark := ""
		if subscribed[t.ID] {
			mark = theme.SubscribedBadgeStyle.Render("subscribed")
		}
		tbl.Row(t.ID, t.Name, t.Description, mark)
	}
	fmt.Fprintln(cmd.OutOrStdout(), tbl.String())
	return nil
}

func runPosts(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	c, err := openSignedIn()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), c.cfg.RequestTimeout())
	defer cancel()

	posts, err := c.svc.Posts(ctx, args[0])
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), posts)
	}

	tbl := newTable("ID", "TITLE", "POSTED")
	for _, p := range posts {
		tbl.Row(p.ID, p.Title, ui.RelativeTime(p.CreatedAt))
	}
	fmt.Fprintln(cmd.OutOrStdout(), tbl.String())
	return nil
}

func runPost(cmd *cobra.Command, args []string) error {
	title, _ := cmd.Flags().GetString("title")
	content, _ := cmd.Flags().GetString("content")

	c, err := openSignedIn()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), c.cfg.RequestTimeout())
	defer cancel()

	if err := c.svc.CreatePost(ctx, args[0], title, content); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Posted %q to topic %s\n", title, args[0])
	return nil
}

// runSubscribe serves both subscribe and unsubscribe.
func runSubscribe(cmd *cobra.Command, args []string) error {
	c, err := openSignedIn()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), c.cfg.RequestTimeout())
	defer cancel()

	topicID := args[0]
	if cmd.Name() == "unsubscribe" {
		if err := c.svc.Unsubscribe(ctx, topicID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Unsubscribed from topic %s\n", topicID)
		return nil
	}
	if err := c.svc.Subscribe(ctx, topicID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Subscribed to topic %s\n", topicID)
	return nil
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(theme.DimmedStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return theme.HeaderStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	fmt.Fprintln(w, string(b))
	return nil
}

package cli

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/nhle/topicfeed/internal/app"
)

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "ui",
		Short: "Start the terminal UI (default)",
		RunE:  runUI,
	})
}

func runUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := openClient(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	// A missing or expired session lands on the sign-in form.
	if _, err := c.svc.Restore(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}

	p := tea.NewProgram(app.New(c.svc, cfg.Server.BaseURL), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running ui: %w", err)
	}
	return nil
}

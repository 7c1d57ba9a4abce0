// Package cli implements the topicfeed commands.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nhle/topicfeed/internal/api"
	"github.com/nhle/topicfeed/internal/credential"
	"github.com/nhle/topicfeed/internal/feed"
	"github.com/nhle/topicfeed/internal/model"
	"github.com/nhle/topicfeed/internal/notify"
	"github.com/nhle/topicfeed/internal/session"
	"github.com/nhle/topicfeed/internal/store"
)

var (
	configPath string
	serverURL  string
	verbose    bool

	logFile *os.File
)

// RootCmd is the top-level command. Without a subcommand it starts the
// terminal UI.
var RootCmd = &cobra.Command{
	Use:   "topicfeed",
	Short: "Follow topics and get live notifications",
	Long: "A terminal client for a topic server: browse and subscribe to topics, " +
		"write posts and receive notifications for subscribed topics as they happen.",
	SilenceUsage: true,
	RunE:         runUI,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd != cmd.Root() && cmd.Name() != "ui" {
			setupLogging(os.Stderr)
			return nil
		}
		f, err := openLogFile()
		if err != nil {
			return err
		}
		logFile = f
		setupLogging(f)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ~/.config/topicfeed/config.yaml)")
	RootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "Server base URL, overrides server.base_url")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

func loadConfig() (*model.AppConfig, error) {
	path := configPath
	if path == "" {
		path = model.DefaultConfigPath()
	}
	cfg, err := model.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		cfg.Server.BaseURL = serverURL
	}
	return cfg, nil
}

// setupLogging installs the default logger. Headless commands log to
// stderr; the UI passes its log file so output never hits the terminal.
func setupLogging(w io.Writer) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// openLogFile opens the UI log for appending.
func openLogFile() (*os.File, error) {
	path := model.DefaultLogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

// client bundles everything a command needs. Close releases it.
type client struct {
	cfg     *model.AppConfig
	svc     *feed.Service
	history *store.SQLiteStore
}

func (c *client) Close() {
	c.svc.Close()
	if c.history != nil {
		if err := c.history.Close(); err != nil {
			slog.Warn("closing history", "error", err)
		}
	}
}

// openClient builds the feed service from the config. The vault is
// optional: without a keyring the session lasts for the process only.
func openClient(cfg *model.AppConfig) (*client, error) {
	vault, err := credential.Open()
	if err != nil {
		slog.Warn("keyring unavailable, session will not persist", "error", err)
	}

	history, err := openHistory(cfg)
	if err != nil {
		slog.Warn("notification history unavailable", "error", err)
	}

	sess := session.New()
	opts := feed.Options{
		API:     api.NewClient(cfg.Server.BaseURL, sess.Credential, cfg.RequestTimeout()),
		Session: sess,
		Notifications: notify.Options{
			Capacity: cfg.Notifications.Capacity,
			Dedupe:   cfg.Notifications.Dedupe,
		},
		Stream: feed.StreamOptions{
			MinRetryDelay: cfg.MinRetryDelay(),
			MaxRetryDelay: cfg.MaxRetryDelay(),
			IdleTimeout:   cfg.IdleTimeout(),
		},
		Vault:  vault,
		Logger: slog.Default(),
	}
	if history != nil {
		opts.History = history
	}

	return &client{cfg: cfg, svc: feed.New(opts), history: history}, nil
}

func openHistory(cfg *model.AppConfig) (*store.SQLiteStore, error) {
	path := cfg.History.DBPath
	if path == "" {
		return nil, errors.New("no history path configured")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	return store.NewSQLiteStore(path)
}

// openSignedIn opens a client and resumes the stored session.
func openSignedIn() (*client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	c, err := openClient(cfg)
	if err != nil {
		return nil, err
	}
	ok, err := c.svc.Restore()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("restoring session: %w", err)
	}
	if !ok {
		c.Close()
		return nil, fmt.Errorf("not signed in to %s: run 'topicfeed login'", cfg.Server.BaseURL)
	}
	return c, nil
}

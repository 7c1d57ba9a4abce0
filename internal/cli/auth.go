package cli

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nhle/topicfeed/internal/model"
)

func init() {
	login := &cobra.Command{
		Use:   "login",
		Short: "Sign in and remember the session",
		RunE:  runLogin,
	}
	login.Flags().StringP("username", "u", "", "Username (required)")
	login.Flags().StringP("password", "p", "", "Password (prompted when omitted)")
	login.MarkFlagRequired("username")

	register := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		RunE:  runLogin,
	}
	register.Flags().StringP("username", "u", "", "Username (required)")
	register.Flags().StringP("password", "p", "", "Password (prompted when omitted)")
	register.MarkFlagRequired("username")

	RootCmd.AddCommand(login, register, &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		RunE:  runLogout,
	})
}

func runLogin(cmd *cobra.Command, args []string) error {
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")

	if password == "" {
		var err error
		if password, err = promptPassword(); err != nil {
			return err
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := openClient(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	signIn := c.svc.Login
	if cmd.Name() == "register" {
		signIn = c.svc.Register
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout())
	defer cancel()
	id, err := signIn(ctx, username, password)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Signed in to %s as %s\n", cfg.Server.BaseURL, displayName(id))
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := openClient(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.svc.Restore(); err != nil {
		return fmt.Errorf("restoring session: %w", err)
	}
	if err := c.svc.Logout(); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
	return nil
}

func promptPassword() (string, error) {
	var password string
	err := huh.NewInput().
		Title("Password").
		EchoMode(huh.EchoModePassword).
		Value(&password).
		Run()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return password, nil
}

func displayName(id model.Identity) string {
	if id.Username != "" {
		return id.Username
	}
	return id.ID
}

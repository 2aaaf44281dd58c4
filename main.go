package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"medibot/internal/auth"
	"medibot/internal/history"
)

var (
	configPath string
	tokenEmail string

	rootCmd = &cobra.Command{
		Use:          "medibot",
		Short:        "Medical guidance chat service",
		SilenceUsage: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE:  runMigrate,
	}
	guestCmd = &cobra.Command{
		Use:   "guest",
		Short: "Manage anonymous trial sessions",
	}
	guestResetCmd = &cobra.Command{
		Use:   "reset [guest_id]",
		Short: "Clear a guest's message count",
		Args:  cobra.ExactArgs(1),
		RunE:  runGuestReset,
	}
	purgeCmd = &cobra.Command{
		Use:   "purge",
		Short: "Delete expired chats, guest sessions, audit events and tokens",
		RunE:  runPurge,
	}
	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}
	tokenIssueCmd = &cobra.Command{
		Use:   "issue [subject]",
		Short: "Issue an opaque bearer token for a subject",
		Args:  cobra.ExactArgs(1),
		RunE:  runTokenIssue,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("MEDIBOT_CONFIG"), "path to config.json")
	tokenIssueCmd.Flags().StringVar(&tokenEmail, "email", "", "email recorded on the token")

	guestCmd.AddCommand(guestResetCmd)
	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, guestCmd, purgeCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	c, err := openCore()
	if err != nil {
		return err
	}
	defer c.Close(cmd.Context())
	// openCore already migrated
	c.logger.Info("schema up to date", "driver", c.cfg.BasicConfig.DatabaseDriver)
	return nil
}

func runGuestReset(cmd *cobra.Command, args []string) error {
	c, err := openCore()
	if err != nil {
		return err
	}
	defer c.Close(cmd.Context())
	if err := c.guestTracker().Reset(cmd.Context(), args[0], "cli"); err != nil {
		return fmt.Errorf("reset guest: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "guest %s reset\n", args[0])
	return nil
}

func runPurge(cmd *cobra.Command, _ []string) error {
	c, err := openCore()
	if err != nil {
		return err
	}
	defer c.Close(cmd.Context())
	objects, _, closeObjects, err := openObjectStore(cmd.Context(), c.cfg)
	if err != nil {
		return err
	}
	defer closeObjects()

	sweeper := history.NewSweeper(c.purgers(c.historyPersister(objects)), c.logger)
	counts := sweeper.Sweep(cmd.Context())
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", name, counts[name])
	}
	return nil
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	c, err := openCore()
	if err != nil {
		return err
	}
	defer c.Close(cmd.Context())
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	token, err := c.tokenService().IssueToken(ctx, auth.Identity{Subject: args[0], Email: tokenEmail})
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

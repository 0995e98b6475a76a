package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/convo-relay/relay/config"
	"github.com/ZanzyTHEbar/convo-relay/relay/conversation"
	"github.com/ZanzyTHEbar/convo-relay/relay/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Database.Type != config.DatabaseTypeLibSQL {
			return fmt.Errorf("database.type %q has no schema to migrate", cfg.Database.Type)
		}
		ctx := cmd.Context()
		conn, err := db.Open(ctx, cfg.DB(), logger)
		if err != nil {
			return err
		}
		defer conn.Close()

		v, err := db.Version(ctx, conn)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
		return nil
	},
}

var (
	contactFlag string
	turnFlag    string
)

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Show the prompt the next reply to a contact would use",
	Long: `Assembles the token-budgeted prompt for --contact without calling the
completion provider or sending anything.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		asm, err := a.pipeline.Preview(cmd.Context(), contactFlag)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, m := range asm.Messages {
			fmt.Fprintf(out, "--- %s\n%s\n", m.Role, m.Content)
		}
		fmt.Fprintf(out, "---\nprompt tokens: %d, groups kept: %d, dropped: %d, truncated: %t\n",
			asm.PromptTokens, asm.Kept, asm.Dropped, asm.Truncated)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reply pipeline once for a contact and turn",
	Long: `Invokes the pipeline immediately, bypassing the dispatch delay. The
staleness check still applies: a turn that is no longer the contact's latest
is skipped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateServe(); err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		outcome, err := a.pipeline.Run(cmd.Context(), conversation.Trigger{ContactID: contactFlag, TurnID: turnFlag})
		fmt.Fprintf(cmd.OutOrStdout(), "outcome: %s\n", outcome)
		if err != nil {
			return fmt.Errorf("run failed: %w", err)
		}
		return nil
	},
}

func init() {
	promptCmd.Flags().StringVar(&contactFlag, "contact", "", "contact id (WhatsApp number)")
	_ = promptCmd.MarkFlagRequired("contact")

	runCmd.Flags().StringVar(&contactFlag, "contact", "", "contact id (WhatsApp number)")
	runCmd.Flags().StringVar(&turnFlag, "turn", "", "id of the user turn that triggers the reply")
	_ = runCmd.MarkFlagRequired("contact")
	_ = runCmd.MarkFlagRequired("turn")
}

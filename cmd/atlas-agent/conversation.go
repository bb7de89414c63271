package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

func init() {
	f := conversationStartCmd.Flags()
	f.String("agent", "", "agent id (required)")
	f.String("party", "", "external party id (required)")
	f.String("first-name", "", "party first name")
	f.String("last-name", "", "party last name")
	f.String("email", "", "party email")
	f.String("phone", "", "party phone")
	f.String("channel", "cli", "channel the party is reached on")
	conversationStartCmd.MarkFlagRequired("agent")
	conversationStartCmd.MarkFlagRequired("party")

	conversationSendCmd.Flags().Bool("json", false, "print the full turn result as JSON")

	conversationCmd.AddCommand(conversationStartCmd, conversationSendCmd, conversationCloseCmd, conversationHistoryCmd)
	rootCmd.AddCommand(conversationCmd)
}

var conversationCmd = &cobra.Command{
	Use:     "conversation",
	Aliases: []string{"conv"},
	Short:   "Drive conversations in-process",
}

// withApp runs fn against a freshly wired service.
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)
	a, err := newApp(cmd.Context(), cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

var conversationStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start or resume the active conversation for a party",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		agentID, _ := f.GetString("agent")
		party := types.PartyRef{}
		party.ID, _ = f.GetString("party")
		party.FirstName, _ = f.GetString("first-name")
		party.LastName, _ = f.GetString("last-name")
		party.Email, _ = f.GetString("email")
		party.Phone, _ = f.GetString("phone")
		party.Channel, _ = f.GetString("channel")

		return withApp(cmd, func(a *app) error {
			conv, created, err := a.gateway.StartConversation(cmd.Context(), types.AgentID(agentID), party)
			if err != nil {
				return err
			}
			state := "resumed"
			if created {
				state = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, %d assistant turns)\n", conv.ID, state, conv.AssistantTurnCount)
			return nil
		})
	},
}

var conversationSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Post an inbound message and print the reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		text := strings.Join(args[1:], " ")

		return withApp(cmd, func(a *app) error {
			res, err := a.gateway.PostInboundMessage(cmd.Context(), types.ConversationID(args[0]), text)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[turn %d, %s] %s\n", res.Turn, res.Source, res.AssistantText)
			for _, tc := range res.ToolCalls {
				fmt.Fprintf(cmd.OutOrStdout(), "  tool %s: %s\n", tc.ToolName, tc.Outcome)
			}
			return nil
		})
	},
}

var conversationCloseCmd = &cobra.Command{
	Use:   "close <conversation-id>",
	Short: "Close a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			if err := a.gateway.CloseConversation(cmd.Context(), types.ConversationID(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Closed %s.\n", args[0])
			return nil
		})
	},
}

var conversationHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		msgs, err := store.ListMessages(cmd.Context(), types.ConversationID(args[0]))
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTURN\tROLE\tSOURCE\tTIME\tCONTENT")
		for _, m := range msgs {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
				m.Seq, m.Turn, m.Role, m.Source, m.CreatedAt.Local().Format("2006-01-02 15:04:05"), truncate(m.Content, 80))
		}
		return w.Flush()
	},
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}

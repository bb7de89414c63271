package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/agent"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

// configuredProviders are the generation providers newApp wires.
var configuredProviders = []string{"openai"}

func init() {
	agentListCmd.Flags().String("org", "", "only list agents of this organization")
	agentCmd.AddCommand(agentImportCmd, agentValidateCmd, agentListCmd)
	rootCmd.AddCommand(agentCmd)
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent definitions",
}

// importAgents validates every definition in path before storing any.
func importAgents(ctx context.Context, store types.AgentStore, path string, toolNames, providers []string) (int, error) {
	agents, err := agent.Load(path)
	if err != nil {
		return 0, err
	}
	for _, a := range agents {
		warnings, err := agent.Validate(a, agent.Options{Tools: toolNames, Providers: providers})
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "warning: agent %s: %s\n", a.ID, w)
		}
		if err != nil {
			return 0, err
		}
	}
	for _, a := range agents {
		if err := store.PutAgent(ctx, a); err != nil {
			return 0, fmt.Errorf("store agent %s: %w", a.ID, err)
		}
	}
	return len(agents), nil
}

var agentImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Validate and store agent definitions from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := importAgents(cmd.Context(), store, args[0], newRegistry(cfg).Names(), configuredProviders)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d agent(s).\n", n)
		return nil
	},
}

var agentValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check agent definitions without storing them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		agents, err := agent.Load(args[0])
		if err != nil {
			return err
		}
		opts := agent.Options{Tools: newRegistry(cfg).Names(), Providers: configuredProviders}
		failed := 0
		for _, a := range agents {
			warnings, err := agent.Validate(a, opts)
			for _, w := range warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: warning: %s\n", a.ID, w)
			}
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: error: %v\n", a.ID, err)
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", a.ID)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d agent(s) invalid", failed, len(agents))
		}
		return nil
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		org, _ := cmd.Flags().GetString("org")
		agents, err := store.ListAgents(cmd.Context(), types.OrganizationID(org))
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No agents found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tORGANIZATION\tMODEL\tSCRIPTS\tTOOLS\tVERSION\tDISABLED")
		for _, a := range agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%t\n",
				a.ID, a.OrganizationID, a.Model.Name, len(a.Scripts), len(a.Tools), a.Version, a.Disabled)
		}
		return w.Flush()
	},
}

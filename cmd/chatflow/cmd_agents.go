package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/chatflow/internal/config"
	"github.com/user/chatflow/internal/types"
)

func init() {
	rootCmd.AddCommand(agentsCmd)
	agentsCmd.AddCommand(agentsListCmd, agentsShowCmd)
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage agent definitions",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		registry, err := config.LoadAgents(cfg.AgentsDir)
		if err != nil {
			return fmt.Errorf("load agents: %w", err)
		}

		agents := registry.List()
		if len(agents) == 0 {
			fmt.Println("No agents found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tMODEL\tEDGES")
		for _, a := range agents {
			edges := make([]string, 0, len(a.Edges))
			for _, e := range a.Edges {
				edges = append(edges, string(e))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				a.ID,
				a.Name,
				a.Provider,
				a.Model,
				strings.Join(edges, ","),
			)
		}
		return w.Flush()
	},
}

var agentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one agent's full definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		registry, err := config.LoadAgents(cfg.AgentsDir)
		if err != nil {
			return fmt.Errorf("load agents: %w", err)
		}

		spec, ok := registry.Get(types.AgentID(args[0]))
		if !ok {
			return fmt.Errorf("unknown agent %q", args[0])
		}

		fmt.Printf("ID:           %s\n", spec.ID)
		fmt.Printf("Name:         %s\n", spec.Name)
		fmt.Printf("Provider:     %s\n", spec.Provider)
		fmt.Printf("Model:        %s\n", spec.Model)
		if spec.RecursionLimit != nil {
			fmt.Printf("Recursion:    %d\n", *spec.RecursionLimit)
		}
		if len(spec.Tools) > 0 {
			fmt.Printf("Tools:        %s\n", strings.Join(spec.Tools, ", "))
		}
		if len(spec.Edges) > 0 {
			edges := make([]string, 0, len(spec.Edges))
			for _, e := range spec.Edges {
				edges = append(edges, string(e))
			}
			fmt.Printf("Edges:        %s\n", strings.Join(edges, " -> "))
		}
		fmt.Printf("Artifacts:    %t\n", spec.Capabilities.Artifacts)
		fmt.Printf("ExecuteCode:  %t\n", spec.Capabilities.ExecuteCode)
		if len(spec.Capabilities.MCPServers) > 0 {
			fmt.Printf("MCP servers:  %s\n", strings.Join(spec.Capabilities.MCPServers, ", "))
		}
		fmt.Printf("\nInstructions:\n%s\n", spec.Instructions)
		if spec.AdditionalInstructions != "" {
			fmt.Printf("\nAdditional instructions:\n%s\n", spec.AdditionalInstructions)
		}
		return nil
	},
}

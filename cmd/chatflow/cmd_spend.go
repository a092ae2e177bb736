package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/chatflow/internal/ledger"
	"github.com/user/chatflow/internal/types"
)

func init() {
	rootCmd.AddCommand(spendCmd)
}

var spendCmd = &cobra.Command{
	Use:   "spend <conversation-id>",
	Short: "Report a conversation's token spend by billing context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store, err := ledger.OpenStore(filepath.Join(cfg.DataDir, "spend.db"))
		if err != nil {
			return fmt.Errorf("open spend store: %w", err)
		}
		defer store.Close()

		spend, err := store.ConversationSpend(context.Background(), types.ConversationID(args[0]))
		if err != nil {
			return fmt.Errorf("read spend: %w", err)
		}
		if len(spend) == 0 {
			fmt.Println("No spend recorded.")
			return nil
		}

		contexts := make([]string, 0, len(spend))
		for c := range spend {
			contexts = append(contexts, c)
		}
		sort.Strings(contexts)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CONTEXT\tINPUT\tOUTPUT")
		for _, c := range contexts {
			t := spend[c]
			fmt.Fprintf(w, "%s\t%d\t%d\n", c, t.InputTokens, t.OutputTokens)
		}
		return w.Flush()
	},
}

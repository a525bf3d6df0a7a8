package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sdxl-assets/sam/internal/assist"
	"github.com/sdxl-assets/sam/internal/mapper"
	"github.com/sdxl-assets/sam/internal/schema"
)

var askCmd = &cobra.Command{
	Use:     "ask <question>",
	GroupID: "data",
	Short:   "Ask Claude a question about your runs",
	Long: `Answer a question from the runs in the local database, for example:

  sam ask "which LoRAs did I use most with juggernaut-xl?"
  sam ask "what sampler settings do my keeper runs share?"

Only the local database is read, so run 'sam sync run' first to include
Notion edits. The most recently modified runs are sent when there are too
many to fit.

Requires an Anthropic API key (ANTHROPIC_API_KEY or assist.api_key).`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store := openDB()
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		rows, err := store.FetchAll(ctx)
		if err != nil {
			fail("reading runs", err)
		}
		m := mapper.New(loadMapping())
		runs := make([]*schema.Record, 0, len(rows))
		for _, row := range rows {
			rec, err := m.FromLocal(row)
			if err != nil {
				logs.Logger("ask").Printf("WARNING: skipping run %s: %v", row.ID, err)
				continue
			}
			runs = append(runs, rec)
		}

		llm, err := assist.NewClaude(cfg.Assist.APIKey, cfg.Assist.Model, cfg.Assist.MaxTokens)
		if err != nil {
			fail("configuring assistant", err)
		}
		answer, err := assist.NewAdvisor(llm).Ask(ctx, strings.Join(args, " "), runs)
		if err != nil {
			fail("asking", err)
		}

		if structured() {
			printStructured(map[string]any{"answer": answer, "runs": len(runs)})
			return
		}
		fmt.Println(answer)
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
}

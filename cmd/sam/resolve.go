package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sdxl-assets/sam/internal/assist"
	"github.com/sdxl-assets/sam/internal/schema"
	"github.com/sdxl-assets/sam/internal/sync"
	"github.com/sdxl-assets/sam/internal/ui"
)

var syncResolveCmd = &cobra.Command{
	Use:   "resolve <key>",
	Short: "Resolve a conflict by hand",
	Long: `Choose, field by field, how a record edited on both sides is resolved,
then write the result to both sides.

<key> is the local run id, the Notion page id, or the "local/page" pair shown
by 'sam sync conflicts'.

Choices come from one of:
  --take local|remote   take every conflicting field from one side
  --file choices.yaml   a YAML map of field to choice
  an interactive form   when neither flag is given and stdin is a terminal

A choices file names a side or gives a literal value:

  negative:
    value: "blurry, lowres"
  seed:
    side: remote`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := args[0]
		take, _ := cmd.Flags().GetString("take")
		file, _ := cmd.Flags().GetString("file")

		store := openDB()
		defer store.Close()
		engine := newEngine(store, engineOptions{})
		ctx := context.Background()

		var choices map[string]sync.FieldChoice
		var err error
		switch {
		case file != "":
			choices, err = readChoices(file)
		case take != "":
			var c *sync.ConflictRecord
			if c, err = findConflict(ctx, engine, key); err == nil {
				choices, err = takeSide(c, sync.Side(take))
			}
		case ui.IsTerminal(os.Stdin):
			var c *sync.ConflictRecord
			if c, err = findConflict(ctx, engine, key); err == nil {
				printConflict(*c)
				choices, err = askChoices(c, loadMapping())
			}
		default:
			err = errors.New("stdin is not a terminal; use --take or --file")
		}
		if err != nil {
			fail("choosing resolution", err)
		}

		rep, err := engine.ResolveConflict(ctx, key, choices)
		if err != nil {
			fail("resolving conflict", err)
		}
		if structured() {
			printStructured(rep)
			return
		}
		fmt.Printf("%s Resolved %s\n", ui.RenderPass("✓"), rep.Conflicts[0].Pair)
	},
}

var syncSuggestCmd = &cobra.Command{
	Use:   "suggest <key>",
	Short: "Ask Claude to propose a resolution for a conflict",
	Long: `Ask Claude to propose a choice for every conflicting field of one
conflict. Nothing is written; the suggestion is printed as a choices file
that 'sam sync resolve <key> --file' accepts.

Requires an Anthropic API key (ANTHROPIC_API_KEY or assist.api_key).`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store := openDB()
		defer store.Close()
		engine := newEngine(store, engineOptions{})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		c, err := findConflict(ctx, engine, args[0])
		if err != nil {
			fail("finding conflict", err)
		}
		llm, err := assist.NewClaude(cfg.Assist.APIKey, cfg.Assist.Model, cfg.Assist.MaxTokens)
		if err != nil {
			fail("configuring assistant", err)
		}
		s, err := assist.NewAdvisor(llm).SuggestResolution(ctx, *c)
		if err != nil {
			fail("asking for a suggestion", err)
		}

		if jsonOutput {
			printStructured(s)
			return
		}
		if !yamlOutput {
			printConflict(*c)
			fmt.Printf("%s %s\n\n", ui.RenderAccent("💡"), s.Reason)
		}
		out, err := yaml.Marshal(s.Choices)
		if err != nil {
			fail("encoding suggestion", err)
		}
		fmt.Print(string(out))
	},
}

// findConflict runs a dry pass and returns the conflict for key, analysed
// the way ResolveConflict will analyse it.
func findConflict(ctx context.Context, engine *sync.Engine, key string) (*sync.ConflictRecord, error) {
	policy := sync.PolicyManual
	if engine.Config().Policy == sync.PolicyFieldMerge {
		policy = sync.PolicyFieldMerge
	}
	rep, err := engine.RunSync(ctx, policy, true)
	if err != nil {
		return nil, err
	}
	for i := range rep.Conflicts {
		if rep.Conflicts[i].Pair.Matches(key) {
			return &rep.Conflicts[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", sync.ErrNotInConflict, key)
}

// readChoices loads a YAML choices file.
func readChoices(path string) (map[string]sync.FieldChoice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read choices: %w", err)
	}
	var raw map[string]sync.FieldChoice
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse choices: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s holds no choices", path)
	}
	for name, c := range raw {
		switch c.Side {
		case "", sync.SideLocal, sync.SideRemote:
		default:
			return nil, fmt.Errorf("field %s: unknown side %q (want local or remote)", name, c.Side)
		}
		c.Value = plainValue(c.Value)
		raw[name] = c
	}
	return raw, nil
}

// plainValue converts YAML-decoded values to the types the mapper accepts.
func plainValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return v
			}
			out = append(out, s)
		}
		return out
	}
	return v
}

func takeSide(c *sync.ConflictRecord, side sync.Side) (map[string]sync.FieldChoice, error) {
	if side != sync.SideLocal && side != sync.SideRemote {
		return nil, fmt.Errorf("--take must be local or remote (got %q)", side)
	}
	choices := make(map[string]sync.FieldChoice, len(c.Resolution.Conflicting))
	for _, name := range c.Resolution.Conflicting {
		choices[name] = sync.FieldChoice{Side: side}
	}
	return choices, nil
}

const customChoice = "custom"

// askChoices shows one select per conflicting field, with a text input
// for fields where neither side is right.
func askChoices(c *sync.ConflictRecord, table *schema.MappingTable) (map[string]sync.FieldChoice, error) {
	names := append([]string(nil), c.Resolution.Conflicting...)
	sort.Strings(names)

	picks := make([]string, len(names))
	custom := make([]string, len(names))
	var groups []*huh.Group
	for i, name := range names {
		groups = append(groups,
			huh.NewGroup(
				huh.NewSelect[string]().
					Title(name).
					Description("last synced: "+c.Baseline[name]).
					Options(
						huh.NewOption("local:  "+display(c.Local[name]), string(sync.SideLocal)),
						huh.NewOption("Notion: "+display(c.Remote[name]), string(sync.SideRemote)),
						huh.NewOption("type a new value", customChoice),
					).
					Value(&picks[i]),
			),
			huh.NewGroup(
				huh.NewInput().
					Title(name+": new value").
					Value(&custom[i]),
			).WithHideFunc(func() bool { return picks[i] != customChoice }),
		)
	}
	if err := huh.NewForm(groups...).Run(); err != nil {
		return nil, err
	}

	choices := make(map[string]sync.FieldChoice, len(names))
	for i, name := range names {
		if picks[i] != customChoice {
			choices[name] = sync.FieldChoice{Side: sync.Side(picks[i])}
			continue
		}
		var value any = strings.TrimSpace(custom[i])
		if spec, ok := table.Field(name); ok && spec.Kind == schema.KindList {
			value = splitList(custom[i])
		}
		choices[name] = sync.FieldChoice{Value: value}
	}
	return choices, nil
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func init() {
	syncResolveCmd.Flags().String("take", "", "take every conflicting field from this side (local or remote)")
	syncResolveCmd.Flags().StringP("file", "f", "", "YAML file of field choices")
	syncResolveCmd.MarkFlagsMutuallyExclusive("take", "file")

	syncCmd.AddCommand(syncResolveCmd)
	syncCmd.AddCommand(syncSuggestCmd)
}

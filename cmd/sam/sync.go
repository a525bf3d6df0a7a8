package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sdxl-assets/sam/internal/sync"
	"github.com/sdxl-assets/sam/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Synchronize runs between SQLite and Notion",
	Long: `Run and inspect sync passes between the local run database and Notion.

A pass moves through fetching, diffing, resolving and applying, and ends
committed or failed. Records edited on both sides since the last sync are
resolved with the conflict policy:

  local-wins    the local record wins entirely
  remote-wins   the Notion page wins entirely
  newest-wins   the side modified last wins (ties go to Notion)
  field-merge   fields changed on one side merge; fields changed on both
                sides wait for 'sam sync resolve'
  manual        nothing is written; every conflict waits for 'sam sync resolve'`,
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sync pass",
	Long: `Run one sync pass between the local database and Notion.

Per-record failures do not stop the pass; they are listed in the report and
retried by the next pass. The command exits non-zero when the pass failed or
left records unapplied.

Examples:
  sam sync run
  sam sync run --policy field-merge
  sam sync run --direction pull --dry-run`,
	Run: func(cmd *cobra.Command, args []string) {
		policy, direction := passFlags(cmd)
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		store := openDB()
		defer store.Close()
		engine := newEngine(store, engineOptions{direction: direction})

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if !structured() {
			fmt.Printf("%s Syncing %s with Notion...\n", ui.RenderAccent("🔄"), store.Path())
		}
		rep, err := engine.RunSync(ctx, policy, dryRun)
		if errors.Is(err, sync.ErrSyncInProgress) {
			fmt.Fprintf(os.Stderr, "%s another sync pass is running\n", ui.RenderWarn("⚠"))
			os.Exit(1)
		}
		if rep == nil {
			fail("running sync", err)
		}

		if structured() {
			printStructured(rep)
		} else {
			printReport(rep)
		}
		if err != nil || rep.Failed() || len(rep.Unapplied) > 0 {
			os.Exit(1)
		}
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local database and link status",
	Long: `Display the local database location and size, how many runs, models,
LoRAs and tags it holds, how many runs are linked to Notion pages, and when
a pair was last synced.

With --check the Notion credentials are verified too.`,
	Run: func(cmd *cobra.Command, args []string) {
		if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
			fmt.Printf("\n%s Local database not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'sam sync run' to create it\n\n")
			return
		}

		store := openDB()
		defer store.Close()
		stats, err := store.Stats()
		if err != nil {
			fail("reading stats", err)
		}

		var database string
		if check, _ := cmd.Flags().GetBool("check"); check {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			database, err = newNotion().TestConnection(ctx)
			if err != nil {
				fail("connecting to Notion", err)
			}
		}

		if structured() {
			printStructured(struct {
				Local          any    `json:"local" yaml:"local"`
				NotionDatabase string `json:"notion_database,omitempty" yaml:"notion_database,omitempty"`
			}{stats, database})
			return
		}

		fmt.Printf("\n%s Local database\n", ui.RenderAccent("📊"))
		fmt.Printf("   Location: %s\n", stats.Path)
		fmt.Printf("   Size: %s\n", humanize.Bytes(uint64(stats.SizeBytes)))
		fmt.Printf("   Runs: %s (%s linked to Notion)\n", humanize.Comma(int64(stats.Runs)), humanize.Comma(int64(stats.LinkedPairs)))
		fmt.Printf("   Models: %d, LoRAs: %d, Tags: %d\n", stats.Models, stats.LoRAs, stats.Tags)
		fmt.Printf("   Audited conflicts: %d\n", stats.Conflicts)
		if stats.LastSync.IsZero() {
			fmt.Printf("   Last sync: never\n")
		} else {
			fmt.Printf("   Last sync: %s\n", humanize.Time(stats.LastSync))
		}
		if database != "" {
			fmt.Printf("\n%s Notion database %q reachable\n", ui.RenderPass("✓"), database)
		}
		fmt.Println()
	},
}

var syncConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List records edited on both sides",
	Long: `Run a dry pass and list every record pair edited both locally and in
Notion since the last sync. Nothing is written.

By default each conflict is analysed as manual resolution would see it (every
differing field). With --policy the listing shows what that policy would do.`,
	Run: func(cmd *cobra.Command, args []string) {
		policy, direction := passFlags(cmd)
		if !cmd.Flags().Changed("policy") {
			policy = sync.PolicyManual
		}

		store := openDB()
		defer store.Close()
		engine := newEngine(store, engineOptions{direction: direction})

		rep, err := engine.RunSync(context.Background(), policy, true)
		if rep == nil || err != nil {
			fail("detecting conflicts", err)
		}

		if structured() {
			printStructured(rep.Conflicts)
			return
		}
		if len(rep.Conflicts) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return
		}
		fmt.Printf("%s %d conflict(s)\n\n", ui.RenderWarn("⚠"), len(rep.Conflicts))
		for _, c := range rep.Conflicts {
			printConflict(c)
		}
		fmt.Printf("Resolve one with 'sam sync resolve <key>'\n")
	},
}

var syncLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the conflict audit log",
	Long: `List conflicts recorded by past passes, newest first.

--since takes a timestamp, a duration or a phrase:
  sam sync log --since 2025-06-01
  sam sync log --since 48h
  sam sync log --since "2 days ago"
  sam sync log --since "last monday"`,
	Run: func(cmd *cobra.Command, args []string) {
		sinceText, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")

		since, err := parseSince(sinceText, time.Now())
		if err != nil {
			fail("parsing --since", err)
		}

		store := openDB()
		defer store.Close()
		entries, err := store.ListAudit(context.Background(), since, limit)
		if err != nil {
			fail("reading audit log", err)
		}

		if structured() {
			printStructured(entries)
			return
		}
		if len(entries) == 0 {
			fmt.Println("No conflicts recorded")
			return
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			outcome := string(e.Winner)
			switch {
			case e.Pending:
				outcome = ui.RenderWarn("pending: " + strings.Join(e.Conflicting, ", "))
			case outcome == "":
				outcome = "merged"
			}
			rows = append(rows, []string{
				humanize.Time(e.CreatedAt),
				e.Pair.String(),
				e.Title,
				string(e.Policy),
				outcome,
			})
		}
		fmt.Println(ui.Table([]string{"When", "Pair", "Title", "Policy", "Outcome"}, rows))
	},
}

// passFlags reads --policy and --direction. Empty values mean the config.
func passFlags(cmd *cobra.Command) (sync.Policy, sync.Direction) {
	var policy sync.Policy
	if s, _ := cmd.Flags().GetString("policy"); s != "" {
		p, err := sync.ParsePolicy(s)
		if err != nil {
			fail("parsing --policy", err)
		}
		policy = p
	}
	var direction sync.Direction
	if s, _ := cmd.Flags().GetString("direction"); s != "" {
		d, err := sync.ParseDirection(s)
		if err != nil {
			fail("parsing --direction", err)
		}
		direction = d
	}
	return policy, direction
}

func printReport(rep *sync.Report) {
	mark := ui.RenderPass("✓")
	switch {
	case rep.Failed():
		mark = ui.RenderFail("✗")
	case len(rep.Errors) > 0 || len(rep.Pending()) > 0:
		mark = ui.RenderWarn("⚠")
	}

	verb := "Sync"
	if rep.DryRun {
		verb = "Dry run"
	}
	if rep.Cancelled {
		verb += " cancelled"
	}
	fmt.Printf("%s %s %s in %v (policy %s, direction %s)\n", mark, verb, rep.Phase,
		rep.Duration().Round(time.Millisecond), rep.Policy, rep.Direction)
	fmt.Printf("   Records: %d local, %d in Notion\n", rep.LocalRecords, rep.RemoteRecords)

	kinds := make([]string, 0, len(rep.Counts))
	for _, k := range sync.ChangeKinds {
		if n := rep.Counts[k]; n > 0 {
			kinds = append(kinds, fmt.Sprintf("%s %d", k, n))
		}
	}
	if len(kinds) > 0 {
		fmt.Printf("   Changes: %s\n", strings.Join(kinds, ", "))
	}

	if rep.DryRun {
		printPlan(rep.Planned)
	} else {
		fmt.Printf("   %s created %d, updated %d, deleted %d\n", ui.RenderLocal("Local: "),
			rep.Local.Created, rep.Local.Updated, rep.Local.Deleted)
		fmt.Printf("   %s created %d, updated %d, deleted %d\n", ui.RenderRemote("Notion:"),
			rep.Remote.Created, rep.Remote.Updated, rep.Remote.Deleted)
		if rep.StateOnly > 0 {
			fmt.Printf("   Links refreshed: %d\n", rep.StateOnly)
		}
	}
	if rep.Skipped > 0 {
		fmt.Printf("   Skipped: %d\n", rep.Skipped)
	}
	if rep.Retries > 0 {
		fmt.Printf("   Retries: %d\n", rep.Retries)
	}

	if pending := rep.Pending(); len(pending) > 0 {
		fmt.Printf("\n%s %d conflict(s) need review:\n", ui.RenderWarn("⚠"), len(pending))
		for _, c := range pending {
			fmt.Printf("   %s %s: %s\n", c.Pair, c.Title, strings.Join(c.Resolution.Conflicting, ", "))
		}
		fmt.Printf("   Resolve with 'sam sync resolve <key>'\n")
	}
	if len(rep.Errors) > 0 {
		fmt.Printf("\n%s %d error(s):\n", ui.RenderFail("✗"), len(rep.Errors))
		for _, e := range rep.Errors {
			retry := ""
			if e.Transient {
				retry = ui.RenderMuted(" (will retry next pass)")
			}
			fmt.Printf("   %s [%s] %s%s\n", e.Pair, e.Phase, e.Message, retry)
		}
	}
}

func printPlan(planned []sync.PlannedAction) {
	var rows [][]string
	for _, p := range planned {
		if p.Action == sync.ActionNone {
			continue
		}
		rows = append(rows, []string{p.Pair.String(), p.Title, string(p.Kind), string(p.Action)})
	}
	if len(rows) == 0 {
		fmt.Println("   Nothing to write")
		return
	}
	fmt.Println(ui.Table([]string{"Pair", "Title", "Change", "Would"}, rows))
}

// printConflict shows the differing fields of one conflict side by side.
func printConflict(c sync.ConflictRecord) {
	status := ui.RenderPass("resolvable by " + string(c.Resolution.Policy))
	if c.Resolution.Pending {
		status = ui.RenderWarn("needs review")
	}
	fmt.Printf("%s %s  %s\n", ui.RenderHeader(c.Pair.String()), c.Title, status)
	fmt.Printf("   %s modified %s, %s modified %s\n",
		ui.RenderLocal("local"), humanize.Time(c.LocalModified),
		ui.RenderRemote("Notion"), humanize.Time(c.RemoteModified))

	rows := make([][]string, 0)
	for _, name := range differingFields(c) {
		marker := ""
		for _, f := range c.Resolution.Conflicting {
			if f == name {
				marker = "⚠"
			}
		}
		rows = append(rows, []string{
			marker + name,
			c.Baseline[name],
			display(c.Local[name]),
			display(c.Remote[name]),
		})
	}
	fmt.Println(ui.Table([]string{"Field", "Last synced", "Local", "Notion"}, rows))
	fmt.Println()
}

// differingFields lists the fields whose values differ between the sides.
func differingFields(c sync.ConflictRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, fields := range []map[string]any{c.Local, c.Remote} {
		for name := range fields {
			if seen[name] {
				continue
			}
			seen[name] = true
			if display(c.Local[name]) != display(c.Remote[name]) {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

func display(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []string:
		return strings.Join(x, ", ")
	case time.Time:
		return x.Format(time.RFC3339)
	case float64:
		return humanize.Ftoa(x)
	}
	return fmt.Sprint(v)
}

func init() {
	for _, c := range []*cobra.Command{syncRunCmd, syncConflictsCmd} {
		c.Flags().StringP("policy", "p", "", "conflict policy: local-wins, remote-wins, newest-wins, field-merge, manual (default from config)")
		c.Flags().StringP("direction", "d", "", "which side may be written: both, pull (Notion to local), push (local to Notion)")
	}
	syncRunCmd.Flags().Bool("dry-run", false, "stop after resolving and show what would be written")
	syncStatusCmd.Flags().Bool("check", false, "also verify the Notion credentials")
	syncLogCmd.Flags().String("since", "", "only conflicts recorded after this time")
	syncLogCmd.Flags().IntP("limit", "n", 50, "maximum number of entries (0 for all)")

	syncCmd.AddCommand(syncRunCmd)
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncConflictsCmd)
	syncCmd.AddCommand(syncLogCmd)
	rootCmd.AddCommand(syncCmd)
}

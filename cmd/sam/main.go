// Command sam keeps SDXL generation run metadata in sync between a local
// SQLite database and a Notion database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sdxl-assets/sam/internal/config"
	"github.com/sdxl-assets/sam/internal/logging"
	"github.com/sdxl-assets/sam/internal/ui"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	// v holds defaults, environment bindings and the config file.
	v = config.New()

	// cfg and logs are ready once PersistentPreRunE has run.
	cfg  *config.Config
	logs *logging.Sink

	configFile string
	jsonOutput bool
	yamlOutput bool
	quiet      bool
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "sam",
	Short: "Sync SDXL run metadata between SQLite and Notion",
	Long: `sam keeps the metadata of Stable Diffusion XL generation runs (model,
LoRAs, prompt, sampler settings, tags, status) in sync between a local SQLite
database and a Notion database.

Each pass fetches both sides, classifies every record against the state of
the last successful sync, resolves records edited on both sides with the
configured policy, and writes the result back to both sides.

Configuration is read from ~/.sam/config.toml (or --config) and SAM_*
environment variables. Notion credentials also come from NOTION_API_KEY and
NOTION_DATABASE_ID.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.DisableColor()
		}
		loaded, err := config.Load(v, configFile)
		if err != nil {
			return err
		}
		cfg = loaded
		logs = logging.NewSink(cfg.LogFile, quiet)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Data:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ~/.sam/config.toml)")
	flags.BoolVar(&jsonOutput, "json", false, "print results as JSON")
	flags.BoolVar(&yamlOutput, "yaml", false, "print results as YAML")
	flags.BoolVarP(&quiet, "quiet", "q", false, "do not log to stderr (the log file still gets everything)")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
	flags.String("db", "", "SQLite database path (default ~/.sam/sam.db)")
	flags.String("mapping", "", "mapping table file (default: built-in mapping)")

	// An explicit flag overrides the config file and environment.
	_ = v.BindPFlag("db_path", flags.Lookup("db"))
	_ = v.BindPFlag("mapping_file", flags.Lookup("mapping"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

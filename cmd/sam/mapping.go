package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/sdxl-assets/sam/internal/schema"
	"github.com/sdxl-assets/sam/internal/ui"
)

var mappingCmd = &cobra.Command{
	Use:     "mapping",
	GroupID: "data",
	Short:   "Inspect the field mapping between SQLite and Notion",
	Long: `The mapping table names every shared field, its type, the Notion
property it maps to and the local column it maps from. It is versioned; this
build reads mapping tables with major version ` + schema.SupportedMappingMajor + `.

A custom table is a TOML file set with --mapping or mapping_file. Start from
the built-in one:

  sam mapping show > mapping.toml`,
}

var mappingShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the mapping table in use",
	Run: func(cmd *cobra.Command, args []string) {
		table := loadMapping()
		if structured() {
			printStructured(table)
			return
		}
		if err := toml.NewEncoder(os.Stdout).Encode(table); err != nil {
			fail("encoding mapping", err)
		}
	},
}

var mappingValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a mapping table file",
	Long: `Check that a mapping table parses, has a supported version, names a
natural key among its fields, and maps every field to a compatible Notion
property type and a known local column. Without [file] the configured
mapping is checked.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := cfg.MappingFile
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			fmt.Printf("%s Using the built-in mapping (%s)\n", ui.RenderPass("✓"), schema.DefaultMapping().Version)
			return
		}

		table, err := schema.LoadMappingFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), path, err)
			os.Exit(1)
		}
		fmt.Printf("%s %s: version %s, %d fields, natural key %q\n",
			ui.RenderPass("✓"), path, table.Version, len(table.Fields), table.NaturalKey)
	},
}

func init() {
	mappingCmd.AddCommand(mappingShowCmd)
	mappingCmd.AddCommand(mappingValidateCmd)
	rootCmd.AddCommand(mappingCmd)
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sdxl-assets/sam/internal/db"
	"github.com/sdxl-assets/sam/internal/mapper"
	"github.com/sdxl-assets/sam/internal/notion"
	"github.com/sdxl-assets/sam/internal/schema"
	"github.com/sdxl-assets/sam/internal/sync"
)

// fail prints an error the way every command reports one and exits.
func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "Error %s: %v\n", what, err)
	os.Exit(1)
}

// openDB opens the local database and makes sure the schema exists.
func openDB() *db.DB {
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		fail("opening database", err)
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		fail("initializing schema", err)
	}
	return store
}

// loadMapping returns the configured mapping table, or the built-in one.
func loadMapping() *schema.MappingTable {
	if cfg.MappingFile == "" {
		return schema.DefaultMapping()
	}
	table, err := schema.LoadMappingFile(cfg.MappingFile)
	if err != nil {
		fail("loading mapping", err)
	}
	return table
}

func newNotion() *notion.Client {
	client, err := notion.New(notion.Config{
		APIKey:            cfg.Notion.APIKey,
		DatabaseID:        cfg.Notion.DatabaseID,
		BaseURL:           cfg.Notion.BaseURL,
		RequestsPerSecond: cfg.Notion.RequestsPerSecond,
		Logger:            logs.Logger("notion"),
	})
	if err != nil {
		fail("configuring Notion", err)
	}
	return client
}

// engineOptions adjusts the engine config built from the config file.
type engineOptions struct {
	direction sync.Direction
	observer  sync.Observer
}

// newEngine wires the local database, Notion and the mapping into an
// engine. Conflicts are audited into the local database.
func newEngine(store *db.DB, opts engineOptions) *sync.Engine {
	engCfg, err := cfg.Engine()
	if err != nil {
		fail("reading sync config", err)
	}
	if opts.direction != "" {
		engCfg.Direction = opts.direction
	}
	engCfg.Logger = logs.Logger("sync")
	engCfg.Observer = opts.observer
	engCfg.Audit = store

	engine, err := sync.New(store, newNotion(), mapper.New(loadMapping()), engCfg)
	if err != nil {
		fail("creating sync engine", err)
	}
	return engine
}

// structured reports whether output should be machine readable.
func structured() bool {
	return jsonOutput || yamlOutput
}

// printStructured writes v as JSON or YAML, whichever was requested.
func printStructured(v any) {
	if yamlOutput {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			fail("encoding YAML", err)
		}
		_ = enc.Close()
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail("encoding JSON", err)
	}
}

package sync_test

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/sdxl-assets/sam/internal/mapper"
	"github.com/sdxl-assets/sam/internal/schema"
	"github.com/sdxl-assets/sam/internal/sync"
	"github.com/sdxl-assets/sam/internal/sync/memstore"
)

// This example syncs one local run into an empty Notion database.
func ExampleEngine_RunSync() {
	local := memstore.NewLocal(nil)
	remote := memstore.NewRemote(nil)
	m := mapper.New(nil)

	row, err := m.ToLocal(&schema.Record{Fields: schema.Fields{"title": "Sunset portrait", "cfg": 7.0}})
	if err != nil {
		log.Fatal(err)
	}
	local.Put(row)

	cfg := sync.DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	engine, err := sync.New(local, remote, m, cfg)
	if err != nil {
		log.Fatal(err)
	}

	report, err := engine.RunSync(context.Background(), sync.PolicyNewestWins, false)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(report.Phase, report.Counts[sync.NewLocal], report.Remote.Created)

	report, err = engine.RunSync(context.Background(), "", false)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(report.Phase, report.Counts[sync.Unchanged], report.Applied)
	// Output:
	// committed 1 1
	// committed 1 0
}

// This example previews a pass without writing anything.
func ExampleEngine_RunSync_dryRun() {
	local := memstore.NewLocal(nil)
	remote := memstore.NewRemote(nil)
	m := mapper.New(nil)

	page, err := m.ToExternal(&schema.Record{Fields: schema.Fields{"title": "Night city", "steps": int64(28)}})
	if err != nil {
		log.Fatal(err)
	}
	remote.Put(page)

	cfg := sync.DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	engine, err := sync.New(local, remote, m, cfg)
	if err != nil {
		log.Fatal(err)
	}

	report, err := engine.RunSync(context.Background(), "", true)
	if err != nil {
		log.Fatal(err)
	}
	for _, p := range report.Planned {
		fmt.Println(p.Action, p.Title)
	}
	fmt.Println("local rows:", local.Len())
	// Output:
	// create-local Night city
	// local rows: 0
}
